// Package overwatch implements the overwatcher process: it watches what the
// primary child says, periodically asks a second model to score it against a
// rubric, and answers with directive frames the supervisor injects back into
// the primary.
package overwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/tars/pkg/tars/ipc"
)

// Options configures an Overwatcher.
type Options struct {
	Schedule string
	Rubric   string

	// Threshold: a verdict scoring below it emits its directive.
	Threshold         int
	SlingshotCooldown time.Duration
	// Window bounds the transcript kept in memory.
	Window int
	// History is how many previous verdicts go into the prompt.
	History int

	Model  Model
	Store  *Store
	Out    io.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

// Overwatcher evaluates the primary's transcript on a schedule.
type Overwatcher struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	transcript []Observation
	dirty      bool

	outMu   sync.Mutex
	running atomic.Bool
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New validates the options and returns an Overwatcher.
func New(opts Options) (*Overwatcher, error) {
	if opts.Model == nil || opts.Store == nil || opts.Out == nil {
		return nil, errors.New("overwatch: model, store and output are required")
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("overwatch: invalid schedule %q: %w", opts.Schedule, err)
	}
	if opts.Rubric == "" {
		opts.Rubric = DefaultRubric
	}
	if opts.Window <= 0 {
		opts.Window = 40
	}
	if opts.History < 0 {
		opts.History = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Overwatcher{
		opts:   opts,
		logger: opts.Logger.With("component", "overwatch"),
	}, nil
}

// Run reads observation frames from in and evaluates on the schedule until
// ctx is done or in is closed.
func (o *Overwatcher) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(o.opts.Schedule, func() {
		if _, _, err := o.Evaluate(ctx); err != nil {
			o.logger.Warn("evaluation failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("overwatch: scheduling: %w", err)
	}
	c.Start()
	o.logger.Info("overwatcher started", "schedule", o.opts.Schedule, "threshold", o.opts.Threshold)
	defer func() {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			o.logger.Warn("overwatch stop timed out")
		}
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- o.readFrames(in) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		if err != nil {
			return fmt.Errorf("overwatch: reading input: %w", err)
		}
		o.logger.Info("input closed, stopping")
		return nil
	}
}

func (o *Overwatcher) readFrames(in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		f, err := ipc.DecodeFrame(sc.Bytes())
		if err != nil {
			o.logger.Debug("ignoring input line", "error", err)
			continue
		}
		if f.Type == ipc.FrameObservation {
			o.Observe(Observation{Source: f.Source, Text: f.Text, At: f.Timestamp})
		}
	}
	return sc.Err()
}

// Observe appends to the transcript window.
func (o *Overwatcher) Observe(obs Observation) {
	if obs.At.IsZero() {
		obs.At = o.opts.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcript = append(o.transcript, obs)
	if over := len(o.transcript) - o.opts.Window; over > 0 {
		o.transcript = append(o.transcript[:0:0], o.transcript[over:]...)
	}
	o.dirty = true
}

// Evaluate scores the transcript if anything new arrived since the last
// evaluation. It reports the verdict and whether one was produced. A run
// already in progress makes this call a no-op.
func (o *Overwatcher) Evaluate(ctx context.Context) (Verdict, bool, error) {
	if !o.running.CompareAndSwap(false, true) {
		return Verdict{}, false, nil
	}
	defer o.running.Store(false)

	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return Verdict{}, false, nil
	}
	transcript := append([]Observation(nil), o.transcript...)
	o.dirty = false
	o.mu.Unlock()

	var history []Verdict
	if o.opts.History > 0 {
		h, err := o.opts.Store.Recent(o.opts.History)
		if err != nil {
			o.logger.Warn("loading verdict history", "error", err)
		}
		history = h
	}

	answer, err := o.opts.Model.Complete(ctx, BuildPrompt(o.opts.Rubric, transcript, history))
	if err != nil {
		o.markDirty()
		return Verdict{}, false, fmt.Errorf("asking model: %w", err)
	}

	v := ExtractVerdict(answer)
	if v.Fallback {
		o.logger.Warn("model answer had no usable verdict", "answer", tail(answer, 200))
	}
	v.ID = uuid.NewString()
	v.CreatedAt = o.opts.Now()
	v.Kind = o.throttle(v.Kind)
	v.Emitted = v.Kind != KindNone && v.Directive != "" && v.Score < o.opts.Threshold

	if err := o.opts.Store.Save(v); err != nil {
		o.logger.Warn("saving verdict", "error", err)
	}
	o.logger.Info("verdict", "score", v.Score, "kind", v.Kind, "emitted", v.Emitted, "verdict", v.Verdict)

	if v.Emitted {
		if err := o.emit(v); err != nil {
			return v, true, fmt.Errorf("writing directive: %w", err)
		}
	}
	return v, true, nil
}

// throttle downgrades a slingshot to a nudge when one was emitted within the
// cooldown.
func (o *Overwatcher) throttle(k Kind) Kind {
	if k != KindSlingshot || o.opts.SlingshotCooldown <= 0 {
		return k
	}
	last, ok, err := o.opts.Store.LastEmitted(KindSlingshot)
	if err != nil {
		o.logger.Warn("checking slingshot cooldown", "error", err)
		return KindNudge
	}
	if ok && o.opts.Now().Sub(last) < o.opts.SlingshotCooldown {
		o.logger.Info("slingshot throttled", "last", last, "cooldown", o.opts.SlingshotCooldown)
		return KindNudge
	}
	return k
}

func (o *Overwatcher) emit(v Verdict) error {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	return ipc.WriteFrame(o.opts.Out, ipc.Frame{
		Type:      ipc.FrameDirective,
		Source:    "overwatcher",
		Kind:      string(v.Kind),
		Score:     v.Score,
		Text:      v.Directive,
		Timestamp: v.CreatedAt,
	})
}

func (o *Overwatcher) markDirty() {
	o.mu.Lock()
	o.dirty = true
	o.mu.Unlock()
}
