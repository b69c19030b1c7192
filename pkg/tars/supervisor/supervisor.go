// Package supervisor runs one tars instance: it claims a registry slot,
// binds chat channels, keeps the primary and overwatcher children alive and
// routes frames between them, then tears everything down in order.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jholhewres/tars/pkg/tars/channels"
	"github.com/jholhewres/tars/pkg/tars/config"
	"github.com/jholhewres/tars/pkg/tars/ipc"
	"github.com/jholhewres/tars/pkg/tars/registry"
)

const (
	ChildPrimary   = "primary"
	ChildOverwatch = "overwatch"

	// ChildSupervisor tags input the supervisor itself writes.
	ChildSupervisor = "supervisor"
)

// ErrShutdownTimeout is returned by Shutdown when cleanup did not finish in
// time.
var ErrShutdownTimeout = errors.New("supervisor: shutdown timed out")

// Options configures a Supervisor.
type Options struct {
	Registry *registry.Registry

	// Provisioner creates per-instance chat channels. When nil, Bindings is
	// used as-is and nothing is deleted at shutdown.
	Provisioner channels.Provisioner
	Bindings    channels.Bindings

	Primary   ChildSpec
	Overwatch *ChildSpec

	// InitialPrompt is written to the primary as a user turn after every
	// spawn. Empty sends nothing.
	InitialPrompt string

	// Relay, when set, is started once the slot is bound and closed after
	// the children stop. Its endpoint goes into an MCP config file in
	// StateDir, passed to the primary with --mcp-config.
	Relay    Relay
	StateDir string

	// ConfigPath is handed down to the children.
	ConfigPath string

	RestartPolicy   RestartPolicy
	Sleep           SleepFunc
	GracePeriod     time.Duration
	ShutdownTimeout time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// MCPEndpoint is where the primary child reaches the relay tools.
type MCPEndpoint struct {
	URL     string
	Headers map[string]string
}

// Relay is the chat relay the primary child talks to. It belongs to the
// instance, not to the child: messages queued while the primary restarts are
// delivered on its next wait.
type Relay interface {
	Start(ctx context.Context, slot int, bindings channels.Bindings) (MCPEndpoint, error)
	Close() error
}

// Status is a snapshot of the instance.
type Status struct {
	Instance  int                `json:"instance"`
	ChildPIDs registry.ChildPIDs `json:"childPids"`
	Uptime    string             `json:"uptime"`
	StartedAt time.Time          `json:"startedAt"`
	Children  []ChildStatus      `json:"children"`
	Bindings  channels.Bindings  `json:"bindings,omitempty"`
}

// Supervisor owns the instance slot and both children.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	slot      int
	bindings  channels.Bindings
	created   []string
	relayUp   bool
	mcpConfig string
	pids      registry.ChildPIDs
	primary   *Child
	overwatch *Child
	startedAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a supervisor. Nothing happens until Start.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RestartPolicy == nil {
		opts.RestartPolicy = FixedDelay(DefaultRestartDelay)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	return &Supervisor{
		opts:    opts,
		logger:  opts.Logger.With("component", "supervisor"),
		stopped: make(chan struct{}),
	}
}

// Metrics returns the supervisor's collectors.
func (s *Supervisor) Metrics() *Metrics { return s.opts.Metrics }

// Start claims a slot, binds channels and spawns the children. On error
// everything acquired so far is released.
func (s *Supervisor) Start(ctx context.Context) error {
	slot, err := s.opts.Registry.Acquire()
	if err != nil {
		return fmt.Errorf("acquiring instance slot: %w", err)
	}
	logger := s.logger.With("slot", slot)

	bindings := s.opts.Bindings
	var created []string
	if s.opts.Provisioner != nil {
		bindings, err = s.opts.Provisioner.CreateInstanceChannels(ctx, slot)
		if err != nil {
			s.opts.Registry.Release(slot)
			return fmt.Errorf("creating instance channels: %w", err)
		}
		created = deletionOrder(bindings)
		logger.Info("instance channels created", "bindings", bindings)
	}

	binding := config.Binding{
		Slot:       slot,
		ConfigPath: s.opts.ConfigPath,
		StateDir:   s.opts.StateDir,
		Channels:   bindings,
	}
	env := binding.Environ()

	primarySpec := s.opts.Primary
	primarySpec.Name = ChildPrimary
	primarySpec.Args = slices.Clone(primarySpec.Args)
	primarySpec.Env = append(slices.Clone(primarySpec.Env), env...)

	var mcpPath string
	if s.opts.Relay != nil {
		endpoint, err := s.opts.Relay.Start(ctx, slot, bindings)
		if err != nil {
			s.rollback(slot, created, false)
			return fmt.Errorf("starting relay: %w", err)
		}
		mcpPath, err = writeMCPConfig(s.opts.StateDir, slot, endpoint)
		if err != nil {
			s.rollback(slot, created, true)
			return err
		}
		primarySpec.Args = append(primarySpec.Args, "--mcp-config", mcpPath)
		logger.Info("relay started", "url", endpoint.URL)
	}

	s.mu.Lock()
	s.slot = slot
	s.bindings = bindings
	s.created = created
	s.relayUp = s.opts.Relay != nil
	s.mcpConfig = mcpPath
	s.startedAt = time.Now()
	s.primary = s.newChild(primarySpec, s.handlePrimaryLine, func(pid int) {
		s.recordPID(ChildPrimary, pid)
		s.sendInitialPrompt()
	})
	if s.opts.Overwatch != nil {
		spec := *s.opts.Overwatch
		spec.Name = ChildOverwatch
		spec.Env = append(slices.Clone(spec.Env), env...)
		s.overwatch = s.newChild(spec, s.handleOverwatchLine, func(pid int) { s.recordPID(ChildOverwatch, pid) })
	}
	primary, overwatch := s.primary, s.overwatch
	s.mu.Unlock()

	primary.Start(ctx)
	if overwatch != nil {
		overwatch.Start(ctx)
	}
	logger.Info("instance started", "overwatch", overwatch != nil)
	return nil
}

func (s *Supervisor) newChild(spec ChildSpec, onLine func([]byte), onSpawn func(int)) *Child {
	opts := []ChildOption{
		WithRestartPolicy(s.opts.RestartPolicy),
		WithLineHandler(onLine),
		WithSpawnHook(onSpawn),
		WithMetrics(s.opts.Metrics),
	}
	if s.opts.Sleep != nil {
		opts = append(opts, WithSleep(s.opts.Sleep))
	}
	return NewChild(spec, s.logger, opts...)
}

func (s *Supervisor) rollback(slot int, created []string, relayUp bool) {
	if relayUp {
		s.closeRelay()
	}
	if s.opts.Provisioner != nil && len(created) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.opts.Provisioner.DeleteChannels(ctx, created); err != nil {
			s.logger.Warn("deleting instance channels", "error", err)
		}
	}
	s.opts.Registry.Release(slot)
}

func (s *Supervisor) closeRelay() {
	if err := s.opts.Relay.Close(); err != nil {
		s.logger.Warn("closing relay", "error", err)
	}
}

// sendInitialPrompt opens a fresh primary session so the child starts its
// wait loop without anyone injecting by hand.
func (s *Supervisor) sendInitialPrompt() {
	if s.opts.InitialPrompt == "" {
		return
	}
	s.mu.Lock()
	primary := s.primary
	s.mu.Unlock()
	if primary == nil {
		return
	}
	line, err := ipc.EncodeUserInput(ChildSupervisor, s.opts.InitialPrompt)
	if err != nil {
		s.logger.Warn("encoding initial prompt", "error", err)
		return
	}
	if !primary.Write(line) {
		s.logger.Warn("initial prompt not delivered")
	}
}

// recordPID stores a freshly spawned child's pid in the slot record so
// `tars slots` and external tooling see current pids.
func (s *Supervisor) recordPID(child string, pid int) {
	s.mu.Lock()
	switch child {
	case ChildPrimary:
		s.pids.Primary = pid
	case ChildOverwatch:
		s.pids.Overwatch = pid
	}
	slot, pids := s.slot, s.pids
	s.mu.Unlock()

	if err := s.opts.Registry.Update(slot, pids); err != nil {
		s.logger.Warn("updating slot record", "slot", slot, "error", err)
	}
}

// handlePrimaryLine parses the primary's stream-json output. Assistant text
// is forwarded to the overwatcher as an observation; anything unparseable is
// logged verbatim.
func (s *Supervisor) handlePrimaryLine(line []byte) {
	ev, ok := ipc.ParseLine(line)
	if !ok {
		if len(bytes.TrimSpace(line)) > 0 {
			s.logger.Info("primary output", "line", string(line))
		}
		return
	}
	switch ev.Type {
	case "assistant":
		text := ev.Text()
		if text == "" {
			return
		}
		s.logger.Debug("primary assistant text", "len", len(text))
		s.observe(text)
	case "result":
		if ev.IsError {
			s.logger.Warn("primary turn failed", "result", ev.Result)
		} else {
			s.logger.Debug("primary turn finished")
		}
	case "system":
		s.logger.Debug("primary system event", "subtype", ev.Subtype, "session", ev.SessionID)
	}
}

func (s *Supervisor) observe(text string) {
	s.mu.Lock()
	ow := s.overwatch
	s.mu.Unlock()
	if ow == nil {
		return
	}
	var buf bytes.Buffer
	if err := ipc.WriteFrame(&buf, ipc.Frame{Type: ipc.FrameObservation, Source: ChildPrimary, Text: text}); err != nil {
		s.logger.Warn("encoding observation", "error", err)
		return
	}
	if !ow.Write(buf.Bytes()) {
		s.logger.Debug("overwatcher not accepting observations")
	}
}

// handleOverwatchLine turns directive frames into injections. Other output
// is logged.
func (s *Supervisor) handleOverwatchLine(line []byte) {
	f, err := ipc.DecodeFrame(line)
	if err != nil {
		if len(bytes.TrimSpace(line)) > 0 {
			s.logger.Info("overwatch output", "line", string(line))
		}
		return
	}
	if f.Type != ipc.FrameDirective || f.Text == "" {
		return
	}
	ok := s.Inject("overwatcher", f.Text)
	s.logger.Info("overwatch directive", "kind", f.Kind, "score", f.Score, "delivered", ok)
}

// Inject writes a user turn tagged with source to the primary's stdin. It
// reports false when the primary is not accepting input; the message is
// dropped.
func (s *Supervisor) Inject(source, text string) bool {
	s.mu.Lock()
	primary := s.primary
	s.mu.Unlock()

	ok := false
	if primary != nil {
		line, err := ipc.EncodeUserInput(source, text)
		if err != nil {
			s.logger.Warn("encoding injection", "error", err)
		} else {
			ok = primary.Write(line)
		}
	}
	s.opts.Metrics.injected(source, ok)
	if !ok {
		s.logger.Warn("injection rejected", "source", source)
	}
	return ok
}

// Slot returns the claimed instance slot, or 0 before Start.
func (s *Supervisor) Slot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

// Status returns a snapshot of the instance.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Instance:  s.slot,
		ChildPIDs: s.pids,
		StartedAt: s.startedAt,
		Bindings:  s.bindings,
	}
	children := []*Child{s.primary, s.overwatch}
	s.mu.Unlock()

	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}
	for _, c := range children {
		if c == nil {
			continue
		}
		cs := c.Status()
		st.Children = append(st.Children, cs)
		switch cs.Name {
		case ChildPrimary:
			st.ChildPIDs.Primary = cs.PID
		case ChildOverwatch:
			st.ChildPIDs.Overwatch = cs.PID
		}
	}
	return st
}

// Shutdown stops the children, releases the slot and deletes channels this
// instance created. It is safe to call more than once and from several
// goroutines; later calls wait for the first. It returns ErrShutdownTimeout
// if cleanup outlives the shutdown timeout.
func (s *Supervisor) Shutdown(reason string) error {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down", "reason", reason)
		go func() {
			s.cleanup()
			close(s.stopped)
		}()
	})

	select {
	case <-s.stopped:
		return nil
	case <-time.After(s.opts.ShutdownTimeout):
		s.logger.Warn("shutdown timed out", "timeout", s.opts.ShutdownTimeout)
		return ErrShutdownTimeout
	}
}

// Done is closed when shutdown cleanup has finished.
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }

func (s *Supervisor) cleanup() {
	s.mu.Lock()
	children := []*Child{s.primary, s.overwatch}
	slot, created, mcpPath, relayUp := s.slot, s.created, s.mcpConfig, s.relayUp
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func(c *Child) {
			defer wg.Done()
			c.Stop(s.opts.GracePeriod)
		}(c)
	}
	wg.Wait()

	if slot == 0 {
		return
	}
	if relayUp {
		s.closeRelay()
	}
	s.opts.Registry.Release(slot)

	if s.opts.Provisioner != nil && len(created) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s.opts.Provisioner.DeleteChannels(ctx, created); err != nil {
			s.logger.Warn("deleting instance channels", "error", err)
		} else {
			s.logger.Info("instance channels deleted", "count", len(created))
		}
		cancel()
	}
	if mcpPath != "" {
		if err := os.Remove(mcpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing mcp config", "error", err)
		}
	}
	s.logger.Info("shutdown complete", "slot", slot)
}

// Run starts the instance and blocks until ctx is done, then shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown(context.Cause(ctx).Error())
}

// deletionOrder lists the channel ids of bindings with the category last, so
// text channels go before their parent.
func deletionOrder(b channels.Bindings) []string {
	names := make([]string, 0, len(b))
	for name := range b {
		if name != "category" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	ids := make([]string, 0, len(b))
	for _, name := range names {
		ids = append(ids, b[name])
	}
	if id, ok := b["category"]; ok {
		ids = append(ids, id)
	}
	return ids
}

type mcpServer struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// writeMCPConfig writes the --mcp-config file that points the primary child
// at the relay. The file may carry the endpoint token, so it is private to
// the user.
func writeMCPConfig(dir string, slot int, endpoint MCPEndpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating state dir: %w", err)
	}
	doc := map[string]any{
		"mcpServers": map[string]mcpServer{
			"tars": {Type: "http", URL: endpoint.URL, Headers: endpoint.Headers},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding mcp config: %w", err)
	}
	path := filepath.Join(dir, "mcp-"+strconv.Itoa(slot)+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return path, nil
}
