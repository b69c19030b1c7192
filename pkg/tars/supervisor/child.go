package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a supervised child.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// DefaultRestartDelay is the pause between a child exiting and its respawn.
const DefaultRestartDelay = 5 * time.Second

const maxLineSize = 4 << 20

// RestartPolicy decides how long to wait before respawning a child that has
// already been restarted `restarts` times.
type RestartPolicy interface {
	Delay(restarts int) time.Duration
}

// FixedDelay restarts after the same delay every time, without a cap.
type FixedDelay time.Duration

// Delay implements RestartPolicy.
func (d FixedDelay) Delay(int) time.Duration { return time.Duration(d) }

// SleepFunc waits for d or until ctx is done. Tests replace it to drive
// restarts without real timers.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChildSpec describes how to launch a child.
type ChildSpec struct {
	Name string
	Path string
	Args []string
	// Env is appended to the supervisor's own environment.
	Env []string
	Dir string
}

// ChildStatus is a snapshot of a child handle.
type ChildStatus struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	PID          int       `json:"pid"`
	RestartCount int       `json:"restartCount"`
	LastExitCode int       `json:"lastExitCode"`
	StartedAt    time.Time `json:"startedAt,omitzero"`
}

// ChildOption configures a Child.
type ChildOption func(*Child)

// WithRestartPolicy replaces the default fixed 5s delay.
func WithRestartPolicy(p RestartPolicy) ChildOption {
	return func(c *Child) { c.policy = p }
}

// WithSleep replaces the restart wait.
func WithSleep(fn SleepFunc) ChildOption {
	return func(c *Child) { c.sleep = fn }
}

// WithLineHandler receives every stdout line of the child.
func WithLineHandler(fn func(line []byte)) ChildOption {
	return func(c *Child) { c.onLine = fn }
}

// WithSpawnHook is called with the pid after every successful spawn.
func WithSpawnHook(fn func(pid int)) ChildOption {
	return func(c *Child) { c.onSpawn = fn }
}

// WithMetrics records restarts and liveness.
func WithMetrics(m *Metrics) ChildOption {
	return func(c *Child) { c.metrics = m }
}

// WithStderrFilter replaces the list of stderr substrings that are dropped
// instead of logged.
func WithStderrFilter(noise []string) ChildOption {
	return func(c *Child) { c.noise = noise }
}

// defaultStderrNoise are warnings the Claude CLI and its node runtime print
// on every start.
var defaultStderrNoise = []string{
	"ExperimentalWarning",
	"DeprecationWarning",
	"punycode",
	"--trace-warnings",
	"--trace-deprecation",
}

// Child supervises one process: it spawns it, respawns it after every exit,
// and stops it on request. The cycle is
// starting -> running -> exited -> restarting -> starting, ending only in
// stopped.
type Child struct {
	spec    ChildSpec
	policy  RestartPolicy
	sleep   SleepFunc
	onLine  func([]byte)
	onSpawn func(int)
	noise   []string
	metrics *Metrics
	logger  *slog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	pid          int
	restartCount int
	lastExitCode int
	startedAt    time.Time
	exited       chan struct{}
	started      bool
	stopping     bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewChild creates a child handle. Nothing runs until Start.
func NewChild(spec ChildSpec, logger *slog.Logger, opts ...ChildOption) *Child {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Child{
		spec:   spec,
		policy: FixedDelay(DefaultRestartDelay),
		sleep:  sleepContext,
		noise:  defaultStderrNoise,
		logger: logger.With("child", spec.Name),
		state:  StateStarting,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the child's name.
func (c *Child) Name() string { return c.spec.Name }

// Start launches the supervision loop. It returns immediately; a failed
// spawn is treated like an exit and retried after the restart delay.
func (c *Child) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Child) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateStopped)

	for {
		exited, err := c.spawn()
		switch {
		case errors.Is(err, errStopping):
			return
		case err != nil:
			c.logger.Error("spawning child", "error", err)
			c.mu.Lock()
			c.state = StateExited
			c.lastExitCode = -1
			c.mu.Unlock()
		default:
			<-exited
		}

		c.mu.Lock()
		if c.stopping {
			c.mu.Unlock()
			return
		}
		c.state = StateRestarting
		delay := c.policy.Delay(c.restartCount)
		c.mu.Unlock()

		c.logger.Info("restarting child", "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return
		}

		c.mu.Lock()
		if c.stopping {
			c.mu.Unlock()
			return
		}
		c.restartCount++
		c.state = StateStarting
		c.mu.Unlock()
		c.metrics.childRestarted(c.spec.Name)
	}
}

var errStopping = errors.New("child is stopping")

// spawn starts the process and returns a channel closed when it exits.
func (c *Child) spawn() (<-chan struct{}, error) {
	c.mu.Lock()
	exited, err := c.startLocked()
	pid := c.pid
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c.onSpawn != nil {
		c.onSpawn(pid)
	}
	return exited, nil
}

func (c *Child) startLocked() (<-chan struct{}, error) {
	if c.stopping {
		return nil, errStopping
	}

	cmd := exec.Command(c.spec.Path, c.spec.Args...)
	cmd.Env = append(os.Environ(), c.spec.Env...)
	cmd.Dir = c.spec.Dir
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.spec.Path, err)
	}

	exited := make(chan struct{})
	c.cmd = cmd
	c.stdin = stdin
	c.pid = cmd.Process.Pid
	c.startedAt = time.Now()
	c.exited = exited
	c.state = StateRunning
	c.metrics.childUp(c.spec.Name, true)
	c.logger.Info("child started", "pid", c.pid, "restarts", c.restartCount)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		c.readStderr(stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}

		c.mu.Lock()
		c.state = StateExited
		c.lastExitCode = code
		c.stdin = nil
		c.mu.Unlock()
		c.metrics.childUp(c.spec.Name, false)

		if err != nil {
			c.logger.Warn("child exited", "pid", cmd.Process.Pid, "code", code, "error", err)
		} else {
			c.logger.Info("child exited", "pid", cmd.Process.Pid, "code", code)
		}
		close(exited)
	}()

	return exited, nil
}

func (c *Child) readStdout(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if c.onLine != nil {
			c.onLine(sc.Bytes())
		} else {
			c.logger.Info("child output", "line", sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("reading child stdout", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (c *Child) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" || c.isNoise(line) {
			continue
		}
		c.logger.Warn("child stderr", "line", line)
	}
	_, _ = io.Copy(io.Discard, r)
}

func (c *Child) isNoise(line string) bool {
	for _, n := range c.noise {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}

// Write sends data to the child's stdin. It reports false when the child is
// not running or the write fails; the data is dropped, not queued.
func (c *Child) Write(data []byte) bool {
	c.mu.Lock()
	stdin := c.stdin
	running := c.state == StateRunning
	c.mu.Unlock()
	if !running || stdin == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		c.logger.Warn("writing child stdin", "error", err)
		return false
	}
	return true
}

// Stop terminates the child (SIGTERM to its process group, SIGKILL after
// grace) and ends the restart loop. Concurrent and repeated calls wait for
// the first one to finish.
func (c *Child) Stop(grace time.Duration) {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.stopping = true
		c.state = StateStopped
		close(c.done)
		c.mu.Unlock()
		return
	}
	if c.stopping {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.stopping = true
	cmd, exited := c.cmd, c.exited
	running := c.state == StateRunning
	c.cancel()
	c.mu.Unlock()

	if running {
		if err := terminate(cmd); err != nil {
			c.logger.Warn("sending SIGTERM", "error", err)
		}
		select {
		case <-exited:
		case <-time.After(grace):
			c.logger.Warn("child ignored SIGTERM, killing", "grace", grace)
			if err := kill(cmd); err != nil {
				c.logger.Warn("sending SIGKILL", "error", err)
			}
			<-exited
		}
	}
	<-c.done
}

// Done is closed once the child has stopped for good.
func (c *Child) Done() <-chan struct{} { return c.done }

// Status returns a snapshot of the handle.
func (c *Child) Status() ChildStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid := c.pid
	if c.state != StateRunning {
		pid = 0
	}
	return ChildStatus{
		Name:         c.spec.Name,
		State:        c.state,
		PID:          pid,
		RestartCount: c.restartCount,
		LastExitCode: c.lastExitCode,
		StartedAt:    c.startedAt,
	}
}

func (c *Child) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
