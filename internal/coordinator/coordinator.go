// Package coordinator tracks the background tasks of a session and
// negotiates their shutdown.
//
// Tasks are stopped cooperatively: the coordinator only raises a stop flag
// and waits. A task that does not stop within its policy window is
// reported as forced and abandoned; its goroutine is never killed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ua "go.uber.org/atomic"
	"go.uber.org/zap"

	"gridrepo/internal/prompt"
)

// ErrClosed is returned when a task is started after shutdown began
var ErrClosed = errors.New("coordinator is shutting down")

// Policy decides what happens to critical tasks that outlive the timeout
type Policy string

const (
	// PolicyInteractive asks the operator whether to force quit
	PolicyInteractive Policy = "interactive"
	// PolicyBatch force quits after the timeout with a warning
	PolicyBatch Policy = "batch"
)

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	return p == PolicyInteractive || p == PolicyBatch
}

// Config holds the shutdown timing
type Config struct {
	Policy Policy
	// Timeout is how long critical tasks get before the policy applies
	Timeout time.Duration
	// PromptInterval is the gap between repeated operator prompts
	PromptInterval time.Duration
	// NonCriticalGrace is how long non-critical tasks get before they
	// are forced, regardless of policy
	NonCriticalGrace time.Duration
	// PollInterval is how often task states are checked
	PollInterval time.Duration
}

// DefaultConfig returns the batch policy with conservative timings
func DefaultConfig() Config {
	return Config{
		Policy:           PolicyBatch,
		Timeout:          60 * time.Second,
		PromptInterval:   10 * time.Second,
		NonCriticalGrace: 5 * time.Second,
		PollInterval:     100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PromptInterval <= 0 {
		c.PromptInterval = d.PromptInterval
	}
	if c.NonCriticalGrace <= 0 {
		c.NonCriticalGrace = d.NonCriticalGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
}

// ============================================================================
// Tasks
// ============================================================================

// State is the lifecycle state of a task
type State int32

const (
	StateRunning State = iota
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Task is one tracked background task
type Task struct {
	name     string
	critical bool
	state    ua.Int32
	forced   ua.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newTask(name string, critical bool) *Task {
	return &Task{
		name:     name,
		critical: critical,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the task name
func (t *Task) Name() string { return t.name }

// Critical reports whether the task guards durable state
func (t *Task) Critical() bool { return t.critical }

// State returns the current state
func (t *Task) State() State { return State(t.state.Load()) }

// Forced reports whether shutdown gave up waiting for the task
func (t *Task) Forced() bool { return t.forced.Load() }

// ShouldStop reports whether a stop was requested
func (t *Task) ShouldStop() bool {
	return t.State() != StateRunning
}

// Stopping is closed when a stop is requested
func (t *Task) Stopping() <-chan struct{} {
	return t.stop
}

// Stopped is closed once the task has called Done
func (t *Task) Stopped() <-chan struct{} {
	return t.done
}

// Sleep waits for d or a stop request. It returns false when the task
// should stop.
func (t *Task) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stop:
		return false
	}
}

func (t *Task) requestStop() {
	t.stopOnce.Do(func() {
		t.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested))
		close(t.stop)
	})
}

// Done marks the task stopped. It is safe to call more than once.
func (t *Task) Done() {
	if t.state.Swap(int32(StateStopped)) != int32(StateStopped) {
		close(t.done)
	}
}

// TaskInfo is a snapshot of a task for reporting
type TaskInfo struct {
	Name     string
	Critical bool
	State    State
	Forced   bool
}

// ============================================================================
// Coordinator
// ============================================================================

// Option configures a Coordinator
type Option func(*Coordinator)

// WithPrompter sets the prompter used by the interactive policy
func WithPrompter(p prompt.Prompter) Option {
	return func(c *Coordinator) {
		c.prompter = p
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Coordinator tracks tasks and runs the shutdown protocol
type Coordinator struct {
	cfg      Config
	prompter prompt.Prompter
	logger   *zap.Logger

	mu      sync.Mutex
	tasks   []*Task
	closing ua.Bool
}

// New creates a coordinator
func New(cfg Config, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("coordinator")
	return c
}

// Config returns the effective configuration
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Track registers a task whose goroutine is managed by the caller. The
// caller must call Done when the task exits.
func (c *Coordinator) Track(name string, critical bool) (*Task, error) {
	if c.closing.Load() {
		return nil, ErrClosed
	}
	t := newTask(name, critical)
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	return t, nil
}

// Go starts fn in a tracked goroutine. fn should return soon after
// t.Stopping() is closed. ctx is handed to fn unchanged; the coordinator
// never cancels it.
func (c *Coordinator) Go(ctx context.Context, name string, critical bool, fn func(ctx context.Context, t *Task)) (*Task, error) {
	t, err := c.Track(name, critical)
	if err != nil {
		return nil, err
	}
	go func() {
		defer t.Done()
		fn(ctx, t)
	}()
	return t, nil
}

// Tasks returns a snapshot of all tracked tasks in start order
func (c *Coordinator) Tasks() []TaskInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskInfo, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = TaskInfo{Name: t.name, Critical: t.critical, State: t.State(), Forced: t.Forced()}
	}
	return out
}

// RequestStop raises the stop flag of every task without waiting
func (c *Coordinator) RequestStop() {
	c.mu.Lock()
	tasks := append([]*Task(nil), c.tasks...)
	c.mu.Unlock()
	for _, t := range tasks {
		t.requestStop()
	}
}

// Report summarizes a shutdown
type Report struct {
	Stopped []string
	Forced  []string
	Elapsed time.Duration
}

// Clean reports whether every task stopped on its own
func (r Report) Clean() bool {
	return len(r.Forced) == 0
}

// Shutdown stops every task and waits according to the policy. Tasks
// started after Shutdown begins are refused. Cancelling ctx forces every
// remaining task.
func (c *Coordinator) Shutdown(ctx context.Context) Report {
	c.closing.Store(true)
	c.RequestStop()

	c.mu.Lock()
	pending := append([]*Task(nil), c.tasks...)
	c.mu.Unlock()

	start := time.Now()
	var lastPrompt time.Time
	var report Report

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		pending = c.collect(pending, &report)
		if len(pending) == 0 {
			break
		}
		elapsed := time.Since(start)

		if elapsed >= c.cfg.NonCriticalGrace {
			pending = c.force(pending, &report, func(t *Task) bool { return !t.critical },
				"forcing non-critical tasks after grace period")
		}

		if elapsed >= c.cfg.Timeout && hasCritical(pending) {
			if c.shouldForce(pending, &lastPrompt) {
				pending = c.force(pending, &report, func(*Task) bool { return true },
					"forcing shutdown with tasks still running")
			}
		}
		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			pending = c.collect(pending, &report)
			c.force(pending, &report, func(*Task) bool { return true },
				"shutdown interrupted, abandoning running tasks")
			report.Elapsed = time.Since(start)
			return report
		case <-ticker.C:
		}
	}

	report.Elapsed = time.Since(start)
	c.logger.Debug("shutdown complete",
		zap.Strings("stopped", report.Stopped),
		zap.Strings("forced", report.Forced),
		zap.Duration("elapsed", report.Elapsed))
	return report
}

// collect moves stopped tasks out of pending
func (c *Coordinator) collect(pending []*Task, report *Report) []*Task {
	kept := pending[:0]
	for _, t := range pending {
		if t.State() == StateStopped {
			report.Stopped = append(report.Stopped, t.name)
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// force abandons the pending tasks matching sel and logs a warning naming them
func (c *Coordinator) force(pending []*Task, report *Report, sel func(*Task) bool, msg string) []*Task {
	var names []string
	kept := pending[:0]
	for _, t := range pending {
		if !sel(t) {
			kept = append(kept, t)
			continue
		}
		t.forced.Store(true)
		names = append(names, t.name)
	}
	if len(names) > 0 {
		sort.Strings(names)
		report.Forced = append(report.Forced, names...)
		c.logger.Warn(msg, zap.Strings("tasks", names))
	}
	return kept
}

// shouldForce applies the policy once the timeout has elapsed
func (c *Coordinator) shouldForce(pending []*Task, lastPrompt *time.Time) bool {
	if c.cfg.Policy != PolicyInteractive {
		return true
	}
	if c.prompter == nil {
		c.logger.Warn("interactive shutdown without a prompter, using batch policy")
		return true
	}
	if !lastPrompt.IsZero() && time.Since(*lastPrompt) < c.cfg.PromptInterval {
		return false
	}
	*lastPrompt = time.Now()

	var names []string
	for _, t := range pending {
		if t.critical {
			names = append(names, t.name)
		}
	}
	sort.Strings(names)
	q := fmt.Sprintf("Critical tasks still running: %s. Force quit?", strings.Join(names, ", "))
	yes, err := c.prompter.Confirm(q, false)
	if err != nil {
		c.logger.Warn("shutdown prompt failed, using batch policy", zap.Error(err))
		return true
	}
	return yes
}

func hasCritical(tasks []*Task) bool {
	for _, t := range tasks {
		if t.critical {
			return true
		}
	}
	return false
}
