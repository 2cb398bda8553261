// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/dedupv1adm/internal/daemonconf"
	"github.com/tombee/dedupv1adm/internal/dirty"
	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/internal/metrics"
	"github.com/tombee/dedupv1adm/internal/monitor"
	"github.com/tombee/dedupv1adm/internal/reconcile"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

const (
	// StartUnknownIterations is how many poll rounds a start tolerates
	// without seeing a live daemon.
	StartUnknownIterations = 4

	// MaxStartIterations bounds the wait for a live daemon to report ok.
	MaxStartIterations = 128

	// MaxStopIterations bounds the wait for the daemon to exit.
	MaxStopIterations = 128

	// PollUnit scales the poll delay: iteration i sleeps 2*i units.
	PollUnit = time.Second

	// cleanupTimeout bounds cleanup that runs after ctx is cancelled.
	cleanupTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/tombee/dedupv1adm/internal/lifecycle")

// Monitor is the part of the daemon monitor the controller drives.
type Monitor interface {
	StatusReader
	ChangeState(ctx context.Context, state string) error
}

var _ Monitor = (*monitor.Client)(nil)

// StartOptions controls Start.
type StartOptions struct {
	// Create lets the daemon format its data on first start.
	Create bool

	// Force removes the lock file of a running daemon and is passed on
	// to the daemon. Reconciliation failures are logged, not fatal.
	Force bool

	// Bypass launches dedupv1d directly instead of dedupv1_starter.
	Bypass bool

	// Verbose logs every reconciled object.
	Verbose bool

	// ConfigFile is the daemon configuration passed to the daemon.
	ConfigFile string
}

// StopOptions controls Stop.
type StopOptions struct {
	// Force stops a daemon that is not running or has open sessions and
	// continues past reconciliation and monitor failures.
	Force bool

	// WritebackStop asks the daemon to write back all open index data
	// before exiting. This may take a long time.
	WritebackStop bool

	Verbose bool
}

// StatusInfo is the observed daemon state.
type StatusInfo struct {
	State State `json:"state"`
	PID   int   `json:"pid,omitempty"`

	// Command is the daemon command line when the process table can
	// report it.
	Command string `json:"command,omitempty"`
}

// Deps are the controller's collaborators. Nil fields get defaults where
// one exists.
type Deps struct {
	Monitor   Monitor
	Source    reconcile.DeclaredSource
	Kernel    reconcile.Kernel
	Launcher  Launcher
	Processes ProcessTable
	Prereqs   PrereqChecker
	Sleeper   Sleeper
	Events    *LifecycleLogger
	Logger    *slog.Logger

	// Progress receives one dot per poll iteration. Nil disables it.
	Progress io.Writer

	// LoggingFile is passed to the daemon with --logging when set.
	LoggingFile string
}

// Controller starts and stops dedupv1d and keeps the kernel target
// configuration in line with it.
type Controller struct {
	root   string
	config *daemonconf.Config
	lock   *LockFile
	health *HealthChecker
	deps   Deps
	logger *slog.Logger
	state  State
}

// NewController creates a controller for the installation at root.
func NewController(root string, dc *daemonconf.Config, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = log.Discard()
	}
	if deps.Sleeper == nil {
		deps.Sleeper = ContextSleeper{}
	}
	if deps.Processes == nil {
		deps.Processes = NewProcFS("")
	}
	if deps.Events == nil {
		deps.Events = NewLifecycleLogger(nil, "", deps.Logger)
	}
	return &Controller{
		root:   root,
		config: dc,
		lock:   NewLockFile(dc.Get(daemonconf.KeyLockFile)),
		health: NewHealthChecker(deps.Monitor),
		deps:   deps,
		logger: log.WithComponent(deps.Logger, "lifecycle"),
		state:  StateStopped,
	}
}

// State returns the last state the controller moved the daemon to.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) setState(ctx context.Context, s State) {
	if c.state == s {
		return
	}
	c.logger.DebugContext(ctx, "state transition", "from", c.state, log.StateKey, s)
	c.state = s
	metrics.SetDaemonState(string(s))
}

// running reads the lock file and checks the PID. A missing or unreadable
// lock file means not running.
func (c *Controller) running() (int, bool) {
	pid, err := c.lock.Read()
	if err != nil {
		return 0, false
	}
	return pid, c.deps.Processes.Running(pid)
}

// Status reports whether the daemon runs.
func (c *Controller) Status(ctx context.Context) *StatusInfo {
	pid, live := c.running()
	if !live {
		return &StatusInfo{State: StateStopped}
	}
	st := &StatusInfo{State: StateRunning, PID: pid}
	if inspector, ok := c.deps.Processes.(ProcessInspector); ok {
		info, err := inspector.Info(pid)
		if err != nil {
			c.logger.DebugContext(ctx, "failed to inspect daemon process", log.PIDKey, pid, "error", err)
			return st
		}
		st.Command = info.Command
	}
	return st
}

func (c *Controller) dot() {
	if c.deps.Progress != nil {
		fmt.Fprint(c.deps.Progress, ".")
	}
}

func (c *Controller) sleep(ctx context.Context, i int) error {
	return c.deps.Sleeper.Sleep(ctx, time.Duration(2*i)*PollUnit)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func startFailed(pid int, msg string, cause error) error {
	return &errors.LifecycleError{Kind: errors.KindStartFailed, PID: pid, Message: msg, Cause: cause}
}

func stopFailed(pid int, msg string, cause error) error {
	return &errors.LifecycleError{Kind: errors.KindStopFailed, PID: pid, Message: msg, Cause: cause}
}

// Start launches the daemon, waits until it reports ok, clears kernel
// state left by a crash and registers the declared state.
//
// Any failure after the launch triggers a fast-stop of the daemon; the
// original failure is returned.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (err error) {
	ctx, span := startSpan(ctx, "start",
		attribute.Bool("force", opts.Force),
		attribute.Bool("create", opts.Create),
		attribute.Bool("bypass", opts.Bypass))
	started := time.Now()
	defer func() {
		metrics.RecordLifecycle("start", err)
		endSpan(span, err)
	}()

	if pid, live := c.running(); live {
		if !opts.Force {
			c.deps.Events.LogAlreadyRunning(ctx, pid)
			return &errors.LifecycleError{Kind: errors.KindAlreadyRunning, PID: pid}
		}
		c.logger.InfoContext(ctx, "lock file exists, forcing start", log.PIDKey, pid)
		if err := c.lock.Remove(); err != nil {
			return err
		}
		c.deps.Events.LogStaleLock(ctx, pid, "forced start")
	} else if c.lock.Exists() {
		c.logger.InfoContext(ctx, "removing stale lock file", log.PIDKey, pid)
		if err := c.lock.Remove(); err != nil {
			return err
		}
		c.deps.Events.LogStaleLock(ctx, pid, "daemon not running")
	}

	c.setState(ctx, StateStarting)
	if err := c.deps.Prereqs.Check(ctx); err != nil {
		c.setState(ctx, StateStopped)
		c.deps.Events.LogStartFailure(ctx, err)
		return err
	}

	cmd := StarterCommand(c.root, opts.ConfigFile, opts, c.deps.LoggingFile)
	c.deps.Events.LogStart(ctx, cmd)
	if err := c.deps.Launcher.Launch(ctx, cmd); err != nil {
		c.setState(ctx, StateStopped)
		c.deps.Events.LogStartFailure(ctx, err)
		return startFailed(0, "launch failed", err)
	}

	defer func() {
		if err == nil {
			return
		}
		c.setState(ctx, StateCrashed)
		c.deps.Events.LogStartFailure(ctx, err)
		c.fastStop(ctx)
	}()

	pid, iterations, err := c.waitForStart(ctx)
	metrics.ObservePollIterations("start", iterations)
	if err != nil {
		return err
	}

	ropts := reconcile.ReconcileOptions{Force: opts.Force, Verbose: opts.Verbose}
	cleanup := reconcile.NewFromKernelState(c.deps.Kernel, c.deps.Logger)
	if _, err := cleanup.Unregister(ctx, ropts); err != nil {
		return startFailed(pid, "kernel cleanup failed", err)
	}
	register := reconcile.NewFromDeclaredState(c.deps.Source, c.deps.Kernel, c.deps.Logger)
	if _, err := register.Register(ctx, ropts); err != nil {
		return startFailed(pid, "register failed", err)
	}

	c.setState(ctx, StateRunning)
	c.deps.Events.LogStartSuccess(ctx, pid, iterations, time.Since(started))
	c.logger.InfoContext(ctx, "dedupv1d started", log.PIDKey, pid)
	return nil
}

// waitForStart polls the lock file and the status monitor until the
// daemon is live and ok. It returns the PID and the number of iterations.
func (c *Controller) waitForStart(ctx context.Context) (int, int, error) {
	seenLive := false
	for i := 0; ; i++ {
		c.dot()

		pid, err := c.lock.Read()
		switch {
		case err != nil:
			if i > StartUnknownIterations {
				return 0, i + 1, startFailed(0, "failed to check run state", err)
			}
		case c.deps.Processes.Running(pid):
			if !seenLive {
				seenLive = true
				break
			}
			if c.health.Check(ctx).Ready {
				return pid, i + 1, nil
			}
		case seenLive:
			return 0, i + 1, startFailed(pid, "daemon exited during startup", nil)
		default:
			if i > StartUnknownIterations {
				return 0, i + 1, startFailed(pid, "daemon not running", nil)
			}
		}

		if i+1 >= MaxStartIterations {
			return pid, i + 1, startFailed(pid, fmt.Sprintf("daemon not ready after %d poll iterations", i+1), nil)
		}
		if err := c.sleep(ctx, i); err != nil {
			return 0, i + 1, err
		}
	}
}

// fastStop asks a partially started daemon to exit. It runs detached from
// ctx so an interrupt still reaches the daemon. Failures are logged only.
func (c *Controller) fastStop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	c.logger.WarnContext(ctx, "start failed, shutting down remaining components")
	if err := c.deps.Monitor.ChangeState(ctx, monitor.ChangeStateFastStop); err != nil {
		c.logger.DebugContext(ctx, "fast-stop failed", "error", err)
	}
}

// Stop unregisters the declared state from the kernel, asks the daemon to
// stop and waits for it to exit. The lock file is removed on every path
// past the running check, because the daemon may lack permission to do it.
//
// A lock file naming a dead process means the daemon died out-of-band; the
// dirty marker alone decides the result then.
func (c *Controller) Stop(ctx context.Context, opts StopOptions) (err error) {
	ctx, span := startSpan(ctx, "stop",
		attribute.Bool("force", opts.Force),
		attribute.Bool("writeback", opts.WritebackStop))
	started := time.Now()
	defer func() {
		metrics.RecordLifecycle("stop", err)
		endSpan(span, err)
	}()

	pid, live := c.running()
	exited := !live && pid > 0
	if pid == 0 {
		if !opts.Force {
			return &errors.LifecycleError{Kind: errors.KindNotRunning}
		}
		c.logger.WarnContext(ctx, "dedupv1d not running")
	}
	c.deps.Events.LogStop(ctx, pid, opts.Force)

	defer func() {
		if rerr := c.lock.Remove(); rerr != nil {
			c.logger.WarnContext(ctx, "failed to remove lock file", "error", rerr)
		}
		if err != nil {
			c.deps.Events.LogStopFailure(ctx, pid, err)
		}
	}()

	if exited {
		c.logger.WarnContext(ctx, "dedupv1d exited without removing its lock file", log.PIDKey, pid)
		return c.onStopped(ctx, pid, started)
	}

	c.setState(ctx, StateStopping)
	if err := c.checkSessions(ctx, opts.Force); err != nil {
		return err
	}
	if err := c.unregister(ctx, opts, live); err != nil {
		return err
	}

	state := monitor.ChangeStateStop
	if opts.WritebackStop {
		state = monitor.ChangeStateWritebackStop
	}
	if err := c.deps.Monitor.ChangeState(ctx, state); err != nil {
		if !opts.Force {
			return stopFailed(pid, "state change rejected", err)
		}
		c.logger.WarnContext(ctx, "state change failed", "error", err)
	}

	if pid == 0 {
		c.setState(ctx, StateStopped)
		return nil
	}
	for i := 0; i < MaxStopIterations; i++ {
		if !c.deps.Processes.Running(pid) {
			metrics.ObservePollIterations("stop", i+1)
			return c.onStopped(ctx, pid, started)
		}
		c.dot()
		if err := c.sleep(ctx, i); err != nil {
			return err
		}
	}
	metrics.ObservePollIterations("stop", MaxStopIterations)
	return stopFailed(pid, fmt.Sprintf("still running after %d poll iterations", MaxStopIterations), nil)
}

// checkSessions refuses to stop while initiators are logged in, unless
// force is set.
func (c *Controller) checkSessions(ctx context.Context, force bool) error {
	targets, err := c.deps.Kernel.ISCSITargets()
	if err != nil {
		if force {
			c.logger.WarnContext(ctx, "failed to list iSCSI sessions", "error", err)
			return nil
		}
		return err
	}
	count := 0
	for _, t := range targets {
		for _, s := range t.Sessions {
			count++
			c.logger.WarnContext(ctx, "target has still open session",
				log.TargetKey, t.Name, "initiator", s.Initiator)
		}
	}
	if count == 0 {
		return nil
	}
	if force {
		c.logger.WarnContext(ctx, "iSCSI targets have still open sessions", "sessions", count)
		return nil
	}
	return &errors.SubsystemError{
		Op:    "stop",
		Cause: fmt.Errorf("iSCSI targets have %d open sessions: %w", count, errors.ErrActiveSessions),
	}
}

// unregister removes the declared state from the kernel. Under force
// every step runs and failures are logged, at debug level when the daemon
// is already gone. Session conflicts stay fatal.
func (c *Controller) unregister(ctx context.Context, opts StopOptions, live bool) error {
	ropts := reconcile.ReconcileOptions{Force: opts.Force, Verbose: opts.Verbose}
	r := reconcile.NewFromDeclaredState(c.deps.Source, c.deps.Kernel, c.deps.Logger)
	if !opts.Force {
		_, err := r.Unregister(ctx, ropts)
		return err
	}

	steps := []struct {
		name string
		fn   func(context.Context, reconcile.ReconcileOptions) (*reconcile.Result, error)
	}{
		{"users", r.UnregisterUsers},
		{"volumes", r.UnregisterVolumes},
		{"targets", r.UnregisterTargets},
		{"groups", r.UnregisterGroups},
	}
	for _, s := range steps {
		_, err := s.fn(ctx, ropts)
		if err == nil {
			continue
		}
		if errors.Is(err, errors.ErrActiveSessions) {
			return err
		}
		level := slog.LevelWarn
		if !live {
			level = slog.LevelDebug
		}
		c.logger.Log(ctx, level, "unregister "+s.name+" failed", "error", err)
	}
	return nil
}

// onStopped checks the dirty marker of an exited daemon.
func (c *Controller) onStopped(ctx context.Context, pid int, started time.Time) error {
	clean, err := dirty.WasCleanShutdown(c.config.Get(daemonconf.KeyDirtyFile))
	if err != nil {
		c.setState(ctx, StateCrashed)
		return stopFailed(pid, "failed to read dirty marker", err)
	}
	if !clean {
		c.setState(ctx, StateCrashed)
		c.deps.Events.LogUncleanShutdown(ctx, pid)
		return &errors.LifecycleError{Kind: errors.KindUncleanShutdown, PID: pid}
	}
	c.setState(ctx, StateStopped)
	c.deps.Events.LogStopSuccess(ctx, pid, time.Since(started))
	c.logger.InfoContext(ctx, "dedupv1d stopped", log.PIDKey, pid)
	return nil
}

// Restart stops and then starts the daemon. The first failure is
// returned.
func (c *Controller) Restart(ctx context.Context, stop StopOptions, start StartOptions) (err error) {
	ctx, span := startSpan(ctx, "restart")
	defer func() {
		metrics.RecordLifecycle("restart", err)
		endSpan(span, err)
	}()

	if err := c.Stop(ctx, stop); err != nil {
		return err
	}
	return c.Start(ctx, start)
}
