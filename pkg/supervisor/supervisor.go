package supervisor

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultRestartDelay    = 3 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
)

// Process exit codes of the supervisor
const (
	ExitCodeClean     = 0
	ExitCodeFailure   = 1
	ExitCodeCrashLoop = 2
)

// PIDFileName identifies the supervisor's pid file
const PIDFileName = "procmon"

// PIDFileWriter persists the supervisor pid while it runs
type PIDFileWriter interface {
	WritePIDFile(processID string, pid int) error
	RemovePIDFile(processID string) error
}

type Options struct {
	MaxRestarts     int
	RestartWindow   time.Duration
	RestartDelay    time.Duration
	GracefulTimeout time.Duration

	// PIDFiles is set when running daemonized
	PIDFiles PIDFileWriter

	Clock clockwork.Clock
}

type commandKind int

const (
	commandStop commandKind = iota
	commandRestart
)

type command struct {
	kind   commandKind
	reason string
}

// workerHandle is the supervisor's record of the current child
type workerHandle struct {
	proc WorkerProcess

	// voluntary marks an exit the supervisor asked for; it is never reforked
	voluntary bool

	// replacing marks a requested restart; the exit is followed by an immediate fork
	replacing bool

	controlClosed bool
}

// Supervisor keeps one worker alive, reforking it after abnormal exits
// until the restart budget runs out. All state is owned by the Run loop;
// other goroutines talk to it through Stop, Reload, RequestRestart and HandleSignal.
type Supervisor struct {
	opts     Options
	launcher Launcher
	budget   *RestartBudget
	sm       *StateMachine
	logger   logging.Logger

	commands chan command
	done     chan struct{}

	current     *workerHandle
	reforkTimer clockwork.Timer
	killTimer   clockwork.Timer
	exitCode    int
}

func New(launcher Launcher, opts Options, logger logging.Logger) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = DefaultGracefulTimeout
	}

	return &Supervisor{
		opts:     opts,
		launcher: launcher,
		budget:   NewRestartBudget(opts.MaxRestarts, opts.RestartWindow, opts.Clock),
		sm:       NewStateMachine(opts.Clock, logger),
		logger:   logger,
		commands: make(chan command, 8),
		done:     make(chan struct{}),
	}
}

func (s *Supervisor) State() State {
	return s.sm.State()
}

// History returns the state transitions so far
func (s *Supervisor) History() []StateTransition {
	return s.sm.History()
}

// Stop terminates the worker gracefully and ends Run; a second Stop kills it
func (s *Supervisor) Stop() {
	s.post(command{kind: commandStop, reason: "stop requested"})
}

// Reload replaces the worker with a fresh one
func (s *Supervisor) Reload() {
	s.post(command{kind: commandRestart, reason: "reload requested"})
}

// RequestRestart replaces the worker with a fresh one
func (s *Supervisor) RequestRestart(reason string) {
	s.post(command{kind: commandRestart, reason: reason})
}

// HandleSignal maps process signals to supervisor commands
func (s *Supervisor) HandleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, os.Interrupt:
		s.logger.Infof("Received %v, stopping", sig)
		s.Stop()
	case syscall.SIGHUP:
		s.logger.Infof("Received %v, reloading worker", sig)
		s.Reload()
	default:
		s.logger.Debugf("Ignoring signal %v", sig)
	}
}

func (s *Supervisor) post(cmd command) {
	select {
	case s.commands <- cmd:
	case <-s.done:
	}
}

// Run forks the first worker and supervises until stopped. It returns the
// process exit code: ExitCodeClean, ExitCodeFailure or ExitCodeCrashLoop.
func (s *Supervisor) Run(ctx context.Context) int {
	defer close(s.done)
	defer s.stopTimers()

	if s.opts.PIDFiles != nil {
		if err := s.opts.PIDFiles.WritePIDFile(PIDFileName, os.Getpid()); err != nil {
			s.logger.Errorf("Failed to write pid file: %v", err)
			return ExitCodeFailure
		}
		defer func() {
			if err := s.opts.PIDFiles.RemovePIDFile(PIDFileName); err != nil {
				s.logger.Warnf("Failed to remove pid file: %v", err)
			}
		}()
	}

	if err := s.sm.Transition(StateStarting, "start", nil); err != nil {
		s.logger.Errorf("Supervisor can not start: %v", err)
		return ExitCodeFailure
	}
	if err := s.fork(ctx); err != nil {
		s.logger.Errorf("Failed to start worker: %v", err)
		_ = s.sm.Transition(StateStopped, "start", err)
		return ExitCodeFailure
	}

	ctxDone := ctx.Done()
	for s.sm.State() != StateStopped {
		var exited <-chan ExitStatus
		var control <-chan ControlMessage
		var refork, kill <-chan time.Time

		if h := s.current; h != nil {
			exited = h.proc.Exited()
			if !h.controlClosed {
				control = h.proc.Control()
			}
		}
		if s.reforkTimer != nil {
			refork = s.reforkTimer.Chan()
		}
		if s.killTimer != nil {
			kill = s.killTimer.Chan()
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			s.stop("context cancelled")

		case cmd := <-s.commands:
			switch cmd.kind {
			case commandStop:
				s.stop(cmd.reason)
			case commandRestart:
				s.restart(ctx, cmd.reason)
			}

		case status := <-exited:
			s.handleExit(ctx, status)

		case msg, ok := <-control:
			if !ok {
				s.current.controlClosed = true
				continue
			}
			s.handleControl(ctx, msg)

		case <-refork:
			s.reforkTimer = nil
			s.refork(ctx)

		case <-kill:
			s.killTimer = nil
			s.forceKill()
		}
	}

	s.logger.Infof("Supervisor stopped, exit code: %d", s.exitCode)
	return s.exitCode
}

func (s *Supervisor) fork(ctx context.Context) error {
	s.logger.Infof("Forking worker")
	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	s.current = &workerHandle{proc: proc}
	return s.sm.Transition(StateRunning, "fork", nil)
}

func (s *Supervisor) refork(ctx context.Context) {
	if err := s.fork(ctx); err != nil {
		s.logger.Errorf("Failed to fork worker: %v", err)
		s.crashed(err)
	}
}

func (s *Supervisor) handleExit(ctx context.Context, status ExitStatus) {
	h := s.current
	s.current = nil
	s.stopKillTimer()

	pid := h.proc.Pid()
	if s.drainRestartRequest(h) {
		h.replacing = true
	}

	switch {
	case s.sm.State() == StateStopping || h.voluntary:
		s.logger.Infof("Worker stopped, pid: %d, %s", pid, status)
		s.exitCode = ExitCodeClean
		_ = s.sm.Transition(StateStopped, "stop", nil)

	case h.replacing:
		s.logger.Infof("Worker replaced, pid: %d, %s", pid, status)
		_ = s.sm.Transition(StateStarting, "restart", nil)
		s.refork(ctx)

	case status.Clean():
		s.logger.Infof("Worker exited cleanly, pid: %d, not restarting", pid)
		s.exitCode = ExitCodeClean
		_ = s.sm.Transition(StateStopped, "exit", nil)

	default:
		s.logger.Warnf("Worker exited abnormally, pid: %d, %s", pid, status)
		s.crashed(errors.NewProcessError("worker exited abnormally", nil).
			WithContext("pid", pid).
			WithContext("status", status.String()))
	}
}

// drainRestartRequest reads control messages still queued when the worker
// exited and reports whether one of them asked for a restart.
func (s *Supervisor) drainRestartRequest(h *workerHandle) bool {
	if h.controlClosed {
		return false
	}
	requested := false
	for {
		select {
		case msg, ok := <-h.proc.Control():
			if !ok {
				h.controlClosed = true
				return requested
			}
			if msg.Action == ActionRestart {
				s.logger.Infof("Worker requested a restart before exiting: %s", msg.Reason)
				requested = true
			} else {
				s.logger.Warnf("Unknown control action: %q", msg.Action)
			}
		default:
			return requested
		}
	}
}

// crashed spends one restart from the budget and arms the refork timer,
// or stops for good when the budget is exhausted.
func (s *Supervisor) crashed(cause error) {
	if !s.budget.Record() {
		s.logger.Errorf("%d restarts within %v, giving up; inspect the worker logs to investigate the crash",
			s.budget.Max(), s.opts.RestartWindow)
		s.exitCode = ExitCodeCrashLoop
		_ = s.sm.Transition(StateStopped, "crash loop", cause)
		return
	}

	if s.sm.State() == StateRunning {
		_ = s.sm.Transition(StateStarting, "crash", cause)
	}
	s.reforkTimer = s.opts.Clock.NewTimer(s.opts.RestartDelay)
	s.logger.Infof("Reforking worker in %v, restarts in window: %d/%d",
		s.opts.RestartDelay, s.budget.Count(), s.budget.Max())
}

func (s *Supervisor) handleControl(ctx context.Context, msg ControlMessage) {
	switch msg.Action {
	case ActionRestart:
		reason := msg.Reason
		if reason == "" {
			reason = "worker request"
		}
		s.restart(ctx, reason)
	default:
		s.logger.Warnf("Unknown control action: %q", msg.Action)
	}
}

func (s *Supervisor) stop(reason string) {
	switch s.sm.State() {
	case StateRunning:
		s.logger.Infof("Stopping worker: %s", reason)
		h := s.current
		h.voluntary = true
		_ = s.sm.Transition(StateStopping, reason, nil)
		if s.killTimer == nil {
			s.terminate(h)
		}

	case StateStarting:
		s.logger.Infof("Stopping while a refork is pending: %s", reason)
		s.stopTimers()
		s.exitCode = ExitCodeClean
		_ = s.sm.Transition(StateStopping, reason, nil)
		_ = s.sm.Transition(StateStopped, reason, nil)

	case StateStopping:
		s.logger.Warnf("Stop requested again, killing worker")
		s.forceKill()

	case StateIdle:
		_ = s.sm.Transition(StateStopped, reason, nil)
	}
}

func (s *Supervisor) restart(ctx context.Context, reason string) {
	switch s.sm.State() {
	case StateRunning:
		h := s.current
		if h.replacing {
			return
		}
		s.logger.Infof("Restarting worker: %s", reason)
		h.replacing = true
		s.terminate(h)

	case StateStarting:
		if s.reforkTimer == nil {
			return
		}
		s.logger.Infof("Forking now instead of waiting: %s", reason)
		s.reforkTimer.Stop()
		s.reforkTimer = nil
		s.refork(ctx)

	default:
		s.logger.Debugf("Ignoring restart in state %s: %s", s.sm.State(), reason)
	}
}

// terminate signals the worker and arms the kill timer
func (s *Supervisor) terminate(h *workerHandle) {
	pid := h.proc.Pid()
	s.logger.Infof("Sending termination signal to pid %d, timeout: %v", pid, s.opts.GracefulTimeout)
	if err := h.proc.Terminate(); err != nil {
		s.logger.Warnf("Failed to send termination signal to pid %d: %v", pid, err)
		if err := h.proc.Kill(); err != nil {
			s.logger.Errorf("Failed to kill pid %d: %v", pid, err)
		}
		return
	}
	s.killTimer = s.opts.Clock.NewTimer(s.opts.GracefulTimeout)
}

func (s *Supervisor) forceKill() {
	if s.current == nil {
		return
	}
	pid := s.current.proc.Pid()
	s.logger.Warnf("Worker pid %d did not terminate in time, killing", pid)
	if err := s.current.proc.Kill(); err != nil {
		s.logger.Errorf("Failed to kill pid %d: %v", pid, err)
	}
}

func (s *Supervisor) stopKillTimer() {
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
}

func (s *Supervisor) stopTimers() {
	s.stopKillTimer()
	if s.reforkTimer != nil {
		s.reforkTimer.Stop()
		s.reforkTimer = nil
	}
}
