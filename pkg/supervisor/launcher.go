package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
)

// controlDrainTimeout bounds the wait for the control stream after the worker
// exits; a grandchild holding the descriptor would otherwise keep it open.
const controlDrainTimeout = time.Second

// ExitStatus describes how a worker ended
type ExitStatus struct {
	Code     int
	Signaled bool
	Err      error
}

// Clean reports a zero exit code that was not caused by a signal
func (s ExitStatus) Clean() bool {
	return s.Err == nil && !s.Signaled && s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("wait error: %v", s.Err)
	case s.Signaled:
		return "killed by signal"
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// WorkerProcess is a running worker as seen by the supervisor
type WorkerProcess interface {
	Pid() int

	// Terminate asks the worker to shut down gracefully
	Terminate() error

	Kill() error

	// Exited delivers exactly one status
	Exited() <-chan ExitStatus

	// Control delivers worker requests and is closed when the worker closes its end
	Control() <-chan ControlMessage
}

// Launcher starts worker processes
type Launcher interface {
	Launch(ctx context.Context) (WorkerProcess, error)
}

type ExecLauncherOptions struct {
	// Path of the executable; defaults to the running binary
	Path string
	Args []string
	Env  []string

	Stdout io.Writer
	Stderr io.Writer
}

// ExecLauncher re-executes a binary as the worker and hands it a control pipe
type ExecLauncher struct {
	opts   ExecLauncherOptions
	logger logging.Logger
}

func NewExecLauncher(opts ExecLauncherOptions, logger logging.Logger) (*ExecLauncher, error) {
	if opts.Path == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, errors.NewProcessError("failed to resolve own executable", err)
		}
		opts.Path = path
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &ExecLauncher{opts: opts, logger: logger}, nil
}

func (l *ExecLauncher) Launch(ctx context.Context) (WorkerProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("launch cancelled", err)
	}

	controlReader, controlWriter, err := os.Pipe()
	if err != nil {
		return nil, errors.NewIOError("failed to create control pipe", err)
	}

	// lifetime is managed through Terminate and Kill, not ctx
	cmd := exec.Command(l.opts.Path, l.opts.Args...)
	cmd.Env = append(append([]string{}, l.opts.Env...), fmt.Sprintf("%s=%d", ControlFDEnv, controlFD))
	cmd.Stdout = l.opts.Stdout
	cmd.Stderr = l.opts.Stderr
	cmd.ExtraFiles = []*os.File{controlWriter}

	if err := cmd.Start(); err != nil {
		controlReader.Close()
		controlWriter.Close()
		return nil, errors.NewProcessError("failed to start worker", err).WithContext("path", l.opts.Path)
	}
	controlWriter.Close()

	worker := &execWorker{
		cmd:         cmd,
		exited:      make(chan ExitStatus, 1),
		control:     make(chan ControlMessage, 8),
		controlDone: make(chan struct{}),
		logger:      l.logger,
	}
	go worker.wait()
	go worker.readControl(controlReader)

	l.logger.Infof("Worker started, pid: %d, path: %s", cmd.Process.Pid, l.opts.Path)
	return worker, nil
}

type execWorker struct {
	cmd         *exec.Cmd
	exited      chan ExitStatus
	control     chan ControlMessage
	controlDone chan struct{}
	logger      logging.Logger
}

func (w *execWorker) Pid() int {
	return w.cmd.Process.Pid
}

func (w *execWorker) Terminate() error {
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.NewProcessError("failed to send termination signal", err).WithContext("pid", w.Pid())
	}
	return nil
}

func (w *execWorker) Kill() error {
	if err := w.cmd.Process.Kill(); err != nil {
		return errors.NewProcessError("failed to kill worker", err).WithContext("pid", w.Pid())
	}
	return nil
}

func (w *execWorker) Exited() <-chan ExitStatus {
	return w.exited
}

func (w *execWorker) Control() <-chan ControlMessage {
	return w.control
}

// wait publishes the exit status once the control stream is drained, so
// messages written before exit are always seen first.
func (w *execWorker) wait() {
	status := w.exitStatus(w.cmd.Wait())

	select {
	case <-w.controlDone:
	case <-time.After(controlDrainTimeout):
		w.logger.Warnf("Control channel still open after exit, pid: %d", w.Pid())
	}
	w.exited <- status
}

func (w *execWorker) exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return ExitStatus{Code: code, Signaled: code < 0}
	}
	return ExitStatus{Code: -1, Err: err}
}

func (w *execWorker) readControl(r *os.File) {
	defer close(w.controlDone)
	defer close(w.control)
	defer r.Close()

	err := ReadControl(r, func(msg ControlMessage) {
		select {
		case w.control <- msg:
		default:
			w.logger.Warnf("Control message dropped, pid: %d, action: %s", w.Pid(), msg.Action)
		}
	})
	if err != nil {
		w.logger.Warnf("Control channel failed, pid: %d: %v", w.Pid(), err)
	}
}
