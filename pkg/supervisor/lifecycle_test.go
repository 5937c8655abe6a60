package supervisor

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_ValidTransitions(t *testing.T) {
	sm := NewStateMachine(clockwork.NewFakeClock(), logging.NewNopLogger())
	assert.Equal(t, StateIdle, sm.State())

	require.NoError(t, sm.Transition(StateStarting, "start", nil))
	require.NoError(t, sm.Transition(StateRunning, "fork", nil))
	require.NoError(t, sm.Transition(StateStarting, "crash", errors.New("exit code 1")))
	require.NoError(t, sm.Transition(StateRunning, "fork", nil))
	require.NoError(t, sm.Transition(StateStopping, "stop", nil))
	require.NoError(t, sm.Transition(StateStopped, "stop", nil))

	history := sm.History()
	require.Len(t, history, 6)
	assert.Equal(t, StateIdle, history[0].From)
	assert.Error(t, history[2].Error)
	assert.Equal(t, StateStopped, history[5].To)
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	sm := NewStateMachine(clockwork.NewFakeClock(), logging.NewNopLogger())

	assert.False(t, sm.canTransition(StateRunning))
	err := sm.Transition(StateRunning, "fork", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.Equal(t, StateIdle, sm.State())

	require.NoError(t, sm.Transition(StateStopped, "stop", nil))
	assert.False(t, sm.canTransition(StateStarting))
	assert.Len(t, sm.History(), 1)
}

func TestRestartBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	budget := NewRestartBudget(3, 20*time.Second, clock)

	assert.True(t, budget.Record())
	clock.Advance(5 * time.Second)
	assert.True(t, budget.Record())
	assert.True(t, budget.Record())
	assert.False(t, budget.Record())
	assert.Equal(t, 3, budget.Count())

	// the first restart leaves the window
	clock.Advance(15 * time.Second)
	assert.Equal(t, 2, budget.Count())
	assert.True(t, budget.Record())
	assert.False(t, budget.Record())

	clock.Advance(20 * time.Second)
	assert.Equal(t, 0, budget.Count())
}

func TestRestartBudget_Defaults(t *testing.T) {
	budget := NewRestartBudget(0, 0, clockwork.NewFakeClock())
	assert.Equal(t, DefaultMaxRestarts, budget.Max())
	assert.Equal(t, DefaultRestartWindow, budget.window)
}

func TestControl_Stream(t *testing.T) {
	reader, writer := io.Pipe()
	control := NewControlWriter(writer)

	go func() {
		_ = control.RequestRestart("event subscription lost")
		_ = control.Send(ControlMessage{Action: "ping"})
		_ = control.Close()
	}()

	var received []ControlMessage
	err := ReadControl(reader, func(msg ControlMessage) {
		received = append(received, msg)
	})
	require.NoError(t, err)
	assert.Equal(t, []ControlMessage{
		{Action: ActionRestart, Reason: "event subscription lost"},
		{Action: "ping"},
	}, received)
}

func TestControl_Garbage(t *testing.T) {
	err := ReadControl(bytes.NewReader([]byte{0xff, 0xff, 0xff}), func(ControlMessage) {})
	require.Error(t, err)
}

func TestOpenWorkerControl(t *testing.T) {
	t.Setenv(ControlFDEnv, "")
	control, err := OpenWorkerControl()
	require.NoError(t, err)
	assert.Nil(t, control)

	t.Setenv(ControlFDEnv, "stdin")
	_, err = OpenWorkerControl()
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestExitStatus(t *testing.T) {
	assert.True(t, ExitStatus{}.Clean())
	assert.False(t, ExitStatus{Code: 1}.Clean())
	assert.False(t, ExitStatus{Code: -1, Signaled: true}.Clean())
	assert.Equal(t, "exit code 1", ExitStatus{Code: 1}.String())
	assert.Equal(t, "killed by signal", ExitStatus{Code: -1, Signaled: true}.String())
}

const helperEnv = "PROCMON_HELPER_WORKER"

// TestHelperWorker is not a real test; ExecLauncher tests run it as the child process
func TestHelperWorker(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	control, err := OpenWorkerControl()
	if err != nil || control == nil {
		os.Exit(10)
	}

	switch mode {
	case "restart":
		_ = control.RequestRestart("helper")
		_ = control.Close()
		os.Exit(3)
	case "term":
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGTERM)
		_ = control.Send(ControlMessage{Action: "ready"})
		<-signals
		os.Exit(0)
	}
	os.Exit(11)
}

func helperLauncher(t *testing.T, mode string) *ExecLauncher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("control descriptors are inherited on unix only")
	}

	launcher, err := NewExecLauncher(ExecLauncherOptions{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^TestHelperWorker$"},
		Env:    append(os.Environ(), helperEnv+"="+mode),
		Stdout: io.Discard,
		Stderr: io.Discard,
	}, logging.NewNopLogger())
	require.NoError(t, err)
	return launcher
}

func receiveControl(t *testing.T, worker WorkerProcess) ControlMessage {
	t.Helper()
	select {
	case msg, ok := <-worker.Control():
		require.True(t, ok, "control channel closed")
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("no control message")
		return ControlMessage{}
	}
}

func receiveExit(t *testing.T, worker WorkerProcess) ExitStatus {
	t.Helper()
	select {
	case status := <-worker.Exited():
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
		return ExitStatus{}
	}
}

func TestExecLauncher_ControlAndExitCode(t *testing.T) {
	launcher := helperLauncher(t, "restart")

	worker, err := launcher.Launch(context.Background())
	require.NoError(t, err)
	assert.Greater(t, worker.Pid(), 0)

	msg := receiveControl(t, worker)
	assert.Equal(t, ActionRestart, msg.Action)
	assert.Equal(t, "helper", msg.Reason)

	status := receiveExit(t, worker)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Clean())
}

func TestExecLauncher_ControlDrainedBeforeExit(t *testing.T) {
	launcher := helperLauncher(t, "restart")

	worker, err := launcher.Launch(context.Background())
	require.NoError(t, err)

	status := receiveExit(t, worker)
	assert.Equal(t, 3, status.Code)

	select {
	case msg, ok := <-worker.Control():
		require.True(t, ok)
		assert.Equal(t, ActionRestart, msg.Action)
	default:
		t.Fatal("restart request not queued when exit was published")
	}
	_, ok := <-worker.Control()
	assert.False(t, ok)
}

func TestExecLauncher_Terminate(t *testing.T) {
	launcher := helperLauncher(t, "term")

	worker, err := launcher.Launch(context.Background())
	require.NoError(t, err)

	msg := receiveControl(t, worker)
	require.Equal(t, "ready", msg.Action)

	require.NoError(t, worker.Terminate())
	status := receiveExit(t, worker)
	assert.True(t, status.Clean())
}

func TestExecLauncher_CancelledContext(t *testing.T) {
	launcher := helperLauncher(t, "restart")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := launcher.Launch(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
}
