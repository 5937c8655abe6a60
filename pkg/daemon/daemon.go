package daemon

import (
	"os"
	"os/exec"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
)

// DaemonizedEnv marks a process that was already detached
const DaemonizedEnv = "PROCMON_DAEMONIZED"

func IsDaemonized() bool {
	return os.Getenv(DaemonizedEnv) == "1"
}

type Options struct {
	// Path of the executable; defaults to the running binary
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Detach re-spawns the binary in a new session with stdio on the null device
// and returns the pid of the detached copy. The caller is expected to exit.
func Detach(opts Options, logger logging.Logger) (int, error) {
	if opts.Path == "" {
		path, err := os.Executable()
		if err != nil {
			return 0, errors.NewProcessError("failed to resolve own executable", err)
		}
		opts.Path = path
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Env = append(append([]string{}, opts.Env...), DaemonizedEnv+"=1")
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = detachedAttributes()

	if err := cmd.Start(); err != nil {
		return 0, errors.NewProcessError("failed to detach", err).WithContext("path", opts.Path)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		logger.Warnf("Failed to release detached process, pid: %d: %v", pid, err)
	}

	logger.Infof("Detached, pid: %d", pid)
	return pid, nil
}
