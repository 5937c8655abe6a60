package pm2

import (
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
)

// Topic of lifecycle messages on the pub socket
const TopicProcessEvent = "process:event"

// ProcessInfo is the subset of the managed process carried by a lifecycle event
type ProcessInfo struct {
	Name             string `json:"name"`
	PMID             int    `json:"pm_id"`
	PMUptime         int64  `json:"pm_uptime"`
	RestartTime      int    `json:"restart_time"`
	UnstableRestarts int    `json:"unstable_restarts"`
}

// LifecycleEvent is one start/stop/restart/exit notification.
// At and Process.PMUptime are epoch milliseconds.
type LifecycleEvent struct {
	Event   string      `json:"event"`
	At      int64       `json:"at"`
	Process ProcessInfo `json:"process"`
}

// Monit holds the resource usage reported for a process
type Monit struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// ProcessSnapshot is one element of the monitor data list
type ProcessSnapshot struct {
	PID   int    `json:"pid"`
	Name  string `json:"name"`
	PMID  int    `json:"pm_id"`
	Monit Monit  `json:"monit"`
}

// EventHandler receives lifecycle events in arrival order
type EventHandler func(LifecycleEvent)

// Subscription is a live event stream. Close is idempotent.
type Subscription interface {
	// Done is closed when the stream ends for any reason
	Done() <-chan struct{}

	// Err reports why the stream ended; nil after Close
	Err() error

	Close() error
}

// Home locates the daemon sockets of a pm2 installation
type Home struct {
	Dir       string
	RPCSocket string
	PubSocket string
}

func NewHome(dir string) Home {
	return Home{
		Dir:       dir,
		RPCSocket: filepath.Join(dir, "rpc.sock"),
		PubSocket: filepath.Join(dir, "pub.sock"),
	}
}

// Validate checks that the home and both daemon sockets exist
func (h Home) Validate() error {
	info, err := os.Stat(h.Dir)
	if err != nil {
		return errors.NewConfigError("pm2 home can not be located, run `pm2 ls` once or set PM2_HOME", err).
			WithContext("pm2", h.Dir)
	}
	if !info.IsDir() {
		return errors.NewConfigError("pm2 home is not a directory", nil).WithContext("pm2", h.Dir)
	}

	for _, socket := range []string{h.RPCSocket, h.PubSocket} {
		if _, err := os.Stat(socket); err != nil {
			return errors.NewConfigError("pm2 daemon socket not found, make sure pm2 is running", err).
				WithContext("socket", socket)
		}
	}
	return nil
}
