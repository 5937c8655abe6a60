package supervisor

import (
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"

	"github.com/fxamacker/cbor/v2"
)

// ControlFDEnv names the descriptor the worker writes control messages to
const ControlFDEnv = "PROCMON_CONTROL_FD"

// controlFD is the first descriptor after stdio, where ExtraFiles[0] lands
const controlFD = 3

const ActionRestart = "restart"

// ControlMessage travels from worker to supervisor as a CBOR item stream
type ControlMessage struct {
	Action string `cbor:"action"`
	Reason string `cbor:"reason,omitempty"`
}

var (
	controlEncMode cbor.EncMode
	controlDecMode cbor.DecMode
)

func init() {
	var err error
	controlEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("supervisor: CBOR encoder initialization failed: " + err.Error())
	}
	controlDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("supervisor: CBOR decoder initialization failed: " + err.Error())
	}
}

// ControlWriter is the worker side of the control channel
type ControlWriter struct {
	mutex   sync.Mutex
	encoder *cbor.Encoder
	closer  io.Closer
}

func NewControlWriter(w io.WriteCloser) *ControlWriter {
	return &ControlWriter{
		encoder: controlEncMode.NewEncoder(w),
		closer:  w,
	}
}

// OpenWorkerControl opens the control channel inherited from the supervisor.
// It returns nil when the process was not started by a supervisor.
func OpenWorkerControl() (*ControlWriter, error) {
	value := os.Getenv(ControlFDEnv)
	if value == "" {
		return nil, nil
	}
	fd, err := strconv.Atoi(value)
	if err != nil || fd < controlFD {
		return nil, errors.NewConfigError("invalid control descriptor", err).WithContext(ControlFDEnv, value)
	}
	file := os.NewFile(uintptr(fd), "procmon-control")
	if file == nil {
		return nil, errors.NewIOError("control descriptor is not open", nil).WithContext("fd", fd)
	}
	return NewControlWriter(file), nil
}

func (c *ControlWriter) Send(msg ControlMessage) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.encoder.Encode(msg); err != nil {
		return errors.NewIOError("failed to write control message", err).WithContext("action", msg.Action)
	}
	return nil
}

// RequestRestart asks the supervisor to replace the calling worker
func (c *ControlWriter) RequestRestart(reason string) error {
	return c.Send(ControlMessage{Action: ActionRestart, Reason: reason})
}

func (c *ControlWriter) Close() error {
	return c.closer.Close()
}

// ReadControl delivers messages until the writer closes its end
func ReadControl(r io.Reader, fn func(ControlMessage)) error {
	decoder := controlDecMode.NewDecoder(r)
	for {
		var msg ControlMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.NewIOError("failed to read control message", err)
		}
		fn(msg)
	}
}
