package pm2

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	methodGetMonitorData = "getMonitorData"

	DefaultDialTimeout = 5 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

type ClientOptions struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// Client talks to the pm2 daemon over its pub and rpc unix sockets
type Client struct {
	home     Home
	opts     ClientOptions
	logger   logging.Logger
	identity string
	ids      uint64

	mutex   sync.Mutex
	rpcConn net.Conn
	decoder *Decoder
	closed  bool
}

func NewClient(home Home, opts ClientOptions, logger logging.Logger) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Client{
		home:     home,
		opts:     opts,
		logger:   logger,
		identity: uuid.NewString(),
	}
}

func (c *Client) dial(ctx context.Context, path string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.NewNetworkError("failed to connect to pm2 daemon", err).WithContext("socket", path)
	}
	return conn, nil
}

// Subscribe opens the pub socket and delivers process events to handler
// from a single goroutine until the stream ends or is closed.
func (c *Client) Subscribe(ctx context.Context, handler EventHandler) (Subscription, error) {
	c.logger.Infof("Connecting to pm2 pub socket: %s", c.home.PubSocket)

	conn, err := c.dial(ctx, c.home.PubSocket)
	if err != nil {
		return nil, err
	}

	sub := &eventSubscription{
		conn:   conn,
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go sub.readLoop(handler)
	return sub, nil
}

// ListProcesses asks the daemon for the monitor data of every managed process.
// Calls are serialized; a failed call drops the connection so the next call redials.
func (c *Client) ListProcesses(ctx context.Context) ([]ProcessSnapshot, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, errors.NewCancelledError("pm2 client is closed", nil)
	}

	if c.rpcConn == nil {
		conn, err := c.dial(ctx, c.home.RPCSocket)
		if err != nil {
			return nil, err
		}
		c.rpcConn = conn
		c.decoder = NewDecoder(conn)
		c.logger.Debugf("Connected to pm2 rpc socket: %s", c.home.RPCSocket)
	}

	var snapshots []ProcessSnapshot
	if err := c.callLocked(ctx, methodGetMonitorData, &snapshots); err != nil {
		c.dropLocked()
		return nil, err
	}
	return snapshots, nil
}

type rpcRequest struct {
	Type   string        `json:"type"`
	Method string        `json:"method"`
	Args   []interface{} `json:"args"`
}

type rpcReply struct {
	Args  []json.RawMessage `json:"args"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) callLocked(ctx context.Context, method string, result interface{}) error {
	deadline := time.Now().Add(c.opts.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.rpcConn
	if err := conn.SetDeadline(deadline); err != nil {
		return errors.NewNetworkError("failed to arm rpc deadline", err)
	}
	defer conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	id := fmt.Sprintf("%s:%d", c.identity, atomic.AddUint64(&c.ids, 1))
	frame, err := EncodeMessage(rpcRequest{Type: "call", Method: method, Args: []interface{}{struct{}{}}}, id)
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return c.callError(ctx, method, err)
	}

	for {
		msg, err := c.decoder.ReadMessage()
		if err != nil {
			return c.callError(ctx, method, err)
		}
		replyID, ok := msg.String(msg.Len() - 1)
		if !ok || replyID != id {
			c.logger.Debugf("Skipping stale rpc reply, id: %q", replyID)
			continue
		}

		var reply rpcReply
		if err := msg.JSON(0, &reply); err != nil {
			return err
		}
		if reply.Error != nil {
			return errors.NewProcessError("pm2 rpc call failed: "+reply.Error.Message, nil).WithContext("method", method)
		}
		if len(reply.Args) == 0 {
			return errors.NewProcessError("pm2 rpc reply has no result", nil).WithContext("method", method)
		}
		if err := json.Unmarshal(reply.Args[0], result); err != nil {
			return errors.NewValidationError("invalid pm2 rpc result", err).WithContext("method", method)
		}
		return nil
	}
}

func (c *Client) callError(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return errors.NewCancelledError("pm2 rpc call cancelled", ctx.Err()).WithContext("method", method)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.NewTimeoutError("pm2 rpc call timed out", err).WithContext("method", method)
	}
	return errors.NewNetworkError("pm2 rpc call failed", err).WithContext("method", method)
}

func (c *Client) dropLocked() {
	if c.rpcConn != nil {
		_ = c.rpcConn.Close()
		c.rpcConn = nil
		c.decoder = nil
	}
}

// Close releases the rpc connection; subscriptions are closed by their owners
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.dropLocked()
	return nil
}

type eventSubscription struct {
	conn   net.Conn
	done   chan struct{}
	logger logging.Logger

	mutex     sync.Mutex
	err       error
	closing   bool
	closeOnce sync.Once
}

func (s *eventSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *eventSubscription) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

func (s *eventSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		s.closing = true
		s.mutex.Unlock()

		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *eventSubscription) readLoop(handler EventHandler) {
	defer close(s.done)

	decoder := NewDecoder(s.conn)
	for {
		msg, err := decoder.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}

		topic, ok := msg.String(0)
		if !ok || topic != TopicProcessEvent {
			continue
		}

		var event LifecycleEvent
		if err := msg.JSON(1, &event); err != nil {
			s.logger.Warnf("Skipping malformed process event: %v", err)
			continue
		}
		handler(event)
	}
}

func (s *eventSubscription) finish(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closing {
		return
	}
	s.err = errors.NewNetworkError("pm2 event stream ended", err)
	_ = s.conn.Close()
}
