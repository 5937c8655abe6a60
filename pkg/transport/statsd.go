package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/metric"
)

type statsdTransport struct {
	target Target
	prefix string
	logger logging.Logger

	mutex  sync.Mutex
	conn   net.Conn
	closed bool
}

func newStatsdTransport(target Target, opts Options, logger logging.Logger) *statsdTransport {
	return &statsdTransport{
		target: target,
		prefix: opts.Prefix,
		logger: logger,
	}
}

func (s *statsdTransport) Kind() Kind {
	return KindStatsd
}

// RenderStatsd builds the newline-joined datagram for one envelope
func RenderStatsd(prefix string, envelope metric.Envelope) []byte {
	var lines []string

	if envelope.HasProcess() {
		processKey := fmt.Sprintf("%s.%s.%s.%d", prefix, envelope.NodeName, envelope.AppName, envelope.ProcessID)
		if envelope.Event != "" {
			lines = append(lines, processKey+".event."+envelope.Event+":1|c")
		}
		for _, m := range envelope.ProcessMetrics {
			suffix := "|g"
			if m.Name == metric.Uptime {
				suffix = "|ms"
			}
			lines = append(lines, processKey+"."+m.Name+":"+formatValue(m.Value)+suffix)
		}
	}

	nodeKey := prefix + "." + envelope.NodeName
	for _, m := range envelope.SystemMetrics {
		lines = append(lines, nodeKey+"."+m.Name+":"+formatValue(m.Value)+"|g")
	}

	return []byte(strings.Join(lines, "\n"))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *statsdTransport) Send(ctx context.Context, envelope metric.Envelope) error {
	payload := RenderStatsd(s.prefix, envelope)
	if len(payload) == 0 {
		return nil
	}

	conn, err := s.connection()
	if err != nil {
		return err
	}

	// One Write is one datagram, so concurrent senders never interleave.
	if _, err := conn.Write(payload); err != nil {
		return errors.NewNetworkError("failed to send statsd datagram", err).
			WithContext("target", s.target.Raw)
	}

	s.logger.Debugf("statsd sent, target: %s, data: %q", s.target.Raw, payload)
	return nil
}

// connection dials lazily and reuses the socket afterwards
func (s *statsdTransport) connection() (net.Conn, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, errors.ErrTransportClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}

	network := s.target.Endpoint.Scheme
	conn, err := net.Dial(network, s.target.Endpoint.Host)
	if err != nil {
		return nil, errors.NewNetworkError("failed to open statsd socket", err).
			WithContext("target", s.target.Raw)
	}
	s.conn = conn
	s.logger.Infof("Statsd socket opened, target: %s", s.target.Raw)
	return conn, nil
}

func (s *statsdTransport) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errors.NewNetworkError("failed to close statsd socket", err)
	}
	return nil
}
