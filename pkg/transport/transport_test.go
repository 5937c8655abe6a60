package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/metric"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogger implements logging.Logger and discards everything
type TestLogger struct{}

func (l *TestLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *TestLogger) Debugf(format string, args ...interface{})               {}
func (l *TestLogger) Infof(format string, args ...interface{})                {}
func (l *TestLogger) Warnf(format string, args ...interface{})                {}
func (l *TestLogger) Errorf(format string, args ...interface{})               {}

var _ logging.Logger = (*TestLogger)(nil)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind Kind
		wantHost string
		wantErr  bool
	}{
		{"statsd", "statsd[udp://127.0.0.1:8125]", KindStatsd, "127.0.0.1:8125", false},
		{"falcon", "falcon[http://127.0.0.1:1988]", KindFalcon, "127.0.0.1:1988", false},
		{"falcon https with path", " Falcon[https://push.example.com/v1/push] ", KindFalcon, "push.example.com", false},
		{"unknown backend", "graphite[tcp://127.0.0.1:2003]", "", "", true},
		{"statsd wrong scheme", "statsd[http://127.0.0.1:8125]", "", "", true},
		{"statsd no port", "statsd[udp://127.0.0.1]", "", "", true},
		{"falcon wrong scheme", "falcon[udp://127.0.0.1:1988]", "", "", true},
		{"no brackets", "udp://127.0.0.1:8125", "", "", true},
		{"no host", "statsd[udp://:8125]", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := ParseTarget(tt.raw)
			if tt.wantErr {
				assert.True(t, errors.IsValidationError(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, target.Kind)
			assert.Equal(t, tt.wantHost, target.Endpoint.Host)
		})
	}
}

func TestFormatTarget(t *testing.T) {
	assert.Equal(t, "statsd[udp://10.0.0.1:8125]", FormatTarget(KindStatsd, "10.0.0.1:8125"))
	assert.Equal(t, "falcon[http://10.0.0.1:5258]", FormatTarget(KindFalcon, "10.0.0.1:5258"))
	assert.Equal(t, "falcon[https://f.example.com]", FormatTarget(KindFalcon, "https://f.example.com"))
}

func TestRenderStatsd_SystemEnvelope(t *testing.T) {
	env := metric.NewSystemEnvelope("host1", metric.Metrics{{Name: metric.CPU, Value: 12.5}, {Name: metric.Memory, Value: 2048}})

	lines := strings.Split(string(RenderStatsd("pm2", env)), "\n")

	require.Len(t, lines, 2)
	assert.Equal(t, "pm2.host1.cpu:12.5|g", lines[0])
	assert.Equal(t, "pm2.host1.memory:2048|g", lines[1])
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "pm2.host1."))
		assert.True(t, strings.HasSuffix(line, "|g"))
	}
}

func TestRenderStatsd_ExitEvent(t *testing.T) {
	env := metric.NewEventEnvelope("host1", "my app", 4, metric.EventExit)
	env.ProcessMetrics = metric.Metrics{
		{Name: metric.Uptime, Value: 1500},
		{Name: metric.PlannedRestartCount, Value: 2},
		{Name: metric.UnstableRestartCount, Value: 0},
	}

	got := string(RenderStatsd("pm2", env))

	assert.Equal(t, strings.Join([]string{
		"pm2.host1.my_app.4.event.exit:1|c",
		"pm2.host1.my_app.4.uptime:1500|ms",
		"pm2.host1.my_app.4.planned_restart_count:2|g",
		"pm2.host1.my_app.4.unstable_restart_count:0|g",
	}, "\n"), got)
}

func TestRenderStatsd_Suffixes(t *testing.T) {
	for _, event := range []string{"online", "stop", "restart", "exit"} {
		got := string(RenderStatsd("pm2", metric.NewEventEnvelope("n", "a", 0, event)))
		assert.True(t, strings.HasSuffix(got, ":1|c"), got)
	}

	proc := metric.NewProcessEnvelope("n", "a", 1, metric.Metrics{{Name: metric.CPU, Value: 3}, {Name: metric.Memory, Value: 4}})
	for _, line := range strings.Split(string(RenderStatsd("pm2", proc)), "\n") {
		assert.True(t, strings.HasSuffix(line, "|g"), line)
	}
}

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func readDatagram(t *testing.T, pc net.PacketConn) string {
	t.Helper()
	buf := make([]byte, 64*1024)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestStatsdTransport_SendAndClose(t *testing.T) {
	pc := listenUDP(t)
	target, err := ParseTarget("statsd[udp://" + pc.LocalAddr().String() + "]")
	require.NoError(t, err)

	tr, err := New(target, Options{}, &TestLogger{})
	require.NoError(t, err)
	assert.Equal(t, KindStatsd, tr.Kind())

	env := metric.NewSystemEnvelope("host1", metric.Metrics{{Name: metric.CPU, Value: 1}})
	require.NoError(t, tr.Send(context.Background(), env))
	assert.Equal(t, "pm2.host1.cpu:1|g", readDatagram(t, pc))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err = tr.Send(context.Background(), env)
	assert.ErrorIs(t, err, errors.ErrTransportClosed)
}

func TestStatsdTransport_ConcurrentSendsStayWhole(t *testing.T) {
	pc := listenUDP(t)
	target, err := ParseTarget("statsd[udp://" + pc.LocalAddr().String() + "]")
	require.NoError(t, err)
	tr, err := New(target, Options{Prefix: "p"}, &TestLogger{})
	require.NoError(t, err)
	defer tr.Close()

	const senders = 8
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := metric.NewProcessEnvelope("n", "app", i, metric.Metrics{{Name: metric.CPU, Value: 1}, {Name: metric.Memory, Value: 2}})
			assert.NoError(t, tr.Send(context.Background(), env))
		}(i)
	}
	wg.Wait()

	for i := 0; i < senders; i++ {
		lines := strings.Split(readDatagram(t, pc), "\n")
		require.Len(t, lines, 2)
		prefix := strings.TrimSuffix(lines[0], ".cpu:1|g")
		assert.Equal(t, prefix+".memory:2|g", lines[1])
	}
}

func TestStatsdTransport_CloseBeforeUse(t *testing.T) {
	target, err := ParseTarget("statsd[udp://127.0.0.1:8125]")
	require.NoError(t, err)
	tr, err := New(target, Options{}, &TestLogger{})
	require.NoError(t, err)

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

func TestRenderFalcon(t *testing.T) {
	now := time.Unix(1700000000, 0)
	env := metric.NewEventEnvelope("host1", "api", 7, metric.EventExit)
	env.ProcessMetrics = metric.Metrics{{Name: metric.Uptime, Value: 100}}

	items := RenderFalcon(env, now, 30)

	require.Len(t, items, 2)
	assert.Equal(t, FalconItem{
		Endpoint: "host1", Metric: "event.exit", Timestamp: 1700000000, Step: 30,
		Value: 1, CounterType: "GAUGE", Tags: "app=api,id=7",
	}, items[0])
	assert.Equal(t, "proc.uptime", items[1].Metric)
	assert.Equal(t, 100.0, items[1].Value)

	sys := RenderFalcon(metric.NewSystemEnvelope("host1", metric.Metrics{{Name: metric.Memory, Value: 5}}), now, 30)
	require.Len(t, sys, 1)
	assert.Equal(t, "system.memory", sys[0].Metric)
	assert.Equal(t, "", sys[0].Tags)
}

func TestFalconTransport_PushesOneBatchPerSend(t *testing.T) {
	var requests int32
	var got []FalconItem
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, "/v1/push", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	target, err := ParseTarget("falcon[" + server.URL + "]")
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	tr, err := New(target, Options{Clock: clock, FalconStep: 5}, &TestLogger{})
	require.NoError(t, err)

	env := metric.NewProcessEnvelope("host1", "api", 1, metric.Metrics{{Name: metric.CPU, Value: 3}, {Name: metric.Memory, Value: 1024}})
	require.NoError(t, tr.Send(context.Background(), env))

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	require.Len(t, got, 2)
	assert.Equal(t, "proc.cpu", got[0].Metric)
	assert.Equal(t, "proc.memory", got[1].Metric)
	assert.Equal(t, "app=api,id=1", got[1].Tags)
	assert.Equal(t, int64(1700000000), got[0].Timestamp)
	assert.Equal(t, 5, got[0].Step)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), env), errors.ErrTransportClosed)
}

func TestFalconTransport_FailuresAreNotRetried(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	target, err := ParseTarget("falcon[" + server.URL + "]")
	require.NoError(t, err)
	tr, err := New(target, Options{}, &TestLogger{})
	require.NoError(t, err)
	defer tr.Close()

	env := metric.NewSystemEnvelope("host1", metric.Metrics{{Name: metric.CPU, Value: 1}})
	for i := 0; i < 5; i++ {
		err := tr.Send(context.Background(), env)
		assert.True(t, errors.IsNetworkError(err))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&requests))

	// breaker is open now, the backend is not contacted
	err = tr.Send(context.Background(), env)
	assert.Error(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&requests))
}
