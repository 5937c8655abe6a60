package monitoring

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-procmon-go/pkg/metric"
	"github.com/core-tools/hsu-procmon-go/pkg/pm2"
)

type fakeSubscription struct {
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
	err       error
	closed    chan struct{}
	onClose   func()
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }
func (s *fakeSubscription) Err() error            { return s.err }

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.closed)
		s.endOnce.Do(func() { close(s.done) })
	})
	return nil
}

// end simulates the daemon dropping the stream
func (s *fakeSubscription) end(err error) {
	s.err = err
	s.endOnce.Do(func() { close(s.done) })
}

type fakeManager struct {
	mutex      sync.Mutex
	subscribe  func(handler pm2.EventHandler) (pm2.Subscription, error)
	list       func(ctx context.Context) ([]pm2.ProcessSnapshot, error)
	subscribes int
	onClose    func()
}

func (m *fakeManager) Subscribe(ctx context.Context, handler pm2.EventHandler) (pm2.Subscription, error) {
	m.mutex.Lock()
	m.subscribes++
	subscribe := m.subscribe
	m.mutex.Unlock()
	return subscribe(handler)
}

func (m *fakeManager) ListProcesses(ctx context.Context) ([]pm2.ProcessSnapshot, error) {
	if m.list == nil {
		return nil, nil
	}
	return m.list(ctx)
}

func (m *fakeManager) Close() error {
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

func (m *fakeManager) subscribeCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.subscribes
}

type recordingSink struct {
	mutex     sync.Mutex
	envelopes []metric.Envelope
	sent      chan metric.Envelope
	fail      bool
	onClose   func()
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: make(chan metric.Envelope, 64)}
}

func (s *recordingSink) Send(ctx context.Context, envelope metric.Envelope) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.fail {
		return fmt.Errorf("backend unreachable")
	}
	s.envelopes = append(s.envelopes, envelope)
	s.sent <- envelope
	return nil
}

func (s *recordingSink) Close() error {
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

func (s *recordingSink) all() []metric.Envelope {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]metric.Envelope(nil), s.envelopes...)
}

type fakeStats struct {
	cpu    float64
	memory uint64
	err    error
}

func (f *fakeStats) CPUPercent(ctx context.Context) (float64, error) { return f.cpu, f.err }
func (f *fakeStats) MemoryUsed(ctx context.Context) (uint64, error)  { return f.memory, f.err }

type fakeRequester struct {
	mutex   sync.Mutex
	reasons []string
}

func (r *fakeRequester) RequestRestart(reason string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

// orderLog records release steps from several goroutines
type orderLog struct {
	mutex sync.Mutex
	steps []string
}

func (o *orderLog) add(step string) func() {
	return func() {
		o.mutex.Lock()
		defer o.mutex.Unlock()
		o.steps = append(o.steps, step)
	}
}

func (o *orderLog) list() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]string(nil), o.steps...)
}
