package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/metric"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"
)

const falconPushPath = "/v1/push"

// FalconItem is one metric submission of the open-falcon push API
type FalconItem struct {
	Endpoint    string  `json:"endpoint"`
	Metric      string  `json:"metric"`
	Timestamp   int64   `json:"timestamp"`
	Step        int     `json:"step"`
	Value       float64 `json:"value"`
	CounterType string  `json:"counterType"`
	Tags        string  `json:"tags"`
}

// RenderFalcon expands an envelope into one tagged item per metric
func RenderFalcon(envelope metric.Envelope, now time.Time, step int) []FalconItem {
	tags := ""
	if envelope.HasProcess() {
		tags = formatTags(map[string]string{
			"id":  strconv.Itoa(envelope.ProcessID),
			"app": envelope.AppName,
		})
	}

	item := func(name string, value float64) FalconItem {
		return FalconItem{
			Endpoint:    envelope.NodeName,
			Metric:      name,
			Timestamp:   now.Unix(),
			Step:        step,
			Value:       value,
			CounterType: "GAUGE",
			Tags:        tags,
		}
	}

	var items []FalconItem
	if envelope.Event != "" {
		items = append(items, item("event."+envelope.Event, 1))
	}
	for _, m := range envelope.ProcessMetrics {
		items = append(items, item("proc."+m.Name, m.Value))
	}
	for _, m := range envelope.SystemMetrics {
		items = append(items, item("system."+m.Name, m.Value))
	}
	return items
}

func formatTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

type falconTransport struct {
	target   Target
	pushURL  string
	timeout  time.Duration
	step     int
	clock    clockwork.Clock
	logger   logging.Logger
	breaker  *gobreaker.CircuitBreaker[struct{}]
	initOnce sync.Once

	mutex  sync.Mutex
	client *http.Client
	closed bool
}

func newFalconTransport(target Target, opts Options, logger logging.Logger) *falconTransport {
	pushURL := *target.Endpoint
	if pushURL.Path == "" || pushURL.Path == "/" {
		pushURL.Path = falconPushPath
	}

	ft := &falconTransport{
		target:  target,
		pushURL: pushURL.String(),
		timeout: opts.Timeout,
		step:    opts.FalconStep,
		clock:   opts.Clock,
		logger:  logger,
	}

	ft.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "falcon-push",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Falcon push circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return ft
}

func (f *falconTransport) Kind() Kind {
	return KindFalcon
}

// httpClient creates the client on first use and reuses it afterwards
func (f *falconTransport) httpClient() (*http.Client, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.closed {
		return nil, errors.ErrTransportClosed
	}
	f.initOnce.Do(func() {
		f.client = &http.Client{
			Timeout:   f.timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
		f.logger.Infof("Falcon client created, push url: %s", f.pushURL)
	})
	return f.client, nil
}

func (f *falconTransport) Send(ctx context.Context, envelope metric.Envelope) error {
	items := RenderFalcon(envelope, f.clock.Now(), f.step)
	if len(items) == 0 {
		return nil
	}

	client, err := f.httpClient()
	if err != nil {
		return err
	}

	body, err := json.Marshal(items)
	if err != nil {
		return errors.NewInternalError("failed to encode falcon items", err)
	}

	_, err = f.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, f.push(ctx, client, body)
	})
	if err != nil {
		return errors.NewNetworkError("falcon push failed", err).WithContext("url", f.pushURL)
	}

	f.logger.Debugf("falcon sent, url: %s, items: %d", f.pushURL, len(items))
	return nil
}

func (f *falconTransport) push(ctx context.Context, client *http.Client, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.pushURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return errors.NewTimeoutError("falcon push timed out", err)
		}
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (f *falconTransport) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if f.client != nil {
		f.client.CloseIdleConnections()
	}
	return nil
}
