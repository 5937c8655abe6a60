package telemetry

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procmon"

// Metrics holds the worker's self-telemetry on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	EnvelopesSent         *prometheus.CounterVec
	EnvelopesFailed       *prometheus.CounterVec
	PollCycles            *prometheus.CounterVec
	LifecycleEvents       *prometheus.CounterVec
	SubscriptionReconnect prometheus.Counter
}

// New creates and registers the worker metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Total number of envelopes handed to the transport successfully",
		}, []string{"transport"}),
		EnvelopesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_failed_total",
			Help:      "Total number of envelopes dropped because the send failed",
		}, []string{"transport"}),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of completed poll cycles",
		}, []string{"loop"}),
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Total number of lifecycle events received from the process manager",
		}, []string{"event"}),
		SubscriptionReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_reconnects_total",
			Help:      "Total number of event subscription reconnect attempts",
		}),
	}

	registry.MustRegister(
		m.EnvelopesSent,
		m.EnvelopesFailed,
		m.PollCycles,
		m.LifecycleEvents,
		m.SubscriptionReconnect,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, logger logging.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewNetworkError("failed to listen for telemetry", err).WithContext("addr", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("Telemetry listening on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.NewNetworkError("telemetry server failed", err)
	}
	return nil
}
