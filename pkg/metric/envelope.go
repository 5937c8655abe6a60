package metric

import (
	"regexp"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
)

// Well-known metric names
const (
	CPU                  = "cpu"
	Memory               = "memory"
	Uptime               = "uptime"
	PlannedRestartCount  = "planned_restart_count"
	UnstableRestartCount = "unstable_restart_count"
)

// EventExit is the lifecycle event that carries uptime and restart counters
const EventExit = "exit"

// Metric is a single named value
type Metric struct {
	Name  string
	Value float64
}

// Metrics is an ordered set of metrics; rendering keeps insertion order
type Metrics []Metric

// Envelope is the canonical record handed from producers to the dispatcher.
// Presence of Event/ProcessMetrics/SystemMetrics selects the wire rendering.
type Envelope struct {
	NodeName  string
	AppName   string
	ProcessID int

	Event          string
	ProcessMetrics Metrics
	SystemMetrics  Metrics
}

// HasProcess reports whether the envelope is scoped to a managed process
func (e Envelope) HasProcess() bool {
	return e.Event != "" || len(e.ProcessMetrics) > 0
}

// Validate checks which parts an envelope must and must not carry
func (e Envelope) Validate() error {
	if e.NodeName == "" {
		return errors.NewValidationError("envelope node name is empty", nil)
	}
	if e.Event == "" && len(e.ProcessMetrics) == 0 && len(e.SystemMetrics) == 0 {
		return errors.NewValidationError("envelope carries no event or metrics", nil).
			WithContext("node", e.NodeName)
	}
	if e.HasProcess() && e.AppName == "" {
		return errors.NewValidationError("process envelope requires an app name", nil).
			WithContext("node", e.NodeName).
			WithContext("process_id", e.ProcessID)
	}
	return nil
}

// NewEventEnvelope builds an envelope for a lifecycle event
func NewEventEnvelope(node, app string, processID int, event string) Envelope {
	return Envelope{
		NodeName:  node,
		AppName:   Slug(app),
		ProcessID: processID,
		Event:     event,
	}
}

// NewProcessEnvelope builds an envelope carrying per-process metrics
func NewProcessEnvelope(node, app string, processID int, metrics Metrics) Envelope {
	return Envelope{
		NodeName:       node,
		AppName:        Slug(app),
		ProcessID:      processID,
		ProcessMetrics: metrics,
	}
}

// NewSystemEnvelope builds a host-level envelope
func NewSystemEnvelope(node string, metrics Metrics) Envelope {
	return Envelope{
		NodeName:      node,
		SystemMetrics: metrics,
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Slug replaces whitespace runs with underscores to keep metric keys path-safe
func Slug(name string) string {
	if name == "" {
		return ""
	}
	return whitespaceRun.ReplaceAllString(name, "_")
}
