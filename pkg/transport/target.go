package transport

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
)

// Kind identifies a backend wire protocol
type Kind string

const (
	KindStatsd Kind = "statsd"
	KindFalcon Kind = "falcon"
)

// Target is a parsed backend URI such as statsd[udp://127.0.0.1:8125]
type Target struct {
	Kind     Kind
	Endpoint *url.URL
	Raw      string
}

func (t Target) String() string {
	return t.Raw
}

var targetPattern = regexp.MustCompile(`^\s*([A-Za-z0-9_-]+)\[([^\]]*)\]\s*$`)

// ParseTarget parses a backend[protocol://host:port] URI
func ParseTarget(raw string) (Target, error) {
	match := targetPattern.FindStringSubmatch(raw)
	if match == nil {
		return Target{}, errors.NewValidationError("target must look like backend[protocol://host:port]", nil).
			WithContext("target", raw)
	}

	kind := Kind(strings.ToLower(match[1]))
	endpoint, err := url.Parse(strings.TrimSpace(match[2]))
	if err != nil {
		return Target{}, errors.NewValidationError("invalid target endpoint", err).WithContext("target", raw)
	}
	if endpoint.Host == "" || endpoint.Hostname() == "" {
		return Target{}, errors.NewValidationError("target endpoint has no host", nil).WithContext("target", raw)
	}

	switch kind {
	case KindStatsd:
		switch endpoint.Scheme {
		case "udp", "udp4", "udp6":
		default:
			return Target{}, errors.NewValidationError(
				fmt.Sprintf("statsd target requires udp scheme, got %q", endpoint.Scheme), nil).
				WithContext("target", raw)
		}
		if endpoint.Port() == "" {
			return Target{}, errors.NewValidationError("statsd target requires a port", nil).WithContext("target", raw)
		}
	case KindFalcon:
		switch endpoint.Scheme {
		case "http", "https":
		default:
			return Target{}, errors.NewValidationError(
				fmt.Sprintf("falcon target requires http or https scheme, got %q", endpoint.Scheme), nil).
				WithContext("target", raw)
		}
	default:
		return Target{}, errors.NewValidationError("unsupported backend", nil).
			WithContext("backend", string(kind)).
			WithContext("supported", "statsd, falcon")
	}

	return Target{Kind: kind, Endpoint: endpoint, Raw: strings.TrimSpace(raw)}, nil
}

// FormatTarget renders a target URI from its parts, completing a missing scheme
func FormatTarget(kind Kind, endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		switch kind {
		case KindStatsd:
			endpoint = "udp://" + endpoint
		default:
			endpoint = "http://" + endpoint
		}
	}
	return fmt.Sprintf("%s[%s]", kind, endpoint)
}
