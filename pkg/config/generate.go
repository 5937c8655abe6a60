package config

import (
	"context"
	"net"
	"os"
	"strings"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/transport"

	psnet "github.com/shirou/gopsutil/v4/net"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFalconURI = "http://127.0.0.1:5258"
	DefaultStatsdURI = "udp://127.0.0.1:8125"
)

type GenerateOptions struct {
	// Node defaults to the first non-loopback IPv4 address with dots as underscores
	Node string

	// Client is the backend kind, falcon when empty
	Client string
	URI    string
}

// Generate builds a configuration for a fresh install
func Generate(ctx context.Context, opts GenerateOptions) (*Config, error) {
	node := opts.Node
	if node == "" {
		var err error
		if node, err = LocalNodeName(ctx); err != nil {
			return nil, err
		}
	}

	kind := transport.Kind(strings.ToLower(opts.Client))
	uri := opts.URI
	switch kind {
	case "", transport.KindFalcon:
		kind = transport.KindFalcon
		if uri == "" {
			uri = DefaultFalconURI
		}
	case transport.KindStatsd:
		if uri == "" {
			uri = DefaultStatsdURI
		}
	default:
		return nil, errors.NewValidationError("unsupported client", nil).
			WithContext("client", opts.Client).
			WithContext("supported", "falcon, statsd")
	}

	config := DefaultConfig()
	config.Node = node
	config.Target = transport.FormatTarget(kind, uri)
	if _, err := config.ParseTarget(); err != nil {
		return nil, err
	}
	return config, nil
}

// LocalNodeName formats the first non-loopback IPv4 address as a metric-safe name
func LocalNodeName(ctx context.Context) (string, error) {
	interfaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", errors.NewIOError("failed to list network interfaces", err)
	}

	for _, iface := range interfaces {
		if hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return strings.ReplaceAll(ip4.String(), ".", "_"), nil
			}
		}
	}
	return "", errors.NewConfigError("no IPv4 address found, pass a node name explicitly", nil)
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func Marshal(config *Config) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode configuration", err)
	}
	return data, nil
}

// WriteFile stores the configuration as YAML, refusing to replace an existing file unless force is set
func WriteFile(path string, config *Config, force bool) error {
	data, err := Marshal(config)
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewIOError("configuration file already exists", err).WithContext("filename", path)
		}
		return errors.NewIOError("failed to create configuration file", err).WithContext("filename", path)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.NewIOError("failed to write configuration file", err).WithContext("filename", path)
	}
	return nil
}
