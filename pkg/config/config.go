package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/daemon"
	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/monitoring"
	"github.com/core-tools/hsu-procmon-go/pkg/pm2"
	"github.com/core-tools/hsu-procmon-go/pkg/processfile"
	"github.com/core-tools/hsu-procmon-go/pkg/supervisor"
	"github.com/core-tools/hsu-procmon-go/pkg/transport"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix selects the environment variables that override the file.
// PROCMON_LOG__LEVEL maps to log.level.
const EnvPrefix = "PROCMON_"

const DefaultConfigFile = "procmon.yaml"

// Config represents the top-level configuration file structure
type Config struct {
	// PM2 is the pm2 home directory; a leading ~/ honours PM2_HOME
	PM2     string        `koanf:"pm2" yaml:"pm2"`
	Refresh time.Duration `koanf:"refresh" yaml:"refresh"`

	// Target is the backend URI, e.g. statsd[udp://127.0.0.1:8125]
	Target string `koanf:"target" yaml:"target"`

	// Node names this host in every metric key; hostname when empty
	Node string `koanf:"node" yaml:"node"`

	Daemonize   bool `koanf:"daemonize" yaml:"daemonize"`
	MaxRestarts int  `koanf:"max_restarts" yaml:"max_restarts"`

	Log        LogConfig        `koanf:"log" yaml:"log"`
	Supervisor SupervisorConfig `koanf:"supervisor" yaml:"supervisor"`
	Subscriber SubscriberConfig `koanf:"subscriber" yaml:"subscriber"`
	System     SystemConfig     `koanf:"system" yaml:"system"`
	Transport  TransportConfig  `koanf:"transport" yaml:"transport"`
	Telemetry  TelemetryConfig  `koanf:"telemetry" yaml:"telemetry"`
}

type LogConfig struct {
	// Dir receives procmon.log and, when daemonized, the worker output files
	Dir   string `koanf:"dir" yaml:"dir"`
	Level string `koanf:"level" yaml:"level"`
}

type SupervisorConfig struct {
	RestartDelay    time.Duration `koanf:"restart_delay" yaml:"restart_delay"`
	RestartWindow   time.Duration `koanf:"restart_window" yaml:"restart_window"`
	GracefulTimeout time.Duration `koanf:"graceful_timeout" yaml:"graceful_timeout"`

	// ServiceContext picks default pid and log locations: system, user or session
	ServiceContext string `koanf:"service_context" yaml:"service_context"`

	// RunDir holds the pid file and overrides the service context location
	RunDir string `koanf:"run_dir" yaml:"run_dir"`
}

type SubscriberConfig struct {
	MaxReconnects  int           `koanf:"max_reconnects" yaml:"max_reconnects"`
	InitialBackoff time.Duration `koanf:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" yaml:"max_backoff"`
}

type SystemConfig struct {
	CPUSample time.Duration `koanf:"cpu_sample" yaml:"cpu_sample"`
}

type TransportConfig struct {
	Prefix     string        `koanf:"prefix" yaml:"prefix"`
	Timeout    time.Duration `koanf:"timeout" yaml:"timeout"`
	FalconStep int           `koanf:"falcon_step" yaml:"falcon_step"`
}

type TelemetryConfig struct {
	// Listen exposes the worker's /metrics endpoint, e.g. 127.0.0.1:9465
	Listen string `koanf:"listen" yaml:"listen"`
}

// DefaultConfig returns the configuration used for keys absent from file and environment
func DefaultConfig() *Config {
	return &Config{
		PM2:         "~/.pm2",
		Refresh:     monitoring.DefaultInterval,
		MaxRestarts: supervisor.DefaultMaxRestarts,
		Log: LogConfig{
			Level: "info",
		},
		Supervisor: SupervisorConfig{
			RestartDelay:    supervisor.DefaultRestartDelay,
			RestartWindow:   supervisor.DefaultRestartWindow,
			GracefulTimeout: supervisor.DefaultGracefulTimeout,
			ServiceContext:  string(processfile.UserService),
		},
		Subscriber: SubscriberConfig{
			MaxReconnects:  monitoring.DefaultMaxReconnects,
			InitialBackoff: monitoring.DefaultInitialBackoff,
			MaxBackoff:     monitoring.DefaultMaxBackoff,
		},
		System: SystemConfig{
			CPUSample: monitoring.DefaultCPUSample,
		},
		Transport: TransportConfig{
			Prefix:     transport.DefaultPrefix,
			Timeout:    transport.DefaultTimeout,
			FalconStep: transport.DefaultFalconStep,
		},
	}
}

// Load layers defaults, the YAML file at path (optional when empty) and
// PROCMON_ environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.NewInternalError("failed to load configuration defaults", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", path)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.NewConfigError("failed to parse YAML configuration", err).WithContext("filename", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.NewConfigError("failed to load environment overrides", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, errors.NewConfigError("failed to decode configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// envKey maps PROCMON_SUPERVISOR__RESTART_DELAY to supervisor.restart_delay.
// Variables the agent sets for its own children are skipped.
func envKey(name string) string {
	switch name {
	case supervisor.ControlFDEnv, daemon.DaemonizedEnv:
		return ""
	}
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// setConfigDefaults fills values left empty or zeroed by the file
func setConfigDefaults(config *Config) {
	defaults := DefaultConfig()

	if config.PM2 == "" {
		config.PM2 = defaults.PM2
	}
	if config.Refresh <= 0 {
		config.Refresh = defaults.Refresh
	}
	if config.MaxRestarts <= 0 {
		config.MaxRestarts = defaults.MaxRestarts
	}
	if config.Node == "" {
		if hostname, err := os.Hostname(); err == nil {
			config.Node = hostname
		}
	}
	if config.Log.Level == "" {
		config.Log.Level = defaults.Log.Level
	}
	if config.Supervisor.ServiceContext == "" {
		config.Supervisor.ServiceContext = defaults.Supervisor.ServiceContext
	}
	if config.Transport.Prefix == "" {
		config.Transport.Prefix = defaults.Transport.Prefix
	}
}

// ValidateConfig validates the configuration, including the pm2 daemon sockets
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if config.Refresh <= 0 {
		return errors.NewConfigError("refresh must be positive", nil).WithContext("refresh", config.Refresh.String())
	}
	if config.Node == "" {
		return errors.NewConfigError("node name is not set and the hostname is unavailable", nil)
	}
	if config.Supervisor.RestartDelay < 0 || config.Supervisor.RestartWindow < 0 || config.Supervisor.GracefulTimeout < 0 {
		return errors.NewConfigError("supervisor durations can not be negative", nil)
	}

	if _, err := processfile.ParseServiceContext(config.Supervisor.ServiceContext); err != nil {
		return errors.NewConfigError("invalid supervisor service context", err)
	}

	if _, err := config.ParseTarget(); err != nil {
		return err
	}

	home, err := config.PM2Home()
	if err != nil {
		return err
	}
	return home.Validate()
}

// ParseTarget resolves the backend target
func (c *Config) ParseTarget() (transport.Target, error) {
	if strings.TrimSpace(c.Target) == "" {
		return transport.Target{}, errors.NewConfigError("target is not configured", nil).
			WithContext("example", "statsd[udp://127.0.0.1:8125]")
	}
	target, err := transport.ParseTarget(c.Target)
	if err != nil {
		return transport.Target{}, errors.NewConfigError("invalid target", err).WithContext("target", c.Target)
	}
	return target, nil
}

// ProcessFiles places the pid file and worker output for the configured
// service context. An explicit run_dir is used as is.
func (c *Config) ProcessFiles() (processfile.ProcessFileConfig, error) {
	context, err := processfile.ParseServiceContext(c.Supervisor.ServiceContext)
	if err != nil {
		return processfile.ProcessFileConfig{}, errors.NewConfigError("invalid supervisor service context", err)
	}
	files := processfile.GetRecommendedProcessFileConfig(context, processfile.DefaultAppName)
	if c.Supervisor.RunDir != "" {
		files.BaseDirectory = c.Supervisor.RunDir
		files.UseSubdirectory = false
	}
	return files, nil
}

// PM2Home resolves the configured pm2 home
func (c *Config) PM2Home() (pm2.Home, error) {
	dir, err := ResolvePM2Home(c.PM2)
	if err != nil {
		return pm2.Home{}, err
	}
	return pm2.NewHome(dir), nil
}

// ResolvePM2Home expands a ~/ prefix through PM2_HOME or the user's home
// directory. The expanded directory must exist.
func ResolvePM2Home(path string) (string, error) {
	if path == "" {
		return "", errors.NewConfigError("pm2 home is not configured", nil)
	}
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	resolved := os.Getenv("PM2_HOME")
	if resolved == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.NewConfigError("pm2 home can not be located", err).WithContext("pm2", path)
		}
		resolved = filepath.Join(home, path[2:])
	}

	if _, err := os.Stat(resolved); err != nil {
		return "", errors.NewConfigError(
			"pm2 home can not be located, run `pm2 ls` once or set PM2_HOME", err).WithContext("pm2", resolved)
	}
	return resolved, nil
}
