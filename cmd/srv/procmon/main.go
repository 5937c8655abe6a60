package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-procmon-go/pkg/config"
	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/logging/zaplog"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Config string `long:"config" short:"c" description:"Configuration file path (YAML)" env:"PROCMON_CONFIG"`
}

// exitCode carries a process exit status out of a command
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(c))
}

func logPrefix(component string) string {
	return fmt.Sprintf("procmon-%s: ", component)
}

func main() {
	var opts globalOptions
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.SubcommandsOptional = true

	run := &runCommand{global: &opts}
	mustAddCommand(parser, "run", "Run the supervisor (default)",
		"Fork the monitoring worker and keep it alive, restarting it after crashes", run)
	mustAddCommand(parser, "worker", "Run the monitoring worker",
		"Run the monitoring worker in the foreground; normally started by the supervisor", &workerCommand{global: &opts})
	mustAddCommand(parser, "init", "Generate a configuration file",
		"Write a configuration file with the node name and backend target filled in", &initCommand{})
	mustAddCommand(parser, "check", "Validate the configuration",
		"Load and validate the configuration, then print a summary", &checkCommand{global: &opts})

	_, err := parser.ParseArgs(os.Args[1:])
	if err == nil && parser.Active == nil {
		err = run.Execute(nil)
	}
	os.Exit(exitStatus(err))
}

func mustAddCommand(parser *flags.Parser, name, short, long string, data interface{}) {
	if _, err := parser.AddCommand(name, short, long, data); err != nil {
		panic(fmt.Sprintf("failed to register command %s: %v", name, err))
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}

	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}

	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		fmt.Println(flagsErr.Message)
		return 0
	}

	fmt.Fprintf(os.Stderr, "procmon: %v\n", err)
	return 1
}

// loadConfig loads and validates the configuration. A relative path is made
// absolute so a detached copy resolves the same file.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, "", errors.NewIOError("failed to resolve configuration path", err).WithContext("filename", path)
		}
		path = abs
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newLogger builds the zap backend for one of the two processes; each
// writes its own rotating file when log.dir is set.
func newLogger(cfg *config.Config, component string) (*zaplog.Backend, logging.Logger, error) {
	backend, err := zaplog.New(zaplog.Options{
		Level:     cfg.Log.Level,
		Directory: cfg.Log.Dir,
		FileName:  component + ".log",
	})
	if err != nil {
		return nil, nil, errors.NewConfigError("failed to initialize logging", err)
	}
	return backend, backend.Logger(logPrefix(component)), nil
}
