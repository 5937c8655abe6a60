package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/core-tools/hsu-procmon-go/pkg/config"
	"github.com/core-tools/hsu-procmon-go/pkg/daemon"
	"github.com/core-tools/hsu-procmon-go/pkg/logging/zaplog"
	"github.com/core-tools/hsu-procmon-go/pkg/processfile"
	"github.com/core-tools/hsu-procmon-go/pkg/supervisor"
)

type runCommand struct {
	global *globalOptions
}

func (c *runCommand) Execute(args []string) error {
	cfg, configPath, err := loadConfig(c.global.Config)
	if err != nil {
		return err
	}

	backend, logger, err := newLogger(cfg, "supervisor")
	if err != nil {
		return err
	}
	defer backend.Sync()

	if cfg.Daemonize && !daemon.IsDaemonized() {
		pid, err := daemon.Detach(daemon.Options{Args: os.Args[1:]}, logger)
		if err != nil {
			logger.Errorf("Failed to daemonize: %v", err)
			return exitCode(supervisor.ExitCodeFailure)
		}
		fmt.Printf("procmon is running in the background, pid: %d\n", pid)
		return nil
	}

	fileConfig, err := cfg.ProcessFiles()
	if err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		return exitCode(supervisor.ExitCodeFailure)
	}
	files := processfile.NewProcessFileManager(fileConfig, logger)

	launcherOpts := supervisor.ExecLauncherOptions{
		Args: workerArgs(configPath),
	}
	opts := supervisor.Options{
		MaxRestarts:     cfg.MaxRestarts,
		RestartWindow:   cfg.Supervisor.RestartWindow,
		RestartDelay:    cfg.Supervisor.RestartDelay,
		GracefulTimeout: cfg.Supervisor.GracefulTimeout,
	}

	if daemon.IsDaemonized() {
		opts.PIDFiles = files
		stdout, stderr := workerOutput(cfg, files)
		defer stdout.Close()
		defer stderr.Close()
		launcherOpts.Stdout = stdout
		launcherOpts.Stderr = stderr
	}

	launcher, err := supervisor.NewExecLauncher(launcherOpts, logger)
	if err != nil {
		logger.Errorf("Failed to prepare worker launcher: %v", err)
		return exitCode(supervisor.ExitCodeFailure)
	}

	sup := supervisor.New(launcher, opts, logger)

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGTERM, os.Interrupt, syscall.SIGHUP)
	defer signal.Stop(signals)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case sig := <-signals:
				sup.HandleSignal(sig)
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Infof("Supervisor starting, node: %s, target: %s", cfg.Node, cfg.Target)
	if code := sup.Run(ctx); code != supervisor.ExitCodeClean {
		return exitCode(code)
	}
	return nil
}

func workerArgs(configPath string) []string {
	if configPath == "" {
		return []string{"worker"}
	}
	return []string{"--config", configPath, "worker"}
}

// workerOutput opens rotating files for the worker's stdout and stderr
func workerOutput(cfg *config.Config, files *processfile.ProcessFileManager) (stdout, stderr io.WriteCloser) {
	path := func(name string) string {
		if cfg.Log.Dir != "" {
			return filepath.Join(cfg.Log.Dir, name+".log")
		}
		return files.GenerateLogFilePath(name)
	}
	return zaplog.NewRotatingWriter(path("procmon.out"), 0, 0, 0),
		zaplog.NewRotatingWriter(path("procmon.err"), 0, 0, 0)
}
