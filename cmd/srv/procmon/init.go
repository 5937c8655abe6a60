package main

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-procmon-go/pkg/config"
)

type initCommand struct {
	Node   string `long:"node" description:"Node name used in metric keys (default: local IPv4 with underscores)"`
	Client string `long:"client" description:"Backend kind" choice:"falcon" choice:"statsd" default:"falcon"`
	URI    string `long:"uri" description:"Backend address, the scheme is completed when missing"`
	Output string `long:"output" short:"o" description:"File to write" default:"procmon.yaml"`
	Force  bool   `long:"force" description:"Replace an existing file"`
}

func (c *initCommand) Execute(args []string) error {
	cfg, err := config.Generate(context.Background(), config.GenerateOptions{
		Node:   c.Node,
		Client: c.Client,
		URI:    c.URI,
	})
	if err != nil {
		return err
	}
	if err := config.WriteFile(c.Output, cfg, c.Force); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s, node: %s, target: %s\n", c.Output, cfg.Node, cfg.Target)
	return nil
}

type checkCommand struct {
	global *globalOptions
}

func (c *checkCommand) Execute(args []string) error {
	cfg, path, err := loadConfig(c.global.Config)
	if err != nil {
		return err
	}
	home, err := cfg.PM2Home()
	if err != nil {
		return err
	}

	if path == "" {
		path = "(defaults and environment only)"
	}
	fmt.Printf("config:       %s\n", path)
	fmt.Printf("node:         %s\n", cfg.Node)
	fmt.Printf("target:       %s\n", cfg.Target)
	fmt.Printf("pm2 home:     %s\n", home.Dir)
	fmt.Printf("refresh:      %v\n", cfg.Refresh)
	fmt.Printf("max restarts: %d within %v\n", cfg.MaxRestarts, cfg.Supervisor.RestartWindow)
	fmt.Printf("daemonize:    %v\n", cfg.Daemonize)
	fmt.Printf("service:      %s\n", cfg.Supervisor.ServiceContext)
	return nil
}
