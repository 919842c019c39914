package main

import (
	"fmt"

	"github.com/conduit-llm/conduit/pkg/config"
)

// ValidateCmd checks a configuration file without running anything.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Config file to validate (default: --config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("%s is valid\n", path)
	return nil
}
