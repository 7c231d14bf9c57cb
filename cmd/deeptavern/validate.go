package main

import (
	"fmt"

	"github.com/deeptavern/deeptavern/pkg/config"
)

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("config is invalid: %w", err)
	}

	fmt.Printf("✓ %s is valid\n", cli.Config)
	fmt.Printf("  providers: %d, roles: %d, vector backend: %s\n",
		len(cfg.Providers), len(cfg.Roles), cfg.Storage.Vector.Backend)
	return nil
}
