package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/marketctl/internal/config"
)

const defaultConfigPath = "marketctl.toml"

type cliOptions struct {
	configPath string
	network    string
	keypair    string
	sim        bool
	yes        bool
}

// resolveConfig layers file, environment and flags, in that order.
func resolveConfig(opts cliOptions) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path := strings.TrimSpace(opts.configPath); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOptional(defaultConfigPath)
	}
	if err != nil {
		return config.Config{}, err
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return config.Config{}, err
	}

	if opts.network != "" {
		network, err := config.ParseNetwork(opts.network)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Network = network
	}
	if v := strings.TrimSpace(opts.keypair); v != "" {
		cfg.KeypairPath = v
	}
	if opts.yes {
		cfg.ConfirmPrompt = false
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("resolve config: %w", err)
	}
	return cfg, nil
}
