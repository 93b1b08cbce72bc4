package main

import (
	"testing"
	"time"

	"github.com/danmuck/marketctl/internal/config"
)

func TestResolveConfigExample(t *testing.T) {
	cfg, err := resolveConfig(cliOptions{configPath: "ex.config.toml"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Network != config.NetworkDevnet {
		t.Fatalf("network: %q", cfg.Network)
	}
	if cfg.ConfirmTimeout != 45*time.Second {
		t.Fatalf("confirm timeout: %v", cfg.ConfirmTimeout)
	}
	if cfg.TreePreset != 16384 {
		t.Fatalf("tree preset: %d", cfg.TreePreset)
	}
	if cfg.Devnet.DAS == "" {
		t.Fatalf("expected devnet das endpoint")
	}
	if cfg.Mainnet.RPC != config.DefaultConfig().Mainnet.RPC {
		t.Fatalf("mainnet rpc should keep its default: %q", cfg.Mainnet.RPC)
	}
	if cfg.Poll.InitialDelay != 250*time.Millisecond || cfg.Poll.Multiplier != 1.5 {
		t.Fatalf("poll: %+v", cfg.Poll)
	}
	if len(cfg.API.CorsOrigins) != 2 || cfg.API.Token != "change-me" {
		t.Fatalf("api: %+v", cfg.API)
	}
	if !cfg.ConfirmPrompt {
		t.Fatalf("expected confirm prompt enabled")
	}
}

func TestResolveConfigFlagsWin(t *testing.T) {
	t.Setenv("MARKETCTL_NETWORK", "devnet")
	t.Setenv("MARKETCTL_KEYPAIR", "/env/id.json")
	cfg, err := resolveConfig(cliOptions{
		configPath: "ex.config.toml",
		network:    "mainnet",
		keypair:    "/flag/id.json",
		yes:        true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Network != config.NetworkMainnet {
		t.Fatalf("network flag ignored: %q", cfg.Network)
	}
	if cfg.KeypairPath != "/flag/id.json" {
		t.Fatalf("keypair flag ignored: %q", cfg.KeypairPath)
	}
	if cfg.ConfirmPrompt {
		t.Fatalf("-yes should disable the confirm prompt")
	}
}

func TestResolveConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("MARKETCTL_DEVNET_RPC", "https://rpc.example.com")
	t.Setenv("MARKETCTL_CONFIRM_TIMEOUT", "10s")
	cfg, err := resolveConfig(cliOptions{configPath: "ex.config.toml"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Devnet.RPC != "https://rpc.example.com" {
		t.Fatalf("devnet rpc: %q", cfg.Devnet.RPC)
	}
	if cfg.ConfirmTimeout != 10*time.Second {
		t.Fatalf("confirm timeout: %v", cfg.ConfirmTimeout)
	}
}

func TestResolveConfigRejects(t *testing.T) {
	if _, err := resolveConfig(cliOptions{configPath: "absent.toml"}); err == nil {
		t.Fatalf("expected error for an explicit missing config")
	}
	if _, err := resolveConfig(cliOptions{configPath: "ex.config.toml", network: "localnet"}); err == nil {
		t.Fatalf("expected unknown network error")
	}
}
