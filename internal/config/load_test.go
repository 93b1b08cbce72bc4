package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTemplatesMatchDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteTemplate(path, "marketctl", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("template drifted from defaults (-want +got):\n%s", diff)
	}

	if err := WriteTemplate(path, "serve", true); err != nil {
		t.Fatalf("write serve template: %v", err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load serve: %v", err)
	}
	if cfg.API.Token != "change-me" || cfg.API.Addr != "127.0.0.1:8787" {
		t.Fatalf("api: %+v", cfg.API)
	}
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
network = "mainnet-beta"
confirm_timeout = "90s"
confirm_prompt = false

[mainnet]
das = "https://das.example.com"

[poll]
max_delay = "2s"

[api]
cors_origins = ["https://app.example.com", " "]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := DefaultConfig()
	want.Network = NetworkMainnet
	want.ConfirmTimeout = 90 * time.Second
	want.ConfirmPrompt = false
	want.Mainnet.DAS = "https://das.example.com"
	want.Poll.MaxDelay = 2 * time.Second
	want.API.CorsOrigins = []string{"https://app.example.com"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad duration": `confirm_timeout = "soon"`,
		"bad network":  `network = "testnet"`,
		"unknown key":  `rpc_url = "https://x"`,
		"bad toml":     `network = `,
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := Load(writeConfig(t, `network = "testnet"`))
	if !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandHome("~/.config/solana/id.json")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, ".config/solana/id.json") {
		t.Fatalf("expanded %q", got)
	}
	if got, _ := ExpandHome("/abs/id.json"); got != "/abs/id.json" {
		t.Fatalf("absolute path changed: %q", got)
	}
	if got, _ := ExpandHome("~other/id.json"); !strings.HasPrefix(got, "~other") {
		t.Fatalf("~user form should pass through: %q", got)
	}
}
