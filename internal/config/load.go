package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileEndpoint struct {
	RPC string `toml:"rpc"`
	DAS string `toml:"das"`
}

type filePoll struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type fileBreaker struct {
	MaxRequests         uint32 `toml:"max_requests"`
	Interval            string `toml:"interval"`
	Timeout             string `toml:"timeout"`
	ConsecutiveFailures uint32 `toml:"consecutive_failures"`
}

type fileAPI struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

type fileConfig struct {
	Network        string       `toml:"network"`
	ProgramID      string       `toml:"program_id"`
	Keypair        string       `toml:"keypair"`
	ConfirmPrompt  bool         `toml:"confirm_prompt"`
	ConfirmTimeout string       `toml:"confirm_timeout"`
	TreePreset     uint64       `toml:"tree_preset"`
	Journal        string       `toml:"journal"`
	ExportDir      string       `toml:"export_dir"`
	Devnet         fileEndpoint `toml:"devnet"`
	Mainnet        fileEndpoint `toml:"mainnet"`
	Poll           filePoll     `toml:"poll"`
	Breaker        fileBreaker  `toml:"breaker"`
	API            fileAPI      `toml:"api"`
}

// Load reads path over DefaultConfig. Only keys present in the file
// override a default. Environment overrides are not applied here.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, undecoded[0])
	}

	if meta.IsDefined("network") {
		network, err := ParseNetwork(raw.Network)
		if err != nil {
			return Config{}, err
		}
		cfg.Network = network
	}
	if meta.IsDefined("program_id") {
		cfg.ProgramID = strings.TrimSpace(raw.ProgramID)
	}
	if meta.IsDefined("keypair") {
		cfg.KeypairPath = strings.TrimSpace(raw.Keypair)
	}
	if meta.IsDefined("confirm_prompt") {
		cfg.ConfirmPrompt = raw.ConfirmPrompt
	}
	if meta.IsDefined("confirm_timeout") {
		if cfg.ConfirmTimeout, err = parseDuration("confirm_timeout", raw.ConfirmTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("tree_preset") {
		cfg.TreePreset = raw.TreePreset
	}
	if meta.IsDefined("journal") {
		cfg.JournalPath = strings.TrimSpace(raw.Journal)
	}
	if meta.IsDefined("export_dir") {
		cfg.ExportDir = strings.TrimSpace(raw.ExportDir)
	}

	applyEndpoint(meta, "devnet", raw.Devnet, &cfg.Devnet)
	applyEndpoint(meta, "mainnet", raw.Mainnet, &cfg.Mainnet)

	if meta.IsDefined("poll", "initial_delay") {
		if cfg.Poll.InitialDelay, err = parseDuration("poll.initial_delay", raw.Poll.InitialDelay); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("poll", "multiplier") {
		cfg.Poll.Multiplier = raw.Poll.Multiplier
	}
	if meta.IsDefined("poll", "max_delay") {
		if cfg.Poll.MaxDelay, err = parseDuration("poll.max_delay", raw.Poll.MaxDelay); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("poll", "jitter") {
		cfg.Poll.Jitter = raw.Poll.Jitter
	}

	if meta.IsDefined("breaker", "max_requests") {
		cfg.Breaker.MaxRequests = raw.Breaker.MaxRequests
	}
	if meta.IsDefined("breaker", "interval") {
		if cfg.Breaker.Interval, err = parseDuration("breaker.interval", raw.Breaker.Interval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("breaker", "timeout") {
		if cfg.Breaker.Timeout, err = parseDuration("breaker.timeout", raw.Breaker.Timeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("breaker", "consecutive_failures") {
		cfg.Breaker.ConsecutiveFailures = raw.Breaker.ConsecutiveFailures
	}

	if meta.IsDefined("api", "addr") {
		cfg.API.Addr = strings.TrimSpace(raw.API.Addr)
	}
	if meta.IsDefined("api", "token") {
		cfg.API.Token = strings.TrimSpace(raw.API.Token)
	}
	if meta.IsDefined("api", "cors_origins") {
		cfg.API.CorsOrigins = normalizeList(raw.API.CorsOrigins)
	}
	return cfg, nil
}

// LoadOptional is Load for a path the operator did not name explicitly: a
// missing file yields the defaults.
func LoadOptional(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func applyEndpoint(meta toml.MetaData, table string, raw fileEndpoint, out *Endpoint) {
	if meta.IsDefined(table, "rpc") {
		out.RPC = strings.TrimSpace(raw.RPC)
	}
	if meta.IsDefined(table, "das") {
		out.DAS = strings.TrimSpace(raw.DAS)
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
