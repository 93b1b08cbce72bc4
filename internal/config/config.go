package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	ErrInvalidConfig  = errors.New("config: invalid")
	ErrUnknownNetwork = errors.New("config: unknown network")
)

// Network labels a ledger cluster the tool can provision against.
type Network string

const (
	NetworkDevnet  Network = "devnet"
	NetworkMainnet Network = "mainnet"
)

// Label is the cluster name used in exported artifacts.
func (n Network) Label() string {
	if n == NetworkMainnet {
		return "mainnet-beta"
	}
	return string(n)
}

// Title is the human-readable network name.
func (n Network) Title() string {
	if n == NetworkMainnet {
		return "Mainnet"
	}
	return "Devnet"
}

// ExplorerTxURL links a transaction signature on solscan.
func (n Network) ExplorerTxURL(signature string) string {
	if n == NetworkMainnet {
		return "https://solscan.io/tx/" + signature
	}
	return "https://solscan.io/tx/" + signature + "?cluster=devnet"
}

// ParseNetwork accepts the common spellings of each cluster.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "devnet", "dev":
		return NetworkDevnet, nil
	case "mainnet", "mainnet-beta", "main":
		return NetworkMainnet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, raw)
	}
}

// Endpoint is the per-network RPC pair. DAS may be empty.
type Endpoint struct {
	RPC string `toml:"rpc"`
	DAS string `toml:"das"`
}

// BreakerConfig mirrors the circuit breaker knobs guarding RPC calls.
type BreakerConfig struct {
	MaxRequests         uint32        `toml:"max_requests" env:"MARKETCTL_BREAKER_MAX_REQUESTS"`
	Interval            time.Duration `toml:"interval" env:"MARKETCTL_BREAKER_INTERVAL"`
	Timeout             time.Duration `toml:"timeout" env:"MARKETCTL_BREAKER_TIMEOUT"`
	ConsecutiveFailures uint32        `toml:"consecutive_failures" env:"MARKETCTL_BREAKER_FAILURES"`
}

// PollConfig bounds confirmation polling.
type PollConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

// APIConfig configures the optional HTTP surface.
type APIConfig struct {
	Addr        string   `toml:"addr" env:"MARKETCTL_API_ADDR"`
	Token       string   `toml:"token" env:"MARKETCTL_API_TOKEN"`
	CorsOrigins []string `toml:"cors_origins" env:"MARKETCTL_API_CORS_ORIGINS" envSeparator:","`
}

// Config is the full runtime configuration for marketctl.
type Config struct {
	Network        Network       `toml:"network" env:"MARKETCTL_NETWORK"`
	Devnet         Endpoint      `toml:"devnet"`
	Mainnet        Endpoint      `toml:"mainnet"`
	DevnetRPC      string        `toml:"-" env:"MARKETCTL_DEVNET_RPC"`
	MainnetRPC     string        `toml:"-" env:"MARKETCTL_MAINNET_RPC"`
	ProgramID      string        `toml:"program_id" env:"MARKETCTL_PROGRAM_ID"`
	KeypairPath    string        `toml:"keypair" env:"MARKETCTL_KEYPAIR"`
	ConfirmPrompt  bool          `toml:"confirm_prompt" env:"MARKETCTL_CONFIRM_PROMPT"`
	ConfirmTimeout time.Duration `toml:"confirm_timeout" env:"MARKETCTL_CONFIRM_TIMEOUT"`
	TreePreset     uint64        `toml:"tree_preset" env:"MARKETCTL_TREE_PRESET"`
	JournalPath    string        `toml:"journal" env:"MARKETCTL_JOURNAL"`
	ExportDir      string        `toml:"export_dir" env:"MARKETCTL_EXPORT_DIR"`
	Poll           PollConfig    `toml:"poll"`
	Breaker        BreakerConfig `toml:"breaker"`
	API            APIConfig     `toml:"api"`
}

const DefaultProgramID = "deprZ6k7MU6w3REU6hJ2yCfnkbDvzUZaKE4Z4BuZBhU"

// DefaultConfig returns devnet-first defaults.
func DefaultConfig() Config {
	return Config{
		Network: NetworkDevnet,
		Devnet: Endpoint{
			RPC: "https://api.devnet.solana.com",
		},
		Mainnet: Endpoint{
			RPC: "https://api.mainnet-beta.solana.com",
		},
		ProgramID:      DefaultProgramID,
		KeypairPath:    "~/.config/solana/id.json",
		ConfirmPrompt:  true,
		ConfirmTimeout: 60 * time.Second,
		TreePreset:     65536,
		JournalPath:    "marketctl.db",
		ExportDir:      ".",
		Poll: PollConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     4 * time.Second,
			Jitter:       true,
		},
		Breaker: BreakerConfig{
			MaxRequests:         1,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		API: APIConfig{
			Addr:        "127.0.0.1:8787",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

// ApplyEnv overlays MARKETCTL_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if v := strings.TrimSpace(cfg.DevnetRPC); v != "" {
		cfg.Devnet.RPC = v
	}
	if v := strings.TrimSpace(cfg.MainnetRPC); v != "" {
		cfg.Mainnet.RPC = v
	}
	return nil
}

// Endpoint returns the endpoint pair for network.
func (c Config) Endpoint(network Network) Endpoint {
	if network == NetworkMainnet {
		return c.Mainnet
	}
	return c.Devnet
}

func (c Config) Validate() error {
	if _, err := ParseNetwork(string(c.Network)); err != nil {
		return fmt.Errorf("%w: network: %v", ErrInvalidConfig, err)
	}
	for _, network := range []Network{NetworkDevnet, NetworkMainnet} {
		ep := c.Endpoint(network)
		if err := validateURL(ep.RPC); err != nil {
			return fmt.Errorf("%w: %s rpc: %v", ErrInvalidConfig, network, err)
		}
		if strings.TrimSpace(ep.DAS) != "" {
			if err := validateURL(ep.DAS); err != nil {
				return fmt.Errorf("%w: %s das: %v", ErrInvalidConfig, network, err)
			}
		}
	}
	if strings.TrimSpace(c.ProgramID) == "" {
		return fmt.Errorf("%w: missing program_id", ErrInvalidConfig)
	}
	// Instruction codecs are generated for one deployment.
	if c.ProgramID != DefaultProgramID {
		return fmt.Errorf("%w: program_id %s is not supported (want %s)", ErrInvalidConfig, c.ProgramID, DefaultProgramID)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("%w: confirm_timeout must be positive", ErrInvalidConfig)
	}
	if c.Poll.InitialDelay <= 0 {
		return fmt.Errorf("%w: poll.initial_delay must be positive", ErrInvalidConfig)
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		return fmt.Errorf("%w: breaker.consecutive_failures must be positive", ErrInvalidConfig)
	}
	return nil
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
