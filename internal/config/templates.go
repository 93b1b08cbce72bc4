package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "marketctl", "cli":
		return cliTemplate, nil
	case "serve", "api":
		return serveTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const cliTemplate = `network = "devnet"
program_id = "deprZ6k7MU6w3REU6hJ2yCfnkbDvzUZaKE4Z4BuZBhU"
keypair = "~/.config/solana/id.json"
confirm_prompt = true
confirm_timeout = "60s"
tree_preset = 65536
journal = "marketctl.db"
export_dir = "."

[devnet]
rpc = "https://api.devnet.solana.com"
das = ""

[mainnet]
rpc = "https://api.mainnet-beta.solana.com"
das = ""

[poll]
initial_delay = "500ms"
multiplier = 1.5
max_delay = "4s"
jitter = true

[breaker]
max_requests = 1
interval = "60s"
timeout = "30s"
consecutive_failures = 5
`

const serveTemplate = cliTemplate + `
[api]
addr = "127.0.0.1:8787"
token = "change-me"
cors_origins = ["http://localhost:3000"]
`
