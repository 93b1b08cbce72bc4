package main

import (
	"flag"
	"log"

	"github.com/danmuck/marketctl/internal/config"
)

const defaultPath = "marketctl.toml"

func main() {
	kind := flag.String("kind", "marketctl", "config kind: marketctl|serve")
	output := flag.String("output", "", "output path for config template (default "+defaultPath+")")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (default "+defaultPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		if err := config.ApplyEnv(&cfg); err != nil {
			log.Fatal(err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal(err)
		}
		if *kind == "serve" && cfg.API.Token == "" {
			log.Printf("warning: %s has no api token; serve will accept unauthenticated requests", path)
		}
		log.Printf("Validated %s config at %s (network %s)", *kind, path, cfg.Network)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
