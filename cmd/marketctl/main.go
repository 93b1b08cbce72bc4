package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/marketctl/internal/logging"
	"github.com/rs/zerolog/log"
)

const usage = `usage: marketctl [flags] <command>

commands:
  setup     run the provisioning wizard (default)
  status    connect and print the resumed session
  manage    interactive manager for a verified authority
  markets   list the authority's markets
  export    write the configuration artifact (-format json|toml, -dir path)
  presets   print the tree size presets
  journal   print recent submissions from the local journal
  serve     run the HTTP API

flags:
`

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Error().Err(err).Msg("marketctl failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("marketctl", flag.ContinueOnError)
	fs.SetOutput(out)
	var opts cliOptions
	fs.StringVar(&opts.configPath, "config", "", "config file (default marketctl.toml when present)")
	fs.StringVar(&opts.network, "network", "", "devnet or mainnet; overrides the config file")
	fs.StringVar(&opts.keypair, "keypair", "", "keypair file; overrides the config file")
	fs.BoolVar(&opts.sim, "sim", false, "run against an in-memory ledger")
	fs.BoolVar(&opts.yes, "yes", false, "approve every signature request without prompting")
	fs.Usage = func() {
		fmt.Fprint(out, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := "setup"
	rest := fs.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	if command == "presets" {
		printPresets(out)
		return nil
	}

	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, cfg, opts, in, out)
	if err != nil {
		return err
	}
	defer app.Close()

	switch command {
	case "setup":
		return app.runWizard(ctx)
	case "status":
		return app.runStatus(ctx)
	case "manage":
		return app.runManager(ctx)
	case "markets":
		return app.runMarkets(ctx)
	case "export":
		return app.runExport(ctx, rest)
	case "journal":
		return app.runJournal(ctx, rest)
	case "serve":
		return app.runServe(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}
