package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/marketctl/internal/api"
	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/discovery"
	"github.com/danmuck/marketctl/internal/journal"
	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/mutate"
	"github.com/danmuck/marketctl/internal/observability"
	"github.com/danmuck/marketctl/internal/programs/simchain"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// App holds one run of the CLI.
type App struct {
	cfg       config.Config
	in        *bufio.Reader
	out       io.Writer
	machine   *provision.Machine
	mutations *mutate.Service
	journal   *journal.Journal
	// signer is the raw keypair; wallet may wrap it with an approval prompt.
	signer *wallet.Keypair
	wallet wallet.Session
	// proposalDeclined stops the wizard offering the same proposal again.
	proposalDeclined bool
}

func newApp(ctx context.Context, cfg config.Config, opts cliOptions, in io.Reader, out io.Writer) (*App, error) {
	a := &App{cfg: cfg, in: bufio.NewReader(in), out: out}

	signer, err := loadSigner(cfg.KeypairPath, opts.sim)
	if err != nil {
		return nil, err
	}
	a.signer = signer
	a.wallet = signer
	if cfg.ConfirmPrompt {
		a.wallet = wallet.NewApproving(signer, wallet.PromptApprover(a.in, out))
	}

	machineOpts := provision.Options{Config: cfg}
	if opts.sim {
		fake := simchain.New()
		machineOpts.Dial = func(config.Network, config.Endpoint) ledger.Client { return fake }
		log.Warn().Msg("marketctl running against the in-memory ledger; nothing is sent to a cluster")
	}
	if path := strings.TrimSpace(cfg.JournalPath); path != "" {
		j, err := journal.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		a.journal = j
		machineOpts.Recorder = j
		machineOpts.Exports = j
	}

	a.machine = provision.NewMachine(machineOpts)
	a.mutations = mutate.New(mutate.FromMachine(a.machine), machineInventory{machine: a.machine, cfg: cfg})
	return a, nil
}

// loadSigner reads the keypair file. The in-memory ledger accepts any key,
// so a throwaway one stands in when the file is missing.
func loadSigner(path string, sim bool) (*wallet.Keypair, error) {
	expanded, err := config.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	kp, err := wallet.LoadKeypair(expanded)
	if err == nil {
		return kp, nil
	}
	if !sim {
		return nil, err
	}
	key, genErr := solana.NewRandomPrivateKey()
	if genErr != nil {
		return nil, errors.Join(err, genErr)
	}
	log.Warn().Str("identity", key.PublicKey().String()).Msg("marketctl using a throwaway keypair")
	return wallet.NewKeypair(key), nil
}

func (a *App) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("marketctl journal close failed")
		}
	}
}

// machineInventory reads the authority's resources through whichever
// network the machine currently has selected.
type machineInventory struct {
	machine *provision.Machine
	cfg     config.Config
}

func (i machineInventory) Inventory(ctx context.Context, authority, collection, tree solana.PublicKey) discovery.Inventory {
	var das *discovery.DAS
	if endpoint := i.cfg.Endpoint(i.machine.Session().Network).DAS; endpoint != "" {
		das = discovery.NewDAS(endpoint)
	}
	return discovery.NewFinder(das, i.machine.Client()).Inventory(ctx, authority, collection, tree)
}

// connect selects the configured network, checks the program and attaches
// the wallet, which resumes from ledger state.
func (a *App) connect(ctx context.Context) (provision.Session, error) {
	if _, err := a.machine.SelectNetwork(a.cfg.Network); err != nil {
		return a.machine.Session(), err
	}
	if s, err := a.machine.CheckNetwork(ctx); err != nil {
		return s, err
	}
	return a.machine.Connect(ctx, a.wallet)
}

func (a *App) runStatus(ctx context.Context) error {
	s, err := a.connect(ctx)
	printSession(a.out, s)
	return err
}

func (a *App) runMarkets(ctx context.Context) error {
	if _, err := a.connect(ctx); err != nil {
		return err
	}
	return a.runMarketsList(ctx)
}

func (a *App) runExport(ctx context.Context, args []string) error {
	fs := newSubcommandFlags("export", a.out)
	format := fs.String("format", "json", "json or toml")
	dir := fs.String("dir", a.cfg.ExportDir, "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	if s.Step != provision.StepComplete {
		printSession(a.out, s)
		return fmt.Errorf("setup is at %s; run marketctl setup first", s.Step)
	}
	path, err := a.machine.WriteExport(ctx, *dir, *format)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote %s\n", path)
	return nil
}

func (a *App) runJournal(ctx context.Context, args []string) error {
	fs := newSubcommandFlags("journal", a.out)
	limit := fs.Int("limit", 20, "entries to print")
	signature := fs.String("signature", "", "print attempts for one signature")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.journal == nil {
		return errors.New("journal is disabled; set journal in the config file")
	}
	var (
		list []journal.Submission
		err  error
	)
	if *signature != "" {
		list, err = a.journal.Lookup(ctx, *signature)
	} else {
		list, err = a.journal.Submissions(ctx, *limit)
	}
	if err != nil {
		return err
	}
	printSubmissions(a.out, a.cfg.Network, list)
	return nil
}

// runServe exposes the machine over HTTP. Signature requests are approved
// by the server keypair; there is no terminal to prompt on.
func (a *App) runServe(ctx context.Context) error {
	observability.InitLogger(os.Stderr, "marketctl-api", string(a.cfg.Network))
	opts := api.Options{
		Machine:     a.machine,
		Mutations:   a.mutations,
		Wallet:      a.signer,
		ExportDir:   a.cfg.ExportDir,
		Token:       a.cfg.API.Token,
		CorsOrigins: a.cfg.API.CorsOrigins,
	}
	if a.journal != nil {
		opts.Journal = a.journal
	}
	if opts.Token == "" {
		log.Warn().Str("addr", a.cfg.API.Addr).Msg("marketctl serve has no api token; every route is open")
	}
	return api.New(opts).Serve(ctx, a.cfg.API.Addr)
}
