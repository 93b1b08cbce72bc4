// Package provision drives the market creator setup wizard: authority
// account, collection, merkle tree, cross-verification and export.
//
// Every step re-reads the ledger before acting, so a reloaded or parallel
// session converges on the same position without local bookkeeping.
package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/observability"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/txn"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// ClientFactory opens a ledger client for one network.
type ClientFactory func(network config.Network, endpoint config.Endpoint) ledger.Client

// ExportRecorder keeps a local trail of written artifacts.
type ExportRecorder interface {
	RecordExport(ctx context.Context, path string, cfg *ExportedConfig) error
}

type Options struct {
	Config   config.Config
	Dial     ClientFactory
	Recorder txn.Recorder
	Exports  ExportRecorder
	// NewKey generates single-use collection and tree keys.
	NewKey func() (solana.PrivateKey, error)
	Now    func() time.Time
}

// RPCDialer builds breaker-guarded RPC clients from cfg.
func RPCDialer(cfg config.Config) ClientFactory {
	return func(_ config.Network, endpoint config.Endpoint) ledger.Client {
		return ledger.NewRPCClient(endpoint.RPC, ledger.BreakerConfig(cfg.Breaker))
	}
}

// Machine owns one provisioning session. Steps may be called from several
// goroutines; a second call while one is in flight fails with ErrBusy.
type Machine struct {
	mu       sync.Mutex
	cfg      config.Config
	dial     ClientFactory
	recorder txn.Recorder
	exports  ExportRecorder
	newKey   func() (solana.PrivateKey, error)
	now      func() time.Time

	session   Session
	client    ledger.Client
	submitter *txn.Submitter
	wallet    wallet.Session
}

func NewMachine(opts Options) *Machine {
	if opts.Dial == nil {
		opts.Dial = RPCDialer(opts.Config)
	}
	if opts.NewKey == nil {
		opts.NewKey = solana.NewRandomPrivateKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	network := opts.Config.Network
	if network == "" {
		network = config.NetworkDevnet
	}
	m := &Machine{
		cfg:      opts.Config,
		dial:     opts.Dial,
		recorder: opts.Recorder,
		exports:  opts.Exports,
		newKey:   opts.NewKey,
		now:      opts.Now,
		session:  NewSession(network),
		wallet:   wallet.Disconnected{},
	}
	m.connectNetwork(network)
	return m
}

func (m *Machine) connectNetwork(network config.Network) {
	m.client = m.dial(network, m.cfg.Endpoint(network))
	m.submitter = txn.New(m.client, txn.Options{
		ConfirmTimeout: m.cfg.ConfirmTimeout,
		Backoff:        ledger.BackoffConfig(m.cfg.Poll),
		Recorder:       m.recorder,
	})
}

// Session returns a snapshot of the current session.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.clone()
}

// Client is the ledger client of the selected network.
func (m *Machine) Client() ledger.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Submitter is shared with mutation flows so they use the same network.
func (m *Machine) Submitter() *txn.Submitter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitter
}

func (m *Machine) Wallet() wallet.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallet
}

func (m *Machine) Config() config.Config {
	return m.cfg
}

// RPCEndpoint is the endpoint of the selected network.
func (m *Machine) RPCEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Endpoint(m.session.Network).RPC
}

// stepEnv is what a running step may touch. It is captured when the step
// starts so a concurrent network switch cannot change it mid-flight.
type stepEnv struct {
	session   Session
	client    ledger.Client
	submitter *txn.Submitter
	wallet    wallet.Session
	endpoint  string
}

type stepFunc func(ctx context.Context, env stepEnv) (Event, *StepError)

// run holds the busy flag around fn and applies its outcome.
func (m *Machine) run(ctx context.Context, step Step, guard func(Session) *StepError, fn stepFunc) (Session, error) {
	m.mu.Lock()
	if m.session.Busy {
		m.mu.Unlock()
		return m.Session(), stepErr(step, ErrBusy, "another step is in progress")
	}
	if guard != nil {
		if serr := guard(m.session); serr != nil {
			m.session = Reduce(m.session, StepFailed{Err: serr})
			out := m.session.clone()
			m.mu.Unlock()
			return out, serr
		}
	}
	m.session = Reduce(m.session, StepStarted{Step: step})
	env := stepEnv{
		session:   m.session,
		client:    m.client,
		submitter: m.submitter,
		wallet:    m.wallet,
		endpoint:  m.cfg.Endpoint(m.session.Network).RPC,
	}
	m.mu.Unlock()

	started := m.now()
	ev, serr := fn(ctx, env)
	if failed, ok := ev.(ValidationFailed); ok {
		serr = failed.Err
	}
	observability.RecordStep(step.String(), serr == nil, m.now().Sub(started))

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case ev != nil:
		m.session = Reduce(m.session, ev)
	case serr != nil:
		m.session = Reduce(m.session, StepFailed{Err: serr})
	}
	m.session.Busy = false
	if serr != nil {
		log.Warn().
			Str("session", m.session.ID).
			Str("step", step.String()).
			Err(serr.Kind).
			Str("message", serr.Message).
			Bool("retryable", serr.Retryable).
			Bool("fatal", serr.Fatal).
			Msg("provision.Machine step failed")
		return m.session.clone(), serr
	}
	log.Info().Str("session", m.session.ID).Str("step", step.String()).Str("now", m.session.Step.String()).
		Msg("provision.Machine step done")
	return m.session.clone(), nil
}

// requireReached guards steps that need the session to have arrived there.
func requireReached(step Step) func(Session) *StepError {
	return func(s Session) *StepError {
		if s.Fatal {
			return stepErr(step, ErrHalted, "session halted: %v", s.LastError)
		}
		if !s.HasIdentity() {
			return stepErr(step, ErrWalletRequired, "connect a wallet first")
		}
		if s.Step < step {
			return stepErr(step, ErrOutOfOrder, "current step is %s", s.Step)
		}
		return nil
	}
}

// SelectNetwork switches cluster and restarts the session at Connect. The
// connected wallet, if any, is kept and must be connected again.
func (m *Machine) SelectNetwork(network config.Network) (Session, error) {
	if _, err := config.ParseNetwork(string(network)); err != nil {
		return m.Session(), invalidInput(StepNetwork, "%v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Busy {
		return m.session.clone(), stepErr(StepNetwork, ErrBusy, "another step is in progress")
	}
	m.connectNetwork(network)
	m.session = Reduce(m.session, NetworkSelected{Network: network})
	log.Info().Str("session", m.session.ID).Str("network", string(network)).Msg("provision.Machine network selected")
	return m.session.clone(), nil
}

// CheckNetwork verifies the program is deployed on the selected network.
func (m *Machine) CheckNetwork(ctx context.Context) (Session, error) {
	return m.run(ctx, StepNetwork, nil, func(ctx context.Context, env stepEnv) (Event, *StepError) {
		if serr := m.ensureReady(ctx, env, StepNetwork); serr != nil {
			return nil, serr
		}
		return NetworkChecked{Ready: true}, nil
	})
}

// ensureReady reads the program account and records readiness.
func (m *Machine) ensureReady(ctx context.Context, env stepEnv, step Step) *StepError {
	exists, err := ledger.AccountExists(ctx, env.client, depredict.ProgramID)
	if err != nil {
		m.setReady(false)
		return readFailure(step, "program account", err)
	}
	m.setReady(exists)
	if !exists {
		return stepErr(step, ErrNetworkNotReady, "Program not found on %s", env.session.Network.Title())
	}
	return nil
}

func (m *Machine) setReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = Reduce(m.session, NetworkChecked{Ready: ready})
}

// Connect attaches w and applies the resume rule.
func (m *Machine) Connect(ctx context.Context, w wallet.Session) (Session, error) {
	guard := func(s Session) *StepError {
		if s.Step < StepConnect {
			return stepErr(StepConnect, ErrOutOfOrder, "select a network first")
		}
		if !wallet.Connected(w) {
			return stepErr(StepConnect, ErrWalletRequired, "wallet is not connected")
		}
		return nil
	}
	return m.run(ctx, StepConnect, guard, func(ctx context.Context, env stepEnv) (Event, *StepError) {
		authority, _, err := depredict.MarketCreatorAddress(w.Identity())
		if err != nil {
			return nil, stepErr(StepConnect, ErrInvalidInput, "derive authority address: %v", err)
		}
		m.mu.Lock()
		m.wallet = w
		m.session = Reduce(m.session, WalletConnected{Identity: w.Identity(), Authority: authority})
		env.session = m.session
		env.wallet = w
		m.mu.Unlock()
		log.Info().Str("identity", w.Identity().String()).Str("authority", authority.String()).
			Msg("provision.Machine.Connect wallet connected")
		return m.resume(ctx, env)
	})
}

// Disconnect drops the wallet; the session keeps its position.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallet = wallet.Disconnected{}
}

// Resume recomputes the session position from the ledger.
func (m *Machine) Resume(ctx context.Context) (Session, error) {
	guard := func(s Session) *StepError {
		if !s.HasIdentity() {
			return stepErr(StepConnect, ErrWalletRequired, "connect a wallet first")
		}
		return nil
	}
	return m.run(ctx, StepConnect, guard, m.resume)
}

// Reset discards the session and starts over at network selection.
func (m *Machine) Reset() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Busy {
		return m.session.clone(), stepErr(m.session.Step, ErrBusy, "another step is in progress")
	}
	m.session = Reduce(m.session, Reset{})
	m.wallet = wallet.Disconnected{}
	return m.session.clone(), nil
}

// Export returns the artifact once the session is complete.
func (m *Machine) Export() (*ExportedConfig, error) {
	s := m.Session()
	if s.Step != StepComplete || s.Config == nil {
		return nil, ErrNotComplete
	}
	out := *s.Config
	return &out, nil
}

// WriteExport writes the artifact into dir and journals the path.
func (m *Machine) WriteExport(ctx context.Context, dir, format string) (string, error) {
	cfg, err := m.Export()
	if err != nil {
		return "", err
	}
	path, err := WriteExport(dir, cfg, format, m.now())
	if err != nil {
		return "", err
	}
	if m.exports != nil {
		if rerr := m.exports.RecordExport(ctx, path, cfg); rerr != nil {
			log.Warn().Err(rerr).Str("path", path).Msg("provision.Machine export record failed")
		}
	}
	log.Info().Str("path", path).Msg("provision.Machine exported configuration")
	return path, nil
}

func (m *Machine) requireWallet(step Step, env stepEnv) *StepError {
	if !wallet.Connected(env.wallet) {
		return stepErr(step, ErrWalletRequired, "wallet is not connected")
	}
	if !env.wallet.Identity().Equals(env.session.Identity) {
		return stepErr(step, ErrWalletRequired, "connected wallet %s does not own this session", env.wallet.Identity())
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ledger.ErrAccountNotFound)
}
