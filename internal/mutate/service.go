// Package mutate holds the single-transaction operations run against an
// already provisioned market creator: fee edits, market creation and
// resolution, plus the read-only manager views.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/discovery"
	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/observability"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/danmuck/marketctl/internal/txn"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidInput    = errors.New("mutate: invalid input")
	ErrWalletRequired  = errors.New("mutate: wallet not connected")
	ErrNoAuthority     = errors.New("mutate: market creator account not found")
	ErrNotVerified     = errors.New("mutate: market creator is not verified")
	ErrMarketNotFound  = errors.New("mutate: market not found")
	ErrMarketResolved  = errors.New("mutate: market already resolved")
	ErrLedgerRead      = errors.New("mutate: ledger read failed")
	ErrForeignMarket   = errors.New("mutate: market belongs to another creator")
	ErrUnchangedValue  = errors.New("mutate: value unchanged")
	ErrMissingAccounts = errors.New("mutate: missing required accounts")
)

// Env is the network a mutation runs against.
type Env struct {
	Network   config.Network
	Client    ledger.Client
	Submitter *txn.Submitter
	Wallet    wallet.Session
}

// EnvSource is read at the start of every operation, so a network switch
// between calls is picked up.
type EnvSource func() Env

// FromMachine shares the provisioning machine's network, client and wallet.
func FromMachine(m *provision.Machine) EnvSource {
	return func() Env {
		return Env{
			Network:   m.Session().Network,
			Client:    m.Client(),
			Submitter: m.Submitter(),
			Wallet:    m.Wallet(),
		}
	}
}

// Inventory lists the collections and trees of an authority.
type Inventory interface {
	Inventory(ctx context.Context, authority, collection, tree solana.PublicKey) discovery.Inventory
}

type Service struct {
	env       EnvSource
	inventory Inventory
}

// New builds a Service. inventory may be nil, in which case Overview lists
// only the referenced resources.
func New(env EnvSource, inventory Inventory) *Service {
	return &Service{env: env, inventory: inventory}
}

// Receipt is a confirmed mutation.
type Receipt struct {
	Operation string           `json:"operation"`
	Signature solana.Signature `json:"signature"`
	Slot      uint64           `json:"slot"`
	Explorer  string           `json:"explorer"`
	Recovered bool             `json:"recovered,omitempty"`
	MarketID  uint64           `json:"marketId,omitempty"`
}

// Operation labels, used in metrics and the submission journal.
const (
	OpUpdateFeeRecipient = "update-fee-recipient"
	OpUpdateFeeRate      = "update-fee-rate"
	OpCreateMarket       = "create-market"
	OpResolveMarket      = "resolve-market"
)

// account is the wallet-bound part of an operation.
type account struct {
	env       Env
	identity  solana.PublicKey
	authority solana.PublicKey
}

func (s *Service) connect() (account, error) {
	env := s.env()
	if !wallet.Connected(env.Wallet) {
		return account{}, ErrWalletRequired
	}
	identity := env.Wallet.Identity()
	authority, _, err := depredict.MarketCreatorAddress(identity)
	if err != nil {
		return account{}, fmt.Errorf("%w: derive authority: %v", ErrInvalidInput, err)
	}
	return account{env: env, identity: identity, authority: authority}, nil
}

func (a account) marketCreator(ctx context.Context) (*depredict.MarketCreator, error) {
	acct, err := a.env.Client.GetAccountInfo(ctx, a.authority)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoAuthority, a.authority)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: market creator: %v", ErrLedgerRead, err)
	}
	mc, err := depredict.DecodeMarketCreator(acct.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerRead, err)
	}
	return mc, nil
}

func (a account) submit(ctx context.Context, op string, ixs ...solana.Instruction) (Receipt, error) {
	res, err := a.env.Submitter.SubmitAndConfirm(ctx, txn.Candidate{
		Label:        op,
		Payer:        a.identity,
		Instructions: ixs,
	}, a.env.Wallet)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		Operation: op,
		Signature: res.Signature,
		Slot:      res.Slot,
		Explorer:  a.env.Network.ExplorerTxURL(res.Signature.String()),
		Recovered: res.Recovered,
	}, nil
}

func finish(op string, receipt Receipt, err error) (Receipt, error) {
	observability.RecordMutation(op, err == nil)
	if err != nil {
		log.Warn().Err(err).Str("operation", op).Msg("mutate.Service operation failed")
		return Receipt{}, err
	}
	log.Info().Str("operation", op).Str("signature", receipt.Signature.String()).Msg("mutate.Service operation confirmed")
	return receipt, nil
}

// UpdateFeeRecipient moves creator fees to a new vault. The current vault
// is read from the ledger.
func (s *Service) UpdateFeeRecipient(ctx context.Context, raw string) (Receipt, error) {
	receipt, err := s.updateFeeRecipient(ctx, raw)
	return finish(OpUpdateFeeRecipient, receipt, err)
}

func (s *Service) updateFeeRecipient(ctx context.Context, raw string) (Receipt, error) {
	a, err := s.connect()
	if err != nil {
		return Receipt{}, err
	}
	next, err := solana.PublicKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: invalid fee recipient address", ErrInvalidInput)
	}
	mc, err := a.marketCreator(ctx)
	if err != nil {
		return Receipt{}, err
	}
	if mc.FeeVault.Equals(next) {
		return Receipt{}, fmt.Errorf("%w: %s is already the fee recipient", ErrUnchangedValue, next)
	}
	ix, err := depredict.NewUpdateCreatorFeeVaultInstruction(a.identity, depredict.UpdateCreatorFeeVaultArgs{
		CurrentFeeVault: mc.FeeVault,
		NewFeeVault:     next,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return a.submit(ctx, OpUpdateFeeRecipient, ix)
}

// UpdateFeeRate sets the creator fee from a percentage such as "0.5".
func (s *Service) UpdateFeeRate(ctx context.Context, percent string) (Receipt, error) {
	receipt, err := s.updateFeeRate(ctx, percent)
	return finish(OpUpdateFeeRate, receipt, err)
}

func (s *Service) updateFeeRate(ctx context.Context, percent string) (Receipt, error) {
	a, err := s.connect()
	if err != nil {
		return Receipt{}, err
	}
	p, err := depredict.ParsePercent(percent)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	bps, err := depredict.PercentToBps(p)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: Fee must be between 0%% and 20%%", ErrInvalidInput)
	}
	if _, err := a.marketCreator(ctx); err != nil {
		return Receipt{}, err
	}
	ix, err := depredict.NewUpdateCreatorFeeInstruction(a.identity, depredict.UpdateCreatorFeeArgs{CreatorFeeBps: bps})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return a.submit(ctx, OpUpdateFeeRate, ix)
}

// Authority is the manager summary of the market creator account.
type Authority struct {
	Address        solana.PublicKey `json:"address"`
	Name           string           `json:"name"`
	FeeRecipient   solana.PublicKey `json:"feeRecipient"`
	FeeRateBps     uint16           `json:"feeRateBps"`
	FeeRatePercent float64          `json:"feeRatePercent"`
	Verified       bool             `json:"verified"`
	NumMarkets     uint64           `json:"numMarkets"`
	ActiveMarkets  uint32           `json:"activeMarkets"`
	Collection     solana.PublicKey `json:"collection"`
	Tree           solana.PublicKey `json:"tree"`
}

type Overview struct {
	Network   config.Network      `json:"network"`
	Authority Authority           `json:"authority"`
	Resources discovery.Inventory `json:"resources"`
}

// Overview reads the authority and lists its resources.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	a, err := s.connect()
	if err != nil {
		return Overview{}, err
	}
	mc, err := a.marketCreator(ctx)
	if err != nil {
		return Overview{}, err
	}
	out := Overview{
		Network: a.env.Network,
		Authority: Authority{
			Address:        a.authority,
			Name:           mc.Name,
			FeeRecipient:   mc.FeeVault,
			FeeRateBps:     mc.CreatorFeeBps,
			FeeRatePercent: mc.FeePercent(),
			Verified:       mc.Verified,
			NumMarkets:     mc.NumMarkets,
			ActiveMarkets:  mc.ActiveMarkets,
			Collection:     mc.CoreCollection,
			Tree:           mc.MerkleTree,
		},
	}
	if s.inventory != nil {
		out.Resources = s.inventory.Inventory(ctx, a.authority, mc.CoreCollection, mc.MerkleTree)
	}
	return out, nil
}
