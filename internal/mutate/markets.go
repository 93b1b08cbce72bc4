package mutate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Mint names accepted by CreateMarket. MintCustom takes MarketInput.CustomMint.
const (
	MintUSDC   = "usdc"
	MintSOL    = "sol"
	MintBONK   = "bonk"
	MintCustom = "custom"
)

var (
	usdcMainnet = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	usdcDevnet  = solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	wrappedSOL  = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	bonk        = solana.MustPublicKeyFromBase58("DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263")
)

// ResolveMint maps a mint name to its address on network.
func ResolveMint(network config.Network, name, custom string) (solana.PublicKey, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", MintUSDC:
		if network == config.NetworkDevnet {
			return usdcDevnet, nil
		}
		return usdcMainnet, nil
	case MintSOL:
		return wrappedSOL, nil
	case MintBONK:
		return bonk, nil
	case MintCustom:
		custom = strings.TrimSpace(custom)
		if custom == "" {
			return solana.PublicKey{}, fmt.Errorf("%w: Custom mint address is required.", ErrInvalidInput)
		}
		key, err := solana.PublicKeyFromBase58(custom)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("%w: Custom mint address is invalid.", ErrInvalidInput)
		}
		return key, nil
	default:
		return solana.PublicKey{}, fmt.Errorf("%w: unknown mint %q", ErrInvalidInput, name)
	}
}

// Oracle kinds accepted by CreateMarket.
const (
	OracleManual      = "none"
	OracleSwitchboard = "switchboard"
)

// MarketInput describes a market to create. A live market opens for
// betting immediately; a future market opens at BettingStart.
type MarketInput struct {
	Question     string    `json:"question"`
	MetadataURI  string    `json:"metadataUri"`
	Start        time.Time `json:"startTime"`
	End          time.Time `json:"endTime"`
	BettingStart time.Time `json:"bettingStartTime"`
	Future       bool      `json:"future"`
	Oracle       string    `json:"oracle"`
	OracleKey    string    `json:"oracleKey"`
	Mint         string    `json:"mint"`
	CustomMint   string    `json:"customMint"`
}

type marketPlan struct {
	args   depredict.CreateMarketArgs
	oracle solana.PublicKey
	mint   solana.PublicKey
}

func (in MarketInput) plan(network config.Network) (marketPlan, error) {
	question := strings.TrimSpace(in.Question)
	switch {
	case question == "":
		return marketPlan{}, fmt.Errorf("%w: Market question is required.", ErrInvalidInput)
	case len(question) > depredict.MaxQuestionLen:
		// The program stores the question as at most MaxQuestionLen bytes.
		return marketPlan{}, fmt.Errorf("%w: Market question must be %d bytes or fewer.", ErrInvalidInput, depredict.MaxQuestionLen)
	}
	uri := strings.TrimSpace(in.MetadataURI)
	if uri == "" {
		return marketPlan{}, fmt.Errorf("%w: Metadata URI is required.", ErrInvalidInput)
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return marketPlan{}, fmt.Errorf("%w: Start and end times are required.", ErrInvalidInput)
	}
	if !in.End.After(in.Start) {
		return marketPlan{}, fmt.Errorf("%w: End time must be after start time.", ErrInvalidInput)
	}

	out := marketPlan{args: depredict.CreateMarketArgs{
		Question:    question,
		MetadataURI: uri,
		StartTime:   in.Start.Unix(),
		EndTime:     in.End.Unix(),
		MarketType:  depredict.MarketLive,
	}}
	if in.Future {
		if in.BettingStart.IsZero() {
			return marketPlan{}, fmt.Errorf("%w: Betting start time is required for future markets.", ErrInvalidInput)
		}
		out.args.MarketType = depredict.MarketFuture
		out.args.BettingStartTime = in.BettingStart.Unix()
	}

	switch strings.ToLower(strings.TrimSpace(in.Oracle)) {
	case "", OracleManual, "manual":
		out.args.OracleType = depredict.OracleNone
		out.oracle = depredict.ManualOracle
	case OracleSwitchboard:
		raw := strings.TrimSpace(in.OracleKey)
		if raw == "" {
			return marketPlan{}, fmt.Errorf("%w: Oracle public key is required for switchboard markets.", ErrInvalidInput)
		}
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return marketPlan{}, fmt.Errorf("%w: Oracle public key is invalid.", ErrInvalidInput)
		}
		out.args.OracleType = depredict.OracleSwitchboard
		out.oracle = key
	default:
		return marketPlan{}, fmt.Errorf("%w: unknown oracle %q", ErrInvalidInput, in.Oracle)
	}

	mint, err := ResolveMint(network, in.Mint, in.CustomMint)
	if err != nil {
		return marketPlan{}, err
	}
	out.mint = mint
	return out, nil
}

// CreateMarket opens a market under the verified authority. The market id is
// the program's next id at the time of the read.
func (s *Service) CreateMarket(ctx context.Context, in MarketInput) (Receipt, error) {
	receipt, err := s.createMarket(ctx, in)
	return finish(OpCreateMarket, receipt, err)
}

func (s *Service) createMarket(ctx context.Context, in MarketInput) (Receipt, error) {
	a, err := s.connect()
	if err != nil {
		return Receipt{}, err
	}
	plan, err := in.plan(a.env.Network)
	if err != nil {
		return Receipt{}, err
	}
	mc, err := a.marketCreator(ctx)
	if err != nil {
		return Receipt{}, err
	}
	if !mc.Verified {
		return Receipt{}, fmt.Errorf("%w: run setup first", ErrNotVerified)
	}

	configAddr, _, err := depredict.ConfigAddress()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: derive config: %v", ErrInvalidInput, err)
	}
	acct, err := a.env.Client.GetAccountInfo(ctx, configAddr)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: program config: %v", ErrLedgerRead, err)
	}
	cfg, err := depredict.DecodeConfig(acct.Data)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrLedgerRead, err)
	}
	market, _, err := depredict.MarketAddress(cfg.NextMarketID)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: derive market: %v", ErrInvalidInput, err)
	}

	ix, err := depredict.NewCreateMarketInstruction(a.identity, depredict.MarketAccounts{
		Market:         market,
		Mint:           plan.mint,
		Oracle:         plan.oracle,
		CoreCollection: mc.CoreCollection,
		MerkleTree:     mc.MerkleTree,
	}, plan.args)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	receipt, err := a.submit(ctx, OpCreateMarket, ix)
	if err != nil {
		return Receipt{}, err
	}
	receipt.MarketID = cfg.NextMarketID
	return receipt, nil
}

// Outcome is the operator's verdict for ResolveMarket.
type Outcome string

const (
	OutcomeYes    Outcome = "yes"
	OutcomeNo     Outcome = "no"
	OutcomeOracle Outcome = "oracle"
)

func ParseOutcome(raw string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(raw))); o {
	case OutcomeYes, OutcomeNo, OutcomeOracle:
		return o, nil
	default:
		return "", fmt.Errorf("%w: outcome must be yes, no or oracle", ErrInvalidInput)
	}
}

// missingAccountsHint replaces the program's 0xbbd failure.
const missingAccountsHint = "Resolve failed: missing required accounts (AccountNotEnoughKeys). Please refresh and try again."

// ResolveMarket settles market id. Manual markets take yes or no; oracle
// markets may defer to their oracle.
func (s *Service) ResolveMarket(ctx context.Context, id uint64, outcome Outcome) (Receipt, error) {
	receipt, err := s.resolveMarket(ctx, id, outcome)
	return finish(OpResolveMarket, receipt, err)
}

func (s *Service) resolveMarket(ctx context.Context, id uint64, outcome Outcome) (Receipt, error) {
	a, err := s.connect()
	if err != nil {
		return Receipt{}, err
	}
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return Receipt{}, err
	}
	address, _, err := depredict.MarketAddress(id)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: derive market: %v", ErrInvalidInput, err)
	}
	acct, err := a.env.Client.GetAccountInfo(ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return Receipt{}, fmt.Errorf("%w: %d", ErrMarketNotFound, id)
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: market %d: %v", ErrLedgerRead, id, err)
	}
	market, err := depredict.DecodeMarket(acct.Data)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrLedgerRead, err)
	}
	if !market.MarketCreator.Equals(a.authority) {
		return Receipt{}, fmt.Errorf("%w: market %d", ErrForeignMarket, id)
	}
	if market.MarketState == depredict.StateResolved {
		return Receipt{}, fmt.Errorf("%w: market %d won %s", ErrMarketResolved, id, market.WinningDirection)
	}

	args := depredict.ResolveMarketArgs{MarketID: id}
	switch outcome {
	case OutcomeYes:
		v := depredict.ResolutionYes
		args.Resolution = &v
	case OutcomeNo:
		v := depredict.ResolutionNo
		args.Resolution = &v
	case OutcomeOracle:
		if market.ManualResolution() {
			return Receipt{}, fmt.Errorf("%w: Manual markets require a yes or no resolution value.", ErrInvalidInput)
		}
	}

	ix, err := depredict.NewResolveMarketInstruction(a.identity, address, market.OraclePubkey, args)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	receipt, err := a.submit(ctx, OpResolveMarket, ix)
	if err != nil {
		if missingAccounts(err) {
			return Receipt{}, fmt.Errorf("%w: %s: %w", ErrMissingAccounts, missingAccountsHint, err)
		}
		return Receipt{}, err
	}
	receipt.MarketID = id
	return receipt, nil
}

func missingAccounts(err error) bool {
	var txErr *txn.Error
	if !errors.As(err, &txErr) {
		return false
	}
	d := strings.ToLower(txErr.Diagnostics())
	return strings.Contains(d, "0xbbd") || strings.Contains(d, "accountnotenoughkeys")
}

// MarketSummary is one row of ListMarkets.
type MarketSummary struct {
	ID        uint64           `json:"id"`
	Address   solana.PublicKey `json:"address"`
	Question  string           `json:"question"`
	State     string           `json:"state"`
	Winner    string           `json:"winner,omitempty"`
	Oracle    string           `json:"oracle"`
	Type      string           `json:"type"`
	Mint      solana.PublicKey `json:"mint"`
	StartTime time.Time        `json:"startTime"`
	EndTime   time.Time        `json:"endTime"`
	Volume    uint64           `json:"volume"`
}

// ListMarkets returns the authority's markets, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]MarketSummary, error) {
	a, err := s.connect()
	if err != nil {
		return nil, err
	}
	keyed, err := a.env.Client.GetProgramAccounts(ctx, depredict.ProgramID,
		ledger.Memcmp{Offset: 0, Bytes: depredict.MarketDiscriminator[:]},
		ledger.Memcmp{Offset: depredict.MarketCreatorMarketOffset, Bytes: a.authority.Bytes()},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: markets: %v", ErrLedgerRead, err)
	}
	out := make([]MarketSummary, 0, len(keyed))
	for _, k := range keyed {
		m, err := depredict.DecodeMarket(k.Account.Data)
		if err != nil {
			log.Debug().Err(err).Str("address", k.Address.String()).Msg("mutate.Service.ListMarkets skip undecodable")
			continue
		}
		row := MarketSummary{
			ID:        m.MarketID,
			Address:   k.Address,
			Question:  m.Question,
			State:     m.MarketState.String(),
			Oracle:    m.OracleType.String(),
			Type:      m.MarketType.String(),
			Mint:      m.MintAddress,
			StartTime: time.Unix(m.StartTime, 0).UTC(),
			EndTime:   time.Unix(m.EndTime, 0).UTC(),
			Volume:    m.Volume,
		}
		if m.ManualResolution() {
			row.Oracle = "manual"
		}
		if m.WinningDirection != depredict.DirectionNone {
			row.Winner = m.WinningDirection.String()
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(x, y MarketSummary) int {
		switch {
		case x.ID > y.ID:
			return -1
		case x.ID < y.ID:
			return 1
		}
		return 0
	})
	return out, nil
}
