package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the breaker in front of the RPC endpoint.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// RPCClient implements Client over a JSON-RPC endpoint. Transport failures
// count against the breaker; cluster rejections do not.
type RPCClient struct {
	endpoint string
	rpc      *rpc.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewRPCClient(endpoint string, cfg BreakerConfig) *RPCClient {
	settings := gobreaker.Settings{
		Name:        "rpc:" + endpoint,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("ledger.RPCClient breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrAccountNotFound) {
				return true
			}
			var rpcErr *RPCError
			return errors.As(err, &rpcErr)
		},
	}
	return &RPCClient{
		endpoint: endpoint,
		rpc:      rpc.New(endpoint),
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *RPCClient) Endpoint() string {
	return c.endpoint
}

func (c *RPCClient) execute(fn func() (any, error)) (any, error) {
	out, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.endpoint, err)
	}
	return out, err
}

func (c *RPCClient) GetAccountInfo(ctx context.Context, address solana.PublicKey) (*Account, error) {
	out, err := c.execute(func() (any, error) {
		res, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, translateRPCError(err)
		}
		if res == nil || res.Value == nil {
			return nil, ErrAccountNotFound
		}
		return fromRPCAccount(address, res.Value), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Account), nil
}

func (c *RPCClient) GetMultipleAccounts(ctx context.Context, addresses ...solana.PublicKey) ([]*Account, error) {
	out, err := c.execute(func() (any, error) {
		res, err := c.rpc.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, translateRPCError(err)
		}
		accounts := make([]*Account, len(addresses))
		for i := range addresses {
			if i < len(res.Value) && res.Value[i] != nil {
				accounts[i] = fromRPCAccount(addresses[i], res.Value[i])
			}
		}
		return accounts, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]*Account), nil
}

func (c *RPCClient) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...Memcmp) ([]KeyedAccount, error) {
	rpcFilters := make([]rpc.RPCFilter, 0, len(filters))
	for _, f := range filters {
		rpcFilters = append(rpcFilters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: f.Offset, Bytes: solana.Base58(f.Bytes)},
		})
	}
	out, err := c.execute(func() (any, error) {
		res, err := c.rpc.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
			Filters:    rpcFilters,
		})
		if err != nil {
			return nil, translateRPCError(err)
		}
		accounts := make([]KeyedAccount, 0, len(res))
		for _, keyed := range res {
			if keyed == nil || keyed.Account == nil {
				continue
			}
			accounts = append(accounts, KeyedAccount{
				Address: keyed.Pubkey,
				Account: fromRPCAccount(keyed.Pubkey, keyed.Account),
			})
		}
		return accounts, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]KeyedAccount), nil
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.execute(func() (any, error) {
		res, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
		if err != nil {
			return nil, translateRPCError(err)
		}
		if res == nil || res.Value == nil {
			return nil, errors.New("ledger: empty blockhash response")
		}
		return res.Value.Blockhash, nil
	})
	if err != nil {
		return solana.Hash{}, err
	}
	return out.(solana.Hash), nil
}

func (c *RPCClient) GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	out, err := c.execute(func() (any, error) {
		lamports, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, size, rpc.CommitmentConfirmed)
		if err != nil {
			return nil, translateRPCError(err)
		}
		return lamports, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(uint64), nil
}

func (c *RPCClient) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (SimulationResult, error) {
	candidate := *tx
	PrepareSignatures(&candidate)
	out, err := c.execute(func() (any, error) {
		res, err := c.rpc.SimulateTransactionWithOpts(ctx, &candidate, &rpc.SimulateTransactionOpts{
			SigVerify:  false,
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, translateRPCError(err)
		}
		result := SimulationResult{}
		if res != nil && res.Value != nil {
			result.Err = FormatLedgerErr(res.Value.Err)
			result.Logs = res.Value.Logs
			if res.Value.UnitsConsumed != nil {
				result.UnitsConsumed = *res.Value.UnitsConsumed
			}
		}
		return result, nil
	})
	if err != nil {
		return SimulationResult{}, err
	}
	return out.(SimulationResult), nil
}

func (c *RPCClient) SendRawTransaction(ctx context.Context, payload []byte) (solana.Signature, error) {
	out, err := c.execute(func() (any, error) {
		sig, err := c.rpc.SendRawTransactionWithOpts(ctx, payload, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, translateRPCError(err)
		}
		return sig, nil
	})
	if err != nil {
		return solana.Signature{}, err
	}
	return out.(solana.Signature), nil
}

func (c *RPCClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	out, err := c.execute(func() (any, error) {
		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return nil, translateRPCError(err)
		}
		if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			return (*SignatureStatus)(nil), nil
		}
		status := res.Value[0]
		return &SignatureStatus{
			Slot:       status.Slot,
			Commitment: Commitment(status.ConfirmationStatus),
			Err:        FormatLedgerErr(status.Err),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*SignatureStatus), nil
}

func (c *RPCClient) GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionDetail, error) {
	maxVersion := uint64(0)
	out, err := c.execute(func() (any, error) {
		res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			return (*TransactionDetail)(nil), nil
		}
		if err != nil {
			return nil, translateRPCError(err)
		}
		detail := &TransactionDetail{Slot: res.Slot}
		if res.Meta != nil {
			detail.Err = FormatLedgerErr(res.Meta.Err)
			detail.Logs = res.Meta.LogMessages
		}
		return detail, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*TransactionDetail), nil
}

func fromRPCAccount(address solana.PublicKey, acct *rpc.Account) *Account {
	out := &Account{
		Address:    address,
		Owner:      acct.Owner,
		Lamports:   acct.Lamports,
		Executable: acct.Executable,
	}
	if acct.Data != nil {
		out.Data = acct.Data.GetBinary()
	}
	return out
}

func translateRPCError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	out := &RPCError{Code: rpcErr.Code, Message: rpcErr.Message}
	if data, ok := rpcErr.Data.(map[string]any); ok {
		if raw, ok := data["logs"].([]any); ok {
			for _, line := range raw {
				if s, ok := line.(string); ok {
					out.Logs = append(out.Logs, s)
				}
			}
		}
	}
	return out
}
