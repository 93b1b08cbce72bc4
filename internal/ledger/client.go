// Package ledger wraps the read, simulate, submit and confirm primitives the
// provisioning flows need from a Solana cluster.
package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrUnavailable     = errors.New("ledger: rpc unavailable")
	ErrConfirmTimeout  = errors.New("ledger: confirmation timed out")
	ErrNoSignature     = errors.New("ledger: payload carries no signature")
)

// Commitment is the durability level reads and confirmations wait for.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Reached reports whether status satisfies the target commitment.
func (c Commitment) Reached(target Commitment) bool {
	return commitmentRank(c) >= commitmentRank(target)
}

func commitmentRank(c Commitment) int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// Account is a raw account snapshot.
type Account struct {
	Address    solana.PublicKey
	Owner      solana.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
}

// KeyedAccount pairs a program account with its address.
type KeyedAccount struct {
	Address solana.PublicKey
	Account *Account
}

// Memcmp filters program accounts by bytes at a fixed offset.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// SimulationResult is the outcome of a dry run. Err is empty on success.
type SimulationResult struct {
	Err           string
	Logs          []string
	UnitsConsumed uint64
}

func (r SimulationResult) Failed() bool {
	return r.Err != ""
}

// SignatureStatus is the ledger view of one submitted signature.
type SignatureStatus struct {
	Slot       uint64
	Commitment Commitment
	// Err is the ledger-reported failure, empty when the transaction succeeded.
	Err string
}

// TransactionDetail carries the execution result of a landed transaction.
type TransactionDetail struct {
	Slot uint64
	Err  string
	Logs []string
}

// Client is the subset of cluster RPC used by marketctl.
type Client interface {
	GetAccountInfo(ctx context.Context, address solana.PublicKey) (*Account, error)
	// GetMultipleAccounts returns nil entries for absent accounts.
	GetMultipleAccounts(ctx context.Context, addresses ...solana.PublicKey) ([]*Account, error)
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...Memcmp) ([]KeyedAccount, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (SimulationResult, error)
	SendRawTransaction(ctx context.Context, payload []byte) (solana.Signature, error)
	// GetSignatureStatus returns nil when the signature is unknown.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
	// GetTransaction returns nil when the transaction is not yet visible.
	GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionDetail, error)
}

// AccountExists distinguishes absence from read failure.
func AccountExists(ctx context.Context, client Client, address solana.PublicKey) (bool, error) {
	_, err := client.GetAccountInfo(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
