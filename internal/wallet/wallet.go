// Package wallet provides the operator identity and signing capability used
// by provisioning and mutation flows.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("wallet: not connected")
	ErrRejected     = errors.New("wallet: signature request rejected")
	ErrNotSigner    = errors.New("wallet: identity is not a required signer")
)

// Session is a connected (or absent) operator wallet.
type Session interface {
	Identity() solana.PublicKey
	Connected() bool
	// SignTransaction fills the identity's signature slot in tx.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
	SignAllTransactions(ctx context.Context, txs []*solana.Transaction) error
	SignMessage(ctx context.Context, message []byte) (solana.Signature, error)
}

// Connected reports whether s can sign.
func Connected(s Session) bool {
	return s != nil && s.Connected()
}

// Keypair is a wallet backed by an in-memory private key.
type Keypair struct {
	key solana.PrivateKey
}

func NewKeypair(key solana.PrivateKey) *Keypair {
	return &Keypair{key: key}
}

// LoadKeypair reads a solana-keygen JSON keypair file.
func LoadKeypair(path string) (*Keypair, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: load keypair %s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("identity", key.PublicKey().String()).Msg("wallet.LoadKeypair loaded")
	return &Keypair{key: key}, nil
}

func (k *Keypair) Identity() solana.PublicKey {
	return k.key.PublicKey()
}

func (k *Keypair) Connected() bool {
	return len(k.key) == 64
}

func (k *Keypair) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := ledger.SignPartial(tx, k.key)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotSigner, k.Identity())
	}
	return nil
}

func (k *Keypair) SignAllTransactions(ctx context.Context, txs []*solana.Transaction) error {
	for i, tx := range txs {
		if err := k.SignTransaction(ctx, tx); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}

func (k *Keypair) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	return k.key.Sign(message)
}

// Disconnected is the absent wallet. Every signing call fails with
// ErrNotConnected.
type Disconnected struct{}

func (Disconnected) Identity() solana.PublicKey { return solana.PublicKey{} }
func (Disconnected) Connected() bool            { return false }

func (Disconnected) SignTransaction(context.Context, *solana.Transaction) error {
	return ErrNotConnected
}

func (Disconnected) SignAllTransactions(context.Context, []*solana.Transaction) error {
	return ErrNotConnected
}

func (Disconnected) SignMessage(context.Context, []byte) (solana.Signature, error) {
	return solana.Signature{}, ErrNotConnected
}
