package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Approver decides whether a signature request may proceed.
type Approver func(ctx context.Context, summary string) (bool, error)

// Approving asks an Approver before every signature. Declining yields
// ErrRejected and leaves the transaction unsigned.
type Approving struct {
	Inner   Session
	Approve Approver
}

func NewApproving(inner Session, approve Approver) *Approving {
	return &Approving{Inner: inner, Approve: approve}
}

func (a *Approving) Identity() solana.PublicKey { return a.Inner.Identity() }
func (a *Approving) Connected() bool            { return Connected(a.Inner) }

func (a *Approving) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if !a.Connected() {
		return ErrNotConnected
	}
	if err := a.ask(ctx, Summarize(tx)); err != nil {
		return err
	}
	return a.Inner.SignTransaction(ctx, tx)
}

func (a *Approving) SignAllTransactions(ctx context.Context, txs []*solana.Transaction) error {
	if !a.Connected() {
		return ErrNotConnected
	}
	parts := make([]string, 0, len(txs))
	for _, tx := range txs {
		parts = append(parts, Summarize(tx))
	}
	if err := a.ask(ctx, strings.Join(parts, "\n")); err != nil {
		return err
	}
	return a.Inner.SignAllTransactions(ctx, txs)
}

func (a *Approving) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	if !a.Connected() {
		return solana.Signature{}, ErrNotConnected
	}
	if err := a.ask(ctx, fmt.Sprintf("sign message (%d bytes)", len(message))); err != nil {
		return solana.Signature{}, err
	}
	return a.Inner.SignMessage(ctx, message)
}

func (a *Approving) ask(ctx context.Context, summary string) error {
	if a.Approve == nil {
		return nil
	}
	ok, err := a.Approve(ctx, summary)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !ok {
		log.Info().Str("identity", a.Identity().String()).Msg("wallet.Approving declined")
		return ErrRejected
	}
	return nil
}

// Summarize renders the fee payer and invoked programs of tx.
func Summarize(tx *solana.Transaction) string {
	if tx == nil || len(tx.Message.AccountKeys) == 0 {
		return "empty transaction"
	}
	var programs []string
	seen := map[solana.PublicKey]bool{}
	for _, ix := range tx.Message.Instructions {
		program, err := tx.Message.ResolveProgramIDIndex(ix.ProgramIDIndex)
		if err != nil || seen[program] {
			continue
		}
		seen[program] = true
		programs = append(programs, program.String())
	}
	return fmt.Sprintf("payer=%s instructions=%d signers=%d programs=%s",
		tx.Message.AccountKeys[0],
		len(tx.Message.Instructions),
		tx.Message.Header.NumRequiredSignatures,
		strings.Join(programs, ","))
}

// PromptApprover asks on out and reads a y/N answer from in.
func PromptApprover(in io.Reader, out io.Writer) Approver {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, summary string) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Signature requested:\n  %s\nApprove? [y/N]: ", strings.ReplaceAll(summary, "\n", "\n  "))
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// AutoApprove approves every request.
func AutoApprove(context.Context, string) (bool, error) {
	return true, nil
}
