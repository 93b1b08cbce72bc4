package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrSimulationFailed  = errors.New("txn: simulation failed")
	ErrSignerUnavailable = errors.New("txn: signer unavailable")
	ErrSignRejected      = errors.New("txn: signature rejected")
	ErrSubmitFailed      = errors.New("txn: submission failed")
	ErrConfirmTimeout    = errors.New("txn: confirmation timed out")
	ErrConfirmFailed     = errors.New("txn: transaction failed on ledger")
)

// LogTail is how many trailing log lines a submission failure keeps.
const LogTail = 10

// Error is one failed pipeline run. Kind is one of the sentinel errors
// above; Err is the underlying cause when there is one.
type Error struct {
	Kind      error
	Label     string
	Reason    string
	Logs      []string
	Signature solana.Signature
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Label != "" {
		fmt.Fprintf(&b, " (%s)", e.Label)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.HasSignature() {
		fmt.Fprintf(&b, " signature=%s", e.Signature)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *Error) HasSignature() bool {
	return e.Signature != (solana.Signature{})
}

// Retryable reports whether re-running the same operation may succeed
// without operator changes.
func (e *Error) Retryable() bool {
	switch {
	case errors.Is(e.Kind, ErrConfirmTimeout):
		return true
	case errors.Is(e.Kind, ErrSignRejected):
		return true
	case errors.Is(e.Kind, ErrSubmitFailed), errors.Is(e.Kind, ErrSimulationFailed):
		var rpcErr *ledger.RPCError
		return e.Err != nil && !errors.As(e.Err, &rpcErr) && e.Logs == nil
	default:
		return false
	}
}

// Diagnostics joins the reason and the log lines for operator triage.
func (e *Error) Diagnostics() string {
	if len(e.Logs) == 0 {
		return e.Reason
	}
	return e.Reason + "\n" + strings.Join(e.Logs, "\n")
}
