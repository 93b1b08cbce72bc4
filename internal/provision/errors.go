package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/marketctl/internal/txn"
	"github.com/danmuck/marketctl/internal/verify"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidInput         = errors.New("provision: invalid input")
	ErrBusy                 = errors.New("provision: a step is already in flight")
	ErrOutOfOrder           = errors.New("provision: step not reached yet")
	ErrHalted               = errors.New("provision: session halted by an invariant violation; reset to start over")
	ErrWalletRequired       = errors.New("provision: wallet not connected")
	ErrNetworkNotReady      = errors.New("provision: network not ready")
	ErrLedgerRead           = errors.New("provision: ledger read failed")
	ErrMissingResource      = errors.New("provision: required resource missing")
	ErrCreatedUnverifiable  = errors.New("provision: created but unverifiable")
	ErrVerificationMismatch = errors.New("provision: verification mismatch")
	ErrInvariantViolation   = errors.New("provision: invariant violation")
	ErrNotComplete          = errors.New("provision: setup not complete")
)

// StepError is the single structured failure a step leaves on the session.
type StepError struct {
	Step      Step
	Kind      error
	Message   string
	Signature solana.Signature
	Logs      []string
	Retryable bool
	Fatal     bool
	Violation *verify.Violation
	Err       error
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Step, e.Message)
	if e.Signature != (solana.Signature{}) {
		fmt.Fprintf(&b, " (signature %s)", e.Signature)
	}
	return b.String()
}

func (e *StepError) Unwrap() []error {
	out := []error{e.Kind}
	if e.Violation != nil {
		out = append(out, e.Violation)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func stepErr(step Step, kind error, format string, args ...any) *StepError {
	return &StepError{Step: step, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func invalidInput(step Step, format string, args ...any) *StepError {
	return stepErr(step, ErrInvalidInput, format, args...)
}

func readFailure(step Step, what string, err error) *StepError {
	e := stepErr(step, ErrLedgerRead, "read %s: %v", what, err)
	e.Retryable = true
	e.Err = err
	return e
}

func mismatch(step Step, kind error, v *verify.Violation) *StepError {
	return &StepError{
		Step:      step,
		Kind:      kind,
		Message:   fmt.Sprintf("%s: expected %s, actual %s", v.Relation, v.Expected, v.Actual),
		Fatal:     true,
		Violation: v,
	}
}

// rejected reports a resource that fails a linkage check before anything
// was linked. The session is not halted.
func rejected(step Step, v *verify.Violation) *StepError {
	serr := mismatch(step, ErrVerificationMismatch, v)
	serr.Fatal = false
	return serr
}

// fromTxn converts a submitter failure, keeping its kind, logs and signature.
func fromTxn(step Step, err error) *StepError {
	var txErr *txn.Error
	if !errors.As(err, &txErr) {
		return &StepError{Step: step, Kind: ErrLedgerRead, Message: err.Error(), Retryable: true, Err: err}
	}
	return &StepError{
		Step:      step,
		Kind:      txErr.Kind,
		Message:   txErr.Error(),
		Signature: txErr.Signature,
		Logs:      txErr.Logs,
		Retryable: txErr.Retryable(),
		Err:       err,
	}
}

// unverifiable reports a landed transaction whose result could not be read.
func unverifiable(step Step, what string, sig solana.Signature, err error) *StepError {
	e := stepErr(step, ErrCreatedUnverifiable, "%s created but could not be read back: %v", what, err)
	e.Signature = sig
	e.Retryable = true
	e.Err = err
	return e
}

func missing(step Step, what string, address solana.PublicKey) *StepError {
	return stepErr(step, ErrMissingResource, "%s %s not found", what, address)
}
