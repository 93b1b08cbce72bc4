// Package txn runs the simulate, sign, submit and confirm pipeline shared by
// provisioning and mutation flows.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/observability"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Candidate is a transaction waiting to be built. Signers are single-use
// local keys, such as a fresh collection or tree account, that sign before
// the wallet.
type Candidate struct {
	Label        string
	Payer        solana.PublicKey
	Instructions []solana.Instruction
	Signers      []solana.PrivateKey
}

// Result is a confirmed submission.
type Result struct {
	Signature solana.Signature
	Slot      uint64
	// Recovered is set when the ledger reported the payload as already
	// processed and its embedded signature was confirmed instead.
	Recovered bool
	Logs      []string
}

// Record is what a Recorder learns about each submission attempt.
type Record struct {
	Label     string
	Signature solana.Signature
	Outcome   string
	Recovered bool
	Err       string
}

// Recorder keeps a local trail of submissions. Failures are logged and never
// affect the pipeline result.
type Recorder interface {
	RecordSubmission(ctx context.Context, record Record) error
}

type Options struct {
	ConfirmTimeout time.Duration
	Backoff        ledger.BackoffConfig
	Recorder       Recorder
}

func DefaultOptions() Options {
	return Options{
		ConfirmTimeout: 60 * time.Second,
		Backoff:        ledger.DefaultBackoffConfig(),
	}
}

// Submitter never touches session state; callers decide what a result
// means for their flow.
type Submitter struct {
	client    ledger.Client
	confirmer *ledger.Confirmer
	recorder  Recorder
}

func New(client ledger.Client, opts Options) *Submitter {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultOptions().ConfirmTimeout
	}
	return &Submitter{
		client:    client,
		confirmer: ledger.NewConfirmer(client, opts.Backoff, opts.ConfirmTimeout),
		recorder:  opts.Recorder,
	}
}

func (s *Submitter) Client() ledger.Client {
	return s.client
}

// Simulate dry-runs c without signatures. A ledger rejection comes back as
// an *Error of kind ErrSimulationFailed carrying the raw logs.
func (s *Submitter) Simulate(ctx context.Context, c Candidate) (ledger.SimulationResult, error) {
	tx, err := s.build(ctx, c)
	if err != nil {
		return ledger.SimulationResult{}, err
	}
	return s.simulate(ctx, c.Label, tx)
}

// SubmitAndConfirm simulates, signs with the local signers then signer,
// submits and waits for the confirmed commitment.
func (s *Submitter) SubmitAndConfirm(ctx context.Context, c Candidate, signer wallet.Session) (Result, error) {
	started := time.Now()
	if !wallet.Connected(signer) {
		observability.RecordTxStage(c.Label, "sign", "unavailable")
		return Result{}, &Error{Kind: ErrSignerUnavailable, Label: c.Label, Reason: "connect a wallet first", Err: wallet.ErrNotConnected}
	}
	if c.Payer == (solana.PublicKey{}) {
		c.Payer = signer.Identity()
	}

	tx, err := s.build(ctx, c)
	if err != nil {
		return Result{}, err
	}
	sim, err := s.simulate(ctx, c.Label, tx)
	if err != nil {
		return Result{}, err
	}
	log.Debug().Str("label", c.Label).Uint64("units", sim.UnitsConsumed).Msg("txn.Submitter.SubmitAndConfirm simulated")

	if err := s.sign(ctx, c, tx, signer); err != nil {
		return Result{}, err
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		return Result{}, &Error{Kind: ErrSubmitFailed, Label: c.Label, Reason: "encode signed transaction", Err: err}
	}

	result, err := s.submit(ctx, c.Label, tx, payload)
	if err != nil {
		s.record(ctx, c.Label, err)
		observability.RecordTxDuration(c.Label, "error", time.Since(started))
		return Result{}, err
	}
	if err := s.confirm(ctx, c.Label, &result); err != nil {
		s.record(ctx, c.Label, err)
		observability.RecordTxDuration(c.Label, "error", time.Since(started))
		return Result{}, err
	}

	observability.RecordTxDuration(c.Label, "ok", time.Since(started))
	if s.recorder != nil {
		if rerr := s.recorder.RecordSubmission(ctx, Record{Label: c.Label, Signature: result.Signature, Outcome: "confirmed", Recovered: result.Recovered}); rerr != nil {
			log.Warn().Err(rerr).Str("label", c.Label).Msg("txn.Submitter record failed")
		}
	}
	log.Info().
		Str("label", c.Label).
		Str("signature", result.Signature.String()).
		Uint64("slot", result.Slot).
		Bool("recovered", result.Recovered).
		Dur("elapsed", time.Since(started)).
		Msg("txn.Submitter.SubmitAndConfirm confirmed")
	return result, nil
}

func (s *Submitter) build(ctx context.Context, c Candidate) (*solana.Transaction, error) {
	if len(c.Instructions) == 0 {
		return nil, &Error{Kind: ErrSimulationFailed, Label: c.Label, Reason: "no instructions"}
	}
	payer := c.Payer
	if payer == (solana.PublicKey{}) && len(c.Signers) > 0 {
		payer = c.Signers[0].PublicKey()
	}
	blockhash, err := s.client.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, &Error{Kind: ErrSimulationFailed, Label: c.Label, Reason: "fetch blockhash: " + err.Error(), Err: err}
	}
	tx, err := solana.NewTransaction(c.Instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, &Error{Kind: ErrSimulationFailed, Label: c.Label, Reason: "build transaction: " + err.Error(), Err: err}
	}
	ledger.PrepareSignatures(tx)
	return tx, nil
}

func (s *Submitter) simulate(ctx context.Context, label string, tx *solana.Transaction) (ledger.SimulationResult, error) {
	result, err := s.client.SimulateTransaction(ctx, tx)
	if err != nil {
		observability.RecordTxStage(label, "simulate", "unavailable")
		return result, &Error{Kind: ErrSimulationFailed, Label: label, Reason: err.Error(), Err: err}
	}
	if result.Failed() {
		observability.RecordTxStage(label, "simulate", "rejected")
		log.Warn().Str("label", label).Str("err", result.Err).Int("logs", len(result.Logs)).
			Msg("txn.Submitter.Simulate rejected")
		return result, &Error{Kind: ErrSimulationFailed, Label: label, Reason: result.Err, Logs: result.Logs}
	}
	observability.RecordTxStage(label, "simulate", "ok")
	return result, nil
}

func (s *Submitter) sign(ctx context.Context, c Candidate, tx *solana.Transaction, signer wallet.Session) error {
	if err := ctx.Err(); err != nil {
		observability.RecordTxStage(c.Label, "sign", "cancelled")
		return &Error{Kind: ErrSignRejected, Label: c.Label, Reason: "cancelled before signing", Err: err}
	}
	if len(c.Signers) > 0 {
		if _, err := ledger.SignPartial(tx, c.Signers...); err != nil {
			return &Error{Kind: ErrSignerUnavailable, Label: c.Label, Reason: "local signer: " + err.Error(), Err: err}
		}
	}
	if err := signer.SignTransaction(ctx, tx); err != nil {
		switch {
		case errors.Is(err, wallet.ErrRejected), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			observability.RecordTxStage(c.Label, "sign", "rejected")
			return &Error{Kind: ErrSignRejected, Label: c.Label, Reason: "signature request declined", Err: err}
		default:
			observability.RecordTxStage(c.Label, "sign", "unavailable")
			return &Error{Kind: ErrSignerUnavailable, Label: c.Label, Reason: err.Error(), Err: err}
		}
	}
	if missing := ledger.MissingSigners(tx); len(missing) > 0 {
		observability.RecordTxStage(c.Label, "sign", "unavailable")
		return &Error{Kind: ErrSignerUnavailable, Label: c.Label, Reason: fmt.Sprintf("missing signature for %s", missing[0])}
	}
	observability.RecordTxStage(c.Label, "sign", "ok")
	return nil
}

func (s *Submitter) submit(ctx context.Context, label string, tx *solana.Transaction, payload []byte) (Result, error) {
	sig, err := s.client.SendRawTransaction(ctx, payload)
	if err == nil {
		observability.RecordTxStage(label, "submit", "ok")
		if sig == (solana.Signature{}) {
			sig = tx.Signatures[0]
		}
		return Result{Signature: sig}, nil
	}

	if ledger.IsAlreadyProcessedMessage(err.Error()) {
		recovered, rerr := ledger.SignatureFromPayload(payload)
		if rerr == nil {
			observability.RecordTxStage(label, "recover", "ok")
			log.Info().Str("label", label).Str("signature", recovered.String()).
				Msg("txn.Submitter already processed, confirming embedded signature")
			return Result{Signature: recovered, Recovered: true}, nil
		}
		observability.RecordTxStage(label, "recover", "error")
		log.Warn().Err(rerr).Str("label", label).Msg("txn.Submitter already processed without recoverable signature")
	}

	observability.RecordTxStage(label, "submit", "error")
	out := &Error{Kind: ErrSubmitFailed, Label: label, Reason: err.Error(), Err: err}
	var rpcErr *ledger.RPCError
	if errors.As(err, &rpcErr) {
		out.Reason = rpcErr.Message
		if len(rpcErr.Logs) > 0 {
			out.Logs = ledger.TailLogs(rpcErr.Logs, LogTail)
		}
	}
	log.Warn().Err(err).Str("label", label).Msg("txn.Submitter.SubmitAndConfirm submit failed")
	return Result{}, out
}

func (s *Submitter) confirm(ctx context.Context, label string, result *Result) error {
	conf, err := s.confirmer.Confirm(ctx, result.Signature)
	if err != nil {
		observability.RecordTxStage(label, "confirm", "timeout")
		return &Error{
			Kind:      ErrConfirmTimeout,
			Label:     label,
			Reason:    "status unknown; check the transaction in an explorer before retrying",
			Signature: result.Signature,
			Err:       err,
		}
	}
	result.Slot = conf.Slot
	if conf.Err == "" {
		observability.RecordTxStage(label, "confirm", "ok")
		return nil
	}

	observability.RecordTxStage(label, "confirm", "failed")
	out := &Error{Kind: ErrConfirmFailed, Label: label, Reason: conf.Err, Signature: result.Signature}
	detail, derr := s.client.GetTransaction(ctx, result.Signature)
	switch {
	case derr != nil:
		log.Warn().Err(derr).Str("signature", result.Signature.String()).Msg("txn.Submitter transaction detail unavailable")
	case detail != nil:
		if detail.Err != "" {
			out.Reason = detail.Err
		}
		out.Logs = ledger.TailLogs(detail.Logs, LogTail)
	}
	return out
}

func (s *Submitter) record(ctx context.Context, label string, err error) {
	if s.recorder == nil {
		return
	}
	rec := Record{Label: label, Outcome: "failed", Err: err.Error()}
	var txErr *Error
	if errors.As(err, &txErr) {
		rec.Signature = txErr.Signature
		rec.Outcome = outcomeName(txErr.Kind)
	}
	if rerr := s.recorder.RecordSubmission(ctx, rec); rerr != nil {
		log.Warn().Err(rerr).Str("label", label).Msg("txn.Submitter record failed")
	}
}

func outcomeName(kind error) string {
	switch {
	case errors.Is(kind, ErrSubmitFailed):
		return "submit_failed"
	case errors.Is(kind, ErrConfirmTimeout):
		return "confirm_timeout"
	case errors.Is(kind, ErrConfirmFailed):
		return "confirm_failed"
	default:
		return "failed"
	}
}
