package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/ledger/ledgertest"
	"github.com/danmuck/marketctl/internal/testutil/testlog"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

type memRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *memRecorder) RecordSubmission(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func fastOptions(rec Recorder) Options {
	return Options{
		ConfirmTimeout: 50 * time.Millisecond,
		Backoff:        ledger.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		Recorder:       rec,
	}
}

// createAccount builds a candidate that allocates a fresh account signed by
// a single-use key.
func createAccount(t *testing.T, payer solana.PublicKey) (Candidate, solana.PrivateKey) {
	t.Helper()
	fresh, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	ix := system.NewCreateAccountInstruction(ledgertest.RentExempt(16), 16, solana.SystemProgramID, payer, fresh.PublicKey()).Build()
	return Candidate{Label: "create-account", Instructions: []solana.Instruction{ix}, Signers: []solana.PrivateKey{fresh}}, fresh
}

func operator(t *testing.T) *wallet.Keypair {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return wallet.NewKeypair(key)
}

func TestSubmitAndConfirmLandsTransaction(t *testing.T) {
	testlog.Start(t)
	fake := ledgertest.New()
	rec := &memRecorder{}
	sub := New(fake, fastOptions(rec))
	w := operator(t)
	candidate, fresh := createAccount(t, w.Identity())

	result, err := sub.SubmitAndConfirm(context.Background(), candidate, w)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Recovered || result.Signature == (solana.Signature{}) {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, ok := fake.Account(fresh.PublicKey()); !ok {
		t.Fatalf("account was not created")
	}
	if fake.Simulations != 1 || fake.Sends != 1 {
		t.Fatalf("expected one simulation and one send, got %d/%d", fake.Simulations, fake.Sends)
	}
	if len(rec.records) != 1 || rec.records[0].Outcome != "confirmed" {
		t.Fatalf("unexpected records %+v", rec.records)
	}
}

func TestSimulationFailureAbortsBeforeSigning(t *testing.T) {
	testlog.Start(t)
	fake := ledgertest.New()
	program := solana.NewWallet().PublicKey()
	fake.RegisterProgram(program, func(state *ledgertest.State, _ ledgertest.Instruction) error {
		state.Log("Program log: AnchorError occurred. Error Code: InvalidFee.")
		return errors.New("custom program error: 0x1771")
	})
	asked := 0
	w := wallet.NewApproving(operator(t), func(context.Context, string) (bool, error) {
		asked++
		return true, nil
	})
	sub := New(fake, fastOptions(nil))
	candidate := Candidate{Label: "bad", Instructions: []solana.Instruction{solana.NewInstruction(program, solana.AccountMetaSlice{}, []byte{1})}}

	_, err := sub.SubmitAndConfirm(context.Background(), candidate, w)
	if !errors.Is(err, ErrSimulationFailed) {
		t.Fatalf("expected ErrSimulationFailed, got %v", err)
	}
	var txErr *Error
	if !errors.As(err, &txErr) || len(txErr.Logs) == 0 {
		t.Fatalf("expected simulation logs, got %+v", err)
	}
	found := false
	for _, line := range txErr.Logs {
		if line == "Program log: AnchorError occurred. Error Code: InvalidFee." {
			found = true
		}
	}
	if !found {
		t.Fatalf("program log not carried verbatim: %v", txErr.Logs)
	}
	if asked != 0 || fake.Sends != 0 {
		t.Fatalf("expected no signature request and no send, asked=%d sends=%d", asked, fake.Sends)
	}
}

func TestSignerConditions(t *testing.T) {
	testlog.Start(t)
	fake := ledgertest.New()
	sub := New(fake, fastOptions(nil))
	w := operator(t)
	candidate, _ := createAccount(t, w.Identity())

	_, err := sub.SubmitAndConfirm(context.Background(), candidate, wallet.Disconnected{})
	if !errors.Is(err, ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable, got %v", err)
	}
	_, err = sub.SubmitAndConfirm(context.Background(), candidate, nil)
	if !errors.Is(err, ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable for nil wallet, got %v", err)
	}
	if fake.Simulations != 0 {
		t.Fatalf("unconnected wallet must fail before simulation")
	}

	declining := wallet.NewApproving(w, func(context.Context, string) (bool, error) { return false, nil })
	_, err = sub.SubmitAndConfirm(context.Background(), candidate, declining)
	if !errors.Is(err, ErrSignRejected) || !errors.Is(err, wallet.ErrRejected) {
		t.Fatalf("expected ErrSignRejected, got %v", err)
	}
	if fake.Sends != 0 {
		t.Fatalf("declined signature must not submit")
	}
}

func TestAlreadyProcessedRecoversEmbeddedSignature(t *testing.T) {
	testlog.Start(t)
	fake := ledgertest.New()
	fake.AlreadyProcessedOnSend = true
	var landed solana.Signature
	fake.AfterLand = func(_ *ledgertest.Fake, tx *solana.Transaction) {
		landed = tx.Signatures[0]
	}
	rec := &memRecorder{}
	sub := New(fake, fastOptions(rec))
	w := operator(t)
	candidate, _ := createAccount(t, w.Identity())

	result, err := sub.SubmitAndConfirm(context.Background(), candidate, w)
	if err != nil {
		t.Fatalf("already processed must not be an error: %v", err)
	}
	if !result.Recovered || result.Signature != landed {
		t.Fatalf("expected recovered signature %s, got %+v", landed, result)
	}
	if !rec.records[0].Recovered {
		t.Fatalf("recorder should see the recovery")
	}
}

func TestConfirmOutcomesAreDistinct(t *testing.T) {
	testlog.Start(t)
	w := operator(t)

	failing := ledgertest.New()
	failing.LandWithErr = `{"InstructionError":[0,{"Custom":6001}]}`
	candidate, _ := createAccount(t, w.Identity())
	_, err := New(failing, fastOptions(nil)).SubmitAndConfirm(context.Background(), candidate, w)
	var txErr *Error
	if !errors.Is(err, ErrConfirmFailed) || !errors.As(err, &txErr) {
		t.Fatalf("expected ErrConfirmFailed, got %v", err)
	}
	if txErr.Reason != failing.LandWithErr || !txErr.HasSignature() || txErr.Retryable() {
		t.Fatalf("unexpected confirm failure %+v", txErr)
	}

	unknown := ledgertest.New()
	unknown.StatusUnknown = true
	candidate, _ = createAccount(t, w.Identity())
	_, err = New(unknown, fastOptions(nil)).SubmitAndConfirm(context.Background(), candidate, w)
	if !errors.Is(err, ErrConfirmTimeout) || errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("expected ErrConfirmTimeout, got %v", err)
	}
	if !errors.As(err, &txErr) || !txErr.HasSignature() || !txErr.Retryable() {
		t.Fatalf("timeout should carry the signature and be retryable: %+v", txErr)
	}
}

func TestSubmitFailureKeepsLogTail(t *testing.T) {
	testlog.Start(t)
	fake := ledgertest.New()
	logs := make([]string, 15)
	for i := range logs {
		logs[i] = "line"
	}
	logs[14] = "last"
	fake.SendErr = &ledger.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found", Logs: logs}
	w := operator(t)
	candidate, _ := createAccount(t, w.Identity())

	_, err := New(fake, fastOptions(nil)).SubmitAndConfirm(context.Background(), candidate, w)
	var txErr *Error
	if !errors.As(err, &txErr) || !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("expected ErrSubmitFailed, got %v", err)
	}
	if len(txErr.Logs) != LogTail || txErr.Logs[LogTail-1] != "last" {
		t.Fatalf("expected last %d log lines, got %v", LogTail, txErr.Logs)
	}
	if txErr.Retryable() {
		t.Fatalf("ledger rejection is not retryable as-is")
	}

	fake.SendErr = ledger.ErrUnavailable
	_, err = New(fake, fastOptions(nil)).SubmitAndConfirm(context.Background(), candidate, w)
	if !errors.As(err, &txErr) || !txErr.Retryable() || !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("transport failure should be retryable: %v", err)
	}
}

func TestSimulateOnly(t *testing.T) {
	testlog.Start(t)
	fake := ledgertest.New()
	w := operator(t)
	candidate, fresh := createAccount(t, w.Identity())
	candidate.Payer = w.Identity()

	result, err := New(fake, fastOptions(nil)).Simulate(context.Background(), candidate)
	if err != nil || result.Failed() {
		t.Fatalf("simulate: %v %+v", err, result)
	}
	if _, ok := fake.Account(fresh.PublicKey()); ok {
		t.Fatalf("simulation must not create accounts")
	}
}
