// Package ledgertest provides an in-memory ledger that executes registered
// program handlers atomically per transaction.
package ledgertest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/marketctl/internal/ledger"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction is a resolved instruction handed to a program handler.
type Instruction struct {
	Program  solana.PublicKey
	Accounts []solana.PublicKey
	Signer   []bool
	Writable []bool
	Data     []byte
}

// IsSigner reports whether account i signed the transaction.
func (ix Instruction) IsSigner(i int) bool {
	return i < len(ix.Signer) && ix.Signer[i]
}

// Account returns account i or the zero key.
func (ix Instruction) Account(i int) solana.PublicKey {
	if i < len(ix.Accounts) {
		return ix.Accounts[i]
	}
	return solana.PublicKey{}
}

// Handler executes one instruction against state.
type Handler func(state *State, ix Instruction) error

// State is the account set visible to a transaction while it runs.
type State struct {
	accounts map[solana.PublicKey]*ledger.Account
	logs     []string
	rent     func(uint64) uint64
}

// Get returns a copy of the account at address.
func (s *State) Get(address solana.PublicKey) (*ledger.Account, bool) {
	acct, ok := s.accounts[address]
	if !ok {
		return nil, false
	}
	return cloneAccount(acct), true
}

func (s *State) Put(acct *ledger.Account) {
	s.accounts[acct.Address] = cloneAccount(acct)
}

func (s *State) Log(format string, args ...any) {
	s.logs = append(s.logs, fmt.Sprintf(format, args...))
}

// Rent returns the rent-exempt minimum for size bytes.
func (s *State) Rent(size uint64) uint64 {
	return s.rent(size)
}

// Fake implements ledger.Client. Zero value is not usable; call New.
type Fake struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey]*ledger.Account
	handlers  map[solana.PublicKey]Handler
	statuses  map[solana.Signature]*ledger.SignatureStatus
	details   map[solana.Signature]*ledger.TransactionDetail
	blockhash solana.Hash

	// ReadErr fails every account read when set.
	ReadErr error
	// ReadErrFor fails reads of specific addresses.
	ReadErrFor map[solana.PublicKey]error
	// SendErr fails submissions before anything lands.
	SendErr error
	// AlreadyProcessedOnSend lands the transaction, then reports it as a
	// duplicate, as a retried submission would.
	AlreadyProcessedOnSend bool
	// LandWithErr lands transactions as failed with this ledger error.
	LandWithErr string
	// StatusUnknown hides every signature status.
	StatusUnknown bool
	// AfterLand runs after each successful transaction commits.
	AfterLand func(f *Fake, tx *solana.Transaction)

	Simulations int
	Sends       int
}

func New() *Fake {
	f := &Fake{
		accounts:   make(map[solana.PublicKey]*ledger.Account),
		handlers:   make(map[solana.PublicKey]Handler),
		statuses:   make(map[solana.Signature]*ledger.SignatureStatus),
		details:    make(map[solana.Signature]*ledger.TransactionDetail),
		ReadErrFor: make(map[solana.PublicKey]error),
		blockhash:  solana.HashFromBytes([]byte("marketctl-ledgertest-blockhash-0")),
	}
	f.handlers[solana.SystemProgramID] = systemHandler
	return f
}

// RegisterProgram installs handler and marks program as deployed.
func (f *Fake) RegisterProgram(program solana.PublicKey, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[program] = handler
	f.accounts[program] = &ledger.Account{Address: program, Owner: solana.BPFLoaderUpgradeableProgramID, Executable: true, Lamports: 1}
}

// SetAccount seeds or replaces an account.
func (f *Fake) SetAccount(acct *ledger.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[acct.Address] = cloneAccount(acct)
}

func (f *Fake) DeleteAccount(address solana.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, address)
}

// Account returns a copy of the stored account, if any.
func (f *Fake) Account(address solana.PublicKey) (*ledger.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[address]
	if !ok {
		return nil, false
	}
	return cloneAccount(acct), true
}

// Landed reports how many transactions have landed.
func (f *Fake) Landed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

func (f *Fake) GetAccountInfo(_ context.Context, address solana.PublicKey) (*ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr(address); err != nil {
		return nil, err
	}
	acct, ok := f.accounts[address]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

func (f *Fake) GetMultipleAccounts(_ context.Context, addresses ...solana.PublicKey) ([]*ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ledger.Account, len(addresses))
	for i, address := range addresses {
		if err := f.readErr(address); err != nil {
			return nil, err
		}
		if acct, ok := f.accounts[address]; ok {
			out[i] = cloneAccount(acct)
		}
	}
	return out, nil
}

func (f *Fake) GetProgramAccounts(_ context.Context, program solana.PublicKey, filters ...ledger.Memcmp) ([]ledger.KeyedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	var out []ledger.KeyedAccount
	for address, acct := range f.accounts {
		if !acct.Owner.Equals(program) || !matches(acct.Data, filters) {
			continue
		}
		out = append(out, ledger.KeyedAccount{Address: address, Account: cloneAccount(acct)})
	}
	return out, nil
}

func (f *Fake) GetLatestBlockhash(context.Context) (solana.Hash, error) {
	return f.blockhash, nil
}

func (f *Fake) GetMinimumBalanceForRentExemption(_ context.Context, size uint64) (uint64, error) {
	return RentExempt(size), nil
}

func (f *Fake) SimulateTransaction(_ context.Context, tx *solana.Transaction) (ledger.SimulationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Simulations++
	state, err := f.execute(tx)
	result := ledger.SimulationResult{Logs: state.logs, UnitsConsumed: uint64(len(tx.Message.Instructions)) * 5000}
	if err != nil {
		result.Err = err.Error()
	}
	return result, nil
}

func (f *Fake) SendRawTransaction(_ context.Context, payload []byte) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sends++
	if f.SendErr != nil {
		return solana.Signature{}, f.SendErr
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(payload))
	if err != nil {
		return solana.Signature{}, &ledger.RPCError{Code: -32602, Message: "failed to deserialize transaction: " + err.Error()}
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, &ledger.RPCError{Code: -32602, Message: "missing signatures"}
	}
	sig := tx.Signatures[0]
	if _, seen := f.statuses[sig]; seen {
		return solana.Signature{}, alreadyProcessed()
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &ledger.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}

	if f.LandWithErr != "" {
		f.statuses[sig] = &ledger.SignatureStatus{Slot: 1, Commitment: ledger.CommitmentConfirmed, Err: f.LandWithErr}
		f.details[sig] = &ledger.TransactionDetail{Slot: 1, Err: f.LandWithErr, Logs: []string{"Program failed: " + f.LandWithErr}}
		return sig, nil
	}

	state, err := f.execute(tx)
	if err != nil {
		return solana.Signature{}, &ledger.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: Error processing Instruction: " + err.Error(),
			Logs:    state.logs,
		}
	}
	f.accounts = state.accounts
	f.statuses[sig] = &ledger.SignatureStatus{Slot: uint64(len(f.statuses) + 1), Commitment: ledger.CommitmentConfirmed}
	f.details[sig] = &ledger.TransactionDetail{Slot: uint64(len(f.statuses)), Logs: state.logs}
	if f.AfterLand != nil {
		f.mu.Unlock()
		f.AfterLand(f, tx)
		f.mu.Lock()
	}
	if f.AlreadyProcessedOnSend {
		return solana.Signature{}, alreadyProcessed()
	}
	return sig, nil
}

func (f *Fake) GetSignatureStatus(_ context.Context, sig solana.Signature) (*ledger.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusUnknown {
		return nil, nil
	}
	status, ok := f.statuses[sig]
	if !ok {
		return nil, nil
	}
	out := *status
	return &out, nil
}

func (f *Fake) GetTransaction(_ context.Context, sig solana.Signature) (*ledger.TransactionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	detail, ok := f.details[sig]
	if !ok {
		return nil, nil
	}
	out := *detail
	return &out, nil
}

// RentExempt approximates the cluster rent-exempt minimum.
func RentExempt(size uint64) uint64 {
	return (size + 128) * 6960
}

func (f *Fake) readErr(address solana.PublicKey) error {
	if f.ReadErr != nil {
		return f.ReadErr
	}
	return f.ReadErrFor[address]
}

// execute runs tx against a copy of the accounts and returns the copy.
func (f *Fake) execute(tx *solana.Transaction) (*State, error) {
	state := &State{
		accounts: make(map[solana.PublicKey]*ledger.Account, len(f.accounts)),
		rent:     RentExempt,
	}
	for k, v := range f.accounts {
		state.accounts[k] = v
	}
	msg := tx.Message
	for i, compiled := range msg.Instructions {
		program, err := msg.ResolveProgramIDIndex(compiled.ProgramIDIndex)
		if err != nil {
			return state, err
		}
		handler, ok := f.handlers[program]
		if !ok {
			return state, fmt.Errorf("instruction %d: program %s not found", i, program)
		}
		ix := Instruction{Program: program, Data: compiled.Data}
		for _, idx := range compiled.Accounts {
			if int(idx) >= len(msg.AccountKeys) {
				return state, fmt.Errorf("instruction %d: account index %d out of range", i, idx)
			}
			ix.Accounts = append(ix.Accounts, msg.AccountKeys[idx])
			ix.Signer = append(ix.Signer, int(idx) < int(msg.Header.NumRequiredSignatures))
			writable, _ := msg.IsWritable(msg.AccountKeys[idx])
			ix.Writable = append(ix.Writable, writable)
		}
		state.Log("Program %s invoke [1]", program)
		if err := handler(state, ix); err != nil {
			state.Log("Program %s failed: %v", program, err)
			return state, fmt.Errorf("instruction %d: %w", i, err)
		}
		state.Log("Program %s success", program)
	}
	return state, nil
}

var ErrAccountInUse = errors.New("account already in use")

// systemHandler supports CreateAccount, the only system instruction used.
func systemHandler(state *State, ix Instruction) error {
	if len(ix.Data) < 52 || binary.LittleEndian.Uint32(ix.Data[:4]) != 0 {
		return errors.New("unsupported system instruction")
	}
	lamports := binary.LittleEndian.Uint64(ix.Data[4:12])
	space := binary.LittleEndian.Uint64(ix.Data[12:20])
	owner := solana.PublicKeyFromBytes(ix.Data[20:52])
	funder, target := ix.Account(0), ix.Account(1)
	if !ix.IsSigner(0) || !ix.IsSigner(1) {
		return errors.New("create account requires funder and new account signatures")
	}
	if _, exists := state.Get(target); exists {
		return fmt.Errorf("%w: %s", ErrAccountInUse, target)
	}
	if lamports < state.Rent(space) {
		return fmt.Errorf("insufficient funds for rent: %d < %d", lamports, state.Rent(space))
	}
	state.Put(&ledger.Account{Address: target, Owner: owner, Lamports: lamports, Data: make([]byte, space)})
	state.Log("created %s (%d bytes) funded by %s", target, space, funder)
	return nil
}

func alreadyProcessed() error {
	return &ledger.RPCError{Code: -32002, Message: "Transaction simulation failed: This transaction has already been processed"}
}

func matches(data []byte, filters []ledger.Memcmp) bool {
	for _, f := range filters {
		end := f.Offset + uint64(len(f.Bytes))
		if end > uint64(len(data)) {
			return false
		}
		for i, b := range f.Bytes {
			if data[f.Offset+uint64(i)] != b {
				return false
			}
		}
	}
	return true
}

func cloneAccount(acct *ledger.Account) *ledger.Account {
	out := *acct
	out.Data = append([]byte(nil), acct.Data...)
	return &out
}
