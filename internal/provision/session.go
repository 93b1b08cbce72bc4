package provision

import (
	"fmt"
	"strings"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Step is a position in the provisioning wizard.
type Step int

const (
	StepNetwork Step = iota
	StepConnect
	StepCreateAuthority
	StepCreateCollection
	StepCreateTree
	StepVerify
	StepValidate
	StepComplete
)

var stepNames = [...]string{
	StepNetwork:          "network",
	StepConnect:          "connect",
	StepCreateAuthority:  "create_authority",
	StepCreateCollection: "create_collection",
	StepCreateTree:       "create_tree",
	StepVerify:           "verify",
	StepValidate:         "validate",
	StepComplete:         "complete",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Steps lists every step in order.
func Steps() []Step {
	out := make([]Step, 0, len(stepNames))
	for i := range stepNames {
		out = append(out, Step(i))
	}
	return out
}

func ParseStep(raw string) (Step, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range stepNames {
		if name == raw {
			return Step(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown step %q", ErrInvalidInput, raw)
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is the wizard's local view. It is a cache of ledger state and is
// rebuilt by Resume; nothing in it is authoritative.
type Session struct {
	ID            string
	Step          Step
	Busy          bool
	Network       config.Network
	NetworkReady  bool
	Identity      solana.PublicKey
	Authority     solana.PublicKey
	AuthorityName string
	Collection    solana.PublicKey
	Tree          solana.PublicKey
	TreePreset    uint64
	Verified      bool
	Fatal         bool
	Signatures    map[Step]solana.Signature
	LastError     *StepError
	Config        *ExportedConfig
	// Proposal holds unlinked resources found on resume. They are only
	// used after the operator adopts them.
	Proposal *Proposal
}

// Proposal lists existing resources that point at the authority but are
// not linked to it yet.
type Proposal struct {
	Collection     solana.PublicKey
	CollectionName string
	CollectionURI  string
	Tree           solana.PublicKey
	TreeLeaves     uint64
}

func (p *Proposal) empty() bool {
	return p == nil || (p.Collection == (solana.PublicKey{}) && p.Tree == (solana.PublicKey{}))
}

// without drops the resources the session no longer needs proposed.
func (p *Proposal) without(collection, tree bool) *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	if collection {
		out.Collection, out.CollectionName, out.CollectionURI = solana.PublicKey{}, "", ""
	}
	if tree {
		out.Tree, out.TreeLeaves = solana.PublicKey{}, 0
	}
	if out.empty() {
		return nil
	}
	return &out
}

// NewSession starts at the network step.
func NewSession(network config.Network) Session {
	return Session{ID: uuid.NewString(), Step: StepNetwork, Network: network}
}

func (s Session) HasIdentity() bool {
	return s.Identity != (solana.PublicKey{})
}

func (s Session) HasCollection() bool {
	return s.Collection != (solana.PublicKey{})
}

func (s Session) HasTree() bool {
	return s.Tree != (solana.PublicKey{})
}

func (s Session) clone() Session {
	s.Signatures = copySignatures(s.Signatures)
	if s.Proposal != nil {
		p := *s.Proposal
		s.Proposal = &p
	}
	return s
}

// Signature returns the transaction signature recorded for step, if any.
func (s Session) Signature(step Step) (solana.Signature, bool) {
	sig, ok := s.Signatures[step]
	return sig, ok
}

// Event is an input to Reduce.
type Event interface {
	event()
}

type (
	// Reset discards everything and returns to the network step.
	Reset struct{}
	// NetworkSelected switches cluster and restarts at the connect step.
	NetworkSelected struct{ Network config.Network }
	NetworkChecked  struct{ Ready bool }
	StepStarted     struct{ Step Step }
	StepFailed      struct{ Err *StepError }
	// WalletConnected records the identity and its derived authority
	// address. A different identity starts from a clean session.
	WalletConnected struct {
		Identity  solana.PublicKey
		Authority solana.PublicKey
	}
	// Resumed replaces the session position with the one implied by
	// ledger state.
	Resumed struct {
		Target        Step
		AuthorityName string
		Collection    solana.PublicKey
		Tree          solana.PublicKey
		TreePreset    uint64
		Verified      bool
		Config        *ExportedConfig
		Proposal      *Proposal
	}
	// Adopted links proposed resources into the session.
	Adopted struct {
		Collection solana.PublicKey
		Tree       solana.PublicKey
		Preset     uint64
	}
	AuthorityReady struct {
		Name      string
		Signature solana.Signature
	}
	CollectionReady struct {
		Address   solana.PublicKey
		Signature solana.Signature
	}
	TreeReady struct {
		Address   solana.PublicKey
		Preset    uint64
		Signature solana.Signature
	}
	// Verified carries the addresses that were linked, which may have been
	// supplied by the operator.
	Verified struct {
		Collection solana.PublicKey
		Tree       solana.PublicKey
		Signature  solana.Signature
	}
	Validated struct {
		Config *ExportedConfig
	}
	// ValidationFailed clears the verified flag after a read-only mismatch.
	ValidationFailed struct {
		Err *StepError
	}
)

func (Reset) event()            {}
func (NetworkSelected) event()  {}
func (NetworkChecked) event()   {}
func (StepStarted) event()      {}
func (StepFailed) event()       {}
func (WalletConnected) event()  {}
func (Resumed) event()          {}
func (Adopted) event()          {}
func (AuthorityReady) event()   {}
func (CollectionReady) event()  {}
func (TreeReady) event()        {}
func (Verified) event()         {}
func (Validated) event()        {}
func (ValidationFailed) event() {}

// Reduce applies ev to s and returns the next session. It performs no I/O.
// Step events never move the step backwards; Reset, NetworkSelected, a new
// identity and Resumed may.
func Reduce(s Session, ev Event) Session {
	next := s
	next.Signatures = copySignatures(s.Signatures)

	switch e := ev.(type) {
	case Reset:
		return NewSession(s.Network)
	case NetworkSelected:
		out := NewSession(e.Network)
		out.Step = StepConnect
		return out
	case NetworkChecked:
		next.NetworkReady = e.Ready
	case StepStarted:
		next.Busy = true
		next.LastError = nil
	case StepFailed:
		next.Busy = false
		next.LastError = e.Err
		if e.Err != nil && e.Err.Fatal {
			next.Fatal = true
		}
	case WalletConnected:
		if !e.Identity.Equals(s.Identity) {
			next = NewSession(s.Network)
			next.ID = s.ID
			next.Busy = s.Busy
			next.NetworkReady = s.NetworkReady
		}
		next.Identity = e.Identity
		next.Authority = e.Authority
		next.Step = advance(next.Step, StepConnect)
	case Resumed:
		next.Busy = false
		next.Step = e.Target
		next.AuthorityName = e.AuthorityName
		next.Collection = e.Collection
		next.Tree = e.Tree
		if e.TreePreset != 0 {
			next.TreePreset = e.TreePreset
		}
		next.Verified = e.Verified
		next.Config = e.Config
		next.Proposal = e.Proposal
	case Adopted:
		next.Busy = false
		if e.Collection != (solana.PublicKey{}) {
			next.Collection = e.Collection
			next.Step = advance(next.Step, StepCreateTree)
		}
		if e.Tree != (solana.PublicKey{}) {
			next.Tree = e.Tree
			if e.Preset != 0 {
				next.TreePreset = e.Preset
			}
			if next.HasCollection() {
				next.Step = advance(next.Step, StepVerify)
			}
		}
		next.Proposal = next.Proposal.without(e.Collection != (solana.PublicKey{}), e.Tree != (solana.PublicKey{}))
	case AuthorityReady:
		next.Busy = false
		next.AuthorityName = e.Name
		next.recordSignature(StepCreateAuthority, e.Signature)
		next.Step = advance(next.Step, StepCreateCollection)
	case CollectionReady:
		next.Busy = false
		next.Collection = e.Address
		next.Proposal = next.Proposal.without(true, false)
		next.recordSignature(StepCreateCollection, e.Signature)
		next.Step = advance(next.Step, StepCreateTree)
	case TreeReady:
		next.Busy = false
		next.Tree = e.Address
		next.Proposal = nil
		if e.Preset != 0 {
			next.TreePreset = e.Preset
		}
		next.recordSignature(StepCreateTree, e.Signature)
		next.Step = advance(next.Step, StepVerify)
	case Verified:
		next.Busy = false
		next.Verified = true
		if e.Collection != (solana.PublicKey{}) {
			next.Collection = e.Collection
		}
		if e.Tree != (solana.PublicKey{}) {
			next.Tree = e.Tree
		}
		next.Proposal = nil
		next.recordSignature(StepVerify, e.Signature)
		next.Step = advance(next.Step, StepValidate)
	case Validated:
		next.Busy = false
		next.Config = e.Config
		next.Step = advance(next.Step, StepComplete)
	case ValidationFailed:
		next.Busy = false
		next.Verified = false
		next.LastError = e.Err
		next.Fatal = true
	}
	return next
}

func advance(current, target Step) Step {
	if target > current {
		return target
	}
	return current
}

func (s *Session) recordSignature(step Step, sig solana.Signature) {
	if sig == (solana.Signature{}) {
		return
	}
	if s.Signatures == nil {
		s.Signatures = make(map[Step]solana.Signature)
	}
	s.Signatures[step] = sig
}

func copySignatures(in map[Step]solana.Signature) map[Step]solana.Signature {
	if in == nil {
		return nil
	}
	out := make(map[Step]solana.Signature, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
