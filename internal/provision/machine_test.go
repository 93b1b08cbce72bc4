package provision

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/ledger/ledgertest"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/danmuck/marketctl/internal/programs/simchain"
	"github.com/danmuck/marketctl/internal/testutil/testlog"
	"github.com/danmuck/marketctl/internal/txn"
	"github.com/danmuck/marketctl/internal/verify"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/google/go-cmp/cmp"
	toml "github.com/pelletier/go-toml/v2"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	fake     *ledgertest.Fake
	ownerKey solana.PrivateKey
	owner    *wallet.Keypair
	vault    solana.PublicKey
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, simchain.New())
}

func newHarnessOn(t *testing.T, fake *ledgertest.Fake) *harness {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.ConfirmTimeout = 2 * time.Second
	cfg.Poll = config.PollConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}
	return &harness{
		fake:     fake,
		ownerKey: key,
		owner:    wallet.NewKeypair(key),
		vault:    solana.NewWallet().PublicKey(),
		opts: Options{
			Config: cfg,
			Dial:   func(config.Network, config.Endpoint) ledger.Client { return fake },
			Now:    func() time.Time { return fixedNow },
		},
	}
}

func (h *harness) machine() *Machine {
	return NewMachine(h.opts)
}

func (h *harness) connect(t *testing.T, w wallet.Session) (*Machine, Session) {
	t.Helper()
	m := h.machine()
	if _, err := m.SelectNetwork(config.NetworkDevnet); err != nil {
		t.Fatalf("select network: %v", err)
	}
	if _, err := m.CheckNetwork(context.Background()); err != nil {
		t.Fatalf("check network: %v", err)
	}
	s, err := m.Connect(context.Background(), w)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m, s
}

func (h *harness) authorityInput() AuthorityInput {
	return AuthorityInput{Name: "acme", FeeRecipient: h.vault.String(), FeePercent: "0.5"}
}

// throughAuthority connects the owner and creates the authority.
func (h *harness) throughAuthority(t *testing.T) *Machine {
	t.Helper()
	m, _ := h.connect(t, h.owner)
	if _, err := m.CreateAuthority(context.Background(), h.authorityInput()); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	return m
}

// throughTree returns a machine waiting at the verify step.
func (h *harness) throughTree(t *testing.T) *Machine {
	t.Helper()
	ctx := context.Background()
	m := h.throughAuthority(t)
	if _, err := m.CreateCollection(ctx, CollectionInput{URI: "https://example.com/collection.json"}); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := m.CreateTree(ctx, TreeInput{}); err != nil {
		t.Fatalf("create tree: %v", err)
	}
	return m
}

// provision runs every step and returns the machine at Complete.
func (h *harness) provision(t *testing.T) *Machine {
	t.Helper()
	ctx := context.Background()
	m := h.throughTree(t)
	if _, err := m.Verify(ctx, VerifyInput{}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	s, err := m.Validate(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Step != StepComplete {
		t.Fatalf("step=%s want complete", s.Step)
	}
	return m
}

func mustKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return key
}

func sendRaw(t *testing.T, fake *ledgertest.Fake, payer solana.PrivateKey, extra []solana.PrivateKey, ixs ...solana.Instruction) {
	t.Helper()
	blockhash, _ := fake.GetLatestBlockhash(context.Background())
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	if _, err := ledger.SignPartial(tx, append([]solana.PrivateKey{payer}, extra...)...); err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := fake.SendRawTransaction(context.Background(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}
}

// plant creates a collection and a private tree outside any session. The
// creator pays for both and creates the tree, then delegates it.
func plant(t *testing.T, fake *ledgertest.Fake, creator solana.PrivateKey, updateAuthority, delegate solana.PublicKey) (collection, tree solana.PublicKey) {
	t.Helper()
	collectionKey, treeKey := mustKey(t), mustKey(t)
	payer := creator.PublicKey()
	ix, err := mplcore.NewCreateCollectionV2Instruction(collectionKey.PublicKey(), updateAuthority, payer, "Planted", "https://example.com/planted.json")
	if err != nil {
		t.Fatalf("collection instruction: %v", err)
	}
	sendRaw(t, fake, creator, []solana.PrivateKey{collectionKey}, ix)

	preset := bubblegum.DefaultPreset()
	tree = treeKey.PublicKey()
	create, err := bubblegum.NewCreateTreeV2Instruction(payer, payer, tree, bubblegum.CreateTreeV2Args{
		MaxDepth:      preset.MaxDepth,
		MaxBufferSize: preset.MaxBufferSize,
		Public:        ptr(false),
	})
	if err != nil {
		t.Fatalf("tree instruction: %v", err)
	}
	setDelegate, err := bubblegum.NewSetTreeDelegateInstruction(payer, delegate, tree)
	if err != nil {
		t.Fatalf("delegate instruction: %v", err)
	}
	sendRaw(t, fake, creator, []solana.PrivateKey{treeKey},
		bubblegum.NewAllocTreeInstruction(payer, tree, ledgertest.RentExempt(preset.AccountSize()), preset),
		create,
		setDelegate,
	)
	return collectionKey.PublicKey(), tree
}

func stepError(t *testing.T, err error) *StepError {
	t.Helper()
	var serr *StepError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StepError, got %T %v", err, err)
	}
	return serr
}

func TestProvisionEndToEnd(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	m := h.provision(t)
	s := m.Session()

	for _, step := range []Step{StepCreateAuthority, StepCreateCollection, StepCreateTree, StepVerify} {
		if _, ok := s.Signature(step); !ok {
			t.Fatalf("missing signature for %s", step)
		}
	}
	if h.fake.Landed() != 4 {
		t.Fatalf("landed=%d want 4", h.fake.Landed())
	}

	cfg, err := m.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if cfg.FeeRateBps != 50 || cfg.FeeRatePercent != 0.5 {
		t.Fatalf("fee round trip: %d bps, %v%%", cfg.FeeRateBps, cfg.FeeRatePercent)
	}
	if !cfg.Verified || cfg.Network != "devnet" || cfg.ProtocolID != depredict.ProgramID.String() {
		t.Fatalf("unexpected export: %+v", cfg)
	}
	if cfg.CollectionName == nil || *cfg.CollectionName != "acme Collection" {
		t.Fatalf("collection name default: %v", cfg.CollectionName)
	}
	tree := cfg.TreeConfig
	if tree == nil || *tree.MaxDepth != 16 || *tree.CanopyDepth != 10 || *tree.ConcurrencyBuffer != 64 || *tree.MaxLeaves != 65536 {
		t.Fatalf("tree summary: %+v", tree)
	}
	if *tree.IsPublic || *tree.Delegate != s.Authority.String() {
		t.Fatalf("tree should be private and delegated to the authority: %+v", tree)
	}
}

func TestTreeMatchesPresetShape(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	m := h.provision(t)
	acct, ok := h.fake.Account(m.Session().Tree)
	if !ok {
		t.Fatalf("tree account missing")
	}
	shape, err := bubblegum.DecodeTreeShape(acct.Data)
	if err != nil {
		t.Fatalf("decode shape: %v", err)
	}
	want := bubblegum.TreeShape{MaxDepth: 16, MaxBufferSize: 64, CanopyDepth: 10, Authority: shape.Authority}
	if diff := cmp.Diff(want, *shape); diff != "" {
		t.Fatalf("tree shape (-want +got):\n%s", diff)
	}
}

func TestCreateAuthorityIsIdempotent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.connect(t, h.owner)
	if _, err := m.CreateAuthority(ctx, h.authorityInput()); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	landed := h.fake.Landed()
	simulations := h.fake.Simulations

	s, err := m.CreateAuthority(ctx, h.authorityInput())
	if err != nil {
		t.Fatalf("second create authority: %v", err)
	}
	if h.fake.Landed() != landed || h.fake.Simulations != simulations {
		t.Fatalf("second call built a transaction")
	}
	if s.Step != StepCreateCollection || s.AuthorityName != "acme" {
		t.Fatalf("unexpected session: step=%s name=%q", s.Step, s.AuthorityName)
	}
}

func TestCreateAuthorityRejectsInputLocally(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		in   func(h *harness) AuthorityInput
		msg  string
	}{
		{"empty name", func(h *harness) AuthorityInput {
			in := h.authorityInput()
			in.Name = "  "
			return in
		}, "Name is required"},
		{"bad recipient", func(h *harness) AuthorityInput {
			in := h.authorityInput()
			in.FeeRecipient = "not-an-address"
			return in
		}, "Invalid fee recipient address"},
		{"fee too high", func(h *harness) AuthorityInput {
			in := h.authorityInput()
			in.FeePercent = "20.01"
			return in
		}, "Fee must be between 0% and 20%"},
		{"negative fee", func(h *harness) AuthorityInput {
			in := h.authorityInput()
			in.FeePercent = "-1"
			return in
		}, "Fee must be between 0% and 20%"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			m, _ := h.connect(t, h.owner)
			before := h.fake.Simulations
			s, err := m.CreateAuthority(context.Background(), tc.in(h))
			serr := stepError(t, err)
			if !errors.Is(err, ErrInvalidInput) || serr.Message != tc.msg {
				t.Fatalf("got %v, want message %q", err, tc.msg)
			}
			if h.fake.Simulations != before || h.fake.Sends != 0 {
				t.Fatalf("ledger was contacted for invalid input")
			}
			if s.LastError == nil || s.Busy {
				t.Fatalf("failure not recorded on session: %+v", s)
			}
		})
	}
}

func TestResumeReachesCompleteWithoutTransactions(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	first := h.provision(t)
	want, err := first.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	landed, sims := h.fake.Landed(), h.fake.Simulations

	_, s := h.connect(t, h.owner)
	if s.Step != StepComplete || !s.Verified {
		t.Fatalf("resume landed on %s verified=%v", s.Step, s.Verified)
	}
	if h.fake.Landed() != landed || h.fake.Simulations != sims {
		t.Fatalf("resume built a transaction")
	}
	if diff := cmp.Diff(want, s.Config); diff != "" {
		t.Fatalf("resumed export differs (-want +got):\n%s", diff)
	}
}

func TestResumeProposesUnlinkedResources(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()

	_, s := h.connect(t, h.owner)
	if s.Step != StepCreateAuthority {
		t.Fatalf("fresh identity resumed to %s", s.Step)
	}

	m := h.throughAuthority(t)
	_, s = h.connect(t, h.owner)
	if s.Step != StepCreateCollection || s.AuthorityName != "acme" || s.Proposal != nil {
		t.Fatalf("after authority resumed to %s proposal=%+v", s.Step, s.Proposal)
	}

	created, err := m.CreateCollection(ctx, CollectionInput{Name: "Acme Markets", URI: "https://example.com/c.json"})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	resumed, s := h.connect(t, h.owner)
	if s.Step != StepCreateCollection || s.HasCollection() {
		t.Fatalf("collection linked without the operator: step=%s collection=%s", s.Step, s.Collection)
	}
	want := &Proposal{Collection: created.Collection, CollectionName: "Acme Markets", CollectionURI: "https://example.com/c.json"}
	if diff := cmp.Diff(want, s.Proposal); diff != "" {
		t.Fatalf("proposal (-want +got):\n%s", diff)
	}
	s, err = resumed.Adopt(ctx)
	if err != nil {
		t.Fatalf("adopt collection: %v", err)
	}
	if s.Step != StepCreateTree || s.Collection != created.Collection || s.Proposal != nil {
		t.Fatalf("after adopting collection: step=%s collection=%s proposal=%+v", s.Step, s.Collection, s.Proposal)
	}

	created, err = m.CreateTree(ctx, TreeInput{MaxLeaves: 16384})
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	resumed, s = h.connect(t, h.owner)
	if s.Step != StepCreateCollection || s.HasTree() {
		t.Fatalf("tree linked without the operator: step=%s tree=%s", s.Step, s.Tree)
	}
	if s.Proposal == nil || s.Proposal.Tree != created.Tree || s.Proposal.TreeLeaves != 16384 {
		t.Fatalf("tree not proposed: %+v", s.Proposal)
	}

	// Adopting finishes the setup without recreating anything.
	landed := h.fake.Landed()
	s, err = resumed.Adopt(ctx)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if s.Step != StepVerify || s.Collection != created.Collection || s.Tree != created.Tree || s.TreePreset != 16384 {
		t.Fatalf("after adopting both: %+v", s)
	}
	if _, err := resumed.Verify(ctx, VerifyInput{}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	s, err = resumed.Validate(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if h.fake.Landed() != landed+1 || s.Step != StepComplete {
		t.Fatalf("landed %d new transactions, step=%s", h.fake.Landed()-landed, s.Step)
	}
	if got := *s.Config.TreeConfig.MaxLeaves; got != 16384 {
		t.Fatalf("export tree leaves=%d want 16384", got)
	}
}

func TestAdoptRequiresProposal(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.connect(t, h.owner)
	if _, err := m.Adopt(ctx); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("adopt before authority: %v", err)
	}
	if _, err := m.CreateAuthority(ctx, h.authorityInput()); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	if _, err := m.Adopt(ctx); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("adopt with nothing proposed: %v", err)
	}
}

func TestResumeNeverLinksPlantedResources(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	m := h.throughAuthority(t)
	authority := m.Session().Authority

	// A stranger points a collection and a tree at the victim's authority.
	plantedCollection, plantedTree := plant(t, h.fake, mustKey(t), authority, authority)

	resumed, s := h.connect(t, h.owner)
	if s.Step != StepCreateCollection || s.HasCollection() || s.HasTree() {
		t.Fatalf("planted resources linked on resume: step=%s collection=%s tree=%s", s.Step, s.Collection, s.Tree)
	}
	if s.Proposal == nil || s.Proposal.Collection != plantedCollection {
		t.Fatalf("collection should only be proposed: %+v", s.Proposal)
	}
	if s.Proposal.Tree != (solana.PublicKey{}) {
		t.Fatalf("a tree created by another identity was proposed: %s", s.Proposal.Tree)
	}

	s, err := resumed.CreateCollection(ctx, CollectionInput{URI: "https://example.com/c.json"})
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if s.Collection == plantedCollection || s.Proposal != nil {
		t.Fatalf("create collection reused the planted one: %s", s.Collection)
	}
	s, err = resumed.CreateTree(ctx, TreeInput{})
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	if s.Tree == plantedTree {
		t.Fatalf("create tree reused the planted one")
	}
	if _, err := resumed.Verify(ctx, VerifyInput{}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	s, err = resumed.Validate(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Config.CollectionAddress == plantedCollection.String() || s.Config.TreeAddress == plantedTree.String() {
		t.Fatalf("export carries planted resources: %+v", s.Config)
	}
}

func TestNewIdentityStartsClean(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	m := h.provision(t)

	s, err := m.Connect(ctx, wallet.NewKeypair(mustKey(t)))
	if err != nil {
		t.Fatalf("connect stranger: %v", err)
	}
	if s.Step != StepCreateAuthority {
		t.Fatalf("stranger resumed to %s", s.Step)
	}
	if s.HasCollection() || s.HasTree() || s.Verified || s.Config != nil || len(s.Signatures) != 0 || s.AuthorityName != "" {
		t.Fatalf("stranger inherited the previous setup: %+v", s)
	}
	if _, err := m.Export(); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("stranger could export the previous artifact: %v", err)
	}

	s, err = m.Connect(ctx, h.owner)
	if err != nil {
		t.Fatalf("reconnect owner: %v", err)
	}
	if s.Step != StepComplete || !s.Verified || s.Config == nil {
		t.Fatalf("owner resumed to %s verified=%v", s.Step, s.Verified)
	}
}

func TestVerifyLinksSuppliedResources(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	m := h.throughAuthority(t)
	authority := m.Session().Authority
	collection, tree := plant(t, h.fake, h.ownerKey, authority, authority)

	landed := h.fake.Landed()
	s, err := m.Verify(ctx, VerifyInput{Collection: collection.String(), Tree: " " + tree.String() + " "})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if s.Step != StepValidate || s.Collection != collection || s.Tree != tree || !s.Verified {
		t.Fatalf("after linking: %+v", s)
	}
	if h.fake.Landed() != landed+1 {
		t.Fatalf("landed %d transactions, want 1", h.fake.Landed()-landed)
	}
	s, err = m.Validate(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Step != StepComplete || s.Config.CollectionAddress != collection.String() {
		t.Fatalf("validate: step=%s config=%+v", s.Step, s.Config)
	}
}

func TestVerifyRejectsSuppliedResources(t *testing.T) {
	testlog.Start(t)
	type resources struct {
		collection, tree, foreign solana.PublicKey
	}
	cases := []struct {
		name string
		in   func(r resources) VerifyInput
		kind error
	}{
		{"bad collection", func(r resources) VerifyInput {
			return VerifyInput{Collection: "not-an-address", Tree: r.tree.String()}
		}, ErrInvalidInput},
		{"bad tree", func(r resources) VerifyInput {
			return VerifyInput{Collection: r.collection.String(), Tree: "nope"}
		}, ErrInvalidInput},
		{"tree unknown", func(r resources) VerifyInput {
			return VerifyInput{Collection: r.collection.String()}
		}, ErrMissingResource},
		{"tree absent", func(r resources) VerifyInput {
			return VerifyInput{Collection: r.collection.String(), Tree: solana.NewWallet().PublicKey().String()}
		}, ErrMissingResource},
		{"foreign collection", func(r resources) VerifyInput {
			return VerifyInput{Collection: r.foreign.String(), Tree: r.tree.String()}
		}, ErrVerificationMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			m := h.throughAuthority(t)
			authority := m.Session().Authority
			var r resources
			r.collection, r.tree = plant(t, h.fake, h.ownerKey, authority, authority)
			r.foreign, _ = plant(t, h.fake, h.ownerKey, solana.NewWallet().PublicKey(), authority)
			sends, sims := h.fake.Sends, h.fake.Simulations

			s, err := m.Verify(context.Background(), tc.in(r))
			serr := stepError(t, err)
			if !errors.Is(err, tc.kind) || serr.Fatal {
				t.Fatalf("got %v, want non-fatal %v", err, tc.kind)
			}
			if h.fake.Sends != sends || h.fake.Simulations != sims {
				t.Fatalf("rejected input reached the ledger")
			}
			if s.Step != StepCreateCollection || s.Fatal || s.HasCollection() {
				t.Fatalf("session changed: step=%s fatal=%v collection=%s", s.Step, s.Fatal, s.Collection)
			}
		})
	}
}

func TestCreatedButUnverifiable(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		step Step
		hide func(collection, tree solana.PublicKey) solana.PublicKey
	}{
		{"collection", StepCreateCollection, func(collection, _ solana.PublicKey) solana.PublicKey {
			return collection
		}},
		{"tree config", StepCreateTree, func(_, tree solana.PublicKey) solana.PublicKey {
			address, _, _ := bubblegum.TreeConfigAddress(tree)
			return address
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			collectionKey, treeKey := mustKey(t), mustKey(t)
			keys := []solana.PrivateKey{collectionKey, treeKey}
			h.opts.NewKey = func() (solana.PrivateKey, error) {
				key := keys[0]
				keys = keys[1:]
				return key, nil
			}
			hidden := tc.hide(collectionKey.PublicKey(), treeKey.PublicKey())
			m := h.throughAuthority(t)
			h.fake.ReadErrFor[hidden] = ledger.ErrUnavailable

			landed := h.fake.Landed()
			s, err := m.CreateCollection(ctx, CollectionInput{URI: "https://example.com/c.json"})
			if tc.step == StepCreateTree {
				if err != nil {
					t.Fatalf("create collection: %v", err)
				}
				landed = h.fake.Landed()
				s, err = m.CreateTree(ctx, TreeInput{})
			}
			serr := stepError(t, err)
			if !errors.Is(err, ErrCreatedUnverifiable) || !serr.Retryable || serr.Fatal {
				t.Fatalf("expected retryable unverifiable outcome, got %v", err)
			}
			if serr.Signature == (solana.Signature{}) {
				t.Fatalf("unverifiable outcome should carry the landed signature")
			}
			if h.fake.Landed() != landed+1 {
				t.Fatalf("landed %d transactions, want 1", h.fake.Landed()-landed)
			}
			if s.Step != tc.step || s.Fatal {
				t.Fatalf("step=%s fatal=%v", s.Step, s.Fatal)
			}
			if _, ok := h.fake.Account(hidden); !ok {
				t.Fatalf("%s should exist on the ledger", tc.name)
			}
		})
	}
}

func TestVerifyPrecheckFindsMissingAccounts(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		remove func(s Session) solana.PublicKey
	}{
		{"collection", func(s Session) solana.PublicKey { return s.Collection }},
		{"tree", func(s Session) solana.PublicKey { return s.Tree }},
		{"tree config", func(s Session) solana.PublicKey {
			address, _, _ := bubblegum.TreeConfigAddress(s.Tree)
			return address
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			m := h.throughTree(t)
			h.fake.DeleteAccount(tc.remove(m.Session()))
			sends, sims := h.fake.Sends, h.fake.Simulations

			s, err := m.Verify(context.Background(), VerifyInput{})
			serr := stepError(t, err)
			if !errors.Is(err, ErrMissingResource) || serr.Fatal {
				t.Fatalf("expected missing resource, got %v", err)
			}
			if h.fake.Sends != sends || h.fake.Simulations != sims {
				t.Fatalf("verify reached the ledger with a missing account")
			}
			if s.Step != StepVerify || s.Verified {
				t.Fatalf("step=%s verified=%v", s.Step, s.Verified)
			}
		})
	}
}

func TestVerifySkipsWhenAlreadyVerified(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	first := h.throughTree(t)
	own := first.Session()

	// A second session links the same resources first.
	second, _ := h.connect(t, h.owner)
	if _, err := second.Verify(ctx, VerifyInput{Collection: own.Collection.String(), Tree: own.Tree.String()}); err != nil {
		t.Fatalf("verify from second session: %v", err)
	}
	landed, sims := h.fake.Landed(), h.fake.Simulations

	s, err := first.Verify(ctx, VerifyInput{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if h.fake.Landed() != landed || h.fake.Simulations != sims {
		t.Fatalf("verify built a transaction for a verified authority")
	}
	if s.Step != StepValidate || !s.Verified {
		t.Fatalf("step=%s verified=%v", s.Step, s.Verified)
	}
	if _, ok := s.Signature(StepVerify); ok {
		t.Fatalf("skipped verify recorded a signature")
	}
	if s, err = first.Validate(ctx); err != nil || s.Step != StepComplete {
		t.Fatalf("validate: step=%s err=%v", s.Step, err)
	}
}

func TestResumeReadFailureKeepsStep(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	m := h.machine()
	if _, err := m.SelectNetwork(config.NetworkDevnet); err != nil {
		t.Fatalf("select: %v", err)
	}
	authority, _, _ := depredict.MarketCreatorAddress(h.owner.Identity())
	h.fake.ReadErrFor[authority] = ledger.ErrUnavailable

	s, err := m.Connect(context.Background(), h.owner)
	serr := stepError(t, err)
	if !errors.Is(err, ErrLedgerRead) || !serr.Retryable {
		t.Fatalf("expected retryable read failure, got %v", err)
	}
	if s.Step != StepConnect || !s.HasIdentity() {
		t.Fatalf("step=%s identity=%v", s.Step, s.HasIdentity())
	}

	// The operator can still proceed once the ledger answers again.
	delete(h.fake.ReadErrFor, authority)
	s, err = m.CreateAuthority(context.Background(), h.authorityInput())
	if err != nil || s.Step != StepCreateCollection {
		t.Fatalf("create authority after failed resume: step=%s err=%v", s.Step, err)
	}
}

func TestCheckNetworkWithoutProgram(t *testing.T) {
	testlog.Start(t)
	h := newHarnessOn(t, ledgertest.New())
	m := h.machine()
	if _, err := m.SelectNetwork(config.NetworkDevnet); err != nil {
		t.Fatalf("select: %v", err)
	}
	s, err := m.CheckNetwork(context.Background())
	serr := stepError(t, err)
	if !errors.Is(err, ErrNetworkNotReady) || serr.Message != "Program not found on Devnet" {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.NetworkReady {
		t.Fatalf("network marked ready")
	}
}

func TestStepsRequireWalletAndOrder(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	m := h.machine()
	ctx := context.Background()

	if _, err := m.Connect(ctx, h.owner); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("connect before network: %v", err)
	}
	if _, err := m.SelectNetwork(config.NetworkDevnet); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := m.Connect(ctx, wallet.Disconnected{}); !errors.Is(err, ErrWalletRequired) {
		t.Fatalf("connect with disconnected wallet: %v", err)
	}
	if _, err := m.CreateAuthority(ctx, h.authorityInput()); !errors.Is(err, ErrWalletRequired) {
		t.Fatalf("create authority without identity: %v", err)
	}
	if _, err := m.Connect(ctx, h.owner); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Verify(ctx, VerifyInput{}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("verify before tree: %v", err)
	}

	m.Disconnect()
	_, err := m.CreateAuthority(ctx, h.authorityInput())
	if !errors.Is(err, ErrWalletRequired) {
		t.Fatalf("create authority after disconnect: %v", err)
	}
	if h.fake.Sends != 0 {
		t.Fatalf("sent %d transactions without a wallet", h.fake.Sends)
	}
}

func TestCreateTreeDetectsDelegateMismatch(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.connect(t, h.owner)
	if _, err := m.CreateAuthority(ctx, h.authorityInput()); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	if _, err := m.CreateCollection(ctx, CollectionInput{URI: "https://example.com/c.json"}); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	intruder := solana.NewWallet().PublicKey()
	h.fake.AfterLand = func(f *ledgertest.Fake, tx *solana.Transaction) {
		for _, key := range tx.Message.AccountKeys {
			address, _, _ := bubblegum.TreeConfigAddress(key)
			acct, ok := f.Account(address)
			if !ok {
				continue
			}
			tc, err := bubblegum.DecodeTreeConfig(acct.Data)
			if err != nil {
				continue
			}
			tc.TreeDelegate = intruder
			acct.Data, _ = tc.Encode()
			f.SetAccount(acct)
		}
	}

	s, err := m.CreateTree(ctx, TreeInput{})
	serr := stepError(t, err)
	if !errors.Is(err, ErrVerificationMismatch) || !serr.Fatal {
		t.Fatalf("expected fatal mismatch, got %v", err)
	}
	want := &verify.Violation{Relation: verify.RelationTreeDelegate, Expected: s.Authority, Actual: intruder}
	if diff := cmp.Diff(want, serr.Violation); diff != "" {
		t.Fatalf("violation (-want +got):\n%s", diff)
	}
	if serr.Signature == (solana.Signature{}) {
		t.Fatalf("mismatch should carry the landed signature")
	}
	if !s.Fatal || s.Step != StepCreateTree {
		t.Fatalf("session not halted at create_tree: step=%s fatal=%v", s.Step, s.Fatal)
	}
	if _, err := m.Verify(ctx, VerifyInput{}); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halted session, got %v", err)
	}
}

func TestValidateReportsViolation(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	m := h.provision(t)
	s := m.Session()

	other := solana.NewWallet().PublicKey()
	acct, _ := h.fake.Account(s.Collection)
	c, err := mplcore.DecodeCollection(acct.Data)
	if err != nil {
		t.Fatalf("decode collection: %v", err)
	}
	c.UpdateAuthority = other
	acct.Data, _ = c.Encode()
	h.fake.SetAccount(acct)

	landed := h.fake.Landed()
	s, err = m.Validate(context.Background())
	serr := stepError(t, err)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	want := &verify.Violation{Relation: verify.RelationCollectionAuthority, Expected: s.Authority, Actual: other}
	if diff := cmp.Diff(want, serr.Violation); diff != "" {
		t.Fatalf("violation (-want +got):\n%s", diff)
	}
	if s.Verified || !s.Fatal {
		t.Fatalf("verified=%v fatal=%v after violation", s.Verified, s.Fatal)
	}
	if h.fake.Landed() != landed {
		t.Fatalf("validate sent a transaction")
	}
	if !strings.Contains(serr.Message, other.String()) {
		t.Fatalf("message should name the actual authority: %s", serr.Message)
	}
}

func TestValidateSeparatesReadFailures(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	m := h.provision(t)
	collection := m.Session().Collection

	acct, _ := h.fake.Account(collection)
	acct.Data = []byte{0xff}
	h.fake.SetAccount(acct)
	s, err := m.Validate(ctx)
	serr := stepError(t, err)
	if !errors.Is(err, ErrLedgerRead) || !serr.Retryable || serr.Fatal {
		t.Fatalf("undecodable collection: %v", err)
	}
	if s.Fatal || !s.Verified {
		t.Fatalf("read failure halted the session: fatal=%v verified=%v", s.Fatal, s.Verified)
	}

	h.fake.DeleteAccount(collection)
	_, err = m.Validate(ctx)
	if !errors.Is(err, ErrMissingResource) {
		t.Fatalf("absent collection: %v", err)
	}
	if !strings.Contains(stepError(t, err).Message, collection.String()) {
		t.Fatalf("message should name the collection: %v", err)
	}
}

func TestBusyRejectsConcurrentSteps(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	gate := wallet.NewApproving(h.owner, func(ctx context.Context, _ string) (bool, error) {
		close(started)
		<-release
		return true, nil
	})
	m, _ := h.connect(t, gate)

	done := make(chan error, 1)
	go func() {
		_, err := m.CreateAuthority(context.Background(), h.authorityInput())
		done <- err
	}()
	<-started

	if _, err := m.CreateCollection(context.Background(), CollectionInput{URI: "https://example.com/c.json"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := m.Reset(); !errors.Is(err, ErrBusy) {
		t.Fatalf("reset during step: %v", err)
	}
	if !m.Session().Busy {
		t.Fatalf("session should be busy")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("create authority: %v", err)
	}
	if m.Session().Busy {
		t.Fatalf("busy flag left set")
	}
}

func TestDeclinedSignatureIsRetryable(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	decline := wallet.NewApproving(h.owner, func(context.Context, string) (bool, error) { return false, nil })
	m, _ := h.connect(t, decline)

	s, err := m.CreateAuthority(context.Background(), h.authorityInput())
	serr := stepError(t, err)
	if !errors.Is(err, txn.ErrSignRejected) || !serr.Retryable {
		t.Fatalf("expected retryable rejection, got %v", err)
	}
	if s.Step != StepCreateAuthority || h.fake.Sends != 0 {
		t.Fatalf("step=%s sends=%d", s.Step, h.fake.Sends)
	}
}

func TestWriteExport(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	m := h.provision(t)
	dir := t.TempDir()

	path, err := m.WriteExport(context.Background(), dir, "json")
	if err != nil {
		t.Fatalf("write export: %v", err)
	}
	if filepath.Base(path) != "depredict-market-creator-config-1772366400000.json" {
		t.Fatalf("unexpected file name %s", filepath.Base(path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var file map[string]any
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if file["createdAt"] != "2026-03-01T12:00:00.000Z" || file["warning"] != ExportWarning {
		t.Fatalf("stamp fields: %v %v", file["createdAt"], file["warning"])
	}
	if file["feeRateBps"] != float64(50) || file["network"] != "devnet" {
		t.Fatalf("unexpected content: %s", raw)
	}

	path, err = m.WriteExport(context.Background(), dir, "toml")
	if err != nil {
		t.Fatalf("write toml export: %v", err)
	}
	raw, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read toml export: %v", err)
	}
	var decoded ExportFile
	if err := toml.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	want, _ := m.Export()
	if diff := cmp.Diff(*want, decoded.ExportedConfig); diff != "" {
		t.Fatalf("toml round trip (-want +got):\n%s", diff)
	}

	if _, err := m.WriteExport(context.Background(), dir, "yaml"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for yaml, got %v", err)
	}
}

func TestExportBeforeComplete(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	m, _ := h.connect(t, h.owner)
	if _, err := m.Export(); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("expected ErrNotComplete, got %v", err)
	}
}
