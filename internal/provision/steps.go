package provision

import (
	"context"
	"strings"

	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/danmuck/marketctl/internal/txn"
	"github.com/danmuck/marketctl/internal/verify"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Transaction labels, used in metrics and the submission journal.
const (
	LabelCreateAuthority  = "create-authority"
	LabelCreateCollection = "create-collection"
	LabelCreateTree       = "create-tree"
	LabelVerify           = "verify-authority"
)

// AuthorityInput is what the operator types for the authority step.
type AuthorityInput struct {
	Name         string
	FeeRecipient string
	// FeePercent is a percentage such as "0.5" or "2.5%".
	FeePercent string
}

func (in AuthorityInput) args() (depredict.CreateMarketCreatorArgs, *StepError) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return depredict.CreateMarketCreatorArgs{}, invalidInput(StepCreateAuthority, "Name is required")
	}
	vault, err := solana.PublicKeyFromBase58(strings.TrimSpace(in.FeeRecipient))
	if err != nil {
		return depredict.CreateMarketCreatorArgs{}, invalidInput(StepCreateAuthority, "Invalid fee recipient address")
	}
	percent, err := depredict.ParsePercent(in.FeePercent)
	if err != nil {
		return depredict.CreateMarketCreatorArgs{}, invalidInput(StepCreateAuthority, "Invalid fee percentage")
	}
	bps, err := depredict.PercentToBps(percent)
	if err != nil {
		return depredict.CreateMarketCreatorArgs{}, invalidInput(StepCreateAuthority, "Fee must be between 0%% and 20%%")
	}
	return depredict.CreateMarketCreatorArgs{Name: name, FeeVault: vault, CreatorFeeBps: bps}, nil
}

type CollectionInput struct {
	// Name defaults to "<authority name> Collection".
	Name string
	URI  string
}

type TreeInput struct {
	// MaxLeaves selects a preset; zero means the configured default.
	MaxLeaves uint64
}

// resume reads the authority account and maps what exists to a step. Only
// resources the authority links, or this session created or adopted, move
// the step forward; anything else found is proposed.
func (m *Machine) resume(ctx context.Context, env stepEnv) (Event, *StepError) {
	s := env.session
	mc, err := readAuthority(ctx, env.client, s.Authority)
	switch {
	case isNotFound(err):
		return Resumed{Target: StepCreateAuthority}, nil
	case err != nil:
		return nil, readFailure(StepConnect, "authority account", err)
	}

	if mc.Verified {
		return Resumed{
			Target:        StepComplete,
			AuthorityName: mc.Name,
			Collection:    mc.CoreCollection,
			Tree:          mc.MerkleTree,
			Verified:      true,
			Config:        m.exportConfig(ctx, env, mc),
		}, nil
	}

	ev := Resumed{Target: StepCreateCollection, AuthorityName: mc.Name}
	ev.Collection = firstKey(mc.CoreCollection, m.keepCollection(ctx, env))
	ev.Tree = firstKey(mc.MerkleTree, m.keepTree(ctx, env))
	if ev.Tree != (solana.PublicKey{}) {
		ev.TreePreset = s.TreePreset
	}
	ev.Proposal = propose(ctx, env, ev.Collection == (solana.PublicKey{}), ev.Tree == (solana.PublicKey{}))
	if ev.Collection == (solana.PublicKey{}) {
		return ev, nil
	}
	ev.Target = StepCreateTree
	if ev.Tree != (solana.PublicKey{}) {
		ev.Target = StepVerify
	}
	return ev, nil
}

// keepCollection returns the session's collection while it still belongs to
// the authority.
func (m *Machine) keepCollection(ctx context.Context, env stepEnv) solana.PublicKey {
	s := env.session
	if !s.HasCollection() {
		return solana.PublicKey{}
	}
	c, err := readCollection(ctx, env.client, s.Collection)
	if err != nil || verify.Collection(s.Authority, c) != nil {
		log.Debug().Err(err).Str("collection", s.Collection.String()).Msg("provision.Machine session collection dropped")
		return solana.PublicKey{}
	}
	return s.Collection
}

// keepTree returns the session's tree while the identity created it and it
// is still delegated to the authority.
func (m *Machine) keepTree(ctx context.Context, env stepEnv) solana.PublicKey {
	s := env.session
	if !s.HasTree() {
		return solana.PublicKey{}
	}
	tc, err := readTreeConfig(ctx, env.client, s.Tree)
	if err != nil || ownedTree(s.Identity, s.Authority, tc) != nil {
		log.Debug().Err(err).Str("tree", s.Tree.String()).Msg("provision.Machine session tree dropped")
		return solana.PublicKey{}
	}
	return s.Tree
}

func firstKey(keys ...solana.PublicKey) solana.PublicKey {
	for _, k := range keys {
		if k != (solana.PublicKey{}) {
			return k
		}
	}
	return solana.PublicKey{}
}

// exportConfig builds the artifact from ledger reads. Collection and tree
// reads are best effort.
func (m *Machine) exportConfig(ctx context.Context, env stepEnv, mc *depredict.MarketCreator) *ExportedConfig {
	in := ConfigInputs{
		Identity:    env.session.Identity,
		Address:     env.session.Authority,
		Authority:   mc,
		Network:     env.session.Network,
		RPCEndpoint: env.endpoint,
	}
	if c, err := readCollection(ctx, env.client, mc.CoreCollection); err == nil {
		in.Collection = c
	} else {
		log.Debug().Err(err).Str("collection", mc.CoreCollection.String()).Msg("provision.Machine collection read skipped")
	}
	if tc, err := readTreeConfig(ctx, env.client, mc.MerkleTree); err == nil {
		in.TreeConfig = tc
	} else {
		log.Debug().Err(err).Str("tree", mc.MerkleTree.String()).Msg("provision.Machine tree config read skipped")
		preset := m.sessionPreset(env.session)
		in.FallbackPreset = &preset
	}
	return BuildConfig(in)
}

// sessionPreset is the preset the session created its tree with, else the
// configured default.
func (m *Machine) sessionPreset(s Session) bubblegum.Preset {
	for _, leaves := range []uint64{s.TreePreset, m.cfg.TreePreset} {
		if p, err := bubblegum.PresetFor(leaves); err == nil {
			return p
		}
	}
	return bubblegum.DefaultPreset()
}

// requireAuthority reads the authority account a later step builds on.
func requireAuthority(ctx context.Context, env stepEnv, step Step) (*depredict.MarketCreator, *StepError) {
	mc, err := readAuthority(ctx, env.client, env.session.Authority)
	switch {
	case isNotFound(err):
		return nil, missing(step, "authority account", env.session.Authority)
	case err != nil:
		return nil, readFailure(step, "authority account", err)
	}
	return mc, nil
}

// prepare runs the checks every transacting step starts with.
func (m *Machine) prepare(ctx context.Context, env stepEnv, step Step) *StepError {
	if serr := m.ensureReady(ctx, env, step); serr != nil {
		return serr
	}
	return m.requireWallet(step, env)
}

// CreateAuthority registers the authority account, or advances when it
// already exists.
func (m *Machine) CreateAuthority(ctx context.Context, in AuthorityInput) (Session, error) {
	const step = StepCreateAuthority
	var args depredict.CreateMarketCreatorArgs
	guard := func(s Session) *StepError {
		if serr := requireReached(StepConnect)(s); serr != nil {
			serr.Step = step
			return serr
		}
		var serr *StepError
		args, serr = in.args()
		return serr
	}
	return m.run(ctx, step, guard, func(ctx context.Context, env stepEnv) (Event, *StepError) {
		if serr := m.prepare(ctx, env, step); serr != nil {
			return nil, serr
		}
		mc, err := readAuthority(ctx, env.client, env.session.Authority)
		switch {
		case err == nil:
			log.Info().Str("authority", env.session.Authority.String()).
				Msg("provision.Machine.CreateAuthority account exists, skipping")
			return AuthorityReady{Name: mc.Name}, nil
		case !isNotFound(err):
			return nil, readFailure(step, "authority account", err)
		}

		identity := env.session.Identity
		ix, err := depredict.NewCreateMarketCreatorInstruction(identity, args)
		if err != nil {
			return nil, invalidInput(step, "%v", err)
		}
		res, err := env.submitter.SubmitAndConfirm(ctx, txn.Candidate{
			Label:        LabelCreateAuthority,
			Payer:        identity,
			Instructions: []solana.Instruction{ix},
		}, env.wallet)
		if err != nil {
			return nil, fromTxn(step, err)
		}
		mc, err = readAuthority(ctx, env.client, env.session.Authority)
		if err != nil {
			return nil, unverifiable(step, "authority account", res.Signature, err)
		}
		return AuthorityReady{Name: mc.Name, Signature: res.Signature}, nil
	})
}

// CreateCollection creates the collection with the authority as update
// authority. An existing linked or adopted collection is reused.
func (m *Machine) CreateCollection(ctx context.Context, in CollectionInput) (Session, error) {
	const step = StepCreateCollection
	uri := strings.TrimSpace(in.URI)
	guard := func(s Session) *StepError {
		if serr := requireReached(step)(s); serr != nil {
			return serr
		}
		if uri == "" {
			return invalidInput(step, "Collection URI is required")
		}
		return nil
	}
	return m.run(ctx, step, guard, func(ctx context.Context, env stepEnv) (Event, *StepError) {
		if serr := m.prepare(ctx, env, step); serr != nil {
			return nil, serr
		}
		authority := env.session.Authority
		mc, serr := requireAuthority(ctx, env, step)
		if serr != nil {
			return nil, serr
		}
		if mc.HasCollection() {
			return CollectionReady{Address: mc.CoreCollection}, nil
		}
		if env.session.HasCollection() {
			c, err := readCollection(ctx, env.client, env.session.Collection)
			switch {
			case err == nil && verify.Collection(authority, c) == nil:
				log.Info().Str("collection", env.session.Collection.String()).
					Msg("provision.Machine.CreateCollection reusing collection")
				return CollectionReady{Address: env.session.Collection}, nil
			case err != nil && !isNotFound(err):
				return nil, readFailure(step, "collection", err)
			}
		}

		name := strings.TrimSpace(in.Name)
		if name == "" {
			name = mc.Name + " Collection"
		}
		key, err := m.newKey()
		if err != nil {
			return nil, stepErr(step, ErrInvalidInput, "generate collection key: %v", err)
		}
		identity := env.session.Identity
		ix, err := mplcore.NewCreateCollectionV2Instruction(key.PublicKey(), authority, identity, name, uri)
		if err != nil {
			return nil, invalidInput(step, "%v", err)
		}
		res, err := env.submitter.SubmitAndConfirm(ctx, txn.Candidate{
			Label:        LabelCreateCollection,
			Payer:        identity,
			Instructions: []solana.Instruction{ix},
			Signers:      []solana.PrivateKey{key},
		}, env.wallet)
		if err != nil {
			return nil, fromTxn(step, err)
		}

		c, err := readCollection(ctx, env.client, key.PublicKey())
		if err != nil {
			return nil, unverifiable(step, "collection", res.Signature, err)
		}
		if v := verify.Collection(authority, c); v != nil {
			serr := mismatch(step, ErrVerificationMismatch, v)
			serr.Signature = res.Signature
			return nil, serr
		}
		return CollectionReady{Address: key.PublicKey(), Signature: res.Signature}, nil
	})
}

// CreateTree allocates a private tree and delegates it to the authority in
// one transaction. An existing linked or adopted tree is reused.
func (m *Machine) CreateTree(ctx context.Context, in TreeInput) (Session, error) {
	const step = StepCreateTree
	var preset bubblegum.Preset
	guard := func(s Session) *StepError {
		if serr := requireReached(step)(s); serr != nil {
			return serr
		}
		leaves := in.MaxLeaves
		if leaves == 0 {
			leaves = m.cfg.TreePreset
		}
		if leaves == 0 {
			leaves = bubblegum.DefaultPresetLeaves
		}
		p, err := bubblegum.PresetFor(leaves)
		if err != nil {
			return invalidInput(step, "Unsupported tree size: %d leaves", leaves)
		}
		preset = p
		return nil
	}
	return m.run(ctx, step, guard, func(ctx context.Context, env stepEnv) (Event, *StepError) {
		if serr := m.prepare(ctx, env, step); serr != nil {
			return nil, serr
		}
		authority := env.session.Authority
		mc, serr := requireAuthority(ctx, env, step)
		if serr != nil {
			return nil, serr
		}
		if mc.HasTree() {
			return TreeReady{Address: mc.MerkleTree}, nil
		}
		if env.session.HasTree() {
			tc, err := readTreeConfig(ctx, env.client, env.session.Tree)
			switch {
			case err == nil && verify.Tree(authority, tc) == nil:
				log.Info().Str("tree", env.session.Tree.String()).Msg("provision.Machine.CreateTree reusing tree")
				return TreeReady{Address: env.session.Tree, Preset: tc.TotalMintCapacity}, nil
			case err != nil && !isNotFound(err):
				return nil, readFailure(step, "tree config", err)
			}
		}

		rent, err := env.client.GetMinimumBalanceForRentExemption(ctx, preset.AccountSize())
		if err != nil {
			return nil, readFailure(step, "rent exemption", err)
		}
		key, err := m.newKey()
		if err != nil {
			return nil, stepErr(step, ErrInvalidInput, "generate tree key: %v", err)
		}
		identity := env.session.Identity
		tree := key.PublicKey()
		create, err := bubblegum.NewCreateTreeV2Instruction(identity, identity, tree, bubblegum.CreateTreeV2Args{
			MaxDepth:      preset.MaxDepth,
			MaxBufferSize: preset.MaxBufferSize,
			Public:        ptr(false),
		})
		if err != nil {
			return nil, invalidInput(step, "%v", err)
		}
		delegate, err := bubblegum.NewSetTreeDelegateInstruction(identity, authority, tree)
		if err != nil {
			return nil, invalidInput(step, "%v", err)
		}
		log.Info().Uint64("leaves", preset.MaxLeaves).Uint64("rent", rent).Str("tree", tree.String()).
			Msg("provision.Machine.CreateTree submitting")
		res, err := env.submitter.SubmitAndConfirm(ctx, txn.Candidate{
			Label:   LabelCreateTree,
			Payer:   identity,
			Signers: []solana.PrivateKey{key},
			Instructions: []solana.Instruction{
				bubblegum.NewAllocTreeInstruction(identity, tree, rent, preset),
				create,
				delegate,
			},
		}, env.wallet)
		if err != nil {
			return nil, fromTxn(step, err)
		}

		tc, err := readTreeConfig(ctx, env.client, tree)
		if err != nil {
			return nil, unverifiable(step, "tree config", res.Signature, err)
		}
		if v := verify.Tree(authority, tc); v != nil {
			serr := mismatch(step, ErrVerificationMismatch, v)
			serr.Signature = res.Signature
			return nil, serr
		}
		if serr := checkShape(ctx, env, tree, preset, res.Signature); serr != nil {
			return nil, serr
		}
		return TreeReady{Address: tree, Preset: preset.MaxLeaves, Signature: res.Signature}, nil
	})
}

// checkShape compares the tree header and size against the preset.
func checkShape(ctx context.Context, env stepEnv, tree solana.PublicKey, preset bubblegum.Preset, sig solana.Signature) *StepError {
	acct, err := env.client.GetAccountInfo(ctx, tree)
	if err != nil {
		return unverifiable(StepCreateTree, "merkle tree", sig, err)
	}
	shape, err := bubblegum.DecodeTreeShape(acct.Data)
	if err != nil {
		return unverifiable(StepCreateTree, "merkle tree", sig, err)
	}
	if shape.MaxDepth == preset.MaxDepth && shape.CanopyDepth == preset.CanopyDepth && shape.MaxBufferSize == preset.MaxBufferSize {
		return nil
	}
	serr := stepErr(StepCreateTree, ErrVerificationMismatch,
		"tree shape: expected depth %d canopy %d buffer %d, actual depth %d canopy %d buffer %d",
		preset.MaxDepth, preset.CanopyDepth, preset.MaxBufferSize,
		shape.MaxDepth, shape.CanopyDepth, shape.MaxBufferSize)
	serr.Signature = sig
	serr.Fatal = true
	return serr
}

// VerifyInput optionally names a collection and tree created outside this
// session. Empty fields use the session's own.
type VerifyInput struct {
	Collection string
	Tree       string
}

// targets resolves the addresses to link and the step the session must
// have reached for them.
func (in VerifyInput) targets(s Session) (collection, tree solana.PublicKey, serr *StepError) {
	const step = StepVerify
	collection, tree = s.Collection, s.Tree
	supplied := false
	if raw := strings.TrimSpace(in.Collection); raw != "" {
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return collection, tree, invalidInput(step, "Invalid collection address")
		}
		collection, supplied = key, true
	}
	if raw := strings.TrimSpace(in.Tree); raw != "" {
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return collection, tree, invalidInput(step, "Invalid merkle tree address")
		}
		tree, supplied = key, true
	}
	reached := step
	if supplied {
		reached = StepCreateCollection
	}
	if serr := requireReached(reached)(s); serr != nil {
		serr.Step = step
		return collection, tree, serr
	}
	if collection == (solana.PublicKey{}) {
		return collection, tree, stepErr(step, ErrMissingResource, "collection address unknown; run %s first", StepCreateCollection)
	}
	if tree == (solana.PublicKey{}) {
		return collection, tree, stepErr(step, ErrMissingResource, "tree address unknown; run %s first", StepCreateTree)
	}
	return collection, tree, nil
}

// Verify asks the program to link collection and tree to the authority.
// Addresses in in replace the session's, so resources created elsewhere can
// be linked once the authority exists.
func (m *Machine) Verify(ctx context.Context, in VerifyInput) (Session, error) {
	const step = StepVerify
	var collection, tree solana.PublicKey
	guard := func(s Session) *StepError {
		var serr *StepError
		collection, tree, serr = in.targets(s)
		return serr
	}
	return m.run(ctx, step, guard, func(ctx context.Context, env stepEnv) (Event, *StepError) {
		if serr := m.prepare(ctx, env, step); serr != nil {
			return nil, serr
		}
		s := env.session
		s.Collection, s.Tree = collection, tree
		treeConfig, _, err := bubblegum.TreeConfigAddress(s.Tree)
		if err != nil {
			return nil, invalidInput(step, "derive tree config: %v", err)
		}
		accounts, err := env.client.GetMultipleAccounts(ctx, s.Authority, s.Collection, s.Tree, treeConfig)
		if err != nil {
			return nil, readFailure(step, "verification accounts", err)
		}
		for i, what := range []string{"authority account", "collection", "merkle tree", "tree config"} {
			if accounts[i] == nil {
				return nil, missing(step, what, []solana.PublicKey{s.Authority, s.Collection, s.Tree, treeConfig}[i])
			}
		}
		mc, err := depredict.DecodeMarketCreator(accounts[0].Data)
		if err != nil {
			return nil, readFailure(step, "authority account", err)
		}
		if mc.Verified {
			log.Info().Str("authority", s.Authority.String()).Msg("provision.Machine.Verify already verified, skipping")
			return Verified{Collection: mc.CoreCollection, Tree: mc.MerkleTree}, nil
		}
		core, err := mplcore.DecodeCollection(accounts[1].Data)
		if err != nil {
			return nil, readFailure(step, "collection", err)
		}
		tc, err := bubblegum.DecodeTreeConfig(accounts[3].Data)
		if err != nil {
			return nil, readFailure(step, "tree config", err)
		}
		if v := verify.Collection(s.Authority, core); v != nil {
			return nil, rejected(step, v)
		}
		if v := verify.Tree(s.Authority, tc); v != nil {
			return nil, rejected(step, v)
		}

		ix, err := depredict.NewVerifyMarketCreatorInstruction(
			s.Identity, s.Collection, s.Tree, treeConfig, mplcore.ProgramID, bubblegum.ProgramID,
		)
		if err != nil {
			return nil, invalidInput(step, "%v", err)
		}
		res, err := env.submitter.SubmitAndConfirm(ctx, txn.Candidate{
			Label:        LabelVerify,
			Payer:        s.Identity,
			Instructions: []solana.Instruction{ix},
		}, env.wallet)
		if err != nil {
			return nil, fromTxn(step, err)
		}
		mc, err = readAuthority(ctx, env.client, s.Authority)
		if err != nil {
			return nil, unverifiable(step, "verification", res.Signature, err)
		}
		if !mc.Verified {
			serr := stepErr(step, ErrVerificationMismatch, "authority account still reports verified=false")
			serr.Signature = res.Signature
			serr.Retryable = true
			return nil, serr
		}
		return Verified{Collection: s.Collection, Tree: s.Tree, Signature: res.Signature}, nil
	})
}

// Validate re-reads everything and checks the three-way linkage. It sends
// nothing. A violation halts the session.
func (m *Machine) Validate(ctx context.Context) (Session, error) {
	const step = StepValidate
	return m.run(ctx, step, requireReached(step), func(ctx context.Context, env stepEnv) (Event, *StepError) {
		if serr := m.ensureReady(ctx, env, step); serr != nil {
			return nil, serr
		}
		s := env.session
		mc, serr := requireAuthority(ctx, env, step)
		if serr != nil {
			return nil, serr
		}
		treeConfig, _, err := bubblegum.TreeConfigAddress(s.Tree)
		if err != nil {
			return nil, invalidInput(step, "derive tree config: %v", err)
		}
		accounts, err := env.client.GetMultipleAccounts(ctx, s.Collection, treeConfig)
		if err != nil {
			return nil, readFailure(step, "linked resources", err)
		}
		res := verify.Resources{
			Authority:         s.Authority,
			CollectionRef:     mc.CoreCollection,
			TreeRef:           mc.MerkleTree,
			CollectionAddress: s.Collection,
			TreeAddress:       s.Tree,
		}
		if accounts[0] == nil {
			return nil, missing(step, "collection", s.Collection)
		}
		if accounts[1] == nil {
			return nil, missing(step, "tree config", treeConfig)
		}
		if res.Collection, err = mplcore.DecodeCollection(accounts[0].Data); err != nil {
			return nil, readFailure(step, "collection", err)
		}
		if res.TreeConfig, err = bubblegum.DecodeTreeConfig(accounts[1].Data); err != nil {
			return nil, readFailure(step, "tree config", err)
		}
		if v := verify.Linkage(res); v != nil {
			return ValidationFailed{Err: mismatch(step, ErrInvariantViolation, v)}, nil
		}
		if !mc.Verified {
			serr := stepErr(step, ErrInvariantViolation, "authority account is not verified")
			serr.Fatal = true
			return ValidationFailed{Err: serr}, nil
		}

		in := ConfigInputs{
			Identity:    s.Identity,
			Address:     s.Authority,
			Authority:   mc,
			Collection:  res.Collection,
			TreeConfig:  res.TreeConfig,
			Network:     s.Network,
			RPCEndpoint: env.endpoint,
		}
		cfg := BuildConfig(in)
		log.Info().Str("authority", s.Authority.String()).Str("name", mc.Name).Str("network", s.Network.Label()).
			Msg("provision.Machine.Validate linkage holds")
		return Validated{Config: cfg}, nil
	})
}
