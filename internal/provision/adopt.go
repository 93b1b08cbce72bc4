package provision

import (
	"bytes"
	"context"
	"slices"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/danmuck/marketctl/internal/verify"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Offsets of the fields the orphan scans filter on.
const (
	collectionAuthorityOffset = 1
	treeConfigCreatorOffset   = 8
	treeConfigDelegateOffset  = 40
	treeHeaderAuthorityOffset = 10
)

func readAuthority(ctx context.Context, client ledger.Client, address solana.PublicKey) (*depredict.MarketCreator, error) {
	acct, err := client.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, err
	}
	return depredict.DecodeMarketCreator(acct.Data)
}

func readCollection(ctx context.Context, client ledger.Client, address solana.PublicKey) (*mplcore.Collection, error) {
	acct, err := client.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, err
	}
	return mplcore.DecodeCollection(acct.Data)
}

func readTreeConfig(ctx context.Context, client ledger.Client, tree solana.PublicKey) (*bubblegum.TreeConfig, error) {
	address, _, err := bubblegum.TreeConfigAddress(tree)
	if err != nil {
		return nil, err
	}
	acct, err := client.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, err
	}
	return bubblegum.DecodeTreeConfig(acct.Data)
}

// ownedTree requires the tree to be created by identity and delegated to
// authority.
func ownedTree(identity, authority solana.PublicKey, tc *bubblegum.TreeConfig) *verify.Violation {
	if v := verify.TreeCreator(identity, tc); v != nil {
		return v
	}
	return verify.Tree(authority, tc)
}

type collectionCandidate struct {
	address    solana.PublicKey
	collection *mplcore.Collection
}

// findCollection looks for a collection whose update authority is
// authority. Nothing ties its creation to the identity, so the result is
// only ever proposed. The lowest address wins so every session proposes the
// same one.
func findCollection(ctx context.Context, client ledger.Client, authority solana.PublicKey) (*collectionCandidate, error) {
	accounts, err := client.GetProgramAccounts(ctx, mplcore.ProgramID,
		ledger.Memcmp{Offset: 0, Bytes: []byte{mplcore.KeyCollectionV1}},
		ledger.Memcmp{Offset: collectionAuthorityOffset, Bytes: authority.Bytes()},
	)
	if err != nil {
		return nil, err
	}
	var best *collectionCandidate
	for _, keyed := range accounts {
		c, err := mplcore.DecodeCollection(keyed.Account.Data)
		if err != nil || verify.Collection(authority, c) != nil {
			continue
		}
		if best == nil || bytes.Compare(keyed.Address[:], best.address[:]) < 0 {
			best = &collectionCandidate{address: keyed.Address, collection: c}
		}
	}
	return best, nil
}

// findTree looks for a tree the identity created and delegated to
// authority. Tree configs are found by creator and delegate, then each
// config's tree by the header authority, which is the config itself.
func findTree(ctx context.Context, client ledger.Client, identity, authority solana.PublicKey) (solana.PublicKey, error) {
	configs, err := client.GetProgramAccounts(ctx, bubblegum.ProgramID,
		ledger.Memcmp{Offset: 0, Bytes: bubblegum.TreeConfigDiscriminator[:]},
		ledger.Memcmp{Offset: treeConfigCreatorOffset, Bytes: identity.Bytes()},
		ledger.Memcmp{Offset: treeConfigDelegateOffset, Bytes: authority.Bytes()},
	)
	if err != nil {
		return solana.PublicKey{}, err
	}
	var found []solana.PublicKey
	for _, cfg := range configs {
		tc, err := bubblegum.DecodeTreeConfig(cfg.Account.Data)
		if err != nil || ownedTree(identity, authority, tc) != nil {
			continue
		}
		trees, err := client.GetProgramAccounts(ctx, bubblegum.CompressionProgramID,
			ledger.Memcmp{Offset: 0, Bytes: []byte{bubblegum.AccountTypeMerkleTree}},
			ledger.Memcmp{Offset: treeHeaderAuthorityOffset, Bytes: cfg.Address.Bytes()},
		)
		if err != nil {
			return solana.PublicKey{}, err
		}
		for _, tree := range trees {
			derived, _, err := bubblegum.TreeConfigAddress(tree.Address)
			if err == nil && derived.Equals(cfg.Address) {
				found = append(found, tree.Address)
			}
		}
	}
	return lowest(found), nil
}

func lowest(keys []solana.PublicKey) solana.PublicKey {
	if len(keys) == 0 {
		return solana.PublicKey{}
	}
	slices.SortFunc(keys, func(a, b solana.PublicKey) int {
		return bytes.Compare(a[:], b[:])
	})
	return keys[0]
}

// propose scans for unlinked resources. Scan failures only shrink the
// proposal; discovery never blocks resume.
func propose(ctx context.Context, env stepEnv, collection, tree bool) *Proposal {
	s := env.session
	p := &Proposal{}
	if collection {
		found, err := findCollection(ctx, env.client, s.Authority)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("authority", s.Authority.String()).Msg("provision.propose collection scan failed")
		case found != nil:
			p.Collection = found.address
			p.CollectionName = found.collection.Name
			p.CollectionURI = found.collection.URI
		}
	}
	if tree {
		found, err := findTree(ctx, env.client, s.Identity, s.Authority)
		if err != nil {
			log.Warn().Err(err).Str("authority", s.Authority.String()).Msg("provision.propose tree scan failed")
		}
		p.Tree = found
		if found != (solana.PublicKey{}) {
			if tc, err := readTreeConfig(ctx, env.client, found); err == nil {
				p.TreeLeaves = tc.TotalMintCapacity
			}
		}
	}
	if p.empty() {
		return nil
	}
	log.Info().Str("authority", s.Authority.String()).Str("collection", p.Collection.String()).
		Str("tree", p.Tree.String()).Msg("provision.propose found unlinked resources")
	return p
}

// Adopt links the proposed resources into the session after re-checking
// them. The operator calls it to accept a proposal; declining is simply
// running the create step instead.
func (m *Machine) Adopt(ctx context.Context) (Session, error) {
	const step = StepConnect
	guard := func(s Session) *StepError {
		if serr := requireReached(StepCreateCollection)(s); serr != nil {
			serr.Step = step
			return serr
		}
		if s.Proposal.empty() {
			return invalidInput(step, "nothing to adopt")
		}
		return nil
	}
	return m.run(ctx, step, guard, func(ctx context.Context, env stepEnv) (Event, *StepError) {
		if serr := m.prepare(ctx, env, step); serr != nil {
			return nil, serr
		}
		s := env.session
		p := s.Proposal
		var ev Adopted
		if p.Collection != (solana.PublicKey{}) && !s.HasCollection() {
			c, err := readCollection(ctx, env.client, p.Collection)
			switch {
			case isNotFound(err):
				return nil, missing(step, "collection", p.Collection)
			case err != nil:
				return nil, readFailure(step, "collection", err)
			}
			if v := verify.Collection(s.Authority, c); v != nil {
				return nil, rejected(step, v)
			}
			ev.Collection = p.Collection
		}
		if p.Tree != (solana.PublicKey{}) && !s.HasTree() {
			tc, err := readTreeConfig(ctx, env.client, p.Tree)
			switch {
			case isNotFound(err):
				return nil, missing(step, "tree config", p.Tree)
			case err != nil:
				return nil, readFailure(step, "tree config", err)
			}
			if v := ownedTree(s.Identity, s.Authority, tc); v != nil {
				return nil, rejected(step, v)
			}
			ev.Tree = p.Tree
			ev.Preset = tc.TotalMintCapacity
		}
		log.Info().Str("authority", s.Authority.String()).Str("collection", ev.Collection.String()).
			Str("tree", ev.Tree.String()).Msg("provision.Machine.Adopt adopted resources")
		return ev, nil
	})
}
