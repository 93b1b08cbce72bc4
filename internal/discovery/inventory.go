package discovery

import (
	"context"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// Collection is one collection known to belong to the authority. Active
// marks the one the authority account references.
type Collection struct {
	Address solana.PublicKey `json:"address"`
	Name    string           `json:"name,omitempty"`
	Active  bool             `json:"active"`
}

type Tree struct {
	Address    solana.PublicKey  `json:"address"`
	Active     bool              `json:"active"`
	NumMinted  *uint64           `json:"numMinted,omitempty"`
	Capacity   *uint64           `json:"capacity,omitempty"`
	Collection *solana.PublicKey `json:"collection,omitempty"`
}

type Inventory struct {
	Collections []Collection `json:"collections"`
	Trees       []Tree       `json:"trees"`
}

// Finder assembles an Inventory. DAS may be nil.
type Finder struct {
	DAS    *DAS
	Ledger ledger.Client
}

func NewFinder(das *DAS, client ledger.Client) *Finder {
	return &Finder{DAS: das, Ledger: client}
}

// Inventory never fails. The referenced collection and tree are always
// listed, even when nothing else can be read.
func (f *Finder) Inventory(ctx context.Context, authority, collection, tree solana.PublicKey) Inventory {
	var inv Inventory
	if collection != (solana.PublicKey{}) {
		inv.Collections = f.collections(ctx, authority, collection)
	}
	if tree != (solana.PublicKey{}) {
		t := Tree{Address: tree, Active: true}
		if collection != (solana.PublicKey{}) {
			t.Collection = &collection
		}
		f.fillTree(ctx, &t)
		inv.Trees = append(inv.Trees, t)
	}
	return inv
}

func (f *Finder) collections(ctx context.Context, authority, active solana.PublicKey) []Collection {
	var out []Collection
	seen := make(map[solana.PublicKey]int)
	add := func(c Collection) {
		if i, ok := seen[c.Address]; ok {
			if c.Name != "" {
				out[i].Name = c.Name
			}
			out[i].Active = out[i].Active || c.Active
			return
		}
		seen[c.Address] = len(out)
		out = append(out, c)
	}

	if f.DAS != nil {
		assets, err := f.DAS.SearchByOwner(ctx, authority)
		if err != nil {
			log.Warn().Err(err).Str("authority", authority.String()).Msg("discovery.Finder search failed")
		}
		for _, asset := range assets {
			key, ok := asset.CollectionKey()
			if !ok {
				continue
			}
			add(Collection{Address: key, Name: asset.Content.Metadata.Name, Active: key.Equals(active)})
		}
		if asset, err := f.DAS.GetAsset(ctx, active); err != nil {
			log.Debug().Err(err).Str("collection", active.String()).Msg("discovery.Finder getAsset failed")
		} else if asset != nil {
			add(Collection{Address: active, Name: asset.Content.Metadata.Name, Active: true})
		}
	}

	if _, ok := seen[active]; !ok || out[seen[active]].Name == "" {
		add(Collection{Address: active, Name: f.ledgerCollectionName(ctx, active), Active: true})
	}
	return out
}

func (f *Finder) ledgerCollectionName(ctx context.Context, address solana.PublicKey) string {
	if f.Ledger == nil {
		return ""
	}
	acct, err := f.Ledger.GetAccountInfo(ctx, address)
	if err != nil {
		return ""
	}
	c, err := mplcore.DecodeCollection(acct.Data)
	if err != nil {
		return ""
	}
	return c.Name
}

func (f *Finder) fillTree(ctx context.Context, t *Tree) {
	if f.Ledger == nil {
		return
	}
	address, _, err := bubblegum.TreeConfigAddress(t.Address)
	if err != nil {
		return
	}
	acct, err := f.Ledger.GetAccountInfo(ctx, address)
	if err != nil {
		log.Debug().Err(err).Str("tree", t.Address.String()).Msg("discovery.Finder tree config unavailable")
		return
	}
	cfg, err := bubblegum.DecodeTreeConfig(acct.Data)
	if err != nil {
		return
	}
	t.NumMinted = &cfg.NumMinted
	t.Capacity = &cfg.TotalMintCapacity
}
