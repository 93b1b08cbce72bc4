// Package discovery enriches the manager view with collections and trees
// found through a DAS (digital asset standard) endpoint. Everything here is
// best effort: a missing or failing endpoint degrades to the resources the
// authority account references directly.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var ErrNoEndpoint = errors.New("discovery: no DAS endpoint configured")

// SearchLimit caps a single searchAssets page.
const SearchLimit = 100

// Asset is the subset of a DAS asset used here.
type Asset struct {
	ID       string     `json:"id"`
	Content  Content    `json:"content"`
	Grouping []Grouping `json:"grouping"`
}

type Content struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
}

type Grouping struct {
	Key   string `json:"group_key"`
	Value string `json:"group_value"`
}

// CollectionKey returns the collection the asset is grouped under.
func (a Asset) CollectionKey() (solana.PublicKey, bool) {
	for _, g := range a.Grouping {
		if g.Key != "collection" || g.Value == "" {
			continue
		}
		key, err := solana.PublicKeyFromBase58(g.Value)
		if err != nil {
			return solana.PublicKey{}, false
		}
		return key, true
	}
	return solana.PublicKey{}, false
}

type searchResult struct {
	Total int     `json:"total"`
	Items []Asset `json:"items"`
}

type searchParams struct {
	Owner    string   `json:"owner"`
	Grouping []string `json:"grouping"`
	Limit    int      `json:"limit"`
}

type getAssetParams struct {
	ID string `json:"id"`
}

// DAS is a client for the read-only DAS methods.
type DAS struct {
	endpoint string
	rpc      jsonrpc.RPCClient
}

func NewDAS(endpoint string) *DAS {
	return &DAS{endpoint: endpoint, rpc: jsonrpc.NewClient(endpoint)}
}

func (d *DAS) Endpoint() string {
	return d.endpoint
}

// SearchByOwner returns assets owned by owner, grouped by collection. An
// endpoint answering "no assets found" yields an empty result.
func (d *DAS) SearchByOwner(ctx context.Context, owner solana.PublicKey) ([]Asset, error) {
	if d == nil {
		return nil, ErrNoEndpoint
	}
	var out searchResult
	err := d.rpc.CallFor(ctx, &out, "searchAssets", searchParams{
		Owner:    owner.String(),
		Grouping: []string{"collection"},
		Limit:    SearchLimit,
	})
	if err != nil {
		if isNoAssets(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("discovery: searchAssets: %w", err)
	}
	return out.Items, nil
}

// GetAsset fetches one asset by address.
func (d *DAS) GetAsset(ctx context.Context, id solana.PublicKey) (*Asset, error) {
	if d == nil {
		return nil, ErrNoEndpoint
	}
	var out *Asset
	if err := d.rpc.CallFor(ctx, &out, "getAsset", getAssetParams{ID: id.String()}); err != nil {
		return nil, fmt.Errorf("discovery: getAsset: %w", err)
	}
	return out, nil
}

func isNoAssets(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(strings.ToLower(rpcErr.Message), "no assets found")
	}
	return strings.Contains(strings.ToLower(err.Error()), "no assets found")
}
