package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/ledger/ledgertest"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/danmuck/marketctl/internal/testutil/testlog"
	"github.com/gagliardetto/solana-go"
	"github.com/google/go-cmp/cmp"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// dasServer answers each method with the canned result or error.
func dasServer(t *testing.T, results map[string]any, errs map[string]string) (*httptest.Server, *[]rpcRequest) {
	t.Helper()
	var seen []rpcRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		seen = append(seen, req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if msg, ok := errs[req.Method]; ok {
			resp["error"] = map[string]any{"code": -32000, "message": msg}
		} else {
			resp["result"] = results[req.Method]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func asset(id, name, collection string) map[string]any {
	return map[string]any{
		"id":       id,
		"content":  map[string]any{"metadata": map[string]any{"name": name}},
		"grouping": []any{map[string]any{"group_key": "collection", "group_value": collection}},
	}
}

func TestSearchByOwnerSendsNamedParams(t *testing.T) {
	testlog.Start(t)
	owner := solana.NewWallet().PublicKey()
	collection := solana.NewWallet().PublicKey()
	srv, seen := dasServer(t, map[string]any{
		"searchAssets": map[string]any{"total": 1, "items": []any{asset("a1", "Acme #1", collection.String())}},
	}, nil)

	assets, err := NewDAS(srv.URL).SearchByOwner(context.Background(), owner)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("assets=%d want 1", len(assets))
	}
	key, ok := assets[0].CollectionKey()
	if !ok || !key.Equals(collection) {
		t.Fatalf("collection key %s %v", key, ok)
	}

	var params searchParams
	if err := json.Unmarshal((*seen)[0].Params, &params); err != nil {
		t.Fatalf("params should be a named object: %v (%s)", err, (*seen)[0].Params)
	}
	want := searchParams{Owner: owner.String(), Grouping: []string{"collection"}, Limit: SearchLimit}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Fatalf("params (-want +got):\n%s", diff)
	}
}

func TestSearchByOwnerNoAssetsIsEmpty(t *testing.T) {
	testlog.Start(t)
	srv, _ := dasServer(t, nil, map[string]string{"searchAssets": "No assets found"})
	assets, err := NewDAS(srv.URL).SearchByOwner(context.Background(), solana.NewWallet().PublicKey())
	if err != nil || len(assets) != 0 {
		t.Fatalf("assets=%v err=%v", assets, err)
	}
}

func seedLedger(t *testing.T, authority, collection, tree solana.PublicKey) *ledgertest.Fake {
	t.Helper()
	fake := ledgertest.New()
	c := mplcore.Collection{UpdateAuthority: authority, Name: "Ledger Name", URI: "https://example.com/c.json"}
	data, err := c.Encode()
	if err != nil {
		t.Fatalf("encode collection: %v", err)
	}
	fake.SetAccount(&ledger.Account{Address: collection, Owner: mplcore.ProgramID, Lamports: 1, Data: data})

	cfgAddr, _, _ := bubblegum.TreeConfigAddress(tree)
	tc := bubblegum.TreeConfig{TreeCreator: authority, TreeDelegate: authority, TotalMintCapacity: 16384, NumMinted: 12}
	data, err = tc.Encode()
	if err != nil {
		t.Fatalf("encode tree config: %v", err)
	}
	fake.SetAccount(&ledger.Account{Address: cfgAddr, Owner: bubblegum.ProgramID, Lamports: 1, Data: data})
	return fake
}

func TestInventoryMergesDASAndLedger(t *testing.T) {
	testlog.Start(t)
	authority := solana.NewWallet().PublicKey()
	active := solana.NewWallet().PublicKey()
	stale := solana.NewWallet().PublicKey()
	tree := solana.NewWallet().PublicKey()
	srv, _ := dasServer(t, map[string]any{
		"searchAssets": map[string]any{"total": 3, "items": []any{
			asset("a1", "Old", stale.String()),
			asset("a2", "", active.String()),
			asset("a3", "Old again", stale.String()),
		}},
		"getAsset": asset(active.String(), "Acme Collection", ""),
	}, nil)

	finder := NewFinder(NewDAS(srv.URL), seedLedger(t, authority, active, tree))
	inv := finder.Inventory(context.Background(), authority, active, tree)

	wantCollections := []Collection{
		{Address: stale, Name: "Old again"},
		{Address: active, Name: "Acme Collection", Active: true},
	}
	if diff := cmp.Diff(wantCollections, inv.Collections); diff != "" {
		t.Fatalf("collections (-want +got):\n%s", diff)
	}
	if len(inv.Trees) != 1 || *inv.Trees[0].NumMinted != 12 || *inv.Trees[0].Capacity != 16384 {
		t.Fatalf("trees: %+v", inv.Trees)
	}
	if !inv.Trees[0].Collection.Equals(active) {
		t.Fatalf("tree should point at the active collection")
	}
}

func TestInventoryWithoutDASFallsBackToLedger(t *testing.T) {
	testlog.Start(t)
	authority := solana.NewWallet().PublicKey()
	active := solana.NewWallet().PublicKey()
	tree := solana.NewWallet().PublicKey()

	inv := NewFinder(nil, seedLedger(t, authority, active, tree)).Inventory(context.Background(), authority, active, tree)
	want := []Collection{{Address: active, Name: "Ledger Name", Active: true}}
	if diff := cmp.Diff(want, inv.Collections); diff != "" {
		t.Fatalf("collections (-want +got):\n%s", diff)
	}
}

func TestInventoryToleratesBrokenEndpoint(t *testing.T) {
	testlog.Start(t)
	srv, _ := dasServer(t, nil, map[string]string{"searchAssets": "internal error", "getAsset": "internal error"})
	active := solana.NewWallet().PublicKey()
	inv := NewFinder(NewDAS(srv.URL), ledgertest.New()).Inventory(context.Background(), solana.NewWallet().PublicKey(), active, solana.PublicKey{})
	if len(inv.Collections) != 1 || !inv.Collections[0].Address.Equals(active) || !inv.Collections[0].Active {
		t.Fatalf("collections: %+v", inv.Collections)
	}
	if len(inv.Trees) != 0 {
		t.Fatalf("no tree referenced, got %+v", inv.Trees)
	}
}
