package verify

import (
	"errors"
	"testing"

	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/gagliardetto/solana-go"
	"github.com/google/go-cmp/cmp"
)

func TestLinkage(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	collection := solana.NewWallet().PublicKey()
	tree := solana.NewWallet().PublicKey()

	base := func() Resources {
		return Resources{
			Authority:         authority,
			CollectionRef:     collection,
			TreeRef:           tree,
			CollectionAddress: collection,
			TreeAddress:       tree,
			Collection:        &mplcore.Collection{UpdateAuthority: authority},
			TreeConfig:        &bubblegum.TreeConfig{TreeDelegate: authority},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Resources)
		want   *Violation
	}{
		{name: "satisfied", mutate: func(*Resources) {}},
		{
			name:   "collection authority mismatch",
			mutate: func(r *Resources) { r.Collection.UpdateAuthority = other },
			want:   &Violation{Relation: RelationCollectionAuthority, Expected: authority, Actual: other},
		},
		{
			name:   "tree delegate mismatch",
			mutate: func(r *Resources) { r.TreeConfig.TreeDelegate = other },
			want:   &Violation{Relation: RelationTreeDelegate, Expected: authority, Actual: other},
		},
		{
			name:   "fetched collection is not the referenced one",
			mutate: func(r *Resources) { r.CollectionAddress = other },
			want:   &Violation{Relation: RelationCollectionRef, Expected: collection, Actual: other},
		},
		{
			name:   "missing tree config",
			mutate: func(r *Resources) { r.TreeConfig = nil },
			want:   &Violation{Relation: RelationTreeDelegate, Expected: authority},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := base()
			tc.mutate(&r)
			got := Linkage(r)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("violation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestViolationIsError(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	var err error = Collection(authority, &mplcore.Collection{UpdateAuthority: other})
	var v *Violation
	if !errors.As(err, &v) || !v.Expected.Equals(authority) || !v.Actual.Equals(other) {
		t.Fatalf("expected structured violation, got %v", err)
	}
	if Tree(authority, &bubblegum.TreeConfig{TreeDelegate: authority}) != nil {
		t.Fatalf("matching delegate reported as violation")
	}
}

func TestTreeCreator(t *testing.T) {
	identity := solana.NewWallet().PublicKey()
	stranger := solana.NewWallet().PublicKey()
	if v := TreeCreator(identity, &bubblegum.TreeConfig{TreeCreator: identity}); v != nil {
		t.Fatalf("own tree rejected: %v", v)
	}
	want := &Violation{Relation: RelationTreeCreator, Expected: identity, Actual: stranger}
	if diff := cmp.Diff(want, TreeCreator(identity, &bubblegum.TreeConfig{TreeCreator: stranger})); diff != "" {
		t.Fatalf("violation (-want +got):\n%s", diff)
	}
	if v := TreeCreator(identity, nil); v == nil || v.Relation != RelationTreeCreator {
		t.Fatalf("missing tree config should violate: %v", v)
	}
}
