// Package verify checks the linkage between an authority account and the
// collection and tree it points at. Every function is pure.
package verify

import (
	"fmt"

	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/gagliardetto/solana-go"
)

// Relations checked between the authority and its resources.
const (
	RelationCollectionAuthority = "collection.update_authority"
	RelationTreeDelegate        = "tree.delegate"
	RelationTreeCreator         = "tree.creator"
	RelationCollectionRef       = "authority.core_collection"
	RelationTreeRef             = "authority.merkle_tree"
)

// Violation is a broken linkage. It is an error so callers can return it
// directly.
type Violation struct {
	Relation string
	Expected solana.PublicKey
	Actual   solana.PublicKey
}

func (v *Violation) Error() string {
	return fmt.Sprintf("verify: %s mismatch: expected %s, actual %s", v.Relation, v.Expected, v.Actual)
}

// Collection requires the collection's update authority to be authority.
func Collection(authority solana.PublicKey, collection *mplcore.Collection) *Violation {
	if collection == nil {
		return &Violation{Relation: RelationCollectionAuthority, Expected: authority}
	}
	if !collection.UpdateAuthority.Equals(authority) {
		return &Violation{Relation: RelationCollectionAuthority, Expected: authority, Actual: collection.UpdateAuthority}
	}
	return nil
}

// Tree requires the tree delegate to be authority.
func Tree(authority solana.PublicKey, tree *bubblegum.TreeConfig) *Violation {
	if tree == nil {
		return &Violation{Relation: RelationTreeDelegate, Expected: authority}
	}
	if !tree.TreeDelegate.Equals(authority) {
		return &Violation{Relation: RelationTreeDelegate, Expected: authority, Actual: tree.TreeDelegate}
	}
	return nil
}

// TreeCreator requires the tree to have been created by identity. A
// creator can re-delegate its tree at any time.
func TreeCreator(identity solana.PublicKey, tree *bubblegum.TreeConfig) *Violation {
	if tree == nil {
		return &Violation{Relation: RelationTreeCreator, Expected: identity}
	}
	if !tree.TreeCreator.Equals(identity) {
		return &Violation{Relation: RelationTreeCreator, Expected: identity, Actual: tree.TreeCreator}
	}
	return nil
}

// Resources names what the authority account references and what was
// fetched for those references.
type Resources struct {
	Authority         solana.PublicKey
	CollectionRef     solana.PublicKey
	TreeRef           solana.PublicKey
	CollectionAddress solana.PublicKey
	TreeAddress       solana.PublicKey
	Collection        *mplcore.Collection
	TreeConfig        *bubblegum.TreeConfig
}

// Linkage checks both resources and that the fetched addresses are the ones
// the authority references. The first violation found is returned.
func Linkage(r Resources) *Violation {
	if !r.CollectionRef.Equals(r.CollectionAddress) {
		return &Violation{Relation: RelationCollectionRef, Expected: r.CollectionRef, Actual: r.CollectionAddress}
	}
	if !r.TreeRef.Equals(r.TreeAddress) {
		return &Violation{Relation: RelationTreeRef, Expected: r.TreeRef, Actual: r.TreeAddress}
	}
	if v := Collection(r.Authority, r.Collection); v != nil {
		return v
	}
	return Tree(r.Authority, r.TreeConfig)
}
