// Package merkle maintains the append-only hash tree that commits to every
// record digest in global append order.
//
// Leaves are digest.Leaf(record digest) and interior nodes digest.Node(l, r).
// A node without a sibling at its level is carried up unchanged, which gives
// the RFC 6962 tree shape: the tree over n leaves splits at the largest power
// of two below n. The root of the empty tree is digest.Zero.
//
// Nodes live in a flat arena: levels[h][i] is the root of the perfect
// subtree covering leaves [i<<h, (i+1)<<h). The parent of (h, i) is
// (h+1, i/2) and its sibling is (h, i^1). Appending a leaf adds it to level 0
// and then one parent per completed pair, so an insert touches at most
// log2(n) nodes.
package merkle

import (
	"errors"

	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/model"
)

// ErrInvalidIndex is returned by Proof for a leaf index outside the tree.
var ErrInvalidIndex = errors.New("invalid leaf index")

// Tree is an incremental Merkle tree. It is not safe for concurrent use;
// callers serialise writers and guard readers themselves.
type Tree struct {
	levels [][]digest.Hash
	size   int
	root   digest.Hash
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

// RootOf builds a tree from scratch over the given record digests and
// returns its root.
func RootOf(digests []digest.Hash) digest.Hash {
	t := NewTree()
	for _, d := range digests {
		t.Insert(d)
	}
	return t.Root()
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return t.size
}

// Root returns the current root, or digest.Zero for an empty tree.
func (t *Tree) Root() digest.Hash {
	return t.root
}

// Next returns the authentication path and root the tree would have after
// inserting d, without modifying the tree.
func (t *Tree) Next(d digest.Hash) (model.MerklePath, digest.Hash) {
	// Every ancestor of the new last leaf has its sibling on the left: the
	// frontier subtrees of the current tree, smallest first.
	path := model.MerklePath{}
	node := digest.Leaf(d)
	for h := 0; h < len(t.levels); h++ {
		if t.size&(1<<h) == 0 {
			continue
		}
		sibling := t.levels[h][(t.size>>h)-1]
		path = append(path, model.PathStep{Hash: sibling, Side: model.SideLeft})
		node = digest.Node(sibling, node)
	}
	return path, node
}

// Insert appends d as a new leaf and returns its authentication path against
// the resulting root.
func (t *Tree) Insert(d digest.Hash) model.MerklePath {
	path, root := t.Next(d)

	node := digest.Leaf(d)
	for h := 0; ; h++ {
		if h == len(t.levels) {
			t.levels = append(t.levels, nil)
		}
		t.levels[h] = append(t.levels[h], node)
		n := len(t.levels[h])
		if n%2 == 1 {
			break
		}
		node = digest.Node(t.levels[h][n-2], t.levels[h][n-1])
	}
	t.size++
	t.root = root
	return path
}

// Proof derives the authentication path for the leaf at index against the
// current root.
func (t *Tree) Proof(index int) (model.MerklePath, error) {
	if index < 0 || index >= t.size {
		return nil, ErrInvalidIndex
	}
	path := model.MerklePath{}
	t.proof(index, 0, t.size, &path)
	return path, nil
}

// proof appends the siblings of index within the subtree over [lo, hi),
// deepest first.
func (t *Tree) proof(index, lo, hi int, path *model.MerklePath) {
	if hi-lo == 1 {
		return
	}
	k := largestPowerOfTwoBelow(hi - lo)
	if index < lo+k {
		t.proof(index, lo, lo+k, path)
		*path = append(*path, model.PathStep{Hash: t.rangeHash(lo+k, hi), Side: model.SideRight})
		return
	}
	t.proof(index, lo+k, hi, path)
	*path = append(*path, model.PathStep{Hash: t.rangeHash(lo, lo+k), Side: model.SideLeft})
}

// rangeHash returns the root of the subtree over leaves [lo, hi). lo is
// always aligned to the largest power of two not exceeding hi-lo.
func (t *Tree) rangeHash(lo, hi int) digest.Hash {
	n := hi - lo
	if n&(n-1) == 0 {
		h := 0
		for 1<<h < n {
			h++
		}
		return t.levels[h][lo>>h]
	}
	k := largestPowerOfTwoBelow(n)
	return digest.Node(t.rangeHash(lo, lo+k), t.rangeHash(lo+k, hi))
}

// VerifyInclusion folds path from the leaf for d and reports whether it
// reaches root.
func VerifyInclusion(d digest.Hash, path model.MerklePath, root digest.Hash) bool {
	got, ok := RootFromPath(d, path)
	return ok && got == root
}

// RootFromPath folds path from the leaf for d and returns the root it
// reaches. A record's insertion path yields the root right after that
// record was appended. ok is false if a step has an unknown side.
func RootFromPath(d digest.Hash, path model.MerklePath) (digest.Hash, bool) {
	node := digest.Leaf(d)
	for _, step := range path {
		switch step.Side {
		case model.SideLeft:
			node = digest.Node(step.Hash, node)
		case model.SideRight:
			node = digest.Node(node, step.Hash)
		default:
			return digest.Zero, false
		}
	}
	return node, true
}

func largestPowerOfTwoBelow(n int) int {
	k := 1
	for k<<1 < n {
		k <<= 1
	}
	return k
}
