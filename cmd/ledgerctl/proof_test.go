package main

import (
	"testing"

	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/merkle"
	"github.com/gitdigital/ledgercore/pkg/client"
)

// proofFor builds the wire form of the current proof for leaf index of a
// tree over n leaves.
func proofFor(t *testing.T, n, index int) *client.Proof {
	t.Helper()
	tree := merkle.NewTree()
	var leaves []digest.Hash
	for i := range n {
		d := digest.Sum([]byte{byte(i)})
		leaves = append(leaves, d)
		tree.Insert(d)
	}
	path, err := tree.Proof(index)
	if err != nil {
		t.Fatal(err)
	}
	p := &client.Proof{
		LeafIndex: uint64(index),
		TreeSize:  n,
		Digest:    leaves[index].String(),
		Root:      tree.Root().String(),
	}
	for _, s := range path {
		p.Path = append(p.Path, client.PathStep{Hash: s.Hash.String(), Side: string(s.Side)})
	}
	return p
}

func TestCheckProof(t *testing.T) {
	for _, tc := range []struct{ n, index int }{{1, 0}, {2, 1}, {5, 0}, {5, 4}, {7, 3}} {
		p := proofFor(t, tc.n, tc.index)
		ok, err := checkProof(p)
		if err != nil {
			t.Fatalf("n=%d index=%d: %v", tc.n, tc.index, err)
		}
		if !ok {
			t.Errorf("n=%d index=%d: valid proof rejected", tc.n, tc.index)
		}
	}
}

func TestCheckProof_tampered(t *testing.T) {
	p := proofFor(t, 6, 2)
	p.Digest = digest.Sum([]byte("forged")).String()
	ok, err := checkProof(p)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("forged digest must not verify")
	}

	p = proofFor(t, 6, 2)
	if p.Path[0].Side == "left" {
		p.Path[0].Side = "right"
	} else {
		p.Path[0].Side = "left"
	}
	if ok, _ := checkProof(p); ok {
		t.Error("flipped side must not verify")
	}
}

func TestCheckProof_malformed(t *testing.T) {
	p := proofFor(t, 3, 0)
	p.Path[0].Side = "up"
	if _, err := checkProof(p); err == nil {
		t.Error("expected error for unknown side")
	}

	p = proofFor(t, 3, 0)
	p.Root = "zz"
	if _, err := checkProof(p); err == nil {
		t.Error("expected error for non-hex root")
	}
}
