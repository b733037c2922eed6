package main

import (
	"fmt"

	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/merkle"
	"github.com/gitdigital/ledgercore/internal/model"
	"github.com/gitdigital/ledgercore/pkg/client"
)

// checkProof folds p's path from its digest and compares the result with
// p's root. It fails only when the proof is malformed.
func checkProof(p *client.Proof) (bool, error) {
	leaf, err := digest.Parse(p.Digest)
	if err != nil {
		return false, fmt.Errorf("proof digest: %w", err)
	}
	root, err := digest.Parse(p.Root)
	if err != nil {
		return false, fmt.Errorf("proof root: %w", err)
	}

	path := make(model.MerklePath, len(p.Path))
	for i, s := range p.Path {
		h, err := digest.Parse(s.Hash)
		if err != nil {
			return false, fmt.Errorf("proof step %d: %w", i, err)
		}
		side := model.Side(s.Side)
		if side != model.SideLeft && side != model.SideRight {
			return false, fmt.Errorf("proof step %d: unknown side %q", i, s.Side)
		}
		path[i] = model.PathStep{Hash: h, Side: side}
	}
	return merkle.VerifyInclusion(leaf, path, root), nil
}
