// Package merkle builds and verifies keccak256 Merkle trees whose inner nodes hash sorted pairs,
// so a proof is just the list of siblings and carries no left/right flags.
package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptyTree    = errors.New("merkle tree has no leaves")
	ErrLeafNotFound = errors.New("leaf not found in merkle tree")
)

// HashPair hashes two nodes in ascending byte order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// ProcessProof folds the proof into leaf and returns the implied root.
func ProcessProof(proof []common.Hash, leaf common.Hash) common.Hash {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed
}

// Verify reports whether proof links leaf to root.
func Verify(proof []common.Hash, root, leaf common.Hash) bool {
	return ProcessProof(proof, leaf) == root
}

// Tree is a complete tree over sorted leaves. An odd node at the end of a layer is carried up unchanged.
type Tree struct {
	layers [][]common.Hash
	index  map[common.Hash]int
}

// NewTree builds a tree over leaves. Duplicate leaves are collapsed.
func NewTree(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	sorted := append([]common.Hash(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	uniq := sorted[:1]
	for _, leaf := range sorted[1:] {
		if leaf != uniq[len(uniq)-1] {
			uniq = append(uniq, leaf)
		}
	}

	t := &Tree{index: make(map[common.Hash]int, len(uniq))}
	for i, leaf := range uniq {
		t.index[leaf] = i
	}
	layer := uniq
	t.layers = append(t.layers, layer)
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, HashPair(layer[i], layer[i+1]))
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t, nil
}

func (t *Tree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

// Proof returns the sibling path for leaf.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, error) {
	idx, ok := t.index[leaf]
	if !ok {
		return nil, ErrLeafNotFound
	}
	var proof []common.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof, nil
}
