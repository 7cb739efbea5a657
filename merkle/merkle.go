// Package merkle builds binary Merkle trees over RBC fragments and
// produces per-leaf inclusion proofs. Leaves and interior nodes hash
// under distinct tags; an unpaired node at any level is promoted
// unchanged. RBC fragments travel the wire individually, so every leaf
// gets its own inclusion path.
package merkle

import "chorus.dev/conductor/cryptoutil"

const (
	leafTag byte = 0x00
	nodeTag byte = 0x01
)

// Proof is an inclusion path from a leaf to a tree's root: at each level,
// the sibling hash and whether that sibling sits on the left.
type Proof struct {
	LeafIndex int
	Siblings  [][32]byte
	OnLeft    []bool
}

// Tree is a binary Merkle tree over leaf data (e.g. RBC fragments).
type Tree struct {
	leaves [][32]byte // hashed leaves
	levels [][][32]byte
}

// New builds a Merkle tree over the given leaf data blobs.
func New(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errEmpty
	}
	hashed := make([][32]byte, len(leaves))
	for i, l := range leaves {
		hashed[i] = hashLeaf(l)
	}
	return newFromHashes(hashed), nil
}

func hashLeaf(data []byte) [32]byte {
	return cryptoutil.HashConcat([]byte{leafTag}, data)
}

func hashNode(left, right [32]byte) [32]byte {
	return cryptoutil.HashConcat([]byte{nodeTag}, left[:], right[:])
}

func newFromHashes(hashed [][32]byte) *Tree {
	levels := [][][32]byte{hashed}
	level := hashed
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				// Odd promotion rule: carry the unpaired node forward unchanged.
				next = append(next, level[i])
				i++
				continue
			}
			next = append(next, hashNode(level[i], level[i+1]))
			i += 2
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{leaves: hashed, levels: levels}
}

// Root returns the tree's root hash.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the inclusion path for the leaf at index i.
func (t *Tree) Proof(i int) (Proof, error) {
	if i < 0 || i >= len(t.leaves) {
		return Proof{}, errOutOfRange
	}
	p := Proof{LeafIndex: i}
	idx := i
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		isLast := idx == len(level)-1
		if isLast && len(level)%2 == 1 {
			// This node was promoted unchanged; no sibling consumed at this level.
			idx = idx / 2
			continue
		}
		var sibIdx int
		var onLeft bool
		if idx%2 == 0 {
			sibIdx = idx + 1
			onLeft = false
		} else {
			sibIdx = idx - 1
			onLeft = true
		}
		p.Siblings = append(p.Siblings, level[sibIdx])
		p.OnLeft = append(p.OnLeft, onLeft)
		idx = idx / 2
	}
	return p, nil
}

// VerifyProof checks that leafData, combined with the given inclusion
// proof, reconstructs root.
func VerifyProof(leafData []byte, proof Proof, root [32]byte) bool {
	h := hashLeaf(leafData)
	for i, sib := range proof.Siblings {
		if proof.OnLeft[i] {
			h = hashNode(sib, h)
		} else {
			h = hashNode(h, sib)
		}
	}
	return h == root
}

var (
	errEmpty      = merkleError("merkle: empty leaf list")
	errOutOfRange = merkleError("merkle: leaf index out of range")
)

type merkleError string

func (e merkleError) Error() string { return string(e) }
