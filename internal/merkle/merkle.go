// Package merkle builds deterministic binary Merkle trees over ordered leaf
// lists and produces inclusion proofs for individual leaves.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
)

// HashSize is the digest width of every tree node.
const HashSize = sha256.Size

// ProofStep is one hop of an inclusion proof: the sibling hash and whether it
// sits to the left of the running hash.
type ProofStep struct {
	Hash [HashSize]byte
	Left bool
}

// Tree is an immutable Merkle tree. Leaf order is significant; the leaf index
// defines its position and therefore the root.
type Tree struct {
	// levels[0] holds the leaf hashes; the last level holds the root alone.
	levels [][][HashSize]byte
}

// ErrNoLeaves is returned when a tree is built over an empty leaf list.
var ErrNoLeaves = errors.New("merkle: no leaves")

// ErrIndexOutOfRange is returned for proofs against a nonexistent leaf index.
var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

// New hashes the given leaves and builds the tree bottom-up. An odd node at
// any level is paired with a copy of itself; this duplicate-last rule must be
// shared by proof generation and verification.
func New(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	level := make([][HashSize]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = HashLeaf(leaf)
	}
	levels := [][][HashSize]byte{level}
	for len(level) > 1 {
		next := make([][HashSize]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() [HashSize]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves the tree was built over.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the sibling-hash path from leaf i to the root.
func (t *Tree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= t.LeafCount() {
		return nil, ErrIndexOutOfRange
	}
	proof := make([]ProofStep, 0, len(t.levels)-1)
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			// Odd node: the sibling is the node itself.
			sibling = idx
		}
		proof = append(proof, ProofStep{
			Hash: level[sibling],
			Left: sibling < idx,
		})
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf and its proof path.
func Verify(root [HashSize]byte, leaf []byte, proof []ProofStep) bool {
	hash := HashLeaf(leaf)
	for _, step := range proof {
		if step.Left {
			hash = hashPair(step.Hash, hash)
		} else {
			hash = hashPair(hash, step.Hash)
		}
	}
	return bytes.Equal(hash[:], root[:])
}

// HashLeaf hashes a leaf with a domain-separation prefix so leaf hashes can
// never collide with interior node hashes.
func HashLeaf(data []byte) [HashSize]byte {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(data)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashPair(left, right [HashSize]byte) [HashSize]byte {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
