package merkle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PageFacts are the per-page optimization facts committed into a proof. The
// five leaf positions are fixed: url, space saved, optimization count,
// serialized DOM stats, serialized performance.
type PageFacts struct {
	URL               string
	SpaceSavedBytes   int64
	OptimizationCount int
	DOMStats          any
	Performance       any
}

// PageProof is the value object handed downstream after a page is analyzed.
// It is rebuilt fresh per crawl result and never mutated.
type PageProof struct {
	Root   [HashSize]byte
	Proof  []ProofStep
	Leaves [][]byte
}

// RootHex returns the root as a lowercase hex string for wire payloads.
func (p PageProof) RootHex() string {
	return hex.EncodeToString(p.Root[:])
}

// BuildPageProof builds the fixed 5-leaf tree over page facts and returns the
// root plus the inclusion proof of leaf 0 (the URL). Any construction error
// yields a zero root with an empty proof: downstream consumers treat that as
// "no proof", never as a crawl failure.
func BuildPageProof(facts PageFacts) PageProof {
	leaves, err := pageLeaves(facts)
	if err != nil {
		return PageProof{}
	}
	tree, err := New(leaves)
	if err != nil {
		return PageProof{}
	}
	proof, err := tree.Proof(0)
	if err != nil {
		return PageProof{}
	}
	return PageProof{
		Root:   tree.Root(),
		Proof:  proof,
		Leaves: leaves,
	}
}

func pageLeaves(facts PageFacts) ([][]byte, error) {
	domStats, err := json.Marshal(facts.DOMStats)
	if err != nil {
		return nil, fmt.Errorf("marshal dom stats: %w", err)
	}
	perf, err := json.Marshal(facts.Performance)
	if err != nil {
		return nil, fmt.Errorf("marshal performance: %w", err)
	}
	return [][]byte{
		[]byte(facts.URL),
		[]byte(fmt.Sprintf("%d", facts.SpaceSavedBytes)),
		[]byte(fmt.Sprintf("%d", facts.OptimizationCount)),
		domStats,
		perf,
	}, nil
}
