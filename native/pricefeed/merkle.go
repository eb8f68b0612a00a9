package pricefeed

import (
	"bytes"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MerkleVerifier checks publish proofs against per-round roots registered by
// governance. Rounds without a registered root reject every proof.
type MerkleVerifier struct {
	mu    sync.RWMutex
	roots map[uint32][32]byte
}

// NewMerkleVerifier constructs an empty verifier.
func NewMerkleVerifier() *MerkleVerifier {
	return &MerkleVerifier{roots: make(map[uint32][32]byte)}
}

// SetRoot registers the merkle root for a voting round, replacing any
// previous value.
func (v *MerkleVerifier) SetRoot(votingRoundID uint32, root [32]byte) {
	v.mu.Lock()
	v.roots[votingRoundID] = root
	v.mu.Unlock()
}

// Root returns the registered root for the round.
func (v *MerkleVerifier) Root(votingRoundID uint32) ([32]byte, bool) {
	v.mu.RLock()
	root, ok := v.roots[votingRoundID]
	v.mu.RUnlock()
	return root, ok
}

// Verify folds the proof into the leaf with sorted-pair keccak hashing and
// compares the result against the round's registered root. A single-leaf tree
// verifies with an empty proof.
func (v *MerkleVerifier) Verify(votingRoundID uint32, leaf [32]byte, proof [][32]byte) bool {
	root, ok := v.Root(votingRoundID)
	if !ok {
		return false
	}
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(a[:], b[:]))
	return out
}
