package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"PerpSettlement/internal/event"
)

const GenesisHashSeed = "PerpSettlement:genesis:v1"

// StateHasher chains every committed unit:
// hash[N] = SHA-256(hash[N-1] || commitSeq || txCounter || digest(events)).
// Replaying the same input stream reproduces the same chain.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash advances the chain by one commit.
func (h *StateHasher) ComputeHash(commitSeq, txCounter uint64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], commitSeq)
	binary.BigEndian.PutUint64(buf[8:], txCounter)
	hasher.Write(buf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// Reset restores a chain tip (used during recovery).
func (h *StateHasher) Reset(tip [32]byte) {
	h.prevHash = tip
}

// EventDigest is the canonical byte form of a commit's events: per event the
// txId, the type and its JSON payload, each length-prefixed.
func EventDigest(pending []event.Pending) ([]byte, error) {
	digest := make([]byte, 0, len(pending)*128)
	for i, p := range pending {
		payload, err := json.Marshal(p.Event)
		if err != nil {
			return nil, fmt.Errorf("marshal event %d (%s): %w", i, p.Event.EventType(), err)
		}
		digest = binary.BigEndian.AppendUint64(digest, uint64(p.TxID))
		digest = binary.BigEndian.AppendUint32(digest, uint32(p.Event.EventType()))
		digest = binary.BigEndian.AppendUint32(digest, uint32(len(payload)))
		digest = append(digest, payload...)
	}
	return digest, nil
}
