package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashPrefix marks the digest algorithm of every hash the engine produces.
const HashPrefix = "sha256:"

// HashObject returns the sha256 digest of v's JSON encoding. Struct fields
// encode in declaration order and map keys sorted, so equal values hash equally.
func HashObject(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode object for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// ComputeStateLockHash hashes the lease record with its own hash field cleared.
func ComputeStateLockHash(l *Lease) (string, error) {
	c := l.Clone()
	c.StateLockHash = ""
	return HashObject(c)
}

// ComputeBeadHash hashes a bead with its own hash field cleared. PrevHash is
// included, which chains the stream.
func ComputeBeadHash(b *Bead) (string, error) {
	c := *b
	c.Hash = ""
	return HashObject(&c)
}
