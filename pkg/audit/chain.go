package audit

import (
	"fmt"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// VerificationResult contains hash chain verification results.
type VerificationResult struct {
	Valid        bool   `json:"valid"`
	BeadsChecked int    `json:"beads_checked"`
	FirstBead    string `json:"first_bead,omitempty"`
	LastBead     string `json:"last_bead,omitempty"`
	HeadHash     string `json:"head_hash,omitempty"`
	BrokenAt     int64  `json:"broken_at,omitempty"`
	Error        string `json:"error,omitempty"`
}

// VerifyChain recomputes the hash chain over a complete stream in sequence
// order. The first bead must have seq 1 and an empty prev_hash.
func VerifyChain(beads []*engine.Bead) *VerificationResult {
	res := &VerificationResult{Valid: true}
	if len(beads) == 0 {
		return res
	}
	res.FirstBead = beads[0].ID

	var prev *engine.Bead
	for _, b := range beads {
		if msg := checkLink(prev, b); msg != "" {
			res.Valid = false
			res.BrokenAt = b.Seq
			res.Error = msg
			return res
		}
		res.BeadsChecked++
		res.LastBead = b.ID
		res.HeadHash = b.Hash
		prev = b
	}
	return res
}

func checkLink(prev, b *engine.Bead) string {
	wantSeq, wantPrev := int64(1), ""
	if prev != nil {
		wantSeq, wantPrev = prev.Seq+1, prev.Hash
	}

	if b.Seq != wantSeq {
		return fmt.Sprintf("bead %s has seq %d, want %d", b.ID, b.Seq, wantSeq)
	}
	if b.PrevHash != wantPrev {
		return fmt.Sprintf("bead %d prev_hash %q does not match %q", b.Seq, b.PrevHash, wantPrev)
	}

	hash, err := engine.ComputeBeadHash(b)
	if err != nil {
		return fmt.Sprintf("bead %d cannot be hashed: %v", b.Seq, err)
	}
	if hash != b.Hash {
		return fmt.Sprintf("bead %d hash %s does not match recomputed %s", b.Seq, b.Hash, hash)
	}
	return ""
}
