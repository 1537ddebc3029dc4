package audit

import (
	"fmt"
	"sync"
)

// Chain assigns sequence numbers and previous hashes to records as they
// are appended. It is safe for concurrent use.
type Chain struct {
	mu       sync.Mutex
	sequence int64
	lastHash string
}

// NewChain starts a chain after the given sequence and hash, which allows
// resuming an existing log. Use zero values for a fresh chain.
func NewChain(lastSequence int64, lastHash string) *Chain {
	return &Chain{sequence: lastSequence, lastHash: lastHash}
}

// Link seals r as the next record in the chain
func (c *Chain) Link(r *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := r.Seal(c.sequence+1, c.lastHash); err != nil {
		return err
	}
	c.sequence = r.Sequence
	c.lastHash = r.Hash
	return nil
}

// Head returns the last sequence number and hash
func (c *Chain) Head() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence, c.lastHash
}

// Break describes a record that does not link to its predecessor
type Break struct {
	Sequence int64  `json:"sequence"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// Verify walks records in order and reports every break. An empty slice is
// a valid chain.
func Verify(records []*Record) []Break {
	var breaks []Break
	prevHash := ""
	var prevSeq int64

	for i, r := range records {
		if i > 0 && r.Sequence != prevSeq+1 {
			breaks = append(breaks, Break{
				Sequence: r.Sequence,
				RecordID: r.ID,
				Reason:   fmt.Sprintf("sequence gap: expected %d", prevSeq+1),
			})
		}
		if i > 0 && r.PreviousHash != prevHash {
			breaks = append(breaks, Break{
				Sequence: r.Sequence,
				RecordID: r.ID,
				Reason:   "previous hash mismatch",
			})
		}

		expected, err := r.ComputeHash(r.PreviousHash)
		if err != nil || expected != r.Hash {
			breaks = append(breaks, Break{
				Sequence: r.Sequence,
				RecordID: r.ID,
				Reason:   "record hash mismatch",
			})
		}

		prevHash = r.Hash
		prevSeq = r.Sequence
	}

	return breaks
}
