package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		outcome string
		wantErr bool
	}{
		{name: "valid", action: ActionEvaluation, outcome: "allowed"},
		{name: "missing action", outcome: "allowed", wantErr: true},
		{name: "missing outcome", action: ActionDetection, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRecord(tt.action, tt.outcome, 0.5)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, r.ID)
			assert.Equal(t, tt.action, r.Action)
			assert.Equal(t, 0.5, r.Score)
		})
	}
}

func newChainedRecords(t *testing.T, n int) []*Record {
	t.Helper()
	chain := NewChain(0, "")
	records := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := NewRecord(ActionEvaluation, "allowed", float64(i)/10)
		require.NoError(t, err)
		require.NoError(t, chain.Link(r.WithRule("rule-1")))
		records = append(records, r)
	}
	return records
}

func TestChain_Link(t *testing.T) {
	records := newChainedRecords(t, 3)

	assert.Equal(t, int64(1), records[0].Sequence)
	assert.Empty(t, records[0].PreviousHash)
	assert.Equal(t, records[0].Hash, records[1].PreviousHash)
	assert.Equal(t, records[1].Hash, records[2].PreviousHash)
	assert.Len(t, records[2].Hash, 64)
	assert.Empty(t, Verify(records))
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(records []*Record)
		reason string
	}{
		{
			name:   "score changed",
			tamper: func(records []*Record) { records[1].Score = 0.99 },
			reason: "record hash mismatch",
		},
		{
			name:   "record removed",
			tamper: func(records []*Record) { records[2] = records[3] },
			reason: "sequence gap: expected 3",
		},
		{
			name:   "relinked",
			tamper: func(records []*Record) { records[2].PreviousHash = "beef" },
			reason: "previous hash mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := newChainedRecords(t, 4)
			tt.tamper(records)
			breaks := Verify(records)
			require.NotEmpty(t, breaks)

			var reasons []string
			for _, b := range breaks {
				reasons = append(reasons, b.Reason)
			}
			assert.Contains(t, reasons, tt.reason)
		})
	}
}

func TestChain_Resume(t *testing.T) {
	records := newChainedRecords(t, 2)
	seq, hash := records[1].Sequence, records[1].Hash

	chain := NewChain(seq, hash)
	r, err := NewRecord(ActionDetection, "detected", 0.9)
	require.NoError(t, err)
	require.NoError(t, chain.Link(r.WithThreat("t-1")))

	assert.Equal(t, int64(3), r.Sequence)
	assert.Empty(t, Verify(append(records, r)))

	headSeq, headHash := chain.Head()
	assert.Equal(t, int64(3), headSeq)
	assert.Equal(t, r.Hash, headHash)
}
