package auditlog

import (
	"context"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/ring"
)

// MemorySink keeps the most recent records in a ring buffer
type MemorySink struct {
	records *ring.Buffer[*audit.Record]
}

// NewMemorySink creates a sink holding up to size records
func NewMemorySink(size int) *MemorySink {
	return &MemorySink{records: ring.New[*audit.Record](size)}
}

func (s *MemorySink) Write(_ context.Context, r *audit.Record) error {
	c := *r
	s.records.Push(&c)
	return nil
}

// Records returns up to n recent records, oldest first
func (s *MemorySink) Records(n int) []*audit.Record {
	return s.records.Last(n)
}

func (s *MemorySink) Close() error { return nil }
