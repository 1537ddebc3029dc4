// Package auditlog persists the hash-chained audit trail of the engine.
package auditlog

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
)

// Sink persists sealed audit records
type Sink interface {
	Write(ctx context.Context, r *audit.Record) error
	Close() error
}

// HeadReader is implemented by sinks that can resume an existing chain
type HeadReader interface {
	Head(ctx context.Context) (int64, string, error)
}

// Log seals records into one chain and writes them to every sink. Records
// reach each sink in sequence order.
type Log struct {
	logger *zap.Logger
	chain  *audit.Chain
	sinks  []Sink

	mu sync.Mutex
}

// NewLog creates a log over sinks. The chain resumes from the first sink
// that can report its head.
func NewLog(ctx context.Context, logger *zap.Logger, sinks ...Sink) (*Log, error) {
	var seq int64
	var hash string
	for _, s := range sinks {
		hr, ok := s.(HeadReader)
		if !ok {
			continue
		}
		var err error
		seq, hash, err = hr.Head(ctx)
		if err != nil {
			return nil, err
		}
		break
	}

	logger.Info("Audit log ready",
		zap.Int("sinks", len(sinks)),
		zap.Int64("resume_sequence", seq),
	)

	return &Log{
		logger: logger,
		chain:  audit.NewChain(seq, hash),
		sinks:  sinks,
	}, nil
}

// Append seals r and writes it to every sink. A failing sink does not stop
// the others; the joined error is returned.
func (l *Log) Append(ctx context.Context, r *audit.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.chain.Link(r); err != nil {
		return err
	}

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, r); err != nil {
			l.logger.Error("Audit sink write failed",
				zap.String("record_id", r.ID),
				zap.Int64("sequence", r.Sequence),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Head returns the last sealed sequence and hash
func (l *Log) Head() (int64, string) {
	return l.chain.Head()
}

// Close closes every sink
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
