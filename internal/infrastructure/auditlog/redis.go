package auditlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
)

// RedisSink keeps a bounded audit list in Redis
type RedisSink struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

// NewRedisSink writes to key, trimming the list to maxLen entries. A
// non-positive maxLen keeps every record.
func NewRedisSink(client redis.Cmdable, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = "guardian:audit"
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, r *audit.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, b)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, -s.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push audit record: %w", err)
	}
	return nil
}

// Records returns up to n most recent records, oldest first. A
// non-positive n returns all of them.
func (s *RedisSink) Records(ctx context.Context, n int64) ([]*audit.Record, error) {
	start := int64(0)
	if n > 0 {
		start = -n
	}
	raw, err := s.client.LRange(ctx, s.key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit list: %w", err)
	}

	out := make([]*audit.Record, 0, len(raw))
	for _, item := range raw {
		var r audit.Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("failed to decode audit record: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// Head returns the sequence and hash of the newest record in the list
func (s *RedisSink) Head(ctx context.Context) (int64, string, error) {
	records, err := s.Records(ctx, 1)
	if err != nil || len(records) == 0 {
		return 0, "", err
	}
	return records[0].Sequence, records[0].Hash, nil
}

func (s *RedisSink) Close() error { return nil }
