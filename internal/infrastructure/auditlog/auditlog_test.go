package auditlog

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

func newRecord(t *testing.T, outcome string) *audit.Record {
	t.Helper()
	r, err := audit.NewRecord(audit.ActionEvaluation, outcome, 0.75)
	require.NoError(t, err)
	return r.WithRule("privacy_personal_data")
}

type failingSink struct{}

func (failingSink) Write(context.Context, *audit.Record) error { return fmt.Errorf("disk full") }
func (failingSink) Close() error                               { return nil }

func TestLog_FileAndMemory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	file, err := OpenFile(path)
	require.NoError(t, err)
	mem := NewMemorySink(10)

	log, err := NewLog(ctx, zaptest.NewLogger(t), file, mem)
	require.NoError(t, err)

	for _, outcome := range []string{"allowed", "blocked", "allowed"} {
		require.NoError(t, log.Append(ctx, newRecord(t, outcome)))
	}
	require.NoError(t, log.Close())

	seq, hash := log.Head()
	assert.Equal(t, int64(3), seq)
	assert.NotEmpty(t, hash)

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Empty(t, audit.Verify(records))
	assert.Equal(t, "blocked", records[1].Outcome)

	inMemory := mem.Records(0)
	require.Len(t, inMemory, 3)
	assert.Equal(t, records[2].Hash, inMemory[2].Hash)
}

func TestLog_ResumesFileChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	first, err := OpenFile(path)
	require.NoError(t, err)
	log, err := NewLog(ctx, zaptest.NewLogger(t), first)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, newRecord(t, "allowed")))
	require.NoError(t, log.Append(ctx, newRecord(t, "allowed")))
	require.NoError(t, log.Close())

	second, err := OpenFile(path)
	require.NoError(t, err)
	resumed, err := NewLog(ctx, zaptest.NewLogger(t), second)
	require.NoError(t, err)
	require.NoError(t, resumed.Append(ctx, newRecord(t, "blocked")))
	require.NoError(t, resumed.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[2].Sequence)
	assert.Empty(t, audit.Verify(records))
}

func TestLog_FailingSinkDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	mem := NewMemorySink(10)
	log, err := NewLog(ctx, zaptest.NewLogger(t), failingSink{}, mem)
	require.NoError(t, err)

	err = log.Append(ctx, newRecord(t, "allowed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, mem.Records(0), 1)
}

func TestReadFile_Missing(t *testing.T) {
	records, err := ReadFile(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	file, err := OpenFile(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	require.NoError(t, file.Close())
	require.NoError(t, file.Close())

	err = file.Write(context.Background(), newRecord(t, "allowed"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestRedisSink(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	sink := NewRedisSink(client, "audit:test", 2)

	seq, hash, err := sink.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Empty(t, hash)

	log, err := NewLog(ctx, zaptest.NewLogger(t), sink)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(ctx, newRecord(t, "allowed")))
	}

	records, err := sink.Records(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].Sequence)
	assert.Equal(t, int64(3), records[1].Sequence)
	assert.Empty(t, audit.Verify(records))

	seq, hash, err = sink.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, records[1].Hash, hash)

	n, err := client.LLen(ctx, "audit:test").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLSink_Write(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSQLSink(db)
	r := newRecord(t, "blocked").WithMetadata("level", "NON_COMPLIANT")
	require.NoError(t, r.Seal(1, ""))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_records")).
		WithArgs(r.ID, r.Sequence, sqlmock.AnyArg(), string(r.Action), r.RuleID, "",
			r.Score, "blocked", "", `{"level":"NON_COMPLIANT"}`, "", r.Hash).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.Write(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_WriteError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(fmt.Errorf("connection reset"))

	err = NewSQLSink(db).Write(context.Background(), newRecord(t, "allowed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSQLSink_Head(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sink := NewSQLSink(db)
	query := regexp.QuoteMeta("SELECT sequence, hash FROM audit_records ORDER BY sequence DESC LIMIT 1")

	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"sequence", "hash"}))
	seq, hash, err := sink.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Empty(t, hash)

	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"sequence", "hash"}).AddRow(41, "abc"))
	seq, hash, err = sink.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), seq)
	assert.Equal(t, "abc", hash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewSQLSink(db).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("invalid schedule", func(t *testing.T) {
		_, err := NewRetention(logger, "every tuesday", time.Hour)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
	})

	t.Run("non-positive retention", func(t *testing.T) {
		_, err := NewRetention(logger, "@daily", 0)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
	})

	t.Run("prunes with cutoff", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		now := time.Date(2026, 6, 30, 3, 0, 0, 0, time.UTC)
		r, err := NewRetention(logger, "0 3 * * *", 30*24*time.Hour, NewSQLSink(db))
		require.NoError(t, err)
		r.now = func() time.Time { return now }

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_records WHERE timestamp < $1")).
			WithArgs(now.Add(-30 * 24 * time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 7))

		removed, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(7), removed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("start and stop", func(t *testing.T) {
		r, err := NewRetention(logger, "@hourly", time.Hour)
		require.NoError(t, err)
		r.Start()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, r.Stop(ctx))
	})
}
