package auditlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// maxLineSize bounds one JSON Lines record
const maxLineSize = 1 << 20

// FileSink appends records to a JSON Lines file
type FileSink struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenFile opens path for appending, creating it if needed
func OpenFile(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.NewConfigurationError("AUDIT_FILE", fmt.Sprintf("cannot open audit file %q", path)).WithCause(err)
	}
	return &FileSink{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Write(_ context.Context, r *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.NewInternalError("audit file is closed")
	}
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Head returns the sequence and hash of the last record in the file
func (s *FileSink) Head(_ context.Context) (int64, string, error) {
	records, err := ReadFile(s.path)
	if err != nil {
		return 0, "", err
	}
	if len(records) == 0 {
		return 0, "", nil
	}
	last := records[len(records)-1]
	return last.Sequence, last.Hash, nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadFile decodes every record of a JSON Lines audit file. A missing file
// has no records.
func ReadFile(path string) ([]*audit.Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []*audit.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r audit.Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("audit file %s line %d: %w", path, line, err)
		}
		records = append(records, &r)
	}
	return records, scanner.Err()
}
