package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// Action classifies what an audit record describes
type Action string

const (
	ActionEvaluation  Action = "compliance.evaluated"
	ActionRemediation Action = "remediation.applied"
	ActionDetection   Action = "threat.detected"
	ActionAssignment  Action = "threat.assigned"
	ActionResponse    Action = "threat.responded"
	ActionResolution  Action = "threat.resolved"
	ActionEmergency   Action = "system.emergency"
	ActionClear       Action = "system.emergency_cleared"
)

// Record is one append-only audit log line. Records are immutable once
// hashed into a chain.
type Record struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	RuleID    string    `json:"rule_id,omitempty"`
	ThreatID  string    `json:"threat_id,omitempty"`
	Score     float64   `json:"score"`
	Outcome   string    `json:"outcome"`
	Actor     string    `json:"actor,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// NewRecord creates an unhashed record
func NewRecord(action Action, outcome string, score float64) (*Record, error) {
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "audit action is required")
	}
	if outcome == "" {
		return nil, errors.NewValidationError("MISSING_OUTCOME", "audit outcome is required")
	}

	return &Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Score:     score,
		Outcome:   outcome,
	}, nil
}

// WithRule sets the rule id
func (r *Record) WithRule(ruleID string) *Record {
	r.RuleID = ruleID
	return r
}

// WithThreat sets the threat id
func (r *Record) WithThreat(threatID string) *Record {
	r.ThreatID = threatID
	return r
}

// WithActor sets who performed the action
func (r *Record) WithActor(actor string) *Record {
	r.Actor = actor
	return r
}

// WithMetadata attaches a metadata value
func (r *Record) WithMetadata(key string, value interface{}) *Record {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// ComputeHash returns the SHA-256 over the integrity fields of the record
// chained to previousHash. The record is not modified.
func (r *Record) ComputeHash(previousHash string) (string, error) {
	hashData := map[string]interface{}{
		"id":             r.ID,
		"sequence":       r.Sequence,
		"timestamp_nano": r.Timestamp.UnixNano(),
		"action":         string(r.Action),
		"rule_id":        r.RuleID,
		"threat_id":      r.ThreatID,
		"score":          r.Score,
		"outcome":        r.Outcome,
		"previous_hash":  previousHash,
	}

	b, err := json.Marshal(hashData)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal hash data").WithCause(err)
	}

	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}

// Seal sets the sequence and hash fields, linking the record to previousHash
func (r *Record) Seal(sequence int64, previousHash string) error {
	r.Sequence = sequence
	r.PreviousHash = previousHash
	h, err := r.ComputeHash(previousHash)
	if err != nil {
		return err
	}
	r.Hash = h
	return nil
}
