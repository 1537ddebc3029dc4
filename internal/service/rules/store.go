package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

type entry struct {
	rule         *compliance.ComplianceRule
	enabled      bool
	counters     compliance.RuleCounters
	registeredAt time.Time
}

// Store holds registered compliance rules. Rules are immutable after
// registration; only counters and the enabled flag change. Rules are never
// removed, only disabled.
type Store struct {
	logger   *zap.Logger
	validate *validator.Validate

	mu         sync.RWMutex
	rules      map[string]*entry
	order      []string
	frameworks map[string][]compliance.Framework
}

// NewStore creates an empty rule store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:     logger,
		validate:   validator.New(),
		rules:      make(map[string]*entry),
		frameworks: make(map[string][]compliance.Framework),
	}
}

// Register validates and adds a rule. Malformed rules are configuration
// errors.
func (s *Store) Register(rule *compliance.ComplianceRule) error {
	if rule == nil {
		return errors.NewConfigurationError("INVALID_RULE", "rule is nil")
	}
	if err := s.validate.Struct(rule); err != nil {
		return errors.NewConfigurationError("INVALID_RULE",
			fmt.Sprintf("rule %q failed validation", rule.ID)).WithCause(err)
	}
	if err := rule.Validate(); err != nil {
		return errors.NewConfigurationError("INVALID_RULE",
			fmt.Sprintf("rule %q is malformed", rule.ID)).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return errors.NewConflictError(fmt.Sprintf("rule %q already registered", rule.ID)).
			WithCause(errors.ErrDuplicateRule)
	}

	s.rules[rule.ID] = &entry{
		rule:         rule,
		enabled:      true,
		registeredAt: time.Now(),
	}
	s.order = append(s.order, rule.ID)

	s.logger.Debug("Registered compliance rule",
		zap.String("rule_id", rule.ID),
		zap.String("principle", string(rule.Principle)),
		zap.Int("conditions", len(rule.Conditions)),
	)
	return nil
}

// RegisterAll registers rules in order, stopping at the first error
func (s *Store) RegisterAll(rules []*compliance.ComplianceRule) error {
	for _, r := range rules {
		if err := s.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// MapFrameworks adds configured framework mappings. Keys are frameworks,
// values are the rule ids mapped to them. Unknown rule ids are kept so a
// mapping can precede registration.
func (s *Store) MapFrameworks(mapping map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fw, ids := range mapping {
		for _, id := range ids {
			s.frameworks[id] = appendFramework(s.frameworks[id], compliance.Framework(fw))
		}
	}
}

func appendFramework(list []compliance.Framework, fw compliance.Framework) []compliance.Framework {
	for _, f := range list {
		if f == fw {
			return list
		}
	}
	return append(list, fw)
}

// snapshotLocked must be called with s.mu held
func (s *Store) snapshotLocked(e *entry) compliance.RuleSnapshot {
	fws := append([]compliance.Framework(nil), e.rule.Frameworks...)
	for _, fw := range s.frameworks[e.rule.ID] {
		fws = appendFramework(fws, fw)
	}
	sort.Slice(fws, func(i, j int) bool { return fws[i] < fws[j] })

	return compliance.RuleSnapshot{
		Rule:         e.rule,
		Enabled:      e.enabled,
		Frameworks:   fws,
		Counters:     e.counters,
		RegisteredAt: e.registeredAt,
	}
}

// Get returns a snapshot of one rule
func (s *Store) Get(id string) (compliance.RuleSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.rules[id]
	if !ok {
		return compliance.RuleSnapshot{}, errors.ErrRuleNotFound
	}
	return s.snapshotLocked(e), nil
}

// List returns snapshots of every rule in registration order
func (s *Store) List() []compliance.RuleSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]compliance.RuleSnapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshotLocked(s.rules[id]))
	}
	return out
}

// Applicable returns enabled rules that apply to the context type, in
// registration order
func (s *Store) Applicable(contextType string) []compliance.RuleSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []compliance.RuleSnapshot
	for _, id := range s.order {
		e := s.rules[id]
		if e.enabled && e.rule.AppliesTo(contextType) {
			out = append(out, s.snapshotLocked(e))
		}
	}
	return out
}

// Len returns the number of registered rules
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// SetEnabled enables or disables a rule
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rules[id]
	if !ok {
		return errors.ErrRuleNotFound
	}
	e.enabled = enabled

	s.logger.Info("Rule enablement changed",
		zap.String("rule_id", id),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// RecordOutcome counts an evaluation as a provisional true positive when
// the rule flagged a violation, or a true negative otherwise. Unknown ids
// are ignored.
func (s *Store) RecordOutcome(id string, violated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rules[id]
	if !ok {
		return
	}
	if violated {
		e.counters.TruePositives++
	} else {
		e.counters.TrueNegatives++
	}
}

// RecordFeedback reclassifies a provisional outcome once the real answer is
// known. A flagged evaluation that was not a violation moves from TP to FP;
// a passed evaluation that was a violation moves from TN to FN.
func (s *Store) RecordFeedback(id string, predictedViolation, actualViolation bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rules[id]
	if !ok {
		return errors.ErrRuleNotFound
	}

	switch {
	case predictedViolation && !actualViolation:
		if e.counters.TruePositives > 0 {
			e.counters.TruePositives--
		}
		e.counters.FalsePositives++
	case !predictedViolation && actualViolation:
		if e.counters.TrueNegatives > 0 {
			e.counters.TrueNegatives--
		}
		e.counters.FalseNegatives++
	}
	return nil
}
