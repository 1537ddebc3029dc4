package agents

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/agent"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
)

const scoreEpsilon = 1e-9

// Config controls assignment and heartbeat health
type Config struct {
	Affinity         AffinityTable
	HeartbeatWarning time.Duration
	HeartbeatOffline time.Duration
}

// DefaultConfig returns the standard registry configuration
func DefaultConfig() Config {
	return Config{
		Affinity:         DefaultAffinity(),
		HeartbeatWarning: 60 * time.Second,
		HeartbeatOffline: 300 * time.Second,
	}
}

// Option customizes a Registry
type Option func(*Registry)

// WithClock replaces the wall clock, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// StatusChange is a health transition applied by CheckHealth
type StatusChange struct {
	AgentID string       `json:"agent_id"`
	From    agent.Status `json:"from"`
	To      agent.Status `json:"to"`
}

// Stats summarizes the agent pool
type Stats struct {
	Total    int                  `json:"total"`
	ByStatus map[agent.Status]int `json:"by_status"`
	Load     int                  `json:"load"`
}

// Registry owns the agent pool. A single goroutine applies every mutation
// and read, so scoring always sees a consistent view of agent load.
type Registry struct {
	logger   *zap.Logger
	config   Config
	validate *validator.Validate
	now      func() time.Time

	requests  chan func(map[string]*agent.GuardianAgent)
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewRegistry starts the registry goroutine. Close must be called to stop
// it.
func NewRegistry(logger *zap.Logger, config Config, opts ...Option) *Registry {
	if config.Affinity == nil {
		config.Affinity = DefaultAffinity()
	}
	if config.HeartbeatWarning <= 0 {
		config.HeartbeatWarning = 60 * time.Second
	}
	if config.HeartbeatOffline <= 0 {
		config.HeartbeatOffline = 300 * time.Second
	}

	r := &Registry{
		logger:   logger,
		config:   config,
		validate: validator.New(),
		now:      time.Now,
		requests: make(chan func(map[string]*agent.GuardianAgent)),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)

	agents := make(map[string]*agent.GuardianAgent)
	for {
		select {
		case req := <-r.requests:
			req(agents)
		case <-r.done:
			return
		}
	}
}

// do runs fn on the registry goroutine and waits for it to finish
func (r *Registry) do(fn func(map[string]*agent.GuardianAgent)) error {
	finished := make(chan struct{})
	req := func(agents map[string]*agent.GuardianAgent) {
		defer close(finished)
		fn(agents)
	}

	select {
	case r.requests <- req:
	case <-r.done:
		return errors.ErrRegistryClosed
	}
	<-finished
	return nil
}

// Close stops the registry goroutine. Later calls return ErrRegistryClosed.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	<-r.stopped
}

// Register adds an agent. Agents start ACTIVE with a fresh heartbeat unless
// a status is given.
func (r *Registry) Register(a *agent.GuardianAgent) error {
	if a == nil {
		return errors.NewValidationError("INVALID_AGENT", "agent is nil")
	}
	if err := r.validate.Struct(a); err != nil {
		return errors.NewValidationError("INVALID_AGENT",
			fmt.Sprintf("agent %q failed validation", a.ID)).WithCause(err)
	}

	candidate := a.Clone()
	var err error
	callErr := r.do(func(agents map[string]*agent.GuardianAgent) {
		if _, exists := agents[candidate.ID]; exists {
			err = errors.NewConflictError(fmt.Sprintf("agent %q already registered", candidate.ID)).
				WithCause(errors.ErrDuplicateAgent)
			return
		}
		now := r.now()
		if candidate.Status == "" {
			candidate.Status = agent.StatusActive
		}
		if candidate.LastHeartbeat.IsZero() {
			candidate.LastHeartbeat = now
		}
		candidate.RegisteredAt = now
		agents[candidate.ID] = candidate
	})
	if callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}

	r.logger.Info("Registered guardian agent",
		zap.String("agent_id", candidate.ID),
		zap.String("role", string(candidate.Role)),
	)
	return nil
}

// Get returns a copy of one agent
func (r *Registry) Get(id string) (*agent.GuardianAgent, error) {
	var out *agent.GuardianAgent
	if err := r.do(func(agents map[string]*agent.GuardianAgent) {
		if a, ok := agents[id]; ok {
			out = a.Clone()
		}
	}); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.ErrAgentNotFound
	}
	return out, nil
}

// List returns copies of every agent ordered by id
func (r *Registry) List() ([]*agent.GuardianAgent, error) {
	var out []*agent.GuardianAgent
	err := r.do(func(agents map[string]*agent.GuardianAgent) {
		out = make([]*agent.GuardianAgent, 0, len(agents))
		for _, a := range agents {
			out = append(out, a.Clone())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Stats counts agents by status
func (r *Registry) Stats() (Stats, error) {
	stats := Stats{ByStatus: make(map[agent.Status]int)}
	err := r.do(func(agents map[string]*agent.GuardianAgent) {
		for _, a := range agents {
			stats.Total++
			stats.ByStatus[a.Status]++
			stats.Load += a.CurrentLoad
		}
	})
	return stats, err
}

// update applies fn to one agent on the registry goroutine
func (r *Registry) update(id string, fn func(a *agent.GuardianAgent)) error {
	found := false
	if err := r.do(func(agents map[string]*agent.GuardianAgent) {
		a, ok := agents[id]
		if !ok {
			return
		}
		found = true
		fn(a)
	}); err != nil {
		return err
	}
	if !found {
		return errors.ErrAgentNotFound
	}
	return nil
}

// Heartbeat refreshes an agent's liveness. WARNING and OFFLINE agents
// return to ACTIVE.
func (r *Registry) Heartbeat(id string) error {
	return r.update(id, func(a *agent.GuardianAgent) {
		a.LastHeartbeat = r.now()
		if a.Status == agent.StatusWarning || a.Status == agent.StatusOffline {
			a.Status = agent.StatusActive
		}
	})
}

// SetStatus sets an agent's status, e.g. MAINTENANCE
func (r *Registry) SetStatus(id string, status agent.Status) error {
	return r.update(id, func(a *agent.GuardianAgent) {
		a.Status = status
	})
}

// RecordDetection counts a threat assigned to the agent
func (r *Registry) RecordDetection(id string) error {
	return r.update(id, func(a *agent.GuardianAgent) {
		a.ThreatsDetected++
	})
}

// Release returns one unit of load. resolved also credits the agent with a
// resolved threat.
func (r *Registry) Release(id string, resolved bool) error {
	return r.update(id, func(a *agent.GuardianAgent) {
		if a.CurrentLoad > 0 {
			a.CurrentLoad--
		}
		if resolved {
			a.ThreatsResolved++
		}
	})
}

// CreditResolution counts a threat resolved by an agent other than the one
// holding its load
func (r *Registry) CreditResolution(id string) error {
	return r.update(id, func(a *agent.GuardianAgent) {
		a.ThreatsResolved++
	})
}

// Assign picks the best assignable agent for d and reserves one unit of its
// load. It returns nil, nil when no agent is eligible.
func (r *Registry) Assign(d *threat.Detection) (*agent.GuardianAgent, error) {
	if d == nil {
		return nil, errors.NewValidationError("INVALID_THREAT", "threat is nil")
	}

	var chosen *agent.GuardianAgent
	var chosenScore float64
	err := r.do(func(agents map[string]*agent.GuardianAgent) {
		var best *agent.GuardianAgent
		bestScore := math.Inf(-1)
		for _, a := range agents {
			if !a.Status.Assignable() {
				continue
			}
			s := Score(a, d, r.config.Affinity.Lookup(a.Role, d.Type))
			switch {
			case best == nil, s > bestScore+scoreEpsilon:
				best, bestScore = a, s
			case math.Abs(s-bestScore) <= scoreEpsilon && a.ID < best.ID:
				best, bestScore = a, s
			}
		}
		if best == nil {
			return
		}
		best.CurrentLoad++
		chosen = best.Clone()
		chosenScore = bestScore
	})
	if err != nil {
		return nil, err
	}

	if chosen == nil {
		r.logger.Warn("No eligible guardian agent",
			zap.String("threat_id", d.ID),
			zap.String("threat_type", string(d.Type)),
		)
		return nil, nil
	}

	r.logger.Debug("Assigned guardian agent",
		zap.String("threat_id", d.ID),
		zap.String("agent_id", chosen.ID),
		zap.Float64("score", chosenScore),
	)
	return chosen, nil
}

// CheckHealth marks agents WARNING or OFFLINE by heartbeat age.
// MAINTENANCE agents are left alone.
func (r *Registry) CheckHealth() ([]StatusChange, error) {
	var changes []StatusChange
	err := r.do(func(agents map[string]*agent.GuardianAgent) {
		now := r.now()
		for _, a := range agents {
			if a.Status == agent.StatusMaintenance || a.Status == agent.StatusOffline {
				continue
			}
			age := now.Sub(a.LastHeartbeat)
			next := a.Status
			switch {
			case age >= r.config.HeartbeatOffline:
				next = agent.StatusOffline
			case age >= r.config.HeartbeatWarning && a.Status != agent.StatusWarning:
				if a.Status.Assignable() {
					next = agent.StatusWarning
				}
			}
			if next != a.Status {
				changes = append(changes, StatusChange{AgentID: a.ID, From: a.Status, To: next})
				a.Status = next
			}
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].AgentID < changes[j].AgentID })
	for _, c := range changes {
		r.logger.Warn("Guardian agent health changed",
			zap.String("agent_id", c.AgentID),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
		)
	}
	return changes, nil
}
