package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/policy-guardian/internal/domain/agent"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
	"github.com/davidleathers/policy-guardian/internal/ring"
	"github.com/davidleathers/policy-guardian/internal/service/remediation"
)

// AgentPool is the subset of the agent registry the orchestrator needs
type AgentPool interface {
	Assign(d *threat.Detection) (*agent.GuardianAgent, error)
	RecordDetection(id string) error
	Release(id string, resolved bool) error
	CreditResolution(id string) error
}

// Escalator accepts deferred escalation tasks
type Escalator interface {
	Enqueue(task remediation.Task) error
}

// Config controls response handling
type Config struct {
	HistorySize int
	// ResolvedIDs bounds how many resolved threat ids are remembered after
	// their detections leave the history, so late responses stay no-ops.
	ResolvedIDs int
	// AlertRate is the sustained ALERT log rate per threat type, per second.
	AlertRate  float64
	AlertBurst int
	// AlertThreshold is the starting alert threshold; MONITOR lowers it by
	// MonitorStep down to MinAlertThreshold.
	AlertThreshold    float64
	MonitorStep       float64
	MinAlertThreshold float64
	// HumanReviewBelow flags unneutralized responses less effective than this.
	HumanReviewBelow     float64
	UnneutralizedPenalty float64
	NeutralizingActions  []threat.ResponseAction
}

// DefaultConfig returns the standard orchestrator configuration
func DefaultConfig() Config {
	return Config{
		HistorySize:          1000,
		ResolvedIDs:          100000,
		AlertRate:            1,
		AlertBurst:           5,
		AlertThreshold:       0.5,
		MonitorStep:          0.1,
		MinAlertThreshold:    0.1,
		HumanReviewBelow:     0.7,
		UnneutralizedPenalty: 0.8,
		NeutralizingActions: []threat.ResponseAction{
			threat.ActionBlock,
			threat.ActionQuarantine,
			threat.ActionShutdown,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.ResolvedIDs < c.HistorySize {
		c.ResolvedIDs = max(def.ResolvedIDs, c.HistorySize)
	}
	if c.AlertRate <= 0 {
		c.AlertRate = def.AlertRate
	}
	if c.AlertBurst <= 0 {
		c.AlertBurst = def.AlertBurst
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = def.AlertThreshold
	}
	if c.MonitorStep <= 0 {
		c.MonitorStep = def.MonitorStep
	}
	if c.MinAlertThreshold <= 0 {
		c.MinAlertThreshold = def.MinAlertThreshold
	}
	if c.HumanReviewBelow <= 0 {
		c.HumanReviewBelow = def.HumanReviewBelow
	}
	if c.UnneutralizedPenalty <= 0 {
		c.UnneutralizedPenalty = def.UnneutralizedPenalty
	}
	if len(c.NeutralizingActions) == 0 {
		c.NeutralizingActions = def.NeutralizingActions
	}
}

// Emergency is the global emergency state set by SHUTDOWN
type Emergency struct {
	Active    bool      `json:"active"`
	ThreatID  string    `json:"threat_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	ClearedBy string    `json:"cleared_by,omitempty"`
	ClearedAt time.Time `json:"cleared_at,omitempty"`
}

// Stats summarizes orchestrator state
type Stats struct {
	Active         int    `json:"active"`
	Unassigned     int    `json:"unassigned"`
	Resolved       uint64 `json:"resolved"`
	Responses      uint64 `json:"responses"`
	Containments   uint64 `json:"containments"`
	EmergencyState bool   `json:"emergency"`
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithEscalator routes ESCALATE actions to a task queue
func WithEscalator(e Escalator) Option {
	return func(o *Orchestrator) {
		o.escalator = e
	}
}

type actionHandler func(ctx context.Context, d *threat.Detection, agentID string) (string, error)

// Orchestrator tracks active threats and drives them through
// DETECTED -> RESPONDING -> RESOLVED. The agent pool is never called while
// mu is held.
type Orchestrator struct {
	logger    *zap.Logger
	config    Config
	agents    AgentPool
	escalator Escalator
	now       func() time.Time
	handlers  map[threat.ResponseAction]actionHandler

	mu           sync.RWMutex
	active       map[string]*threat.Detection
	thresholds   map[string]float64
	limiters     map[threat.Type]*rate.Limiter
	emergency    Emergency
	resolved     *ring.Buffer[*threat.Detection]
	resolvedIDs  map[string]struct{}
	resolvedLog  *ring.Buffer[string]
	responses    *ring.Buffer[*threat.Response]
	containments *ring.Buffer[threat.Containment]
}

// New creates an orchestrator over the agent pool
func New(logger *zap.Logger, agents AgentPool, config Config, opts ...Option) *Orchestrator {
	config.applyDefaults()

	o := &Orchestrator{
		logger:       logger,
		config:       config,
		agents:       agents,
		now:          time.Now,
		active:       make(map[string]*threat.Detection),
		thresholds:   make(map[string]float64),
		limiters:     make(map[threat.Type]*rate.Limiter),
		resolved:     ring.New[*threat.Detection](config.HistorySize),
		resolvedIDs:  make(map[string]struct{}),
		resolvedLog:  ring.New[string](config.ResolvedIDs),
		responses:    ring.New[*threat.Response](config.HistorySize),
		containments: ring.New[threat.Containment](config.HistorySize),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.handlers = map[threat.ResponseAction]actionHandler{
		threat.ActionMonitor:    o.monitor,
		threat.ActionAlert:      o.alert,
		threat.ActionBlock:      o.contain(threat.ActionBlock),
		threat.ActionQuarantine: o.contain(threat.ActionQuarantine),
		threat.ActionShutdown:   o.shutdown,
		threat.ActionRepair:     o.repair,
		threat.ActionEscalate:   o.escalate,
	}
	return o
}

// Track starts tracking a new detection in DETECTED state
func (o *Orchestrator) Track(d *threat.Detection) error {
	if d == nil || d.ID == "" {
		return errors.NewValidationError("INVALID_THREAT", "threat must have an id")
	}

	tracked := d.Clone()
	tracked.Status = threat.StatusDetected
	if tracked.DetectedAt.IsZero() {
		tracked.DetectedAt = o.now()
	}
	tracked.UpdatedAt = tracked.DetectedAt

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.active[tracked.ID]; exists {
		return errors.NewConflictError(fmt.Sprintf("threat %q already tracked", tracked.ID))
	}
	o.active[tracked.ID] = tracked
	return nil
}

// Assign asks the agent pool for a guardian. It returns nil, nil when the
// threat is already assigned or no agent is eligible.
func (o *Orchestrator) Assign(threatID string) (*agent.GuardianAgent, error) {
	o.mu.RLock()
	d, ok := o.active[threatID]
	var snapshot *threat.Detection
	if ok && d.AssignedGuardian == "" {
		snapshot = d.Clone()
	}
	o.mu.RUnlock()

	if !ok {
		return nil, errors.ErrThreatNotFound
	}
	if snapshot == nil {
		return nil, nil
	}

	chosen, err := o.agents.Assign(snapshot)
	if err != nil || chosen == nil {
		return nil, err
	}

	o.mu.Lock()
	d, ok = o.active[threatID]
	claimed := ok && d.AssignedGuardian == ""
	if claimed {
		d.AssignedGuardian = chosen.ID
		d.UpdatedAt = o.now()
	}
	o.mu.Unlock()

	if !claimed {
		// Lost a race with another assignment or the threat resolved.
		if err := o.agents.Release(chosen.ID, false); err != nil {
			o.logger.Warn("Failed to release unused agent", zap.String("agent_id", chosen.ID), zap.Error(err))
		}
		return nil, nil
	}

	if err := o.agents.RecordDetection(chosen.ID); err != nil {
		o.logger.Warn("Failed to record detection", zap.String("agent_id", chosen.ID), zap.Error(err))
	}

	o.logger.Info("Threat assigned",
		zap.String("threat_id", threatID),
		zap.String("agent_id", chosen.ID),
	)
	return chosen, nil
}

// AssignPending retries assignment of every unassigned active threat and
// returns how many were assigned
func (o *Orchestrator) AssignPending() int {
	o.mu.RLock()
	var pending []*threat.Detection
	for _, d := range o.active {
		if d.AssignedGuardian == "" {
			pending = append(pending, d)
		}
	}
	sortDetections(pending)
	ids := make([]string, len(pending))
	for i, d := range pending {
		ids[i] = d.ID
	}
	o.mu.RUnlock()

	assigned := 0
	for _, id := range ids {
		a, err := o.Assign(id)
		if err != nil {
			o.logger.Debug("Pending assignment failed", zap.String("threat_id", id), zap.Error(err))
			continue
		}
		if a != nil {
			assigned++
		}
	}
	return assigned
}

// Respond executes actions against a tracked threat. Empty actions use the
// threat's recommended actions. Responding to a resolved threat is a no-op
// returning nil, nil.
func (o *Orchestrator) Respond(ctx context.Context, threatID string, actions []threat.ResponseAction, agentID string) (*threat.Response, error) {
	started := o.now()

	o.mu.Lock()
	d, ok := o.active[threatID]
	if !ok {
		o.mu.Unlock()
		if o.wasResolved(threatID) {
			return nil, nil
		}
		return nil, errors.ErrThreatNotFound
	}
	if d.Status == threat.StatusResolved {
		o.mu.Unlock()
		return nil, nil
	}
	if err := d.Transition(threat.StatusResponding, started); err != nil {
		o.mu.Unlock()
		return nil, errors.NewInternalError(err.Error())
	}
	snapshot := d.Clone()
	o.mu.Unlock()

	if len(actions) == 0 {
		actions = snapshot.RecommendedActions
	}
	responder := agentID
	if responder == "" {
		responder = snapshot.AssignedGuardian
	}

	resp := &threat.Response{
		ID:              uuid.New().String(),
		ThreatID:        threatID,
		RespondingAgent: responder,
		ActionsTaken:    append([]threat.ResponseAction(nil), actions...),
		StartedAt:       started,
	}
	for _, action := range actions {
		resp.Results = append(resp.Results, o.execute(ctx, action, snapshot, responder))
	}
	o.evaluate(resp)
	resp.CompletedAt = o.now()
	o.responses.Push(resp)

	if resp.ThreatNeutralized {
		o.resolve(threatID, responder, resp.CompletedAt)
	}

	o.logger.Info("Threat response completed",
		zap.String("threat_id", threatID),
		zap.String("agent_id", responder),
		zap.Bool("success", resp.Success),
		zap.Bool("neutralized", resp.ThreatNeutralized),
		zap.Float64("effectiveness", resp.EffectivenessScore),
	)
	return resp, nil
}

func (o *Orchestrator) execute(ctx context.Context, action threat.ResponseAction, d *threat.Detection, agentID string) (result threat.ActionResult) {
	result = threat.ActionResult{Action: action, ExecutedAt: o.now()}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("action panicked: %v", r)
			o.logger.Error("Response action panicked",
				zap.String("threat_id", d.ID),
				zap.String("action", string(action)),
				zap.Any("panic", r),
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		return result
	}

	handler, ok := o.handlers[action]
	if !ok {
		result.Error = fmt.Sprintf("unsupported action %q", action)
		return result
	}

	detail, err := handler(ctx, d, agentID)
	result.Detail = detail
	if err != nil {
		result.Error = err.Error()
		o.logger.Warn("Response action failed",
			zap.String("threat_id", d.ID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return result
	}
	result.Success = true
	return result
}

// evaluate fills the outcome fields of a response from its results
func (o *Orchestrator) evaluate(resp *threat.Response) {
	if len(resp.Results) == 0 {
		resp.RequiresHumanReview = true
		return
	}

	successes := 0
	for _, r := range resp.Results {
		if !r.Success {
			continue
		}
		successes++
		for _, n := range o.config.NeutralizingActions {
			if r.Action == n {
				resp.ThreatNeutralized = true
			}
		}
	}

	resp.Success = successes == len(resp.Results)
	resp.EffectivenessScore = float64(successes) / float64(len(resp.Results))
	if !resp.ThreatNeutralized {
		resp.EffectivenessScore *= o.config.UnneutralizedPenalty
		resp.RequiresHumanReview = resp.EffectivenessScore < o.config.HumanReviewBelow
	}
}

func (o *Orchestrator) resolve(threatID, responder string, at time.Time) {
	o.mu.Lock()
	d, ok := o.active[threatID]
	if ok {
		if err := d.Transition(threat.StatusResolved, at); err != nil {
			o.mu.Unlock()
			o.logger.Error("Failed to resolve threat", zap.String("threat_id", threatID), zap.Error(err))
			return
		}
		delete(o.active, threatID)
		o.resolved.Push(d)
		o.resolvedIDs[threatID] = struct{}{}
		if old, evicted := o.resolvedLog.PushEvict(threatID); evicted {
			delete(o.resolvedIDs, old)
		}
	}
	o.mu.Unlock()

	if !ok {
		// A concurrent response already resolved it.
		return
	}

	assigned := d.AssignedGuardian
	if assigned != "" {
		if err := o.agents.Release(assigned, responder == assigned); err != nil {
			o.logger.Warn("Failed to release agent", zap.String("agent_id", assigned), zap.Error(err))
		}
	}
	if responder != "" && responder != assigned {
		if err := o.agents.CreditResolution(responder); err != nil {
			o.logger.Warn("Failed to credit responding agent", zap.String("agent_id", responder), zap.Error(err))
		}
	}
}

func (o *Orchestrator) wasResolved(threatID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.resolvedIDs[threatID]
	return ok
}

// Get returns a copy of an active or recently resolved threat
func (o *Orchestrator) Get(threatID string) (*threat.Detection, error) {
	o.mu.RLock()
	d, ok := o.active[threatID]
	if ok {
		c := d.Clone()
		o.mu.RUnlock()
		return c, nil
	}
	o.mu.RUnlock()

	for _, d := range o.resolved.Snapshot() {
		if d.ID == threatID {
			return d.Clone(), nil
		}
	}
	return nil, errors.ErrThreatNotFound
}

// Active returns copies of the active threats, oldest first
func (o *Orchestrator) Active() []*threat.Detection {
	o.mu.RLock()
	out := make([]*threat.Detection, 0, len(o.active))
	for _, d := range o.active {
		out = append(out, d.Clone())
	}
	o.mu.RUnlock()

	sortDetections(out)
	return out
}

// Resolved returns up to n recently resolved threats, oldest first
func (o *Orchestrator) Resolved(n int) []*threat.Detection {
	items := o.resolved.Last(n)
	out := make([]*threat.Detection, len(items))
	for i, d := range items {
		out[i] = d.Clone()
	}
	return out
}

// Responses returns up to n recent responses, oldest first
func (o *Orchestrator) Responses(n int) []*threat.Response {
	return o.responses.Last(n)
}

// Containments returns up to n recent containments, oldest first
func (o *Orchestrator) Containments(n int) []threat.Containment {
	return o.containments.Last(n)
}

// AlertThreshold returns the current alert threshold for an agent and
// threat type
func (o *Orchestrator) AlertThreshold(agentID string, t threat.Type) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if v, ok := o.thresholds[thresholdKey(agentID, t)]; ok {
		return v
	}
	return o.config.AlertThreshold
}

// Emergency returns the global emergency state
func (o *Orchestrator) Emergency() Emergency {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.emergency
}

// ClearEmergency resets a SHUTDOWN emergency. It reports whether an
// emergency was active.
func (o *Orchestrator) ClearEmergency(operator string) (bool, error) {
	if operator == "" {
		return false, errors.NewValidationError("OPERATOR_REQUIRED", "clearing an emergency requires an operator")
	}

	o.mu.Lock()
	wasActive := o.emergency.Active
	if wasActive {
		o.emergency.Active = false
		o.emergency.ClearedBy = operator
		o.emergency.ClearedAt = o.now()
	}
	o.mu.Unlock()

	if wasActive {
		o.logger.Warn("Emergency cleared", zap.String("operator", operator))
	}
	return wasActive, nil
}

// Stats summarizes orchestrator state
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	stats := Stats{
		Active:         len(o.active),
		EmergencyState: o.emergency.Active,
	}
	for _, d := range o.active {
		if d.AssignedGuardian == "" {
			stats.Unassigned++
		}
	}
	o.mu.RUnlock()

	stats.Resolved = o.resolved.Total()
	stats.Responses = o.responses.Total()
	stats.Containments = o.containments.Total()
	return stats
}

func sortDetections(ds []*threat.Detection) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].DetectedAt.Equal(ds[j].DetectedAt) {
			return ds[i].DetectedAt.Before(ds[j].DetectedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

func thresholdKey(agentID string, t threat.Type) string {
	return agentID + "|" + string(t)
}
