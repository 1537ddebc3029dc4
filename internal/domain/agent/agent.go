package agent

import (
	"time"
)

// Role is the specialization class of a guardian agent
type Role string

const (
	RoleCommander Role = "COMMANDER"
	RoleSentinel  Role = "SENTINEL"
	RoleEnforcer  Role = "ENFORCER"
	RoleHealer    Role = "HEALER"
	RoleScout     Role = "SCOUT"
	RoleGuardian  Role = "GUARDIAN"
)

// Status is the operational state of an agent
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusAlert       Status = "ALERT"
	StatusWarning     Status = "WARNING"
	StatusCritical    Status = "CRITICAL"
	StatusEmergency   Status = "EMERGENCY"
	StatusMaintenance Status = "MAINTENANCE"
	StatusOffline     Status = "OFFLINE"
)

// Assignable reports whether an agent in this status may take new threats
func (s Status) Assignable() bool {
	return s == StatusActive || s == StatusAlert
}

// ScopeAllSystems matches every threat source
const ScopeAllSystems = "all_systems"

// GuardianAgent is a specialized worker that threats are assigned to.
// Agents are never deleted; missed heartbeats mark them OFFLINE.
type GuardianAgent struct {
	ID              string    `json:"id" yaml:"id" validate:"required"`
	Role            Role      `json:"role" yaml:"role" validate:"required"`
	Status          Status    `json:"status" yaml:"status"`
	Capabilities    []string  `json:"capabilities" yaml:"capabilities"`
	Specializations []string  `json:"specializations" yaml:"specializations"`
	MonitoringScope []string  `json:"monitoring_scope" yaml:"monitoring_scope"`
	ThreatsDetected int64     `json:"threats_detected"`
	ThreatsResolved int64     `json:"threats_resolved"`
	PriorityLevel   int       `json:"priority_level" yaml:"priority_level"`
	CurrentLoad     int       `json:"current_load"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// SuccessRate is resolved/detected capped at 1, zero without history
func (a *GuardianAgent) SuccessRate() float64 {
	if a.ThreatsDetected <= 0 {
		return 0
	}
	if a.ThreatsResolved >= a.ThreatsDetected {
		return 1
	}
	return float64(a.ThreatsResolved) / float64(a.ThreatsDetected)
}

// HasHistory reports whether the agent has been assigned any threat
func (a *GuardianAgent) HasHistory() bool {
	return a.ThreatsDetected > 0
}

// Availability is max(0.1, 1 - 0.1*load)
func (a *GuardianAgent) Availability() float64 {
	v := 1 - 0.1*float64(a.CurrentLoad)
	if v < 0.1 {
		return 0.1
	}
	return v
}

// Clone returns a deep copy
func (a *GuardianAgent) Clone() *GuardianAgent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Specializations = append([]string(nil), a.Specializations...)
	c.MonitoringScope = append([]string(nil), a.MonitoringScope...)
	return &c
}

// DefaultAgents returns the fixed seed pool created at startup
func DefaultAgents() []*GuardianAgent {
	return []*GuardianAgent{
		{
			ID:              "commander-01",
			Role:            RoleCommander,
			Capabilities:    []string{"coordination", "escalation"},
			Specializations: []string{"security_breach"},
			MonitoringScope: []string{ScopeAllSystems},
			PriorityLevel:   10,
		},
		{
			ID:              "sentinel-01",
			Role:            RoleSentinel,
			Capabilities:    []string{"drift", "monitoring", "anomaly"},
			Specializations: []string{"drift_detection"},
			MonitoringScope: []string{"drift_monitor", "model_outputs"},
			PriorityLevel:   8,
		},
		{
			ID:              "enforcer-01",
			Role:            RoleEnforcer,
			Capabilities:    []string{"blocking", "constitutional"},
			Specializations: []string{"constitutional_violation"},
			MonitoringScope: []string{"compliance_engine"},
			PriorityLevel:   9,
		},
		{
			ID:              "healer-01",
			Role:            RoleHealer,
			Capabilities:    []string{"repair", "drift"},
			Specializations: []string{"recovery"},
			MonitoringScope: []string{"model_outputs"},
			PriorityLevel:   6,
		},
		{
			ID:              "scout-01",
			Role:            RoleScout,
			Capabilities:    []string{"anomaly", "reconnaissance"},
			Specializations: []string{"anomaly_detection"},
			MonitoringScope: []string{"network", "api_gateway"},
			PriorityLevel:   5,
		},
		{
			ID:              "guardian-01",
			Role:            RoleGuardian,
			Capabilities:    []string{"security", "quarantine"},
			Specializations: []string{"security_breach"},
			MonitoringScope: []string{"api_gateway", "auth_service"},
			PriorityLevel:   9,
		},
	}
}
