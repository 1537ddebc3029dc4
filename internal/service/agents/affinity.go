package agents

import (
	"strings"

	"github.com/davidleathers/policy-guardian/internal/domain/agent"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
)

// Wildcard matches any role or threat type in an affinity table
const Wildcard = "*"

// AffinityTable maps role -> threat type -> base affinity
type AffinityTable map[string]map[string]float64

// DefaultAffinity returns the standard role affinity table
func DefaultAffinity() AffinityTable {
	return AffinityTable{
		string(agent.RoleSentinel): {
			string(threat.TypeDriftDetection):          0.9,
			string(threat.TypeAnomalyDetection):        0.8,
			string(threat.TypeConstitutionalViolation): 0.6,
			string(threat.TypeSecurityBreach):          0.5,
		},
		string(agent.RoleEnforcer): {
			string(threat.TypeConstitutionalViolation): 0.9,
			string(threat.TypeSecurityBreach):          0.8,
		},
		string(agent.RoleGuardian): {
			string(threat.TypeSecurityBreach):          0.9,
			string(threat.TypeConstitutionalViolation): 0.7,
		},
		string(agent.RoleHealer): {
			string(threat.TypeDriftDetection):   0.7,
			string(threat.TypeAnomalyDetection): 0.6,
		},
		string(agent.RoleScout): {
			string(threat.TypeAnomalyDetection): 0.7,
			string(threat.TypeDriftDetection):   0.6,
		},
		string(agent.RoleCommander): {
			Wildcard: 0.5,
		},
		Wildcard: {
			Wildcard: 0.3,
		},
	}
}

// Lookup returns the affinity of role for threatType, falling back to the
// role wildcard, then the table wildcard, then zero
func (t AffinityTable) Lookup(role agent.Role, threatType threat.Type) float64 {
	for _, r := range []string{string(role), strings.ToUpper(string(role))} {
		if byType, ok := t[r]; ok {
			if v, ok := byType[string(threatType)]; ok {
				return v
			}
			if v, ok := byType[Wildcard]; ok {
				return v
			}
		}
	}
	if byType, ok := t[Wildcard]; ok {
		if v, ok := byType[string(threatType)]; ok {
			return v
		}
		return byType[Wildcard]
	}
	return 0
}

const (
	capabilityBonus     = 0.2
	specializationBonus = 0.3
	scopeBonus          = 0.1
	successWeight       = 0.2
)

// Score rates how well a suits d. Higher is better. An agent without
// history contributes a success rate of zero.
func Score(a *agent.GuardianAgent, d *threat.Detection, affinity float64) float64 {
	threatType := strings.ToLower(string(d.Type))

	score := affinity
	for _, c := range a.Capabilities {
		if substringMatch(c, threatType) {
			score += capabilityBonus
		}
	}
	for _, s := range a.Specializations {
		if substringMatch(s, threatType) {
			score += specializationBonus
		}
	}
	for _, scope := range a.MonitoringScope {
		if scope == agent.ScopeAllSystems ||
			(d.Source != "" && strings.EqualFold(scope, d.Source)) ||
			(d.Target != "" && strings.EqualFold(scope, d.Target)) {
			score += scopeBonus
		}
	}
	score += a.SuccessRate() * successWeight

	return score * a.Availability()
}

func substringMatch(term, threatType string) bool {
	term = strings.ToLower(term)
	if term == "" {
		return false
	}
	return strings.Contains(threatType, term) || strings.Contains(term, threatType)
}
