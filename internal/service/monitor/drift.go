package monitor

import (
	"math"

	"github.com/davidleathers/policy-guardian/internal/domain/agent"
)

const (
	threatSaturation    = 100.0
	violationSaturation = 10.0
)

// Components is one drift computation and its inputs
type Components struct {
	AgentDeviation    float64 `json:"agent_deviation"`
	ThreatPressure    float64 `json:"threat_pressure"`
	ViolationPressure float64 `json:"violation_pressure"`
	Drift             float64 `json:"drift"`

	AgentsWithHistory int `json:"agents_with_history"`
	ActiveThreats     int `json:"active_threats"`
	Violations        int `json:"violations"`
}

// ComputeDrift averages three indicators in [0,1]: mean deviation of agent
// success rates from expected, active threats over 100, and recent
// constitutional violations over 10. Agents without history are ignored
// and empty input yields zero.
func ComputeDrift(agents []*agent.GuardianAgent, activeThreats, violations int, expectedSuccess float64) Components {
	c := Components{
		ActiveThreats: activeThreats,
		Violations:    violations,
	}

	var deviation float64
	for _, a := range agents {
		if !a.HasHistory() {
			continue
		}
		deviation += math.Abs(expectedSuccess - a.SuccessRate())
		c.AgentsWithHistory++
	}
	if c.AgentsWithHistory > 0 {
		c.AgentDeviation = math.Min(1, deviation/float64(c.AgentsWithHistory))
	}

	c.ThreatPressure = math.Min(1, math.Max(0, float64(activeThreats))/threatSaturation)
	c.ViolationPressure = math.Min(1, math.Max(0, float64(violations))/violationSaturation)
	c.Drift = (c.AgentDeviation + c.ThreatPressure + c.ViolationPressure) / 3
	return c
}
