package rules

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// Pack is a YAML rule pack
type Pack struct {
	Version string     `yaml:"version"`
	Rules   []packRule `yaml:"rules"`
}

type packRule struct {
	compliance.ComplianceRule `yaml:",inline"`
	Conditions                []packCondition `yaml:"conditions"`
}

type packCondition struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	Field string `yaml:"field"`

	// keyword_list
	Keywords   []string `yaml:"keywords"`
	Saturation int      `yaml:"saturation"`

	// threshold
	Limit float64 `yaml:"limit"`
	Bound string  `yaml:"bound"`
	Span  float64 `yaml:"span"`

	// boolean_flag
	ViolatesWhen *bool `yaml:"violates_when"`

	// cel
	Expression string   `yaml:"expression"`
	Inputs     []string `yaml:"inputs"`
}

// LoadPack reads a rule pack file
func LoadPack(path string) ([]*compliance.ComplianceRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewConfigurationError("RULE_PACK_UNREADABLE",
			fmt.Sprintf("cannot open rule pack %s", path)).WithCause(err)
	}
	defer f.Close()

	return DecodePack(f)
}

// DecodePack decodes rule definitions from YAML. Any malformed rule or
// condition fails the whole pack.
func DecodePack(r io.Reader) ([]*compliance.ComplianceRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var pack Pack
	if err := dec.Decode(&pack); err != nil && err != io.EOF {
		return nil, errors.NewConfigurationError("RULE_PACK_INVALID", "cannot decode rule pack").WithCause(err)
	}

	out := make([]*compliance.ComplianceRule, 0, len(pack.Rules))
	for i := range pack.Rules {
		pr := pack.Rules[i]
		rule := pr.ComplianceRule
		if rule.Weight == 0 {
			rule.Weight = 1.0
		}

		for _, pc := range pr.Conditions {
			cond, err := pc.build()
			if err != nil {
				return nil, errors.NewConfigurationError("RULE_PACK_INVALID",
					fmt.Sprintf("rule %q condition %q", rule.ID, pc.Name)).WithCause(err)
			}
			rule.Conditions = append(rule.Conditions, cond)
		}
		out = append(out, &rule)
	}
	return out, nil
}

func (pc packCondition) build() (compliance.Condition, error) {
	switch strings.ToLower(pc.Kind) {
	case "keyword_list", "keywords":
		return compliance.KeywordList{
			ConditionName: pc.Name,
			Field:         pc.Field,
			Keywords:      pc.Keywords,
			Saturation:    pc.Saturation,
		}, nil

	case "threshold":
		bound := compliance.AtMost
		switch strings.ToLower(pc.Bound) {
		case "", "at_most", "max":
		case "at_least", "min":
			bound = compliance.AtLeast
		default:
			return nil, fmt.Errorf("unknown bound %q", pc.Bound)
		}
		return compliance.Threshold{
			ConditionName: pc.Name,
			Field:         pc.Field,
			Limit:         pc.Limit,
			Bound:         bound,
			Span:          pc.Span,
		}, nil

	case "boolean_flag", "boolean":
		violates := true
		if pc.ViolatesWhen != nil {
			violates = *pc.ViolatesWhen
		}
		return compliance.BooleanFlag{
			ConditionName: pc.Name,
			Field:         pc.Field,
			ViolatesWhen:  violates,
		}, nil

	case "cel":
		return NewCELCondition(pc.Name, pc.Expression, pc.Inputs)

	default:
		return nil, fmt.Errorf("unknown condition kind %q", pc.Kind)
	}
}
