package compliance

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/values"
)

// DefaultTextFields are scanned by keyword conditions that name no field
var DefaultTextFields = []string{"ai_response", "response", "content", "text"}

// ConditionEvaluator scores single conditions against input data. It is
// stateless and safe for concurrent use.
type ConditionEvaluator struct {
	textFields []string
}

// NewConditionEvaluator creates an evaluator reading textFields for keyword
// conditions without an explicit field
func NewConditionEvaluator(textFields []string) *ConditionEvaluator {
	if len(textFields) == 0 {
		textFields = DefaultTextFields
	}
	return &ConditionEvaluator{textFields: textFields}
}

// ConditionScore is the outcome of one condition
type ConditionScore struct {
	Score float64
	// Present is false when the data lacked the fields the condition reads.
	Present bool
}

// Evaluate scores cond against data. The score is always in [0,1], with 1
// fully compliant. A missing field scores 1 with Present unset. Nil or
// unrecognised conditions score 1. Errors mean the condition could not be
// computed and must be treated as a failure by the caller.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cond compliance.Condition, data map[string]interface{}) (ConditionScore, error) {
	switch c := cond.(type) {
	case nil:
		return ConditionScore{Score: 1, Present: true}, nil
	case compliance.KeywordList:
		return e.keywords(c, data), nil
	case compliance.Threshold:
		return e.threshold(c, data)
	case compliance.BooleanFlag:
		return e.boolean(c, data)
	case compliance.Custom:
		return e.custom(ctx, c, data)
	default:
		return ConditionScore{Score: 1, Present: true}, nil
	}
}

func (e *ConditionEvaluator) text(c compliance.KeywordList, data map[string]interface{}) (string, bool) {
	if c.Field != "" {
		s, ok := data[c.Field].(string)
		return s, ok
	}

	var parts []string
	for _, f := range e.textFields {
		if s, ok := data[f].(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n"), len(parts) > 0
}

// TextPresent reports whether any default text field is present
func (e *ConditionEvaluator) TextPresent(data map[string]interface{}) bool {
	for _, f := range e.textFields {
		if _, ok := data[f].(string); ok {
			return true
		}
	}
	return false
}

func (e *ConditionEvaluator) keywords(c compliance.KeywordList, data map[string]interface{}) ConditionScore {
	text, ok := e.text(c, data)
	if !ok {
		return ConditionScore{Score: 1}
	}

	lower := strings.ToLower(text)
	matches := 0
	for _, k := range c.Keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			matches++
		}
	}

	ratio := float64(matches) / float64(c.EffectiveSaturation())
	return ConditionScore{Score: 1 - math.Min(1, ratio), Present: true}
}

func (e *ConditionEvaluator) threshold(c compliance.Threshold, data map[string]interface{}) (ConditionScore, error) {
	raw, ok := data[c.Field]
	if !ok || raw == nil {
		return ConditionScore{Score: 1}, nil
	}
	v, err := values.Float(raw)
	if err != nil {
		return ConditionScore{}, fmt.Errorf("field %q: %w", c.Field, err)
	}

	var excess float64
	switch c.Bound {
	case compliance.AtLeast:
		excess = c.Limit - v
	default:
		excess = v - c.Limit
	}
	if excess <= 0 {
		return ConditionScore{Score: 1, Present: true}, nil
	}
	return ConditionScore{Score: values.Clamp01(1 - excess/c.EffectiveSpan()), Present: true}, nil
}

func (e *ConditionEvaluator) boolean(c compliance.BooleanFlag, data map[string]interface{}) (ConditionScore, error) {
	raw, ok := data[c.Field]
	if !ok || raw == nil {
		return ConditionScore{Score: 1}, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return ConditionScore{}, fmt.Errorf("field %q is %T, want bool", c.Field, raw)
	}
	if v == c.ViolatesWhen {
		return ConditionScore{Score: 0, Present: true}, nil
	}
	return ConditionScore{Score: 1, Present: true}, nil
}

func (e *ConditionEvaluator) custom(ctx context.Context, c compliance.Custom, data map[string]interface{}) (ConditionScore, error) {
	if c.Fn == nil {
		return ConditionScore{}, fmt.Errorf("custom condition %q has no score function", c.ConditionName)
	}

	// Missing inputs score like a missing Threshold or BooleanFlag field.
	for _, in := range c.Inputs {
		if raw, ok := data[in]; !ok || raw == nil {
			return ConditionScore{Score: 1}, nil
		}
	}

	v, err := c.Fn(ctx, data)
	if err != nil {
		return ConditionScore{}, err
	}
	if math.IsNaN(v) {
		return ConditionScore{}, fmt.Errorf("custom condition %q returned NaN", c.ConditionName)
	}
	return ConditionScore{Score: values.Clamp01(v), Present: true}, nil
}
