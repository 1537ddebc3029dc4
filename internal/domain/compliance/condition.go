package compliance

import (
	"context"
	"fmt"
	"math"
)

// ConditionKind enumerates the closed set of condition variants
type ConditionKind int

const (
	KindKeywordList ConditionKind = iota
	KindThreshold
	KindBooleanFlag
	KindCustom
)

func (k ConditionKind) String() string {
	switch k {
	case KindKeywordList:
		return "keyword_list"
	case KindThreshold:
		return "threshold"
	case KindBooleanFlag:
		return "boolean_flag"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Condition is one scored check inside a rule. The set of implementations is
// closed: KeywordList, Threshold, BooleanFlag and Custom.
type Condition interface {
	Name() string
	Kind() ConditionKind
	// Fields lists the data keys the condition reads. A KeywordList
	// without a field reads the evaluator's default text fields instead.
	Fields() []string
	validate() error
}

// KeywordList scores text by counting listed phrases found in it
type KeywordList struct {
	ConditionName string
	// Field is the data key holding the text. Empty scans the default
	// text fields.
	Field    string
	Keywords []string
	// Saturation is the number of matches that drives the score to zero.
	// Zero means max(1, len(Keywords)/2).
	Saturation int
}

func (c KeywordList) Name() string        { return c.ConditionName }
func (c KeywordList) Kind() ConditionKind { return KindKeywordList }

func (c KeywordList) Fields() []string {
	if c.Field == "" {
		return nil
	}
	return []string{c.Field}
}

// EffectiveSaturation resolves the zero-value default
func (c KeywordList) EffectiveSaturation() int {
	if c.Saturation > 0 {
		return c.Saturation
	}
	if n := len(c.Keywords) / 2; n > 1 {
		return n
	}
	return 1
}

func (c KeywordList) validate() error {
	if len(c.Keywords) == 0 {
		return fmt.Errorf("keyword list is empty")
	}
	for _, k := range c.Keywords {
		if k == "" {
			return fmt.Errorf("empty keyword")
		}
	}
	if c.Saturation < 0 {
		return fmt.Errorf("saturation must not be negative")
	}
	return nil
}

// Bound selects which side of a Threshold limit is compliant
type Bound int

const (
	// AtMost is compliant while value <= Limit
	AtMost Bound = iota
	// AtLeast is compliant while value >= Limit
	AtLeast
)

// Threshold scores a numeric field against a limit. Out-of-bound values
// degrade linearly over Span and reach zero at Limit±Span.
type Threshold struct {
	ConditionName string
	Field         string
	Limit         float64
	Bound         Bound
	// Span defaults to 1.0 when zero.
	Span float64
}

func (c Threshold) Name() string        { return c.ConditionName }
func (c Threshold) Kind() ConditionKind { return KindThreshold }
func (c Threshold) Fields() []string    { return []string{c.Field} }

// EffectiveSpan resolves the zero-value default
func (c Threshold) EffectiveSpan() float64 {
	if c.Span > 0 {
		return c.Span
	}
	return 1.0
}

func (c Threshold) validate() error {
	if c.Field == "" {
		return fmt.Errorf("threshold field is empty")
	}
	if math.IsNaN(c.Limit) || math.IsInf(c.Limit, 0) {
		return fmt.Errorf("threshold limit must be finite")
	}
	if c.Span < 0 {
		return fmt.Errorf("span must not be negative")
	}
	if c.Bound != AtMost && c.Bound != AtLeast {
		return fmt.Errorf("unknown bound %d", c.Bound)
	}
	return nil
}

// BooleanFlag scores 0 when Field equals ViolatesWhen, 1 otherwise
type BooleanFlag struct {
	ConditionName string
	Field         string
	ViolatesWhen  bool
}

func (c BooleanFlag) Name() string        { return c.ConditionName }
func (c BooleanFlag) Kind() ConditionKind { return KindBooleanFlag }
func (c BooleanFlag) Fields() []string    { return []string{c.Field} }

func (c BooleanFlag) validate() error {
	if c.Field == "" {
		return fmt.Errorf("boolean flag field is empty")
	}
	return nil
}

// ScoreFunc computes a compliance score in [0,1] from input data. ctx
// carries the evaluation deadline; long running functions should stop when
// it is done.
type ScoreFunc func(ctx context.Context, data map[string]interface{}) (float64, error)

// Custom delegates scoring to a caller supplied function. Fn is only called
// when every key in Inputs is present.
type Custom struct {
	ConditionName string
	Inputs        []string
	Fn            ScoreFunc
	// Source is a human readable description, e.g. the CEL expression.
	Source string
}

func (c Custom) Name() string        { return c.ConditionName }
func (c Custom) Kind() ConditionKind { return KindCustom }
func (c Custom) Fields() []string    { return c.Inputs }

func (c Custom) validate() error {
	if c.Fn == nil {
		return fmt.Errorf("custom condition has no score function")
	}
	return nil
}
