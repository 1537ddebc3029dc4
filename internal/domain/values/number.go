// Package values holds small value helpers shared by the domain services.
package values

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Float converts a loosely typed input value, as found in request data
// maps, to float64. Numeric strings are parsed.
func Float(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("value %T is not numeric", v)
	}
}

// FloatOr returns the numeric value of data[key], or def when the key is
// missing or not numeric
func FloatOr(data map[string]interface{}, key string, def float64) float64 {
	raw, ok := data[key]
	if !ok || raw == nil {
		return def
	}
	f, err := Float(raw)
	if err != nil || math.IsNaN(f) {
		return def
	}
	return f
}

// Bool reports data[key] as a bool. Strings "true"/"false" are accepted.
func Bool(data map[string]interface{}, key string) bool {
	switch b := data[key].(type) {
	case bool:
		return b
	case string:
		v, err := strconv.ParseBool(b)
		return err == nil && v
	default:
		return false
	}
}

// Clamp01 limits v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
