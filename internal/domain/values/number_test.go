package values

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    float64
		wantErr bool
	}{
		{name: "float64", in: 0.25, want: 0.25},
		{name: "int", in: 3, want: 3},
		{name: "uint8", in: uint8(7), want: 7},
		{name: "json number", in: json.Number("1.5"), want: 1.5},
		{name: "string", in: " 42 ", want: 42},
		{name: "bad string", in: "abc", wantErr: true},
		{name: "bool", in: true, wantErr: true},
		{name: "nil", in: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Float(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFloatOr(t *testing.T) {
	data := map[string]interface{}{"a": 0.4, "b": "x", "c": math.NaN()}
	assert.Equal(t, 0.4, FloatOr(data, "a", 1))
	assert.Equal(t, 1.0, FloatOr(data, "b", 1))
	assert.Equal(t, 1.0, FloatOr(data, "c", 1))
	assert.Equal(t, 1.0, FloatOr(data, "missing", 1))
}

func TestBool(t *testing.T) {
	data := map[string]interface{}{"a": true, "b": "true", "c": "nope", "d": 1}
	assert.True(t, Bool(data, "a"))
	assert.True(t, Bool(data, "b"))
	assert.False(t, Bool(data, "c"))
	assert.False(t, Bool(data, "d"))
	assert.False(t, Bool(data, "missing"))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-3))
	assert.Equal(t, 1.0, Clamp01(7))
	assert.Equal(t, 0.5, Clamp01(0.5))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}
