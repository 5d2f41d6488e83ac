package saga

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_Scalars(t *testing.T) {
	assert.Nil(t, Sanitize(nil))
	assert.Equal(t, "hello", Sanitize("hello"))
	assert.Equal(t, 42, Sanitize(42))
	assert.Equal(t, true, Sanitize(true))
	assert.Equal(t, 3.14, Sanitize(3.14))
}

func TestSanitize_NonFiniteFloats(t *testing.T) {
	assert.Equal(t, "NaN", Sanitize(math.NaN()))
	assert.Equal(t, "+Inf", Sanitize(math.Inf(1)))
	assert.Equal(t, "-Inf", Sanitize(math.Inf(-1)))
}

func TestSanitize_Time(t *testing.T) {
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-15T10:30:00Z", Sanitize(ts))
}

func TestSanitize_Error(t *testing.T) {
	assert.Equal(t, "boom", Sanitize(errors.New("boom")))
}

func TestSanitize_NestedContainers(t *testing.T) {
	in := map[string]any{
		"rows": []any{
			map[string]any{"amount": math.NaN(), "when": time.Unix(0, 0).UTC()},
		},
		"count": 1,
	}
	out, ok := Sanitize(in).(map[string]any)
	require.True(t, ok)

	rows := out["rows"].([]any)
	row := rows[0].(map[string]any)
	assert.Equal(t, "NaN", row["amount"])
	assert.Equal(t, "1970-01-01T00:00:00Z", row["when"])

	// The result must be serializable as-is.
	_, err := json.Marshal(out)
	require.NoError(t, err)
}

func TestSanitize_NonStringKeyedMap(t *testing.T) {
	out, ok := Sanitize(map[int]string{1: "a", 2: "b"}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a", out["1"])
	assert.Equal(t, "b", out["2"])
}

func TestSanitize_Struct(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	out, ok := Sanitize(payload{Name: "x", Count: 3}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", out["name"])
	assert.Equal(t, float64(3), out["count"])
}

func TestSanitizeMap(t *testing.T) {
	assert.Nil(t, SanitizeMap(nil))

	out := SanitizeMap(map[string]any{"v": math.Inf(1)})
	assert.Equal(t, "+Inf", out["v"])
}
