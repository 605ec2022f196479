package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericController_DefaultAboveMaxRejected(t *testing.T) {
	c := NewNumericController(0, 100)

	ok := c.SetDefault(150)
	assert.False(t, ok, "default above max must be rejected")
	assert.EqualValues(t, 0, c.Default(), "default must be left unchanged")

	ok = c.SetDefault(80)
	assert.True(t, ok)
	assert.EqualValues(t, 80, c.Default())
}

func TestNumericController_LoweringMaxPullsDefaultDown(t *testing.T) {
	c := NewNumericController(90, 100)
	c.SetMax(50)
	assert.EqualValues(t, 50, c.Default(), "default must follow a lowered max")
	assert.EqualValues(t, 50, c.Max())
}

func TestExecutionDurationController_Validate(t *testing.T) {
	c := NewExecutionDurationController(0, 5000)

	v, err := c.Validate(ExecutionDuration, 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, v)

	// Numeric strings are accepted.
	v, err = c.Validate(ExecutionDuration, "2500")
	require.NoError(t, err)
	assert.EqualValues(t, 2500, v)

	// Negative and zero clamp to unlimited.
	v, err = c.Validate(ExecutionDuration, -5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)

	// Over the maximum is an error, not a clamp.
	_, err = c.Validate(ExecutionDuration, 9000)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ExecutionDuration, ve.Param)
}

func TestDurationController_ParseForms(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"2h", 7200000},
		{"500ms", 500},
		{"42", 42},
		{"3s", 3000},
		{"1sec", 1000},
		{"10 min ", 600000},
		{"1D", 86400000},
		{"2W", 2 * 7 * 86400000},
		{"1M", 30 * 86400000},
		{"1Y", 365 * 86400000},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDuration(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDurationController_BadUnit(t *testing.T) {
	_, err := ParseDuration("5 fortnights")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fortnights")
	assert.Contains(t, err.Error(), "accepted units")

	// Unit tokens are case-sensitive: "d" is not "D".
	_, err = ParseDuration("3d")
	require.Error(t, err)

	_, err = ParseDuration("h")
	require.Error(t, err, "missing digits")
}

func TestDurationController_ClampsToBounds(t *testing.T) {
	c := NewDurationController(0, 1000, 60000)

	v, err := c.Validate("pollInterval", "1ms")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, v, "below min clamps up")

	v, err = c.Validate("pollInterval", "2h")
	require.NoError(t, err)
	assert.EqualValues(t, 60000, v, "above max clamps down")

	_, err = c.Validate("pollInterval", "eleven")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "pollInterval", ve.Param)
}

func TestDestructionController_AbsoluteMax(t *testing.T) {
	c := NewDestructionController()
	max := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetMaxTime(max)

	v, err := c.Validate(Destruction, "2026-12-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), v)

	_, err = c.Validate(Destruction, max.Add(time.Hour))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestDestructionController_IntervalMax(t *testing.T) {
	c := NewDestructionController()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.SetMaxInterval(7, FieldDay)

	_, err := c.Validate(Destruction, now.AddDate(0, 0, 3))
	require.NoError(t, err)

	_, err = c.Validate(Destruction, now.AddDate(0, 0, 10))
	require.Error(t, err)
}

func TestDestructionController_SettingOneSlotClearsOther(t *testing.T) {
	c := NewDestructionController()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.SetDefaultTime(now.Add(time.Hour))
	c.SetDefaultInterval(2, FieldDay)
	assert.Equal(t, now.AddDate(0, 0, 2), c.DefaultValue(), "interval replaces the absolute default")

	c.SetDefaultTime(now.Add(time.Hour))
	assert.Equal(t, now.Add(time.Hour), c.DefaultValue(), "absolute replaces the interval default")
}

func TestDestructionController_BadValue(t *testing.T) {
	c := NewDestructionController()
	_, err := c.Validate(Destruction, "not-a-date")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = c.Validate(Destruction, 12345)
	require.Error(t, err)
}

func TestEnumController(t *testing.T) {
	c := NewEnumController("", "VOTable", "csv", "json")

	v, err := c.Validate("format", "votable")
	require.NoError(t, err)
	assert.Equal(t, "VOTable", v, "canonical casing from the allow-list wins")

	_, err = c.Validate("format", "xml")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "VOTable, csv, json")

	// No allow-list accepts any string.
	open := NewEnumController("")
	v, err = open.Validate("label", "anything goes")
	require.NoError(t, err)
	assert.Equal(t, "anything goes", v)

	_, err = open.Validate("label", 7)
	require.Error(t, err)
}
