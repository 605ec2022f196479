package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Controller is the per-parameter validation policy applied by a Store on
// every write.
//
// Controllers are shared between request-handling goroutines and must be
// safe for concurrent use.
type Controller interface {
	// DefaultValue returns the value seeded at Init time, or nil when the
	// parameter has no default.
	DefaultValue() any

	// Validate checks (and possibly normalizes) a candidate value.
	// The returned value is what gets stored.
	Validate(name string, value any) (any, error)

	// AllowsPostInitModification reports whether the parameter may still be
	// changed after job creation.
	AllowsPostInitModification() bool
}

// NumericController bounds a non-negative integer parameter by a
// configurable maximum, with an optional default.
//
// When ZeroMeansUnlimited is set (the execution-duration convention),
// negative and zero inputs are normalized to 0 rather than rejected.
type NumericController struct {
	mu                sync.Mutex
	def               int64 // 0 = no default
	max               int64 // 0 = no maximum
	zeroUnlimited     bool
	postInitWriteable bool
}

// NewNumericController returns a controller with the given default and
// maximum. A zero maximum means unbounded.
func NewNumericController(def, max int64) *NumericController {
	c := &NumericController{max: max, postInitWriteable: true}
	c.SetDefault(def)
	return c
}

// NewExecutionDurationController returns a NumericController with
// execution-duration semantics: values are milliseconds and zero means
// "unlimited".
func NewExecutionDurationController(def, max int64) *NumericController {
	c := NewNumericController(def, max)
	c.zeroUnlimited = true
	return c
}

// SetDefault updates the default value. It returns false, leaving the
// default unchanged, when the new default exceeds the current maximum.
func (c *NumericController) SetDefault(def int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if def < 0 {
		def = 0
	}
	if c.max > 0 && def > c.max {
		return false
	}
	c.def = def
	return true
}

// SetMax updates the maximum. Lowering it below the current default pulls
// the default down to the new maximum.
func (c *NumericController) SetMax(max int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max < 0 {
		max = 0
	}
	c.max = max
	if max > 0 && c.def > max {
		c.def = max
	}
}

// Default returns the current default value.
func (c *NumericController) Default() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def
}

// Max returns the current maximum.
func (c *NumericController) Max() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func (c *NumericController) DefaultValue() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.def <= 0 {
		return nil
	}
	return c.def
}

func (c *NumericController) AllowsPostInitModification() bool { return c.postInitWriteable }

func (c *NumericController) Validate(name string, value any) (any, error) {
	v, err := toInt64(value)
	if err != nil {
		return nil, &ValidationError{Param: name, Reason: err.Error()}
	}
	if v <= 0 {
		if c.zeroUnlimited {
			return int64(0), nil
		}
		if v < 0 {
			return nil, &ValidationError{Param: name, Reason: fmt.Sprintf("value must not be negative, got %d", v)}
		}
		return int64(0), nil
	}
	c.mu.Lock()
	max := c.max
	c.mu.Unlock()
	if max > 0 && v > max {
		return nil, &ValidationError{Param: name, Reason: fmt.Sprintf("value %d exceeds maximum %d", v, max)}
	}
	return v, nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not a valid integer: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", value)
	}
}

// CalendarField identifies the unit of a relative destruction interval.
type CalendarField int

const (
	FieldSecond CalendarField = iota
	FieldMinute
	FieldHour
	FieldDay
	FieldMonth
	FieldYear
)

// destructionSlot holds either an absolute instant or a relative interval.
// Setting one representation clears the other.
type destructionSlot struct {
	absolute time.Time
	interval int
	field    CalendarField
	relative bool
}

func (s *destructionSlot) resolve(now time.Time) (time.Time, bool) {
	if s.relative {
		return addInterval(now, s.interval, s.field), true
	}
	if !s.absolute.IsZero() {
		return s.absolute, true
	}
	return time.Time{}, false
}

func addInterval(t time.Time, v int, f CalendarField) time.Time {
	switch f {
	case FieldSecond:
		return t.Add(time.Duration(v) * time.Second)
	case FieldMinute:
		return t.Add(time.Duration(v) * time.Minute)
	case FieldHour:
		return t.Add(time.Duration(v) * time.Hour)
	case FieldDay:
		return t.AddDate(0, 0, v)
	case FieldMonth:
		return t.AddDate(0, v, 0)
	case FieldYear:
		return t.AddDate(v, 0, 0)
	}
	return t
}

// DestructionController validates the destruction-time parameter. Both the
// default and the maximum can be configured as an absolute instant or as an
// interval relative to "now".
type DestructionController struct {
	mu  sync.Mutex
	def destructionSlot
	max destructionSlot

	// now is swappable for tests.
	now func() time.Time
}

func NewDestructionController() *DestructionController {
	return &DestructionController{now: time.Now}
}

// SetDefaultTime sets an absolute default destruction instant, clearing any
// default interval.
func (c *DestructionController) SetDefaultTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def = destructionSlot{absolute: t}
}

// SetDefaultInterval sets a relative default, clearing any absolute default.
func (c *DestructionController) SetDefaultInterval(v int, f CalendarField) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def = destructionSlot{interval: v, field: f, relative: true}
}

// SetMaxTime sets an absolute maximum destruction instant, clearing any
// maximum interval.
func (c *DestructionController) SetMaxTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.max = destructionSlot{absolute: t}
}

// SetMaxInterval sets a relative maximum, clearing any absolute maximum.
func (c *DestructionController) SetMaxInterval(v int, f CalendarField) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.max = destructionSlot{interval: v, field: f, relative: true}
}

func (c *DestructionController) DefaultValue() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.def.resolve(c.now()); ok {
		return t
	}
	return nil
}

func (c *DestructionController) AllowsPostInitModification() bool { return true }

func (c *DestructionController) Validate(name string, value any) (any, error) {
	t, err := toTime(value)
	if err != nil {
		return nil, &ValidationError{Param: name, Reason: err.Error()}
	}

	c.mu.Lock()
	maxSlot := c.max
	now := c.now()
	c.mu.Unlock()

	if max, ok := maxSlot.resolve(now); ok && t.After(max) {
		return nil, &ValidationError{
			Param:  name,
			Reason: fmt.Sprintf("destruction time %s is after the latest allowed %s", t.Format(time.RFC3339), max.Format(time.RFC3339)),
		}
	}
	return t, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("not a valid ISO timestamp: %q", v)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", value)
	}
}

// durationUnits maps the accepted (case-sensitive) unit tokens to their
// millisecond multipliers. Months and years use fixed 30- and 365-day
// approximations.
var durationUnits = map[string]int64{
	"ms":      1,
	"s":       1000,
	"sec":     1000,
	"seconds": 1000,
	"m":       60 * 1000,
	"min":     60 * 1000,
	"minutes": 60 * 1000,
	"h":       3600 * 1000,
	"hours":   3600 * 1000,
	"D":       24 * 3600 * 1000,
	"days":    24 * 3600 * 1000,
	"W":       7 * 24 * 3600 * 1000,
	"weeks":   7 * 24 * 3600 * 1000,
	"M":       30 * 24 * 3600 * 1000,
	"months":  30 * 24 * 3600 * 1000,
	"Y":       365 * 24 * 3600 * 1000,
	"years":   365 * 24 * 3600 * 1000,
}

func acceptedUnitTokens() string {
	tokens := make([]string, 0, len(durationUnits))
	for u := range durationUnits {
		tokens = append(tokens, u)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, ", ")
}

// DurationController accepts free-form duration parameters: an integer
// millisecond count or a string of the form "<digits><unit>". Values
// outside [min, max] are clamped to the nearest bound rather than rejected.
type DurationController struct {
	def int64
	min int64
	max int64 // 0 = no upper bound
}

func NewDurationController(def, min, max int64) *DurationController {
	return &DurationController{def: def, min: min, max: max}
}

func (c *DurationController) DefaultValue() any {
	if c.def <= 0 {
		return nil
	}
	return c.def
}

func (c *DurationController) AllowsPostInitModification() bool { return true }

func (c *DurationController) Validate(name string, value any) (any, error) {
	var ms int64
	switch v := value.(type) {
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return nil, &ValidationError{Param: name, Reason: err.Error()}
		}
		ms = parsed
	default:
		n, err := toInt64(value)
		if err != nil {
			return nil, &ValidationError{Param: name, Reason: err.Error()}
		}
		ms = n
	}

	if ms < c.min {
		ms = c.min
	}
	if c.max > 0 && ms > c.max {
		ms = c.max
	}
	return ms, nil
}

// ParseDuration converts a "<digits><unit>" string to milliseconds.
// A bare integer is taken as milliseconds. Whitespace around the digits and
// the unit token is ignored; the unit tokens themselves are case-sensitive.
func ParseDuration(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	i := 0
	for i < len(trimmed) && trimmed[i] >= '0' && trimmed[i] <= '9' {
		i++
	}
	digits := trimmed[:i]
	unit := strings.TrimSpace(trimmed[i:])

	if digits == "" {
		return 0, fmt.Errorf("malformed duration %q: missing digits (accepted units: %s)", s, acceptedUnitTokens())
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q: %v", s, err)
	}
	if unit == "" {
		return n, nil
	}
	mult, ok := durationUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unrecognized duration unit %q in %q (accepted units: %s)", unit, s, acceptedUnitTokens())
	}
	return n * mult, nil
}

// EnumController restricts a string parameter to an optional allow-list.
// Matching is case-insensitive and stores the list's canonical casing. A
// nil list accepts any string.
type EnumController struct {
	allowed []string
	def     string
}

func NewEnumController(def string, allowed ...string) *EnumController {
	return &EnumController{allowed: allowed, def: def}
}

func (c *EnumController) DefaultValue() any {
	if c.def == "" {
		return nil
	}
	return c.def
}

func (c *EnumController) AllowsPostInitModification() bool { return true }

func (c *EnumController) Validate(name string, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, &ValidationError{Param: name, Reason: fmt.Sprintf("expected a string, got %T", value)}
	}
	if len(c.allowed) == 0 {
		return s, nil
	}
	for _, a := range c.allowed {
		if strings.EqualFold(a, s) {
			return a, nil
		}
	}
	return nil, &ValidationError{
		Param:  name,
		Reason: fmt.Sprintf("value %q is not one of the allowed values: %s", s, strings.Join(c.allowed, ", ")),
	}
}
