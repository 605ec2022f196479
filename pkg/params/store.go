// Package params implements the parameter set attached to a UWS job: a
// mutex-guarded name/value map whose writes are governed by per-parameter
// controllers.
//
// Parameter names fall into three classes. Standard read-write names
// (runId, executionDuration, destruction, the bulk "parameters"
// pseudo-name) are case-normalized to their canonical form. Standard
// read-only names (jobId, owner, quote, ...) are silently dropped on write
// since the engine owns them. Every other name is an additional parameter,
// stored exactly as given unless it case-insensitively matches an
// expected-name list supplied at construction.
package params

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Standard read-write parameter names.
const (
	RunID             = "runId"
	ExecutionDuration = "executionDuration"
	Destruction       = "destruction"

	// Parameters is the bulk pseudo-name: setting it with a map value sets
	// each entry individually.
	Parameters = "parameters"
)

var readWriteNames = []string{RunID, ExecutionDuration, Destruction, Parameters}

// Standard read-only names. Writes to these are silent no-ops; the values
// live on the job itself, not in the store.
var readOnlyNames = []string{
	"jobId", "owner", "quote", "startTime", "endTime", "results", "errorSummary",
}

// UploadedFile is a parameter value backed by an out-of-band payload whose
// lifecycle is tied to the job.
type UploadedFile interface {
	// Name is the logical file name.
	Name() string
	// Location is the current storage location, for serializers.
	Location() string
	// Move relocates the payload into job-scoped storage.
	Move(jobID string) error
	// Delete removes the backing payload.
	Delete() error
}

// Store holds a job's full parameter set.
//
// All mutating operations take the store lock internally; accessors return
// copies that do not alias internal state.
type Store struct {
	mu          sync.Mutex
	values      map[string]any
	controllers map[string]Controller
	expected    []string
	initialized bool
}

// Option configures a Store at construction.
type Option func(*Store)

// WithController registers (or overrides) the controller for a parameter.
func WithController(name string, c Controller) Option {
	return func(s *Store) { s.controllers[name] = c }
}

// WithExpectedNames supplies the canonical casing for additional parameter
// names. Caller-supplied names matching one case-insensitively are stored
// under the listed casing.
func WithExpectedNames(names ...string) Option {
	return func(s *Store) { s.expected = append(s.expected, names...) }
}

// NewStore builds a Store with default controllers for the execution
// duration (unbounded) and destruction time, both overridable via
// WithController.
func NewStore(opts ...Option) *Store {
	s := &Store{
		values:      make(map[string]any),
		controllers: make(map[string]Controller),
	}
	s.controllers[ExecutionDuration] = NewExecutionDurationController(0, 0)
	s.controllers[Destruction] = NewDestructionController()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// resolveName maps a caller-supplied name to its canonical form.
// The second return is false when the name is read-only and the write must
// be silently ignored.
func (s *Store) resolveName(name string) (string, bool) {
	for _, std := range readWriteNames {
		if strings.EqualFold(std, name) {
			return std, true
		}
	}
	for _, ro := range readOnlyNames {
		if strings.EqualFold(ro, name) {
			return "", false
		}
	}
	for _, exp := range s.expected {
		if strings.EqualFold(exp, name) {
			return exp, true
		}
	}
	return name, true
}

// Set validates and stores a parameter value. A nil value removes the
// parameter. Writes to read-only standard names are silently ignored.
//
// Setting the bulk Parameters pseudo-name with a map value sets each entry
// individually and returns a map of the prior values.
//
// The returned value is the previous value for the name (nil if unset).
func (s *Store) Set(name string, value any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(name, value, true)
}

func (s *Store) setLocked(name string, value any, validate bool) (any, error) {
	canonical, writable := s.resolveName(name)
	if !writable {
		return nil, nil
	}

	if value == nil {
		old, ok := s.values[canonical]
		if ok {
			delete(s.values, canonical)
		}
		return old, nil
	}

	if canonical == Parameters {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, &ValidationError{Param: Parameters, Reason: fmt.Sprintf("expected a map of parameters, got %T", value)}
		}
		priors := make(map[string]any, len(m))
		for k, v := range m {
			old, err := s.setLocked(k, v, validate)
			if err != nil {
				return nil, err
			}
			priors[k] = old
		}
		return priors, nil
	}

	if validate {
		if c, ok := s.controllers[canonical]; ok {
			validated, err := c.Validate(canonical, value)
			if err != nil {
				return nil, err
			}
			value = validated
		}
	}

	old := s.values[canonical]
	// Replacing an uploaded file discards the old payload, best effort.
	if oldFile, ok := old.(UploadedFile); ok {
		if newFile, isFile := value.(UploadedFile); !isFile || newFile != oldFile {
			_ = oldFile.Delete()
		}
	}
	s.values[canonical] = value
	return old, nil
}

// Update merges previously-validated parameters from another store: each
// value is stored without re-running its controller's Validate, but
// post-init modification permission is still enforced, and removing a
// standard read-write parameter or introducing an unknown new name is
// rejected.
func (s *Store) Update(other *Store) error {
	if other == nil {
		return nil
	}
	incoming := other.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, value := range incoming {
		canonical, writable := s.resolveName(name)
		if !writable {
			continue
		}
		if c, ok := s.controllers[canonical]; ok && !c.AllowsPostInitModification() {
			return &PermissionError{Name: canonical, Reason: "parameter may not be modified after creation"}
		}
		if value == nil {
			if isReadWriteName(canonical) {
				return &PermissionError{Name: canonical, Reason: "standard parameter may not be removed"}
			}
		}
		if _, present := s.values[canonical]; !present && !isReadWriteName(canonical) {
			if !s.isExpectedName(canonical) {
				return &PermissionError{Name: canonical, Reason: "unknown parameter may not be added by update"}
			}
		}
		if _, err := s.setLocked(canonical, value, false); err != nil {
			return err
		}
	}
	return nil
}

func isReadWriteName(name string) bool {
	for _, std := range readWriteNames {
		if std == name {
			return true
		}
	}
	return false
}

func (s *Store) isExpectedName(name string) bool {
	for _, exp := range s.expected {
		if exp == name {
			return true
		}
	}
	return false
}

// Init seeds every registered controller's non-nil default for parameters
// that have no current value. It runs once, at job construction; later
// calls are no-ops.
func (s *Store) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	s.initialized = true
	for name, c := range s.controllers {
		if _, ok := s.values[name]; ok {
			continue
		}
		if def := c.DefaultValue(); def != nil {
			s.values[name] = def
		}
	}
}

// Get returns the current value for a (canonicalized) name.
func (s *Store) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical, _ := s.resolveName(name)
	if canonical == "" {
		canonical = name
	}
	v, ok := s.values[canonical]
	return v, ok
}

// Controller returns the registered controller for a name, if any.
func (s *Store) Controller(name string) (Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[name]
	return c, ok
}

// Names returns the sorted parameter names currently set.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.values))
	for n := range s.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the current name/value map.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// UploadedFiles returns the uploaded-file parameters currently set, keyed
// by parameter name.
func (s *Store) UploadedFiles() map[string]UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]UploadedFile)
	for name, v := range s.values {
		if f, ok := v.(UploadedFile); ok {
			out[name] = f
		}
	}
	return out
}

// ExecutionDurationMS returns the execution duration limit in
// milliseconds, 0 meaning unlimited. A value stored as raw text is parsed
// lazily and the parsed form is cached back into the map; an unparsable
// value (accepted earlier under a different representation) reads as
// unlimited rather than failing.
func (s *Store) ExecutionDurationMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[ExecutionDuration]
	if !ok {
		return 0
	}
	switch d := v.(type) {
	case int64:
		return d
	case int:
		return int64(d)
	case float64:
		return int64(d)
	case string:
		n, err := toInt64(d)
		if err != nil {
			return 0
		}
		s.values[ExecutionDuration] = n
		return n
	default:
		return 0
	}
}

// DestructionTime returns the destruction instant, if set. A value stored
// as raw text is parsed lazily and cached back; parse failure reads as "no
// value".
func (s *Store) DestructionTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[Destruction]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := toTime(t)
		if err != nil {
			return time.Time{}, false
		}
		s.values[Destruction] = parsed
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// RunLabel returns the caller-chosen run label, empty if unset.
func (s *Store) RunLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[RunID].(string); ok {
		return v
	}
	return ""
}
