package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpload struct {
	name     string
	location string
	moved    string
	deleted  bool
	moveErr  error
	delErr   error
}

func (f *fakeUpload) Name() string     { return f.name }
func (f *fakeUpload) Location() string { return f.location }
func (f *fakeUpload) Move(jobID string) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moved = jobID
	return nil
}
func (f *fakeUpload) Delete() error {
	f.deleted = true
	return f.delErr
}

func TestStore_StandardNameNormalization(t *testing.T) {
	s := NewStore()

	_, err := s.Set("EXECUTIONDURATION", 4000)
	require.NoError(t, err)

	v, ok := s.Get(ExecutionDuration)
	require.True(t, ok)
	assert.EqualValues(t, 4000, v)
}

func TestStore_ReadOnlyNamesSilentlyDropped(t *testing.T) {
	s := NewStore()

	old, err := s.Set("jobId", "sneaky")
	require.NoError(t, err)
	assert.Nil(t, old)

	_, ok := s.Get("jobId")
	assert.False(t, ok, "read-only standard names must never be stored")

	// Case-insensitive too.
	_, err = s.Set("OWNER", "me")
	require.NoError(t, err)
	_, ok = s.Get("owner")
	assert.False(t, ok)
}

func TestStore_ExpectedNameCasing(t *testing.T) {
	s := NewStore(WithExpectedNames("RA", "DEC", "maxRec"))

	_, err := s.Set("maxrec", 50)
	require.NoError(t, err)

	v, ok := s.Get("maxRec")
	require.True(t, ok)
	assert.EqualValues(t, 50, v)

	// Unknown names keep the caller's exact casing.
	_, err = s.Set("MySpecialKnob", "x")
	require.NoError(t, err)
	_, ok = s.Get("MySpecialKnob")
	assert.True(t, ok)
}

func TestStore_NilValueRemoves(t *testing.T) {
	s := NewStore()
	_, err := s.Set("label", "before")
	require.NoError(t, err)

	old, err := s.Set("label", nil)
	require.NoError(t, err)
	assert.Equal(t, "before", old)

	_, ok := s.Get("label")
	assert.False(t, ok)
}

func TestStore_BulkParameters(t *testing.T) {
	s := NewStore(WithExpectedNames("RA"))
	_, err := s.Set("RA", 10.5)
	require.NoError(t, err)

	priors, err := s.Set(Parameters, map[string]any{
		"RA":    12.25,
		"label": "m31",
	})
	require.NoError(t, err)

	got, ok := priors.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10.5, got["RA"])
	assert.Nil(t, got["label"])

	v, _ := s.Get("RA")
	assert.Equal(t, 12.25, v)

	// A non-map bulk value is a validation error.
	_, err = s.Set(Parameters, "oops")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, Parameters, ve.Param)
}

func TestStore_ControllerValidationPropagates(t *testing.T) {
	s := NewStore(WithController(ExecutionDuration, NewExecutionDurationController(0, 1000)))

	_, err := s.Set(ExecutionDuration, 5000)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ExecutionDuration, ve.Param)

	_, ok := s.Get(ExecutionDuration)
	assert.False(t, ok, "rejected value must not be stored")
}

func TestStore_ReplacingUploadDeletesOldPayload(t *testing.T) {
	s := NewStore()
	first := &fakeUpload{name: "upload.vot", location: "/tmp/a"}
	second := &fakeUpload{name: "upload.vot", location: "/tmp/b"}

	_, err := s.Set("UPLOAD", first)
	require.NoError(t, err)
	_, err = s.Set("UPLOAD", second)
	require.NoError(t, err)

	assert.True(t, first.deleted, "old payload must be discarded on replacement")
	assert.False(t, second.deleted)

	files := s.UploadedFiles()
	require.Len(t, files, 1)
	assert.Same(t, second, files["UPLOAD"])
}

func TestStore_Init(t *testing.T) {
	dc := NewDestructionController()
	dc.SetDefaultInterval(7, FieldDay)
	s := NewStore(
		WithController(ExecutionDuration, NewExecutionDurationController(3600000, 0)),
		WithController(Destruction, dc),
	)

	s.Init()

	assert.EqualValues(t, 3600000, s.ExecutionDurationMS())
	_, ok := s.DestructionTime()
	assert.True(t, ok)

	// Init is one-shot: clearing a value and re-calling does not reseed.
	_, err := s.Set(ExecutionDuration, nil)
	require.NoError(t, err)
	s.Init()
	assert.EqualValues(t, 0, s.ExecutionDurationMS())
}

func TestStore_InitDoesNotOverrideExplicitValue(t *testing.T) {
	s := NewStore(WithController(ExecutionDuration, NewExecutionDurationController(3600000, 0)))
	_, err := s.Set(ExecutionDuration, 1000)
	require.NoError(t, err)

	s.Init()
	assert.EqualValues(t, 1000, s.ExecutionDurationMS())
}

func TestStore_UpdateSkipsValidationButChecksPermission(t *testing.T) {
	locked := NewNumericController(0, 100)
	locked.postInitWriteable = false

	dst := NewStore(WithController("slots", locked), WithExpectedNames("RA"))
	_, err := dst.Set("RA", 1.0)
	require.NoError(t, err)

	src := NewStore(WithExpectedNames("RA"))
	_, err = src.Set("RA", 2.0)
	require.NoError(t, err)

	require.NoError(t, dst.Update(src))
	v, _ := dst.Get("RA")
	assert.Equal(t, 2.0, v)

	// Post-init-locked parameter rejects updates.
	srcLocked := NewStore(WithController("slots", locked))
	_, err = srcLocked.Set("slots", 5)
	require.NoError(t, err)

	err = dst.Update(srcLocked)
	var pe *PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "slots", pe.Name)
}

func TestStore_UpdateRejectsUnknownNewName(t *testing.T) {
	dst := NewStore()
	src := NewStore()
	_, err := src.Set("surprise", "v")
	require.NoError(t, err)

	err = dst.Update(src)
	var pe *PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "surprise", pe.Name)
}

func TestStore_LazyTypedAccessors(t *testing.T) {
	s := NewStore()
	s.mu.Lock()
	// Simulate a value accepted earlier under a string representation.
	s.values[ExecutionDuration] = "2500"
	s.values[Destruction] = "2026-09-15T00:00:00Z"
	s.mu.Unlock()

	assert.EqualValues(t, 2500, s.ExecutionDurationMS())
	v, _ := s.Get(ExecutionDuration)
	assert.EqualValues(t, 2500, v, "parsed value must be cached back")

	dt, ok := s.DestructionTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC), dt)

	// Garbage reads as "no value"/"unlimited", never an error.
	s.mu.Lock()
	s.values[ExecutionDuration] = "garbage"
	s.values[Destruction] = "garbage"
	s.mu.Unlock()
	assert.EqualValues(t, 0, s.ExecutionDurationMS())
	_, ok = s.DestructionTime()
	assert.False(t, ok)
}

func TestStore_SnapshotDoesNotAlias(t *testing.T) {
	s := NewStore()
	_, err := s.Set("a", 1)
	require.NoError(t, err)

	snap := s.Snapshot()
	snap["a"] = 99

	v, _ := s.Get("a")
	assert.Equal(t, 1, v)
}
