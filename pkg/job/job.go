// Package job implements the aggregate root of the UWS engine: a unit of
// work with parameters, a deadline, an execution-phase state machine, and
// a terminal outcome.
//
// A Job is created fresh (phase PENDING), optionally with a caller-supplied
// id hint, or restored from persisted state with its phase derived from the
// persisted data. All phase mutations funnel through the state machine and
// are fanned out to registered observers before the triggering call
// returns.
package job

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/asterope/uws/pkg/params"
	"github.com/asterope/uws/pkg/phase"
)

// QuoteUnknown is the sentinel for "estimated completion time not known".
const QuoteUnknown int64 = -1

// PhaseParam is the reserved pseudo-parameter consumed after parameter
// updates and interpreted as a start or abort command.
const PhaseParam = "phase"

// DefaultStopGrace is how long Abort/Error wait for a worker to honor its
// interruption before giving up.
const DefaultStopGrace = 2 * time.Second

// Config carries a job's collaborators. Only Params is required; every
// other field has a safe zero-value behavior.
type Config struct {
	Owner     string
	Params    *params.Store
	Factory   WorkerFactory
	Admission Admission
	Notifier  DestructionNotifier
	Files     ResultStore
	Logger    Logger
	IDs       IDGenerator
	StopGrace time.Duration
}

// Job is the aggregate root. All phase and result mutations are serialized
// under a single per-job lock; the parameter map has its own lock inside
// params.Store. No lock is ever held across a blocking wait on a worker.
type Job struct {
	id           string
	creationTime time.Time
	owner        string
	params       *params.Store

	factory   WorkerFactory
	admission Admission
	notifier  DestructionNotifier
	files     ResultStore
	log       Logger
	stopGrace time.Duration

	mu           sync.Mutex
	notifyMu     sync.Mutex
	phase        phase.Phase
	quote        int64
	startTime    time.Time
	endTime      time.Time
	results      map[string]Result
	resultOrder  []string
	errorSummary *ErrorSummary
	jobInfo      JobInfo
	observers    []Observer
	worker       Worker
	starting     bool
}

// RestoreState is the persisted data a job is reconstructed from.
type RestoreState struct {
	ID           string
	Owner        string
	CreationTime time.Time
	Quote        int64
	Phase        phase.Phase
	StartTime    time.Time
	EndTime      time.Time
	Results      []Result
	Error        *ErrorSummary
}

func newJob(cfg Config) *Job {
	store := cfg.Params
	if store == nil {
		store = params.NewStore()
	}
	log := cfg.Logger
	if log == nil {
		log = NopLogger{}
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Job{
		creationTime: time.Now().UTC(),
		owner:        cfg.Owner,
		params:       store,
		factory:      cfg.Factory,
		admission:    cfg.Admission,
		notifier:     cfg.Notifier,
		files:        cfg.Files,
		log:          log,
		stopGrace:    grace,
		phase:        phase.Pending,
		quote:        QuoteUnknown,
		results:      make(map[string]Result),
	}
}

// New creates a fresh job in phase PENDING with a generated identifier.
// Uploaded-file parameters are moved into storage scoped to the new id; a
// move failure is logged and the parameter is left referencing its
// original location.
func New(cfg Config) *Job {
	j := newJob(cfg)
	j.id = generateID(cfg.IDs)
	j.params.Init()
	j.relocateUploads()
	return j
}

// NewWithHint is New, but tries to reuse a caller-supplied identifier
// (e.g. derived from an inbound request). The hint is only used when
// inUse reports it free; otherwise a fresh id is generated.
func NewWithHint(cfg Config, hint string, inUse func(id string) bool) *Job {
	j := newJob(cfg)
	hint = strings.TrimSpace(hint)
	if hint != "" && inUse != nil && !inUse(hint) {
		j.id = hint
	} else {
		j.id = generateID(cfg.IDs)
	}
	j.params.Init()
	j.relocateUploads()
	return j
}

// Restore reconstructs a job from persisted state. A persisted terminal
// phase (other than ARCHIVED, which the caller applies via Archive) is
// honored as-is; otherwise the phase is derived: with both start and end
// time present it is ABORTED without results or error, COMPLETED with
// results, ERROR with an error; otherwise PENDING.
func Restore(cfg Config, state RestoreState) *Job {
	j := newJob(cfg)
	j.id = state.ID
	if !state.CreationTime.IsZero() {
		j.creationTime = state.CreationTime
	}
	j.owner = state.Owner
	j.quote = state.Quote
	j.startTime = state.StartTime
	j.endTime = state.EndTime
	for _, r := range state.Results {
		if _, dup := j.results[r.ID]; dup {
			continue
		}
		j.results[r.ID] = r
		j.resultOrder = append(j.resultOrder, r.ID)
	}
	j.errorSummary = state.Error

	derived := phase.Pending
	if state.Phase.IsFinished() && state.Phase != phase.Archived {
		derived = state.Phase
	} else if !state.StartTime.IsZero() && !state.EndTime.IsZero() {
		switch {
		case state.Error != nil:
			derived = phase.Error
		case len(state.Results) > 0:
			derived = phase.Completed
		default:
			derived = phase.Aborted
		}
	}
	// Forced mode: restoration bypasses the transition table.
	j.phase = derived
	return j
}

// defaultIDs serves every Config that carries no generator. It must be
// process-wide: per-job generators would restart the collision suffix and
// hand out duplicate ids within one millisecond.
var defaultIDs IDGenerator = NewTimeSuffixGenerator()

func generateID(g IDGenerator) string {
	if g == nil {
		g = defaultIDs
	}
	return g.NextID()
}

func (j *Job) relocateUploads() {
	for name, f := range j.params.UploadedFiles() {
		if err := f.Move(j.id); err != nil {
			j.log.Log(LevelWarn, j.id, "UPLOAD_MOVE", "could not move uploaded file into job storage: "+name, err)
		}
	}
}

// ID returns the job's unique, immutable identifier.
func (j *Job) ID() string { return j.id }

// Owner returns the identity that created the job, empty for anonymous.
func (j *Job) Owner() string { return j.owner }

// CreationTime returns when the job was created.
func (j *Job) CreationTime() time.Time { return j.creationTime }

// Params returns the job's parameter store.
func (j *Job) Params() *params.Store { return j.params }

// Phase returns the current execution phase.
func (j *Job) Phase() phase.Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// IsFinished reports whether the job is in a terminal phase.
func (j *Job) IsFinished() bool { return j.Phase().IsFinished() }

// StartTime returns when execution began, zero if it has not.
func (j *Job) StartTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startTime
}

// EndTime returns when execution ended, zero if it has not.
func (j *Job) EndTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.endTime
}

// Quote returns the estimated seconds to completion, QuoteUnknown if not
// known.
func (j *Job) Quote() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.quote
}

// SetQuote updates the completion estimate. It returns false once the job
// is finished.
func (j *Job) SetQuote(seconds int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase.IsFinished() {
		return false
	}
	j.quote = seconds
	return true
}

// Results returns a copy of the result records in insertion order.
func (j *Job) Results() []Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resultsLocked()
}

func (j *Job) resultsLocked() []Result {
	out := make([]Result, 0, len(j.resultOrder))
	for _, id := range j.resultOrder {
		out = append(out, j.results[id])
	}
	return out
}

// Result returns the result with the given identifier.
func (j *Job) Result(id string) (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.results[id]
	return r, ok
}

// AddResult records a named output. It fails with IllegalStateError once
// the job is finished and returns false (without error) for a duplicate
// result identifier.
func (j *Job) AddResult(r Result) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase.IsFinished() {
		return false, &IllegalStateError{JobID: j.id, Op: "addResult"}
	}
	if _, dup := j.results[r.ID]; dup {
		return false, nil
	}
	j.results[r.ID] = r
	j.resultOrder = append(j.resultOrder, r.ID)
	return true, nil
}

// ErrorSummary returns the job's error summary, nil if none.
func (j *Job) ErrorSummary() *ErrorSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.errorSummary == nil {
		return nil
	}
	cp := *j.errorSummary
	return &cp
}

// SetErrorSummary records the failure description. A nil summary is a
// no-op; a finished job rejects the write with IllegalStateError.
func (j *Job) SetErrorSummary(e *ErrorSummary) error {
	if e == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase.IsFinished() {
		return &IllegalStateError{JobID: j.id, Op: "setErrorSummary"}
	}
	cp := *e
	j.errorSummary = &cp
	return nil
}

// JobInfo returns the opaque attachment, nil if none.
func (j *Job) JobInfo() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jobInfo
}

// SetJobInfo replaces the opaque attachment, maintaining the back link on
// both the old and the new attachment.
func (j *Job) SetJobInfo(info JobInfo) {
	j.mu.Lock()
	old := j.jobInfo
	j.jobInfo = info
	j.mu.Unlock()

	if old != nil && old != info {
		old.SetJob(nil)
	}
	if info != nil {
		info.SetJob(j)
	}
}

// AddObserver registers an observer for phase changes. Observers are
// notified in registration order.
func (j *Job) AddObserver(o Observer) {
	if o == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observers = append(j.observers, o)
}

// RemoveObserver deregisters an observer.
func (j *Job) RemoveObserver(o Observer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, reg := range j.observers {
		if reg == o {
			j.observers = append(j.observers[:i], j.observers[i+1:]...)
			return
		}
	}
}

// Snapshot returns an immutable copy of the job's externally visible
// state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	var es *ErrorSummary
	if j.errorSummary != nil {
		cp := *j.errorSummary
		es = &cp
	}
	return Snapshot{
		ID:           j.id,
		Owner:        j.owner,
		Phase:        j.phase,
		CreationTime: j.creationTime,
		StartTime:    j.startTime,
		EndTime:      j.endTime,
		Quote:        j.quote,
		Parameters:   j.params.Snapshot(),
		Results:      j.resultsLocked(),
		Error:        es,
	}
}

// GetParameter looks up a standard or custom parameter by name. Standard
// read-only names resolve to the engine-owned values, everything else
// routes through the parameter store. Serializers use this as their single
// lookup surface.
func (j *Job) GetParameter(name string) (any, bool) {
	switch {
	case strings.EqualFold(name, "jobId"):
		return j.id, true
	case strings.EqualFold(name, "owner"):
		return j.owner, j.owner != ""
	case strings.EqualFold(name, "quote"):
		return j.Quote(), true
	case strings.EqualFold(name, "startTime"):
		t := j.StartTime()
		return t, !t.IsZero()
	case strings.EqualFold(name, "endTime"):
		t := j.EndTime()
		return t, !t.IsZero()
	case strings.EqualFold(name, "results"):
		return j.Results(), true
	case strings.EqualFold(name, "errorSummary"):
		es := j.ErrorSummary()
		return es, es != nil
	}
	return j.params.Get(name)
}

// AddOrUpdateParameter sets one parameter, acting for the given user (nil
// means an engine-internal caller). It returns false without error if the
// job is finished. A successful destruction-time update notifies the
// destruction notifier; an uploaded-file value is relocated into
// job-scoped storage, and on relocation failure the parameter is dropped
// with a logged warning.
func (j *Job) AddOrUpdateParameter(name string, value any, user User) (bool, error) {
	return j.addOrUpdate(map[string]any{name: value}, user)
}

// AddOrUpdateParameters applies a batch of parameter updates, then
// consumes the reserved "phase" pseudo-parameter if present, interpreting
// it as a RUN or ABORT command gated by the acting user's execute
// permission.
func (j *Job) AddOrUpdateParameters(values map[string]any, user User) (bool, error) {
	return j.addOrUpdate(values, user)
}

func (j *Job) addOrUpdate(values map[string]any, user User) (bool, error) {
	if j.IsFinished() {
		return false, nil
	}

	destructionChanged := false
	for name, value := range values {
		if strings.EqualFold(name, PhaseParam) {
			// Stored temporarily; consumed below.
			if _, err := j.params.Set(PhaseParam, value); err != nil {
				return false, err
			}
			continue
		}
		if _, err := j.params.Set(name, value); err != nil {
			return false, err
		}
		if strings.EqualFold(name, params.Destruction) {
			destructionChanged = true
		}
		if f, ok := value.(params.UploadedFile); ok {
			if err := f.Move(j.id); err != nil {
				_, _ = j.params.Set(name, nil)
				j.log.Log(LevelWarn, j.id, "UPLOAD_MOVE", "could not move uploaded file, parameter dropped: "+name, err)
			}
		}
	}

	if destructionChanged && j.notifier != nil {
		j.notifier.DestructionChanged(j)
	}

	if err := j.consumePhaseParam(user); err != nil {
		return false, err
	}
	return true, nil
}

// consumePhaseParam removes the reserved phase pseudo-parameter, if
// present, and executes it as a command.
func (j *Job) consumePhaseParam(user User) error {
	raw, err := j.params.Set(PhaseParam, nil)
	if err != nil || raw == nil {
		return err
	}
	cmd, ok := raw.(string)
	if !ok {
		return &params.ValidationError{Param: PhaseParam, Reason: "phase command must be a string"}
	}

	if user != nil && user.ID() != j.owner && !user.CanExecute(j) {
		return &params.PermissionError{Name: PhaseParam, Reason: "user " + user.ID() + " may not control execution of this job"}
	}

	switch strings.ToUpper(strings.TrimSpace(cmd)) {
	case "RUN":
		return j.Start(true)
	case "ABORT":
		return j.Abort()
	default:
		return &params.ValidationError{Param: PhaseParam, Reason: "unsupported phase command: " + cmd + " (expected RUN or ABORT)"}
	}
}

// RemoveAdditionalParameter removes a non-standard parameter, deleting the
// backing file of an uploaded-file value (failure logged, not raised). It
// is a no-op once the job is finished.
func (j *Job) RemoveAdditionalParameter(name string) {
	if j.IsFinished() {
		return
	}
	old, err := j.params.Set(name, nil)
	if err != nil {
		return
	}
	if f, ok := old.(params.UploadedFile); ok {
		if err := f.Delete(); err != nil {
			j.log.Log(LevelWarn, j.id, "UPLOAD_DELETE", "could not delete uploaded file for removed parameter: "+name, err)
		}
	}
}

// transition commits a phase change and notifies observers. The mutate
// hook, if non-nil, runs under the job lock together with the commit.
func (j *Job) transition(next phase.Phase, force bool, mutate func()) error {
	j.mu.Lock()
	old := j.phase
	if !force {
		if err := phase.Validate(old, next); err != nil {
			j.mu.Unlock()
			return err
		}
	}
	j.phase = next
	if mutate != nil {
		mutate()
	}
	snap := j.snapshotLocked()
	obs := make([]Observer, len(j.observers))
	copy(obs, j.observers)
	finished := next.IsFinished()

	// Take the notify lock before releasing the job lock so racing
	// transitions observe phase changes in commit order.
	j.notifyMu.Lock()
	j.mu.Unlock()
	defer j.notifyMu.Unlock()

	if old != next {
		var failures []error
		for _, o := range obs {
			if err := o.OnPhaseChange(snap, old, next); err != nil {
				failures = append(failures, err)
			}
		}
		if len(failures) > 0 {
			j.log.Log(LevelWarn, j.id, "OBSERVER", "observer(s) failed on phase change", errors.Join(failures...))
		}
	}

	if finished && j.admission != nil {
		j.admission.Remove(j)
	}
	return nil
}

func (j *Job) stampEndLocked() {
	if j.endTime.IsZero() {
		j.endTime = time.Now().UTC()
	}
}
