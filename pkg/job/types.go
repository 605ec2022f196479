package job

import (
	"time"

	"github.com/asterope/uws/pkg/phase"
)

// Result is a named, immutable output record. The payload itself may live
// out of band in a file store; Location tells consumers where.
type Result struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType,omitempty"`
	Location string `json:"location,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ErrorSummary is a human-readable failure description, optionally backed
// by a larger detail payload in the file store.
type ErrorSummary struct {
	Message        string `json:"message"`
	Fatal          bool   `json:"fatal,omitempty"`
	DetailLocation string `json:"detailLocation,omitempty"`
}

// Worker is the handle on a job's executing work, produced by a
// WorkerFactory. The engine only ever signals and waits; it never forces
// termination.
type Worker interface {
	// Start launches the work.
	Start()
	// Interrupt asks the work to stop. It must not block.
	Interrupt()
	// IsAlive reports whether the work is still running.
	IsAlive() bool
	// IsFinished reports whether the work has completed (in any way).
	IsFinished() bool
	// Join waits for the work to finish, bounded by timeout.
	// It returns true if the work finished within the bound.
	Join(timeout time.Duration) bool
	// LastError returns the failure that ended the work, if any.
	LastError() error
}

// WorkerFactory produces the worker for a job about to start. Returning a
// nil worker (with a nil error) makes Start fail with MissingWorkError.
type WorkerFactory interface {
	CreateWorker(j *Job) (Worker, error)
}

// Observer is notified of every committed phase change, in registration
// order, before the triggering call returns. Observers receive an
// immutable snapshot and must not retain it past the call.
type Observer interface {
	OnPhaseChange(s Snapshot, old, next phase.Phase) error
}

// Admission decides whether a job's worker starts immediately or is
// deferred behind a concurrency ceiling.
type Admission interface {
	// Execute starts the job now or enqueues it for later admission.
	Execute(j *Job) error
	// Remove deregisters a job, admitting a queued one if any. It must be
	// idempotent per job.
	Remove(j *Job)
}

// DestructionNotifier is told when a job's destruction time parameter
// changes, so any destruction scheduling can be recomputed.
type DestructionNotifier interface {
	DestructionChanged(j *Job)
}

// ResultStore deletes the out-of-band payloads backing results and error
// details during cleanup.
type ResultStore interface {
	DeleteResult(r Result, jobID string) error
	DeleteErrorDetail(e ErrorSummary, jobID string) error
}

// User is the acting identity behind a mutating call. A nil User means an
// engine-internal caller and is never permission-checked.
type User interface {
	ID() string
	CanRead(j *Job) bool
	CanWrite(j *Job) bool
	CanExecute(j *Job) bool
}

// JobInfo is an opaque attachment back-referencing its job. The job
// maintains the bidirectional link explicitly on replacement.
type JobInfo interface {
	SetJob(j *Job)
	Destroy() error
}

// PriorPhaseInfo records the phase a job was in before archival. Archive
// attaches it when no other JobInfo is set.
type PriorPhaseInfo struct {
	Phase phase.Phase
}

func (p *PriorPhaseInfo) SetJob(*Job)    {}
func (p *PriorPhaseInfo) Destroy() error { return nil }

// Level is a log severity for the engine's structured job log.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger receives structured engine events. Implementations must be safe
// for concurrent use and must never panic.
type Logger interface {
	Log(level Level, jobID, event, msg string, err error)
}

// NopLogger discards everything. It is the default when no logger is
// configured.
type NopLogger struct{}

func (NopLogger) Log(Level, string, string, string, error) {}

// Snapshot is an immutable copy of a job's externally visible state,
// handed to observers and serializers.
type Snapshot struct {
	ID           string
	Owner        string
	Phase        phase.Phase
	CreationTime time.Time
	StartTime    time.Time
	EndTime      time.Time
	Quote        int64
	Parameters   map[string]any
	Results      []Result
	Error        *ErrorSummary
}
