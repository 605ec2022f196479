package job

import (
	"time"

	"github.com/asterope/uws/pkg/phase"
)

// Start launches the job's worker. It is a no-op when the job is already
// executing. With viaGate set the call is delegated to the admission gate,
// which calls back with viaGate unset once the job is admitted.
func (j *Job) Start(viaGate bool) error {
	if j.Phase().IsExecuting() {
		return nil
	}
	if viaGate && j.admission != nil {
		return j.admission.Execute(j)
	}

	j.mu.Lock()
	if j.phase.IsExecuting() || j.starting {
		j.mu.Unlock()
		return nil
	}
	j.starting = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.starting = false
		j.mu.Unlock()
	}()

	if j.factory == nil {
		return &MissingWorkError{JobID: j.id}
	}
	w, err := j.factory.CreateWorker(j)
	if err != nil {
		return err
	}
	if w == nil {
		return &MissingWorkError{JobID: j.id}
	}

	if j.Phase() == phase.Pending {
		if err := j.transition(phase.Queued, false, nil); err != nil {
			return err
		}
	}
	if err := j.transition(phase.Executing, false, func() {
		j.worker = w
		if j.startTime.IsZero() {
			j.startTime = time.Now().UTC()
		}
	}); err != nil {
		return err
	}

	w.Start()
	go j.watch(w)
	j.log.Log(LevelInfo, j.id, "START", "job execution started", nil)
	return nil
}

// MarkQueued moves a pending job to QUEUED. The admission gate uses it
// when deferring a job behind the concurrency ceiling.
func (j *Job) MarkQueued() error {
	if j.Phase() != phase.Pending {
		return nil
	}
	return j.transition(phase.Queued, false, nil)
}

// Abort requests the worker stop and, once stopped, moves the job to
// ABORTED and stamps the end time. If the worker refuses to stop within
// the grace period the phase is left unchanged (with a logged warning) and
// the caller may retry.
func (j *Job) Abort() error {
	j.mu.Lock()
	w := j.worker
	j.mu.Unlock()

	if !j.stopWorker(w) {
		return nil
	}
	if j.IsFinished() {
		return nil
	}
	if err := j.transition(phase.Aborted, false, j.stampEndLocked); err != nil {
		return err
	}
	j.log.Log(LevelInfo, j.id, "ABORT", "job aborted", nil)
	return nil
}

// Error runs the same stop sequence as Abort, then records the error
// summary and moves the job to ERROR.
func (j *Job) Error(summary *ErrorSummary) error {
	j.mu.Lock()
	w := j.worker
	j.mu.Unlock()

	if !j.stopWorker(w) {
		return nil
	}
	if j.IsFinished() {
		return nil
	}
	if summary != nil {
		if err := j.SetErrorSummary(summary); err != nil {
			return err
		}
	}
	if err := j.transition(phase.Error, false, j.stampEndLocked); err != nil {
		return err
	}
	j.log.Log(LevelInfo, j.id, "ERROR", "job failed", nil)
	return nil
}

// Complete moves an executing job to COMPLETED. Workers call this when
// their work ends successfully.
func (j *Job) Complete() error {
	return j.transition(phase.Completed, false, j.stampEndLocked)
}

// Archive stops the job, clears per-result and per-input resources while
// preserving the error summary, records the pre-archival phase as an
// informational attachment if none is set, and forces the transition to
// ARCHIVED.
func (j *Job) Archive() error {
	old := j.Phase()
	j.ClearResources(false)

	j.mu.Lock()
	if j.jobInfo == nil {
		j.jobInfo = &PriorPhaseInfo{Phase: old}
	}
	j.mu.Unlock()

	return j.transition(phase.Archived, true, nil)
}

// ClearResources releases everything the job holds: it deregisters from
// the admission gate, drops the worker, and deletes the backing files of
// uploaded parameters and results. With fullClean it additionally deletes
// the error detail file, clears the error summary, and destroys the
// attached job info. A job that is not yet finished is aborted first.
//
// The call is idempotent and safe from any phase. Every deletion failure
// is logged and returned as an accumulated warning; none aborts the
// cleanup.
func (j *Job) ClearResources(fullClean bool) []error {
	var warnings []error
	warn := func(event, msg string, err error) {
		warnings = append(warnings, err)
		j.log.Log(LevelWarn, j.id, event, msg, err)
	}

	if !j.IsFinished() {
		if err := j.Abort(); err != nil {
			warn("CLEAR", "abort before cleanup failed", err)
		}
	}

	if j.admission != nil {
		j.admission.Remove(j)
	}

	j.mu.Lock()
	j.worker = nil
	j.mu.Unlock()

	for name, f := range j.params.UploadedFiles() {
		if err := f.Delete(); err != nil {
			warn("CLEAR", "could not delete uploaded file for parameter "+name, err)
		}
		if _, err := j.params.Set(name, nil); err != nil {
			warn("CLEAR", "could not remove parameter "+name, err)
		}
	}

	j.mu.Lock()
	results := j.resultsLocked()
	j.results = make(map[string]Result)
	j.resultOrder = nil
	j.mu.Unlock()
	if j.files != nil {
		for _, r := range results {
			if err := j.files.DeleteResult(r, j.id); err != nil {
				warn("CLEAR", "could not delete result file "+r.ID, err)
			}
		}
	}

	if fullClean {
		j.mu.Lock()
		es := j.errorSummary
		j.errorSummary = nil
		info := j.jobInfo
		j.jobInfo = nil
		j.mu.Unlock()

		if es != nil && es.DetailLocation != "" && j.files != nil {
			if err := j.files.DeleteErrorDetail(*es, j.id); err != nil {
				warn("CLEAR", "could not delete error detail file", err)
			}
		}
		if info != nil {
			info.SetJob(nil)
			if err := info.Destroy(); err != nil {
				warn("CLEAR", "could not destroy job info", err)
			}
		}
	}

	return warnings
}

// stopWorker signals the worker and waits, bounded by the grace period,
// for it to actually stop. A worker is stopped once it is absent, not
// alive, or self-reports finished.
func (j *Job) stopWorker(w Worker) bool {
	if w == nil {
		return true
	}
	if !w.IsAlive() || w.IsFinished() {
		return true
	}
	w.Interrupt()
	if w.Join(j.stopGrace) {
		return true
	}
	if !w.IsAlive() || w.IsFinished() {
		return true
	}
	j.log.Log(LevelWarn, j.id, "STOP", "worker did not stop within the grace period", nil)
	return false
}

// watch is the per-job timeout watcher. It waits for the worker to finish,
// bounded by the job's execution duration limit, and aborts the job when
// the limit elapses first. It exits immediately for an unlimited duration
// and must never crash the process.
func (j *Job) watch(w Worker) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Log(LevelError, j.id, "WATCHER", "timeout watcher recovered from panic", nil)
		}
	}()

	limitMS := j.params.ExecutionDurationMS()
	if limitMS <= 0 {
		return
	}
	if w.Join(time.Duration(limitMS) * time.Millisecond) {
		return
	}
	if j.IsFinished() {
		return
	}
	j.log.Log(LevelInfo, j.id, "TIMEOUT", "execution duration limit elapsed, aborting", nil)
	if err := j.Abort(); err != nil {
		j.log.Log(LevelWarn, j.id, "TIMEOUT", "timeout abort failed", err)
	}
}
