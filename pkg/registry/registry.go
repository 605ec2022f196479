// Package registry holds the live table of jobs a service instance
// manages and runs the destruction sweeper that reclaims jobs whose
// destruction time has passed.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asterope/uws/pkg/job"
)

// Registry is a concurrency-safe job table. It doubles as the engine's
// destruction notifier: an updated destruction time wakes the sweeper so
// it can re-arm its timer.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*job.Job

	log       job.Logger
	onDestroy func(jobID string)
	now       func() time.Time
	wake      chan struct{}
}

var _ job.DestructionNotifier = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l job.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithOnDestroy registers a hook invoked after a job is destroyed, e.g.
// to drop its persisted record.
func WithOnDestroy(fn func(jobID string)) Option {
	return func(r *Registry) { r.onDestroy = fn }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string]*job.Job),
		log:  job.NopLogger{},
		now:  func() time.Time { return time.Now().UTC() },
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add inserts a job, rejecting a duplicate id.
func (r *Registry) Add(j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[j.ID()]; exists {
		return fmt.Errorf("job %s already registered", j.ID())
	}
	r.jobs[j.ID()] = j
	r.signal()
	return nil
}

// Get looks a job up by id.
func (r *Registry) Get(id string) (*job.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// InUse reports whether the id belongs to a registered job. Job creation
// uses it to vet caller-suggested identifiers.
func (r *Registry) InUse(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove drops a job from the table without destroying it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// List returns the registered jobs, newest first.
func (r *Registry) List() []*job.Job {
	r.mu.Lock()
	out := make([]*job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreationTime().After(out[k].CreationTime())
	})
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// DestructionChanged wakes the sweeper so it recomputes its deadline.
func (r *Registry) DestructionChanged(*job.Job) {
	r.signal()
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the destruction sweeper until the context is canceled. It
// sleeps until the earliest destruction deadline (re-armed whenever a
// job is added or its destruction time changes) and destroys every job
// whose deadline has passed.
func (r *Registry) Run(ctx context.Context) {
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := r.nextDeadline(); ok {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-r.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC:
			r.sweep()
		}
	}
}

func (r *Registry) nextDeadline() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next time.Time
	found := false
	for _, j := range r.jobs {
		t, ok := j.Params().DestructionTime()
		if !ok {
			continue
		}
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	return next, found
}

func (r *Registry) sweep() {
	now := r.now()

	r.mu.Lock()
	var due []*job.Job
	for _, j := range r.jobs {
		if t, ok := j.Params().DestructionTime(); ok && !t.After(now) {
			due = append(due, j)
		}
	}
	r.mu.Unlock()

	for _, j := range due {
		r.Destroy(j)
	}
}

// Destroy reclaims a job: its resources are released (best effort, with
// warnings logged by the job itself), the destroy hook runs, and the job
// leaves the table.
func (r *Registry) Destroy(j *job.Job) {
	r.log.Log(job.LevelInfo, j.ID(), "DESTROY", "destroying job", nil)
	j.ClearResources(true)
	if r.onDestroy != nil {
		r.onDestroy(j.ID())
	}
	r.Remove(j.ID())
}
