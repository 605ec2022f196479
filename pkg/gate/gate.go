// Package gate implements the execution admission gate: the component
// deciding whether a job's worker starts immediately or waits behind a
// configured concurrency ceiling.
//
// The gate is notified by the job itself whenever a job reaches a finished
// phase (wired through the state machine's commit path), so queued jobs
// are never stranded waiting on a forgotten caller.
package gate

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asterope/uws/pkg/job"
)

// Gate limits how many jobs execute concurrently. A ceiling of zero or
// less means unlimited: every job starts immediately.
//
// Counters and the wait queue are serialized under a single gate-wide
// lock; the lock is never held while starting a job.
type Gate struct {
	mu      sync.Mutex
	ceiling int
	running map[string]struct{}
	queue   []*job.Job
	log     job.Logger

	metrics *Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l job.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithMetrics attaches prometheus metrics, registered on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(g *Gate) { g.metrics = newMetrics(reg) }
}

// New creates a gate with the given concurrency ceiling.
func New(ceiling int, opts ...Option) *Gate {
	g := &Gate{
		ceiling: ceiling,
		running: make(map[string]struct{}),
		log:     job.NopLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ job.Admission = (*Gate)(nil)

// Execute starts the job immediately when under the ceiling, or enqueues
// it for later admission in arrival order.
func (g *Gate) Execute(j *job.Job) error {
	g.mu.Lock()
	if _, active := g.running[j.ID()]; active {
		g.mu.Unlock()
		return nil
	}
	if g.ceiling <= 0 || len(g.running) < g.ceiling {
		g.running[j.ID()] = struct{}{}
		g.updateGaugesLocked()
		g.mu.Unlock()
		return g.admit(j)
	}
	for _, queued := range g.queue {
		if queued.ID() == j.ID() {
			g.mu.Unlock()
			return nil
		}
	}
	g.queue = append(g.queue, j)
	g.updateGaugesLocked()
	g.mu.Unlock()

	g.log.Log(job.LevelInfo, j.ID(), "GATE", "concurrency ceiling reached, job queued", nil)
	return j.MarkQueued()
}

// Remove deregisters a job from the gate and, when jobs are waiting,
// admits the next one in arrival order. It is idempotent per job.
func (g *Gate) Remove(j *job.Job) {
	g.mu.Lock()
	if _, active := g.running[j.ID()]; active {
		delete(g.running, j.ID())
	} else {
		for i, queued := range g.queue {
			if queued.ID() == j.ID() {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				break
			}
		}
	}

	var next *job.Job
	if len(g.queue) > 0 && (g.ceiling <= 0 || len(g.running) < g.ceiling) {
		next = g.queue[0]
		g.queue = g.queue[1:]
		g.running[next.ID()] = struct{}{}
	}
	g.updateGaugesLocked()
	g.mu.Unlock()

	if next != nil {
		if err := g.admit(next); err != nil {
			g.log.Log(job.LevelWarn, next.ID(), "GATE", "queued job failed to start", err)
		}
	}
}

// admit starts a job outside the gate lock, bypassing the gate on the
// recursive Start call. A start failure frees the slot again.
func (g *Gate) admit(j *job.Job) error {
	if g.metrics != nil {
		g.metrics.admitted.Inc()
	}
	if err := j.Start(false); err != nil {
		g.Remove(j)
		return err
	}
	return nil
}

// RunningCount returns the number of currently admitted jobs.
func (g *Gate) RunningCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

// QueuedCount returns the number of jobs waiting for admission.
func (g *Gate) QueuedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *Gate) updateGaugesLocked() {
	if g.metrics == nil {
		return
	}
	g.metrics.running.Set(float64(len(g.running)))
	g.metrics.queued.Set(float64(len(g.queue)))
}

// Metrics exposes the gate's prometheus instruments.
type Metrics struct {
	running  prometheus.Gauge
	queued   prometheus.Gauge
	admitted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uws_jobs_executing",
			Help: "Current number of executing jobs",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uws_jobs_queued",
			Help: "Current number of jobs waiting for admission",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uws_jobs_admitted_total",
			Help: "Total number of jobs admitted for execution",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.running, m.queued, m.admitted)
	return m
}
