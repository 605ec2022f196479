// Package service assembles the job engine: registry, admission gate,
// persistence and the worker factory, behind the operations the HTTP
// layer and the CLI call.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asterope/uws/pkg/filestore"
	"github.com/asterope/uws/pkg/gate"
	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/jobstore"
	"github.com/asterope/uws/pkg/params"
	"github.com/asterope/uws/pkg/registry"
)

// Config carries the engine limits.
type Config struct {
	// MaxRunningJobs caps concurrent executions, 0 meaning unlimited.
	MaxRunningJobs int

	// DefaultExecutionDurationMS and MaxExecutionDurationMS bound the
	// executionDuration parameter, 0 meaning unlimited.
	DefaultExecutionDurationMS int64
	MaxExecutionDurationMS     int64

	// DefaultDestruction and MaxDestruction bound how long jobs linger,
	// measured from creation (respectively from the update). Zero
	// disables the bound.
	DefaultDestruction time.Duration
	MaxDestruction     time.Duration

	// StopGrace bounds how long an abort waits for the worker.
	StopGrace time.Duration
}

// Deps are the collaborators the service wires together.
type Deps struct {
	Factory   job.WorkerFactory
	ParamOpts func() []params.Option
	Files     *filestore.ResultFiles
	Store     *jobstore.Store
	Log       job.Logger
	IDs       job.IDGenerator
	Metrics   prometheus.Registerer
	MetricsOn bool
}

// Service is the assembled engine.
type Service struct {
	cfg       Config
	registry  *registry.Registry
	gate      *gate.Gate
	files     *filestore.ResultFiles
	store     *jobstore.Store
	persister *jobstore.Persister
	factory   job.WorkerFactory
	paramOpts func() []params.Option
	log       job.Logger
	ids       job.IDGenerator
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = job.NopLogger{}
	}
	paramOpts := deps.ParamOpts
	if paramOpts == nil {
		paramOpts = func() []params.Option { return nil }
	}

	gateOpts := []gate.Option{gate.WithLogger(log)}
	if deps.MetricsOn {
		gateOpts = append(gateOpts, gate.WithMetrics(deps.Metrics))
	}

	s := &Service{
		cfg:       cfg,
		gate:      gate.New(cfg.MaxRunningJobs, gateOpts...),
		files:     deps.Files,
		store:     deps.Store,
		factory:   deps.Factory,
		paramOpts: paramOpts,
		log:       log,
		ids:       deps.IDs,
	}
	if deps.Store != nil {
		s.persister = jobstore.NewPersister(deps.Store, log)
	}
	s.registry = registry.New(
		registry.WithLogger(log),
		registry.WithOnDestroy(s.dropRecord),
	)
	return s
}

// Registry exposes the live job table.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Gate exposes the admission gate.
func (s *Service) Gate() *gate.Gate { return s.gate }

// Files exposes the artifact store.
func (s *Service) Files() *filestore.ResultFiles { return s.files }

func (s *Service) dropRecord(jobID string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(jobID); err != nil {
		s.log.Log(job.LevelWarn, jobID, "DESTROY", "could not delete persisted job record", err)
	}
}

func (s *Service) newParams() *params.Store {
	opts := s.paramOpts()
	opts = append(opts,
		params.WithController(params.ExecutionDuration,
			params.NewExecutionDurationController(s.cfg.DefaultExecutionDurationMS, s.cfg.MaxExecutionDurationMS)))

	dc := params.NewDestructionController()
	if s.cfg.DefaultDestruction > 0 {
		dc.SetDefaultInterval(int(s.cfg.DefaultDestruction/time.Second), params.FieldSecond)
	}
	if s.cfg.MaxDestruction > 0 {
		dc.SetMaxInterval(int(s.cfg.MaxDestruction/time.Second), params.FieldSecond)
	}
	opts = append(opts, params.WithController(params.Destruction, dc))

	return params.NewStore(opts...)
}

func (s *Service) jobConfig(owner string) job.Config {
	return job.Config{
		Owner:     owner,
		Params:    s.newParams(),
		Factory:   s.factory,
		Admission: s.gate,
		Notifier:  s.registry,
		Files:     s.files,
		Logger:    s.log,
		IDs:       s.ids,
		StopGrace: s.cfg.StopGrace,
	}
}

// Create builds a new job, registers it, persists it, and applies the
// submitted parameters (including a possible RUN command). idHint may be
// empty.
func (s *Service) Create(owner, idHint string, values map[string]any, user job.User) (*job.Job, error) {
	j := job.NewWithHint(s.jobConfig(owner), idHint, s.registry.InUse)
	if err := s.registry.Add(j); err != nil {
		return nil, err
	}
	if s.persister != nil {
		j.AddObserver(s.persister)
		if err := s.persister.Save(j); err != nil {
			s.registry.Remove(j.ID())
			return nil, err
		}
	}

	if len(values) > 0 {
		if _, err := j.AddOrUpdateParameters(values, user); err != nil {
			// The job stays registered; the caller fixes the
			// parameters and retries or destroys it.
			return j, err
		}
		s.persist(j)
	}
	return j, nil
}

// Get looks a live job up.
func (s *Service) Get(id string) (*job.Job, bool) {
	return s.registry.Get(id)
}

// List returns the live jobs, newest first.
func (s *Service) List() []*job.Job {
	return s.registry.List()
}

// Update applies a parameter update to the job and persists the new
// state.
func (s *Service) Update(j *job.Job, values map[string]any, user job.User) (bool, error) {
	ok, err := j.AddOrUpdateParameters(values, user)
	if err != nil {
		return ok, err
	}
	s.persist(j)
	return ok, nil
}

// RemoveParameter drops a non-standard parameter, deleting any backing
// uploaded file, and persists the new state. It reports false once the
// job is finished.
func (s *Service) RemoveParameter(j *job.Job, name string) bool {
	if j.IsFinished() {
		return false
	}
	j.RemoveAdditionalParameter(name)
	s.persist(j)
	return true
}

// Destroy reclaims a job immediately.
func (s *Service) Destroy(id string) bool {
	j, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	s.registry.Destroy(j)
	return true
}

func (s *Service) persist(j *job.Job) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(j); err != nil {
		s.log.Log(job.LevelWarn, j.ID(), "PERSIST", "could not persist job state", err)
	}
}

// Restore rebuilds the live table from persisted records. Jobs caught
// mid-execution were already closed out by the store on read.
func (s *Service) Restore() error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.List()
	if err != nil {
		return fmt.Errorf("list persisted jobs: %w", err)
	}

	for i := range records {
		rec := records[i]
		cfg := s.jobConfig(rec.Owner)
		for name, value := range rec.Params {
			if _, err := cfg.Params.Set(name, value); err != nil {
				s.log.Log(job.LevelWarn, rec.JobID, "RESTORE", "dropping unrestorable parameter "+name, err)
			}
		}
		j := job.Restore(cfg, rec.RestoreState())
		if rec.IsArchived() {
			_ = j.Archive()
		}
		if err := s.registry.Add(j); err != nil {
			s.log.Log(job.LevelWarn, rec.JobID, "RESTORE", "skipping duplicate persisted job", err)
			continue
		}
		if s.persister != nil {
			j.AddObserver(s.persister)
		}
		s.log.Log(job.LevelInfo, j.ID(), "RESTORE", "restored job in phase "+string(j.Phase()), nil)
	}
	return nil
}

// Run drives the destruction sweeper until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	s.registry.Run(ctx)
}

// Shutdown aborts every executing job, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) {
	for _, j := range s.registry.List() {
		if ctx.Err() != nil {
			return
		}
		if j.Phase().IsExecuting() {
			if err := j.Abort(); err != nil {
				s.log.Log(job.LevelWarn, j.ID(), "SHUTDOWN", "could not abort executing job", err)
			}
		}
	}
}
