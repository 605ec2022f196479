// Package jobstore persists job state as JSON records in a per-job
// directory, and republishes live jobs into that form whenever their
// phase changes.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/phase"
)

// Store persists and loads job records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/results/...
//	<root>/<job_id>/upload/...
//
// Result and upload payloads under the job dir are owned by the file
// store; this store only manages job.json.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write persists a record atomically (temp file + rename) so readers
// never observe a partially written job.json.
func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *Store) Get(jobID string) (*Record, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	// A job persisted mid-execution cannot still be running after a
	// restart; downgrade so restore derives a terminal phase.
	if p := phase.Phase(record.Phase); p.IsExecuting() || p == phase.Queued || p == phase.Held {
		record.Phase = string(phase.Pending)
		if record.StartedAt != nil && record.EndedAt == nil {
			now := time.Now().UTC()
			record.EndedAt = &now
			record.Phase = string(phase.Aborted)
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

// List returns every readable record, newest first. Unreadable entries
// are skipped.
func (s *Store) List() ([]Record, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return recordSortTime(out[i]).After(recordSortTime(out[j]))
	})

	return out, nil
}

// Delete removes the job's entire directory, payloads included.
func (s *Store) Delete(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

func recordSortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// Persister republishes a job into the store whenever its phase changes.
// It is registered as an observer on every live job.
type Persister struct {
	store *Store
	log   job.Logger
}

func NewPersister(store *Store, log job.Logger) *Persister {
	if log == nil {
		log = job.NopLogger{}
	}
	return &Persister{store: store, log: log}
}

var _ job.Observer = (*Persister)(nil)

func (p *Persister) OnPhaseChange(s job.Snapshot, old, next phase.Phase) error {
	if err := p.store.Write(FromSnapshot(s)); err != nil {
		return fmt.Errorf("persist job %s: %w", s.ID, err)
	}
	return nil
}

// Save persists the job's current state outside a phase change, e.g.
// after a parameter update.
func (p *Persister) Save(j *job.Job) error {
	if err := p.store.Write(FromSnapshot(j.Snapshot())); err != nil {
		return fmt.Errorf("persist job %s: %w", j.ID(), err)
	}
	return nil
}
