package jobstore

import (
	"time"

	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/phase"
)

// Record is the persistent snapshot written to job.json.
//
// NOTE: Field names and phase values are part of the stable on-disk
// contract. The schema is designed for backward-compatible extension
// (additive fields).
type Record struct {
	JobID     string    `json:"job_id"`
	Owner     string    `json:"owner,omitempty"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Quote     int64          `json:"quote,omitempty"`
	Params    map[string]any `json:"parameters,omitempty"`
	Results   []ResultRecord `json:"results,omitempty"`
	Error     *ErrorRecord   `json:"error,omitempty"`
}

// ResultRecord describes one persisted result artifact.
type ResultRecord struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Location string `json:"location,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ErrorRecord is the persisted error summary.
type ErrorRecord struct {
	Message        string `json:"message"`
	Fatal          bool   `json:"fatal,omitempty"`
	DetailLocation string `json:"detail_location,omitempty"`
}

// FromSnapshot converts a live job snapshot into its persistent form.
func FromSnapshot(s job.Snapshot) *Record {
	r := &Record{
		JobID:     s.ID,
		Owner:     s.Owner,
		Phase:     string(s.Phase),
		CreatedAt: s.CreationTime,
		Quote:     s.Quote,
	}
	if !s.StartTime.IsZero() {
		t := s.StartTime
		r.StartedAt = &t
	}
	if !s.EndTime.IsZero() {
		t := s.EndTime
		r.EndedAt = &t
	}
	if len(s.Parameters) > 0 {
		r.Params = s.Parameters
	}
	for _, res := range s.Results {
		r.Results = append(r.Results, ResultRecord{
			ID:       res.ID,
			MimeType: res.MimeType,
			Location: res.Location,
			Size:     res.Size,
		})
	}
	if s.Error != nil {
		r.Error = &ErrorRecord{
			Message:        s.Error.Message,
			Fatal:          s.Error.Fatal,
			DetailLocation: s.Error.DetailLocation,
		}
	}
	return r
}

// RestoreState converts the record back into the state the engine needs
// to rebuild a job. The persisted phase travels along so a terminal
// record restores terminal even when the start time was never set;
// persisted ARCHIVED is honored by the caller.
func (r *Record) RestoreState() job.RestoreState {
	state := job.RestoreState{
		ID:           r.JobID,
		Owner:        r.Owner,
		CreationTime: r.CreatedAt,
		Quote:        r.Quote,
		Phase:        phase.Phase(r.Phase),
	}
	if r.StartedAt != nil {
		state.StartTime = *r.StartedAt
	}
	if r.EndedAt != nil {
		state.EndTime = *r.EndedAt
	}
	for _, res := range r.Results {
		state.Results = append(state.Results, job.Result{
			ID:       res.ID,
			MimeType: res.MimeType,
			Location: res.Location,
			Size:     res.Size,
		})
	}
	if r.Error != nil {
		state.Error = &job.ErrorSummary{
			Message:        r.Error.Message,
			Fatal:          r.Error.Fatal,
			DetailLocation: r.Error.DetailLocation,
		}
	}
	return state
}

// IsArchived reports whether the record was persisted in the archived
// phase.
func (r *Record) IsArchived() bool {
	return phase.Phase(r.Phase) == phase.Archived
}
