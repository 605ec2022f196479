package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/asterope/uws/internal/server/middleware"
	"github.com/asterope/uws/internal/service"
	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/params"
	"github.com/asterope/uws/pkg/phase"
)

// UserHeader names the request header carrying the caller's identity.
// An absent header means an anonymous caller.
const UserHeader = "X-UWS-User"

// JobsAPI serves the job collection.
type JobsAPI struct {
	svc *service.Service
	log *zap.Logger
}

func NewJobsAPI(svc *service.Service, log *zap.Logger) *JobsAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobsAPI{svc: svc, log: log}
}

// Routes mounts the job collection endpoints.
func (a *JobsAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.create)
	r.Get("/", a.list)
	r.Route("/{jobID}", func(r chi.Router) {
		r.Use(a.jobCtx)
		r.Get("/", a.show)
		r.Delete("/", a.destroy)
		r.Get("/phase", a.getPhase)
		r.Post("/phase", a.postPhase)
		r.Get("/parameters", a.getParameters)
		r.Post("/parameters", a.postParameters)
		r.Delete("/parameters/{name}", a.deleteParameter)
		r.Get("/quote", a.getQuote)
		r.Get("/error", a.getError)
		r.Get("/results", a.getResults)
		r.Get("/results/{resultID}", a.getResult)
	})
	return r
}

// apiUser is the request identity derived from UserHeader.
type apiUser struct {
	id string
}

func (u apiUser) ID() string { return u.id }

func (u apiUser) CanRead(*job.Job) bool { return true }

func (u apiUser) CanWrite(j *job.Job) bool {
	return j.Owner() == "" || j.Owner() == u.id
}

func (u apiUser) CanExecute(j *job.Job) bool {
	return u.CanWrite(j)
}

func callerFrom(r *http.Request) (string, job.User) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		return "", nil
	}
	return id, apiUser{id: id}
}

func mayWrite(j *job.Job, user job.User) bool {
	if j.Owner() == "" {
		return true
	}
	return user != nil && user.CanWrite(j)
}

// Wire documents.

type resultDoc struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Href     string `json:"href"`
}

type errorDoc struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
	Detail  string `json:"detail_href,omitempty"`
}

type jobDoc struct {
	JobID        string         `json:"job_id"`
	Owner        string         `json:"owner,omitempty"`
	Phase        string         `json:"phase"`
	CreationTime time.Time      `json:"creation_time"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Quote        int64          `json:"quote"`
	Destruction  *time.Time     `json:"destruction,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Results      []resultDoc    `json:"results,omitempty"`
	Error        *errorDoc      `json:"error,omitempty"`
}

func docFor(j *job.Job) jobDoc {
	s := j.Snapshot()
	doc := jobDoc{
		JobID:        s.ID,
		Owner:        s.Owner,
		Phase:        string(s.Phase),
		CreationTime: s.CreationTime,
		Quote:        s.Quote,
		Parameters:   s.Parameters,
	}
	if !s.StartTime.IsZero() {
		t := s.StartTime
		doc.StartTime = &t
	}
	if !s.EndTime.IsZero() {
		t := s.EndTime
		doc.EndTime = &t
	}
	if t, ok := j.Params().DestructionTime(); ok {
		doc.Destruction = &t
	}
	for _, res := range s.Results {
		doc.Results = append(doc.Results, resultDoc{
			ID:       res.ID,
			MimeType: res.MimeType,
			Size:     res.Size,
			Href:     "/jobs/" + s.ID + "/results/" + res.ID,
		})
	}
	if s.Error != nil {
		doc.Error = &errorDoc{Message: s.Error.Message, Fatal: s.Error.Fatal}
		if s.Error.DetailLocation != "" {
			doc.Error.Detail = "/jobs/" + s.ID + "/error"
		}
	}
	return doc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEngineError maps engine errors onto the error envelope.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *params.ValidationError
	var pe *params.PermissionError
	var te *phase.TransitionError
	var ise *job.IllegalStateError
	var mwe *job.MissingWorkError

	switch {
	case errors.As(err, &ve):
		middleware.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", ve.Error())
	case errors.As(err, &pe):
		middleware.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", pe.Error())
	case errors.As(err, &te):
		middleware.WriteError(w, r, http.StatusConflict, "INVALID_TRANSITION", te.Error())
	case errors.As(err, &ise):
		middleware.WriteError(w, r, http.StatusConflict, "ILLEGAL_STATE", ise.Error())
	case errors.As(err, &mwe):
		middleware.WriteError(w, r, http.StatusBadRequest, "NO_WORK", mwe.Error())
	default:
		middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

type jobCtxKey struct{}

func (a *JobsAPI) jobCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")
		j, ok := a.svc.Get(id)
		if !ok {
			middleware.WriteError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", "no such job: "+id)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), jobCtxKey{}, j)))
	})
}

func jobFrom(r *http.Request) *job.Job {
	return r.Context().Value(jobCtxKey{}).(*job.Job)
}

type createRequest struct {
	IDHint     string         `json:"id_hint,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (a *JobsAPI) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
			return
		}
	}

	owner, user := callerFrom(r)
	j, err := a.svc.Create(owner, req.IDHint, req.Parameters, user)
	if err != nil && j == nil {
		writeEngineError(w, r, err)
		return
	}
	if err != nil {
		// The job was created but a submitted parameter was rejected;
		// report the failure and let the caller repair or destroy it.
		a.log.Warn("job created with rejected parameters",
			zap.String("job_id", j.ID()), zap.Error(err))
		writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/jobs/"+j.ID())
	writeJSON(w, http.StatusCreated, docFor(j))
}

func (a *JobsAPI) list(w http.ResponseWriter, r *http.Request) {
	phaseFilter := strings.TrimSpace(r.URL.Query().Get("phase"))
	ownerFilter := strings.TrimSpace(r.URL.Query().Get("owner"))

	var wanted phase.Phase
	if phaseFilter != "" {
		p, err := phase.Parse(phaseFilter)
		if err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		wanted = p
	}

	docs := make([]jobDoc, 0)
	for _, j := range a.svc.List() {
		if wanted != "" && j.Phase() != wanted {
			continue
		}
		if ownerFilter != "" && j.Owner() != ownerFilter {
			continue
		}
		docs = append(docs, docFor(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": docs})
}

func (a *JobsAPI) show(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, docFor(jobFrom(r)))
}

func (a *JobsAPI) destroy(w http.ResponseWriter, r *http.Request) {
	j := jobFrom(r)
	_, user := callerFrom(r)
	if !mayWrite(j, user) {
		middleware.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "not the job owner")
		return
	}
	a.svc.Destroy(j.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (a *JobsAPI) getPhase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"phase": string(jobFrom(r).Phase())})
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

func (a *JobsAPI) postPhase(w http.ResponseWriter, r *http.Request) {
	var req phaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}

	j := jobFrom(r)
	_, user := callerFrom(r)
	// The engine only gates identified callers, so anonymous requests
	// must be rejected here before they reach the phase command.
	if !mayWrite(j, user) {
		middleware.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "not the job owner")
		return
	}
	if _, err := a.svc.Update(j, map[string]any{"phase": req.Phase}, user); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase": string(j.Phase())})
}

func (a *JobsAPI) getParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"parameters": jobFrom(r).Params().Snapshot()})
}

type parametersRequest struct {
	Parameters map[string]any `json:"parameters"`
}

func (a *JobsAPI) postParameters(w http.ResponseWriter, r *http.Request) {
	var req parametersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Parameters) == 0 {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "parameters are required")
		return
	}

	j := jobFrom(r)
	_, user := callerFrom(r)
	if !mayWrite(j, user) {
		middleware.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "not the job owner")
		return
	}

	applied, err := a.svc.Update(j, req.Parameters, user)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if !applied {
		middleware.WriteError(w, r, http.StatusConflict, "ILLEGAL_STATE", "job is finished; parameters are frozen")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parameters": j.Params().Snapshot()})
}

func (a *JobsAPI) deleteParameter(w http.ResponseWriter, r *http.Request) {
	j := jobFrom(r)
	_, user := callerFrom(r)
	if !mayWrite(j, user) {
		middleware.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "not the job owner")
		return
	}
	if !a.svc.RemoveParameter(j, chi.URLParam(r, "name")) {
		middleware.WriteError(w, r, http.StatusConflict, "ILLEGAL_STATE", "job is finished; parameters are frozen")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *JobsAPI) getQuote(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"quote": jobFrom(r).Quote()})
}

func (a *JobsAPI) getError(w http.ResponseWriter, r *http.Request) {
	j := jobFrom(r)
	es := j.ErrorSummary()
	if es == nil {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "job has no error summary")
		return
	}

	// With a detail document stored, stream it; otherwise return the
	// summary.
	if es.DetailLocation != "" {
		rc, _, err := a.svc.Files().Open(r.Context(), es.DetailLocation)
		if err == nil {
			defer rc.Close()
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.Copy(w, rc)
			return
		}
		a.log.Warn("error detail unreadable", zap.String("job_id", j.ID()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, errorDoc{Message: es.Message, Fatal: es.Fatal})
}

func (a *JobsAPI) getResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"results": docFor(jobFrom(r)).Results})
}

func (a *JobsAPI) getResult(w http.ResponseWriter, r *http.Request) {
	j := jobFrom(r)
	res, ok := j.Result(chi.URLParam(r, "resultID"))
	if !ok {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no such result")
		return
	}

	rc, size, err := a.svc.Files().Open(r.Context(), res.Location)
	if err != nil {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "result payload unavailable")
		return
	}
	defer rc.Close()

	if res.MimeType != "" {
		w.Header().Set("Content-Type", res.MimeType)
	}
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
}
