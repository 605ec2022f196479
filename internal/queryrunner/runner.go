package queryrunner

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asterope/uws/pkg/filestore"
	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/params"
)

// Query parameter names.
const (
	ParamRA     = "RA"
	ParamDec    = "DEC"
	ParamRadius = "SR"
	ParamFormat = "FORMAT"
)

// ResultID is the identifier of the query result artifact.
const ResultID = "result"

// Factory builds cone-search workers from job parameters.
type Factory struct {
	desc    *Descriptor
	catalog *Catalog
	files   *filestore.ResultFiles
	log     *zap.Logger
}

var _ job.WorkerFactory = (*Factory)(nil)

// NewFactory loads the descriptor's catalog and returns a worker factory
// for it.
func NewFactory(desc *Descriptor, files *filestore.ResultFiles, log *zap.Logger) (*Factory, error) {
	if log == nil {
		log = zap.NewNop()
	}
	catalog, err := LoadCatalog(desc.Catalog.Path)
	if err != nil {
		return nil, err
	}
	log.Info("catalog loaded",
		zap.String("service", desc.Name),
		zap.String("path", desc.Catalog.Path),
		zap.Int("sources", catalog.Len()))
	return &Factory{desc: desc, catalog: catalog, files: files, log: log}, nil
}

// ParamOptions declares the query parameters the service understands,
// so casing normalizes on write. Callers append engine-level options
// before building the store.
func (f *Factory) ParamOptions() []params.Option {
	return []params.Option{
		params.WithExpectedNames(ParamRA, ParamDec, ParamRadius, ParamFormat),
		params.WithController(ParamFormat, params.NewEnumController(f.desc.Output.DefaultFormat, f.desc.Output.Formats...)),
	}
}

// NewParams builds a parameter store from ParamOptions alone.
func (f *Factory) NewParams() *params.Store {
	return params.NewStore(f.ParamOptions()...)
}

// CreateWorker validates the job's query parameters and returns a worker
// ready to run the search.
func (f *Factory) CreateWorker(j *job.Job) (job.Worker, error) {
	ra, ok, err := floatParam(j, ParamRA)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &params.ValidationError{Param: ParamRA, Reason: "right ascension is required"}
	}
	if ra < 0 || ra >= 360 {
		return nil, &params.ValidationError{Param: ParamRA, Reason: fmt.Sprintf("%g out of range [0, 360)", ra)}
	}

	dec, ok, err := floatParam(j, ParamDec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &params.ValidationError{Param: ParamDec, Reason: "declination is required"}
	}
	if dec < -90 || dec > 90 {
		return nil, &params.ValidationError{Param: ParamDec, Reason: fmt.Sprintf("%g out of range [-90, 90]", dec)}
	}

	radius := f.desc.Query.DefaultRadius
	if r, ok, err := floatParam(j, ParamRadius); err != nil {
		return nil, err
	} else if ok {
		radius = r
	}
	if radius <= 0 || radius > f.desc.Query.MaxRadius {
		return nil, &params.ValidationError{Param: ParamRadius, Reason: fmt.Sprintf("%g out of range (0, %g]", radius, f.desc.Query.MaxRadius)}
	}

	format := f.desc.Output.DefaultFormat
	if v, ok := j.GetParameter(ParamFormat); ok {
		if s, isStr := v.(string); isStr && s != "" {
			format = s
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		factory: f,
		job:     j,
		query:   query{RA: ra, Dec: dec, Radius: radius, Format: strings.ToLower(format)},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

func floatParam(j *job.Job, name string) (float64, bool, error) {
	v, ok := j.GetParameter(name)
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false, &params.ValidationError{Param: name, Reason: fmt.Sprintf("%q is not a number", n)}
		}
		return f, true, nil
	default:
		return 0, false, &params.ValidationError{Param: name, Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

type query struct {
	RA     float64
	Dec    float64
	Radius float64
	Format string
}

// worker runs one cone search. It drives its job to COMPLETED or ERROR
// itself; an interrupt cancels the search and leaves phase handling to
// the abort path.
type worker struct {
	factory *Factory
	job     *job.Job
	query   query

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	err     error
}

var _ job.Worker = (*worker)(nil)

func (w *worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run()
}

func (w *worker) run() {
	defer close(w.done)

	j := w.job
	log := w.factory.log.With(zap.String("job_id", j.ID()))
	log.Info("cone search started",
		zap.Float64("ra", w.query.RA),
		zap.Float64("dec", w.query.Dec),
		zap.Float64("sr", w.query.Radius),
		zap.String("format", w.query.Format))

	matches := w.factory.catalog.ConeSearch(w.query.RA, w.query.Dec, w.query.Radius)
	if w.ctx.Err() != nil {
		// Interrupted: the abort path owns the phase.
		return
	}

	payload, mime, err := encodeMatches(matches, w.query.Format)
	if err == nil {
		var res job.Result
		res, err = w.factory.files.PutResult(w.ctx, j.ID(), ResultID, mime, bytes.NewReader(payload), int64(len(payload)))
		if err == nil {
			_, err = j.AddResult(res)
		}
	}

	if err != nil {
		w.setErr(err)
		log.Error("cone search failed", zap.Error(err))
		_ = j.Error(&job.ErrorSummary{Message: err.Error(), Fatal: true})
		return
	}

	log.Info("cone search completed", zap.Int("matches", len(matches)))
	if err := j.Complete(); err != nil {
		w.setErr(err)
	}
}

func (w *worker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *worker) Interrupt() { w.cancel() }

func (w *worker) IsAlive() bool {
	select {
	case <-w.done:
		return false
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *worker) IsFinished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) Join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func encodeMatches(matches []Source, format string) ([]byte, string, error) {
	switch format {
	case "", "csv":
		var buf bytes.Buffer
		cw := csv.NewWriter(&buf)
		_ = cw.Write([]string{"id", "ra", "dec", "mag"})
		for _, s := range matches {
			_ = cw.Write([]string{
				s.ID,
				strconv.FormatFloat(s.RA, 'f', -1, 64),
				strconv.FormatFloat(s.Dec, 'f', -1, 64),
				strconv.FormatFloat(s.Mag, 'f', -1, 64),
			})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, "", fmt.Errorf("encode csv: %w", err)
		}
		return buf.Bytes(), "text/csv", nil
	case "json":
		type row struct {
			ID  string  `json:"id"`
			RA  float64 `json:"ra"`
			Dec float64 `json:"dec"`
			Mag float64 `json:"mag"`
		}
		rows := make([]row, 0, len(matches))
		for _, s := range matches {
			rows = append(rows, row{ID: s.ID, RA: s.RA, Dec: s.Dec, Mag: s.Mag})
		}
		b, err := json.Marshal(rows)
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return b, "application/json", nil
	default:
		return nil, "", fmt.Errorf("unsupported output format %q", format)
	}
}
