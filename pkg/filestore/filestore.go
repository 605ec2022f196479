// Package filestore abstracts where job artifacts live: result payloads,
// uploaded inputs, and error detail documents. Backends exist for the
// local filesystem and for S3-compatible object stores.
//
// Keys are slash-separated paths scoped by job id:
//
//	<job_id>/results/<result_id>
//	<job_id>/upload/<name>
//	<job_id>/error.txt
//
// Uploads received before their job exists live under inbox/ and are
// moved into the job scope once the job id is known.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/params"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")
)

// Store is a keyed artifact store.
type Store interface {
	// Put writes an artifact atomically. size may be negative when
	// unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get opens an artifact for reading, returning its size.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Move renames an artifact. The source ceases to exist.
	Move(ctx context.Context, fromKey, toKey string) error

	// Delete removes an artifact. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every artifact under the given key prefix.
	DeleteAll(ctx context.Context, prefix string) error

	Close() error
}

// StoreError wraps backend errors with operation context.
type StoreError struct {
	Op      string
	Backend string
	Key     string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsNotFound returns true if the error indicates a missing artifact.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ResultKey returns the storage key for a job result.
func ResultKey(jobID, resultID string) string {
	return path.Join(jobID, "results", resultID)
}

// UploadKey returns the storage key for an uploaded input.
func UploadKey(jobID, name string) string {
	return path.Join(jobID, "upload", name)
}

// InboxKey returns the pre-job staging key for an uploaded input.
func InboxKey(name string) string {
	return path.Join("inbox", name)
}

// ErrorDetailKey returns the storage key for a job's error detail
// document.
func ErrorDetailKey(jobID string) string {
	return path.Join(jobID, "error.txt")
}

// ResultFiles adapts a Store to the engine's result-deletion surface and
// offers the write path workers use to publish results.
type ResultFiles struct {
	store Store
}

func NewResultFiles(store Store) *ResultFiles {
	return &ResultFiles{store: store}
}

var _ job.ResultStore = (*ResultFiles)(nil)

// PutResult stores a result payload and returns the record to attach to
// the job.
func (f *ResultFiles) PutResult(ctx context.Context, jobID, resultID, mimeType string, body io.Reader, size int64) (job.Result, error) {
	key := ResultKey(jobID, resultID)
	if err := f.store.Put(ctx, key, body, size); err != nil {
		return job.Result{}, err
	}
	return job.Result{ID: resultID, MimeType: mimeType, Location: key, Size: size}, nil
}

// PutErrorDetail stores a job's error detail document and returns its
// location.
func (f *ResultFiles) PutErrorDetail(ctx context.Context, jobID string, body io.Reader) (string, error) {
	key := ErrorDetailKey(jobID)
	if err := f.store.Put(ctx, key, body, -1); err != nil {
		return "", err
	}
	return key, nil
}

// Open reads a stored artifact by key.
func (f *ResultFiles) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	return f.store.Get(ctx, key)
}

func (f *ResultFiles) DeleteResult(r job.Result, jobID string) error {
	key := r.Location
	if key == "" {
		key = ResultKey(jobID, r.ID)
	}
	err := f.store.Delete(context.Background(), key)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (f *ResultFiles) DeleteErrorDetail(e job.ErrorSummary, jobID string) error {
	key := e.DetailLocation
	if key == "" {
		key = ErrorDetailKey(jobID)
	}
	err := f.store.Delete(context.Background(), key)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteJob removes every artifact the job owns.
func (f *ResultFiles) DeleteJob(ctx context.Context, jobID string) error {
	return f.store.DeleteAll(ctx, jobID)
}

// Upload is an uploaded input file staged in a Store. It satisfies the
// parameter layer's uploaded-file contract: created under inbox/, then
// relocated into its job's scope.
type Upload struct {
	mu    sync.Mutex
	store Store
	name  string
	key   string
}

var _ params.UploadedFile = (*Upload)(nil)

// NewUpload stages an uploaded input under inbox/ and returns its handle.
func NewUpload(ctx context.Context, store Store, name string, body io.Reader, size int64) (*Upload, error) {
	key := InboxKey(name)
	if err := store.Put(ctx, key, body, size); err != nil {
		return nil, err
	}
	return &Upload{store: store, name: name, key: key}, nil
}

func (u *Upload) Name() string { return u.name }

func (u *Upload) Location() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.key
}

func (u *Upload) Move(jobID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	dest := UploadKey(jobID, u.name)
	if dest == u.key {
		return nil
	}
	if err := u.store.Move(context.Background(), u.key, dest); err != nil {
		return err
	}
	u.key = dest
	return nil
}

func (u *Upload) Delete() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	err := u.store.Delete(context.Background(), u.key)
	if IsNotFound(err) {
		return nil
	}
	return err
}
