package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterope/uws/pkg/job"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return l
}

func TestLocal_PutGetRoundTrip(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	key := ResultKey("job1", "table.csv")
	require.NoError(t, l.Put(ctx, key, strings.NewReader("ra,dec\n"), -1))

	rc, size, err := l.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(7), size)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ra,dec\n", string(b))

	// No temp files left next to the artifact.
	entries, err := os.ReadDir(filepath.Join(l.baseDir, "job1", "results"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLocal_GetMissing(t *testing.T) {
	l := newLocal(t)
	_, _, err := l.Get(context.Background(), "nope/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Get", se.Op)
	assert.Equal(t, "local", se.Backend)
}

func TestLocal_DeleteMissingIsNil(t *testing.T) {
	l := newLocal(t)
	require.NoError(t, l.Delete(context.Background(), "nope/missing"))
}

func TestLocal_Move(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, InboxKey("in.vot"), strings.NewReader("x"), -1))
	require.NoError(t, l.Move(ctx, InboxKey("in.vot"), UploadKey("job1", "in.vot")))

	_, _, err := l.Get(ctx, InboxKey("in.vot"))
	assert.True(t, IsNotFound(err))
	rc, _, err := l.Get(ctx, UploadKey("job1", "in.vot"))
	require.NoError(t, err)
	rc.Close()
}

func TestLocal_DeleteAll(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	require.NoError(t, l.Put(ctx, ResultKey("job1", "a"), strings.NewReader("1"), -1))
	require.NoError(t, l.Put(ctx, UploadKey("job1", "b"), strings.NewReader("2"), -1))
	require.NoError(t, l.Put(ctx, ResultKey("job2", "c"), strings.NewReader("3"), -1))

	require.NoError(t, l.DeleteAll(ctx, "job1"))

	_, _, err := l.Get(ctx, ResultKey("job1", "a"))
	assert.True(t, IsNotFound(err))
	rc, _, err := l.Get(ctx, ResultKey("job2", "c"))
	require.NoError(t, err)
	rc.Close()
}

func TestLocal_TraversalRejected(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	require.Error(t, l.Put(ctx, "../escape", strings.NewReader("x"), -1))
	_, _, err := l.Get(ctx, "../../etc/passwd")
	require.Error(t, err)
	require.Error(t, l.Delete(ctx, ".."))
	// Interior parent segments are just as invalid as leading ones.
	require.Error(t, l.Put(ctx, "job1/../../escape", strings.NewReader("x"), -1))
}

func TestResultFiles_PublishAndDelete(t *testing.T) {
	l := newLocal(t)
	files := NewResultFiles(l)
	ctx := context.Background()

	res, err := files.PutResult(ctx, "job1", "cone", "text/csv", strings.NewReader("data"), 4)
	require.NoError(t, err)
	assert.Equal(t, ResultKey("job1", "cone"), res.Location)
	assert.Equal(t, int64(4), res.Size)

	require.NoError(t, files.DeleteResult(res, "job1"))
	// Already gone: still nil.
	require.NoError(t, files.DeleteResult(res, "job1"))

	loc, err := files.PutErrorDetail(ctx, "job1", strings.NewReader("stack trace"))
	require.NoError(t, err)
	require.NoError(t, files.DeleteErrorDetail(job.ErrorSummary{DetailLocation: loc}, "job1"))
}

func TestUpload_MoveIntoJobScope(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	up, err := NewUpload(ctx, l, "catalog.vot", strings.NewReader("<VOTABLE/>"), -1)
	require.NoError(t, err)
	assert.Equal(t, "catalog.vot", up.Name())
	assert.Equal(t, InboxKey("catalog.vot"), up.Location())

	require.NoError(t, up.Move("job9"))
	assert.Equal(t, UploadKey("job9", "catalog.vot"), up.Location())

	// Moving to the same scope again is a no-op.
	require.NoError(t, up.Move("job9"))

	require.NoError(t, up.Delete())
	require.NoError(t, up.Delete())
}
