//go:build cloudintegration

package filestore_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterope/uws/pkg/filestore"
	"github.com/asterope/uws/test/cloudtest"
)

func newS3Store(t *testing.T, ctx context.Context, bucket string) *filestore.S3 {
	t.Helper()
	store, err := filestore.NewS3(ctx, filestore.S3Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestS3_PutGet_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store := newS3Store(t, ctx, bucket)

	key := filestore.ResultKey("job-1", "result")
	require.NoError(t, store.Put(ctx, key, strings.NewReader("id,ra,dec\n"), 10))

	rc, size, err := store.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "id,ra,dec\n", string(data))
	assert.EqualValues(t, 10, size)
}

func TestS3_GetMissing_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store := newS3Store(t, ctx, bucket)

	_, _, err := store.Get(ctx, "job-none/results/result")
	require.Error(t, err)
	assert.True(t, filestore.IsNotFound(err))

	var se *filestore.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "s3", se.Backend)
}

func TestS3_Move_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store := newS3Store(t, ctx, bucket)

	from := filestore.InboxKey("table.csv")
	to := filestore.UploadKey("job-1", "table.csv")
	require.NoError(t, store.Put(ctx, from, strings.NewReader("x"), 1))
	require.NoError(t, store.Move(ctx, from, to))

	_, _, err := store.Get(ctx, from)
	assert.True(t, filestore.IsNotFound(err))

	rc, _, err := store.Get(ctx, to)
	require.NoError(t, err)
	_ = rc.Close()
}

func TestS3_DeleteAll_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store := newS3Store(t, ctx, bucket)

	cloudtest.PutObject(t, ctx, bucket, "job-1/results/a", []byte("a"))
	cloudtest.PutObject(t, ctx, bucket, "job-1/upload/b", []byte("b"))
	cloudtest.PutObject(t, ctx, bucket, "job-2/results/c", []byte("c"))

	require.NoError(t, store.DeleteAll(ctx, "job-1"))

	_, _, err := store.Get(ctx, "job-1/results/a")
	assert.True(t, filestore.IsNotFound(err))
	_, _, err = store.Get(ctx, "job-2/results/c")
	assert.NoError(t, err)
}

func TestS3_Prefix_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	store, err := filestore.NewS3(ctx, filestore.S3Config{
		Bucket:          bucket,
		Prefix:          "uws/prod",
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	defer store.Close()

	key := filestore.ResultKey("job-1", "result")
	require.NoError(t, store.Put(ctx, key, strings.NewReader("v"), 1))

	rc, _, err := store.Get(ctx, key)
	require.NoError(t, err)
	_ = rc.Close()

	// A prefix-less store on the same bucket must not see the object.
	bare := newS3Store(t, ctx, bucket)
	_, _, err = bare.Get(ctx, key)
	assert.True(t, filestore.IsNotFound(err))
}
