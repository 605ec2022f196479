package service_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterope/uws/internal/queryrunner"
	"github.com/asterope/uws/internal/service"
	"github.com/asterope/uws/pkg/filestore"
	"github.com/asterope/uws/pkg/jobstore"
	"github.com/asterope/uws/pkg/phase"
)

const catalogCSV = `id,ra,dec,mag
src-1,10.0,20.0,12.5
src-2,180.0,-45.0,16.0
`

type testEnv struct {
	store   *jobstore.Store
	files   *filestore.ResultFiles
	factory *queryrunner.Factory
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	catalogPath := filepath.Join(t.TempDir(), "catalog.csv")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogCSV), 0644))

	local, err := filestore.NewLocal(filestore.LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)

	desc := &queryrunner.Descriptor{Catalog: queryrunner.CatalogConfig{Path: catalogPath}}
	desc.ApplyDefaults()
	files := filestore.NewResultFiles(local)
	factory, err := queryrunner.NewFactory(desc, files, nil)
	require.NoError(t, err)

	return &testEnv{
		store:   jobstore.NewStore(t.TempDir()),
		files:   files,
		factory: factory,
	}
}

func (e *testEnv) newService() *service.Service {
	return service.New(service.Config{
		MaxRunningJobs: 2,
		StopGrace:      time.Second,
	}, service.Deps{
		Factory:   e.factory,
		ParamOpts: e.factory.ParamOptions,
		Files:     e.files,
		Store:     e.store,
	})
}

func TestCreatePersistsRecord(t *testing.T) {
	env := newEnv(t)
	svc := env.newService()

	j, err := svc.Create("alice", "", map[string]any{"RA": 10.0, "DEC": 20.0}, nil)
	require.NoError(t, err)

	rec, err := env.store.Get(j.ID())
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, string(phase.Pending), rec.Phase)
	assert.Equal(t, 10.0, rec.Params["RA"])
}

func TestRestoreRebuildsFinishedJob(t *testing.T) {
	env := newEnv(t)
	svc := env.newService()

	j, err := svc.Create("alice", "restore-me", map[string]any{"RA": 10.0}, nil)
	require.NoError(t, err)
	_, err = svc.Update(j, map[string]any{"phase": "ABORT"}, nil)
	require.NoError(t, err)

	// A fresh process over the same record store sees the job again.
	svc2 := env.newService()
	require.NoError(t, svc2.Restore())

	restored, ok := svc2.Get("restore-me")
	require.True(t, ok)
	assert.Equal(t, phase.Aborted, restored.Phase())
	assert.Equal(t, "alice", restored.Owner())
	v, ok := restored.GetParameter("RA")
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
}

func TestRestoreIsIdempotentForDuplicates(t *testing.T) {
	env := newEnv(t)
	svc := env.newService()

	_, err := svc.Create("", "twice", nil, nil)
	require.NoError(t, err)

	svc2 := env.newService()
	require.NoError(t, svc2.Restore())
	require.NoError(t, svc2.Restore())
	assert.Len(t, svc2.List(), 1)
}

func TestDestroyDropsRecord(t *testing.T) {
	env := newEnv(t)
	svc := env.newService()

	j, err := svc.Create("", "", nil, nil)
	require.NoError(t, err)
	id := j.ID()

	require.True(t, svc.Destroy(id))

	_, ok := svc.Get(id)
	assert.False(t, ok)
	_, err = env.store.Get(id)
	assert.Error(t, err)

	assert.False(t, svc.Destroy(id), "second destroy is a no-op")
}

func TestCreateWithRejectedParametersKeepsJob(t *testing.T) {
	env := newEnv(t)
	svc := env.newService()

	j, err := svc.Create("", "", map[string]any{"FORMAT": "xml"}, nil)
	require.Error(t, err)
	require.NotNil(t, j)

	_, ok := svc.Get(j.ID())
	assert.True(t, ok, "job stays registered for repair or destroy")
}

func TestRemoveParameter(t *testing.T) {
	env := newEnv(t)
	svc := env.newService()

	j, err := svc.Create("", "", map[string]any{"RA": 10.0, "DEC": 20.0}, nil)
	require.NoError(t, err)

	require.True(t, svc.RemoveParameter(j, "DEC"))
	_, ok := j.GetParameter("DEC")
	assert.False(t, ok)

	rec, err := env.store.Get(j.ID())
	require.NoError(t, err)
	assert.NotContains(t, rec.Params, "DEC")

	_, err = svc.Update(j, map[string]any{"phase": "ABORT"}, nil)
	require.NoError(t, err)
	assert.False(t, svc.RemoveParameter(j, "RA"))
}
