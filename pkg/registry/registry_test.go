package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterope/uws/pkg/job"
	"github.com/asterope/uws/pkg/params"
)

func TestAddGetRemove(t *testing.T) {
	r := New()
	j := job.New(job.Config{})
	require.NoError(t, r.Add(j))
	require.Error(t, r.Add(j), "duplicate ids are rejected")

	got, ok := r.Get(j.ID())
	require.True(t, ok)
	assert.Same(t, j, got)
	assert.True(t, r.InUse(j.ID()))
	assert.False(t, r.InUse("other"))
	assert.Equal(t, 1, r.Len())

	r.Remove(j.ID())
	_, ok = r.Get(j.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestList_NewestFirst(t *testing.T) {
	r := New()
	first := job.New(job.Config{})
	time.Sleep(5 * time.Millisecond)
	second := job.New(job.Config{})
	require.NoError(t, r.Add(first))
	require.NoError(t, r.Add(second))

	jobs := r.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID(), jobs[0].ID())
	assert.Equal(t, first.ID(), jobs[1].ID())
}

func TestDestroy_RunsHookAndRemoves(t *testing.T) {
	var mu sync.Mutex
	var destroyed []string
	r := New(WithOnDestroy(func(id string) {
		mu.Lock()
		destroyed = append(destroyed, id)
		mu.Unlock()
	}))

	j := job.New(job.Config{})
	require.NoError(t, r.Add(j))

	r.Destroy(j)
	assert.Equal(t, []string{j.ID()}, destroyed)
	assert.False(t, r.InUse(j.ID()))
	assert.True(t, j.IsFinished(), "destruction finishes the job")
}

func TestSweeper_DestroysDueJob(t *testing.T) {
	var mu sync.Mutex
	var destroyed []string
	r := New(WithOnDestroy(func(id string) {
		mu.Lock()
		destroyed = append(destroyed, id)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// The registry is the notifier: an updated destruction time re-arms
	// the sweeper without polling.
	j := job.New(job.Config{Notifier: r})
	require.NoError(t, r.Add(j))
	ok, err := j.AddOrUpdateParameter(params.Destruction, time.Now().UTC().Add(50*time.Millisecond), nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return !r.InUse(j.ID())
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{j.ID()}, destroyed)
	mu.Unlock()
}

func TestSweeper_FutureDeadlineNotSweptEarly(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	j := job.New(job.Config{Notifier: r})
	require.NoError(t, r.Add(j))
	_, err := j.AddOrUpdateParameter(params.Destruction, time.Now().UTC().Add(time.Hour), nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, r.InUse(j.ID()))
}
