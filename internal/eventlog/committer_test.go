// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/journal"
	"github.com/jontk/jobmgr/internal/kvs"
)

// fakeClock lets tests fire the batch timer deterministically instead of
// waiting on a real 10ms timer.
type fakeClock struct {
	mu      sync.Mutex
	now     float64
	pending []func()
}

func (f *fakeClock) Now() float64 { return f.now }

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, fn)
	return fakeTimer{}
}

func (f *fakeClock) fireAll() {
	f.mu.Lock()
	fns := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

type recordingAdvancer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingAdvancer) Advance(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, entry.Name)
	return nil
}

func newTestCommitter(store kvs.Store) (*Committer, *fakeClock, *recordingAdvancer) {
	clk := &fakeClock{}
	adv := &recordingAdvancer{}
	c := New(store, journal.New(0), clk, time.Millisecond, nil)
	c.SetAdvancer(adv)
	return c, clk, adv
}

func TestPostAppendsAndAdvances(t *testing.T) {
	store := kvs.NewMemoryStore()
	c, clk, adv := newTestCommitter(store)
	j := job.New(1, 1, 16, 1.0, 0)

	require.NoError(t, c.Post(context.Background(), j, "submit", nil, 0))
	assert.Len(t, j.Eventlog, 1)
	assert.Equal(t, []string{"submit"}, adv.calls)

	clk.fireAll()
	v, err := store.Get(context.Background(), kvs.EventlogKey(1))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(v), "submit"))
}

func TestPostNoCommitSkipsKVS(t *testing.T) {
	store := kvs.NewMemoryStore()
	c, clk, _ := newTestCommitter(store)
	j := job.New(1, 1, 16, 1.0, 0)

	require.NoError(t, c.Post(context.Background(), j, "invalidate", nil, NoCommit))
	clk.fireAll()

	_, err := store.Get(context.Background(), kvs.EventlogKey(1))
	assert.ErrorIs(t, err, kvs.ErrKeyNotFound)
}

func TestBatchRespondDeferredUntilCommit(t *testing.T) {
	store := kvs.NewMemoryStore()
	c, clk, _ := newTestCommitter(store)
	j := job.New(1, 1, 16, 1.0, 0)

	responded := false
	require.NoError(t, c.Post(context.Background(), j, "submit", nil, 0))
	c.BatchRespond(func() { responded = true })

	assert.False(t, responded)
	clk.fireAll()
	assert.True(t, responded)
}

func TestBatchAddJobQueuesAndDrains(t *testing.T) {
	store := kvs.NewMemoryStore()
	c, clk, adv := newTestCommitter(store)
	j := job.New(1, 1, 16, 1.0, 0)

	require.NoError(t, c.Post(context.Background(), j, "submit", nil, 0))
	c.BatchAddJob(j.ID)
	require.NoError(t, c.Post(context.Background(), j, "validate", nil, 0))

	// validate is queued, not yet applied.
	assert.Equal(t, []string{"submit"}, adv.calls)
	assert.Len(t, j.Eventlog, 1)

	clk.fireAll()

	assert.Contains(t, adv.calls, "validate")
	assert.Len(t, j.Eventlog, 2)
}

func TestCommitFailureInvokesFatalHandlerAndCallbacks(t *testing.T) {
	inner := kvs.NewMemoryStore()
	failing := &kvs.FailingCommitStore{Store: inner, Err: assert.AnError}
	c, clk, _ := newTestCommitter(failing)

	var fatalErr error
	c.SetFatalHandler(func(err error) { fatalErr = err })

	callbackErr := make(chan error, 1)
	c.OnCommit(func(err error) { callbackErr <- err })

	j := job.New(1, 1, 16, 1.0, 0)
	require.NoError(t, c.Post(context.Background(), j, "submit", nil, 0))
	clk.fireAll()

	require.Error(t, fatalErr)
	select {
	case err := <-callbackErr:
		require.Error(t, err)
	default:
		t.Fatal("callback not invoked")
	}
}

func TestFlushBypassesTimer(t *testing.T) {
	store := kvs.NewMemoryStore()
	c, _, _ := newTestCommitter(store)
	j := job.New(1, 1, 16, 1.0, 0)

	require.NoError(t, c.Post(context.Background(), j, "submit", nil, 0))
	c.Flush()

	v, err := store.Get(context.Background(), kvs.EventlogKey(1))
	require.NoError(t, err)
	assert.Contains(t, string(v), "submit")
}

func TestBatchPubStatePublishesToJournal(t *testing.T) {
	store := kvs.NewMemoryStore()
	jr := journal.New(0)
	clk := &fakeClock{}
	c := New(store, jr, clk, time.Millisecond, nil)
	c.SetAdvancer(&recordingAdvancer{})

	ch, cancel, err := jr.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer cancel()

	j := job.New(1, 1, 16, 1.0, 0)
	require.NoError(t, c.Post(context.Background(), j, "submit", nil, 0))
	clk.fireAll()

	select {
	case ev := <-ch:
		assert.Equal(t, "submit", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for journal publish")
	}
}
