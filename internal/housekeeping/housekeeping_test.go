// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package housekeeping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/journal"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/internal/transport"
)

type fakeRunner struct {
	mu    sync.Mutex
	ranks []int
	cb    func(rank int, err error)
}

func (f *fakeRunner) Run(ctx context.Context, jobID uint64, userID uint32, ranks []int, onRankDone func(rank int, err error)) error {
	f.mu.Lock()
	f.ranks = ranks
	f.cb = onRankDone
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) finish(rank int) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(rank, nil)
}

func TestStartUnconfiguredSendsImmediateFree(t *testing.T) {
	tp := transport.NewInProcess()
	freed := make(chan map[string]any, 1)
	tp.RegisterRequest("sched.free", func(ctx context.Context, payload any) (any, error) {
		freed <- payload.(map[string]any)
		return nil, nil
	})

	h := New(Config{}, nil, tp, nil, nil)
	require.NoError(t, h.Start(context.Background(), 1, 1, map[string]any{}, []int{0, 1}, 0))

	select {
	case p := <-freed:
		assert.Equal(t, true, p["final"])
	case <-time.After(time.Second):
		t.Fatal("expected immediate sched.free")
	}
}

func TestPartialReleaseAsRanksComplete(t *testing.T) {
	tp := transport.NewInProcess()
	var frees []map[string]any
	var mu sync.Mutex
	tp.RegisterRequest("sched.free", func(ctx context.Context, payload any) (any, error) {
		mu.Lock()
		frees = append(frees, payload.(map[string]any))
		mu.Unlock()
		return nil, nil
	})

	runner := &fakeRunner{}
	h := New(Config{Command: []string{"epilog"}, ReleaseAfter: 0}, runner, tp, nil, nil)
	require.NoError(t, h.Start(context.Background(), 1, 1, map[string]any{}, []int{0, 1}, 100))

	runner.finish(0)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frees) == 1
	}, time.Second, time.Millisecond)

	runner.finish(1)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frees) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, true, frees[1]["final"])
	mu.Unlock()
}

func TestNeverPartialWhenReleaseAfterNegative(t *testing.T) {
	tp := transport.NewInProcess()
	var frees int
	var mu sync.Mutex
	tp.RegisterRequest("sched.free", func(ctx context.Context, payload any) (any, error) {
		mu.Lock()
		frees++
		mu.Unlock()
		return nil, nil
	})

	runner := &fakeRunner{}
	h := New(Config{Command: []string{"epilog"}, ReleaseAfter: -1}, runner, tp, nil, nil)
	require.NoError(t, h.Start(context.Background(), 1, 1, map[string]any{}, []int{0, 1}, 0))

	runner.finish(0)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, frees)
	mu.Unlock()

	runner.finish(1)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return frees == 1
	}, time.Second, time.Millisecond)
}

func TestHelloRespondTerminatesWithoutPartialSupport(t *testing.T) {
	tp := transport.NewInProcess()
	runner := &fakeRunner{}
	h := New(Config{Command: []string{"epilog"}, ReleaseAfter: -1}, runner, tp, nil, nil)
	require.NoError(t, h.Start(context.Background(), 1, 1, map[string]any{}, []int{0, 1}, 0))
	runner.finish(0)
	time.Sleep(10 * time.Millisecond)

	var terminated []uint64
	entries := h.Respond(false, func(jobID uint64) { terminated = append(terminated, jobID) })
	assert.Equal(t, []uint64{1}, terminated)
	assert.Empty(t, entries)
}

func TestStatsSnapshot(t *testing.T) {
	tp := transport.NewInProcess()
	runner := &fakeRunner{}
	h := New(Config{Command: []string{"epilog"}}, runner, tp, nil, nil)
	require.NoError(t, h.Start(context.Background(), 1, 1, map[string]any{}, []int{0, 1}, 42))

	running, cfg := h.Stats()
	require.Len(t, running, 1)
	assert.Equal(t, float64(42), running[0].TStart)
	assert.Equal(t, []string{"epilog"}, cfg.Command)
}

func TestCommitterUnused(t *testing.T) {
	// Housekeeping posts no eventlog entries itself (spec.md §4.7 has no
	// job-event side effects); committer is accepted for symmetry with
	// the other C-components but may be nil.
	store := kvs.NewMemoryStore()
	jrnl := journal.New(journal.DefaultRingSize)
	committer := eventlog.New(store, jrnl, eventlog.RealClock{}, time.Millisecond, nil)
	h := New(Config{}, nil, transport.NewInProcess(), committer, nil)
	assert.NotNil(t, h)
}
