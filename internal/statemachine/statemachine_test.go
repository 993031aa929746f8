// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/jobmgr/internal/alloc"
	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/exec"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/jobtap"
	"github.com/jontk/jobmgr/internal/journal"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/internal/priority"
	"github.com/jontk/jobmgr/internal/transport"
)

type harness struct {
	committer *eventlog.Committer
	pipeline  *alloc.Pipeline
	execIface *exec.Interface
	table     *job.Table
	tp        *transport.InProcess
	driver    *Driver
}

func newHarness(t *testing.T, directFree bool) *harness {
	t.Helper()
	store := kvs.NewMemoryStore()
	jrnl := journal.New(journal.DefaultRingSize)
	committer := eventlog.New(store, jrnl, eventlog.RealClock{}, time.Millisecond, nil)

	tp := transport.NewInProcess()
	pipeline := alloc.New(tp, committer, nil)
	execIface := exec.New(tp, committer, nil)
	table := job.NewTable()

	host := jobtap.NewHost(nil)
	require.NoError(t, host.Load(context.Background(), jobtap.PriorityDefaultPlugin(), nil))
	prio := priority.New(host, committer, pipeline, nil)

	d := New(committer, host, pipeline, execIface, nil, prio, tp, table, directFree, nil)
	committer.SetAdvancer(d)

	return &harness{committer: committer, pipeline: pipeline, execIface: execIface, table: table, tp: tp, driver: d}
}

func submittedJob(h *harness, id uint64, urgency int32) *job.Job {
	j := job.New(id, 1, urgency, 1.0, job.FlagWaitable)
	h.table.Insert(j)
	return j
}

func TestSubmitDrivesToSchedWithNoDependenciesAndDefaultUrgency(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, 16)

	require.NoError(t, h.committer.Post(context.Background(), j, "submit", nil, 0))

	assert.Equal(t, job.StateSched, j.State)
	assert.Equal(t, 1, h.pipeline.InqueueDepth())
}

func TestHoldUrgencyParksAtMinPriorityButStillReachesSched(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, job.UrgencyHold)

	require.NoError(t, h.committer.Post(context.Background(), j, "submit", nil, 0))

	assert.Equal(t, job.StateSched, j.State)
	assert.Equal(t, job.PriorityMin, j.Priority)
}

func TestDependencyBlocksUntilRemoved(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, 16)
	j.Dependencies = []job.Dependency{{Scheme: "after", Description: "job:0"}}

	require.NoError(t, h.committer.Post(context.Background(), j, "submit", nil, 0))
	assert.Equal(t, job.StateDepend, j.State)

	require.NoError(t, h.committer.Post(context.Background(), j, "dependency-remove",
		map[string]any{"scheme": "after", "description": "job:0"}, 0))
	assert.Equal(t, job.StateSched, j.State)
}

func TestFullLifecycleToInactive(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, 16)

	h.tp.RegisterCall("sim-exec.start", func(ctx context.Context, payload any) (<-chan transport.Response, error) {
		ch := make(chan transport.Response, 1)
		ch <- transport.Response{Payload: exec.StartResponse{ID: 1, Type: exec.RespRelease, Final: true}}
		close(ch)
		return ch, nil
	})
	require.NoError(t, h.execIface.Hello("sim-exec"))

	freed := make(chan struct{}, 1)
	h.tp.RegisterRequest("sched.free", func(ctx context.Context, payload any) (any, error) {
		freed <- struct{}{}
		return nil, nil
	})

	var notifiedSuccess bool
	done := make(chan struct{})
	j.Waiter = &job.Waiter{RequestID: "req1", Notify: func(end *job.EventEntry, success bool, errstr string) {
		notifiedSuccess = success
		close(done)
	}}

	require.NoError(t, h.committer.Post(context.Background(), j, "submit", nil, 0))
	assert.Equal(t, job.StateSched, j.State)

	require.NoError(t, h.committer.Post(context.Background(), j, "alloc", map[string]any{"R": map[string]any{}}, 0))
	assert.Equal(t, job.StateRun, j.State)

	require.NoError(t, h.committer.Post(context.Background(), j, "finish", map[string]any{"status": 0}, 0))

	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("expected sched.free on cleanup")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected waiter notification")
	}

	assert.Equal(t, job.StateInactive, j.State)
	assert.True(t, notifiedSuccess)
	_, stillActive := h.table.GetActive(j.ID)
	assert.False(t, stillActive)
}

func TestExceptionFromRunTransitionsToCleanup(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, 16)
	j.State = job.StateRun

	require.NoError(t, h.committer.Post(context.Background(), j, "exception",
		map[string]any{"severity": 0, "type": "test"}, 0))
	assert.Equal(t, job.StateCleanup, j.State)
}

func TestExceptionWithNonzeroSeverityDoesNotTransition(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, 16)
	j.State = job.StateRun

	require.NoError(t, h.committer.Post(context.Background(), j, "exception",
		map[string]any{"severity": 1, "type": "test"}, 0))
	assert.Equal(t, job.StateRun, j.State)
}

func TestAllocInCleanupDoesNotEnterRun(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, 16)
	j.State = job.StateCleanup

	require.NoError(t, h.committer.Post(context.Background(), j, "alloc", map[string]any{"R": map[string]any{}}, 0))
	assert.Equal(t, job.StateCleanup, j.State)
	assert.True(t, j.HasResources)
}

func TestEventsNeverRewindState(t *testing.T) {
	h := newHarness(t, true)
	j := submittedJob(h, 1, 16)
	j.State = job.StateRun

	require.NoError(t, h.committer.Post(context.Background(), j, "submit", nil, 0))
	assert.Equal(t, job.StateRun, j.State)
}
