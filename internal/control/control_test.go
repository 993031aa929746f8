// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package control

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
	"github.com/jontk/jobmgr/internal/queue"
	"github.com/jontk/jobmgr/internal/statemachine"
	"github.com/jontk/jobmgr/internal/transport"
)

type harness struct {
	table     *job.Table
	committer *eventlog.Committer
	store     *kvs.MemoryStore
	tp        *transport.InProcess
	pipeline  *alloc.Pipeline
	execIface *exec.Interface
	queues    *queue.Registry
	service   *Service
}

func newHarness(t *testing.T, queues *queue.Registry) *harness {
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

	if queues == nil {
		queues = queue.NewAnonymous()
	}

	d := statemachine.New(committer, host, pipeline, execIface, nil, prio, tp, table, true, nil)
	committer.SetAdvancer(d)

	svc := New(table, committer, host, pipeline, prio, queues, store, tp, nil, nil)
	d.SetOnInactive(svc.NotifyInactive)

	return &harness{
		table: table, committer: committer, store: store, tp: tp,
		pipeline: pipeline, execIface: execIface, queues: queues, service: svc,
	}
}

// driveToInactive pushes j through SCHED->RUN->CLEANUP->INACTIVE the same
// shortcut way statemachine's own lifecycle test does: alloc/finish/free
// are posted directly rather than routed through a live scheduler, since
// that round trip is internal/alloc's concern, not control's.
func (h *harness) driveToInactive(t *testing.T, j *job.Job) {
	t.Helper()
	freed := make(chan struct{}, 1)
	h.tp.RegisterRequest("sched.free", func(ctx context.Context, payload any) (any, error) {
		select {
		case freed <- struct{}{}:
		default:
		}
		return nil, nil
	})

	if h.execIface.Service() == "" {
		h.tp.RegisterCall("sim-exec.start", func(ctx context.Context, payload any) (<-chan transport.Response, error) {
			ch := make(chan transport.Response, 1)
			ch <- transport.Response{Payload: exec.StartResponse{ID: j.ID, Type: exec.RespRelease, Final: true}}
			close(ch)
			return ch, nil
		})
		require.NoError(t, h.execIface.Hello("sim-exec"))
	}

	require.NoError(t, h.committer.Post(context.Background(), j, "submit", nil, 0))
	require.NoError(t, h.committer.Post(context.Background(), j, "alloc", map[string]any{"R": map[string]any{}}, 0))
	require.NoError(t, h.committer.Post(context.Background(), j, "finish", map[string]any{"status": 0}, 0))

	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("expected sched.free during cleanup")
	}
	h.committer.Flush()

	// The exec release that drives CLEANUP -> INACTIVE is delivered on a
	// goroutine spawned by exec.Start's response reader, so it can still be
	// in flight after Free() unblocks the line above. Poll rather than
	// assume ordering, then flush whatever batch picked up the "clean" event.
	deadline := time.Now().Add(time.Second)
	for j.Active() && time.Now().Before(deadline) {
		h.committer.Flush()
		time.Sleep(time.Millisecond)
	}
	h.committer.Flush()
	require.False(t, j.Active(), "expected job to reach INACTIVE")
}

func TestSubmitRespondsAfterBatchCommit(t *testing.T) {
	h := newHarness(t, nil)
	var got SubmitResult
	done := make(chan struct{})

	id, err := h.service.Submit(context.Background(), SubmitRequest{
		UserID: 1, Urgency: job.UrgencyDefault, Jobspec: map[string]any{"command": "true"},
	}, func(r SubmitResult) { got = r; close(done) })
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	h.committer.Flush()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected submit result after batch commit")
	}
	assert.True(t, got.Valid)
	assert.Equal(t, uint64(1), got.ID)
	assert.Equal(t, 1, h.table.ActiveCount())
}

func TestSubmitRejectedByDisabledQueue(t *testing.T) {
	q := queue.NewNamed([]string{"batch"})
	require.NoError(t, q.Enable("batch", false, false, "down for maintenance"))
	h := newHarness(t, q)

	_, err := h.service.Submit(context.Background(), SubmitRequest{
		UserID: 1, Queue: "batch", Jobspec: map[string]any{},
	}, func(SubmitResult) {})
	require.Error(t, err)
	assert.Equal(t, 0, h.table.ActiveCount())
}

func TestWaitSpecificJobResolvesOnInactive(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, 0)
	h.table.Insert(j)

	resultCh := make(chan WaitResult, 1)
	go func() {
		r, err := h.service.Wait(context.Background(), 1)
		require.NoError(t, err)
		resultCh <- r
	}()

	time.Sleep(10 * time.Millisecond)
	h.driveToInactive(t, j)

	select {
	case r := <-resultCh:
		assert.True(t, r.Success)
	case <-time.After(time.Second):
		t.Fatal("expected wait to resolve once job reached inactive")
	}
}

func TestWaitAnyPopsZombieFiledBeforeWaitArrives(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, job.FlagWaitable)
	h.table.Insert(j)
	h.driveToInactive(t, j)

	r, err := h.service.Wait(context.Background(), WaitAny)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.ID)
	assert.True(t, r.Success)
}

func TestWaitAnyFailsWithNoWaitablesOutstanding(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.service.Wait(context.Background(), WaitAny)
	assert.Error(t, err)
}

func TestRaisePublishesJobExceptionAfterCommit(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, 0)
	j.State = job.StateRun
	h.table.Insert(j)

	published := make(chan map[string]any, 1)
	h.tp.RegisterRequest("job-exception", func(ctx context.Context, payload any) (any, error) {
		published <- payload.(map[string]any)
		return nil, nil
	})

	require.NoError(t, h.service.Raise(context.Background(), 1, 0, "cancel", "operator requested"))
	h.committer.Flush()

	select {
	case p := <-published:
		assert.Equal(t, "cancel", p["type"])
	case <-time.After(time.Second):
		t.Fatal("expected job-exception publish after commit")
	}
	assert.Equal(t, job.StateCleanup, j.State)
}

func TestKillRejectsNonRunningJob(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, 0)
	h.table.Insert(j)

	err := h.service.Kill(context.Background(), 1, 9)
	assert.Error(t, err)
}

func TestUrgencyRecomputesPriority(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, 0)
	j.State = job.StatePriority
	h.table.Insert(j)

	require.NoError(t, h.service.Urgency(context.Background(), 1, job.UrgencyExpedite))
	assert.Equal(t, job.PriorityMax, j.Priority)
}

func TestUrgencyRejectsOutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	err := h.service.Urgency(context.Background(), 1, 99)
	assert.Error(t, err)
}

func TestDrainRespondsImmediatelyWhenNoActiveJobs(t *testing.T) {
	h := newHarness(t, nil)
	done := make(chan struct{})
	h.service.Drain(func() { close(done) })
	h.committer.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected immediate drain response with no active jobs")
	}
}

func TestDrainWaitsForActiveJobsToClear(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, 0)
	h.table.Insert(j)

	done := make(chan struct{})
	h.service.Drain(func() { close(done) })

	select {
	case <-done:
		t.Fatal("drain should not respond while a job is active")
	case <-time.After(20 * time.Millisecond):
	}

	h.driveToInactive(t, j)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected drain to respond once the job went inactive")
	}
}

func TestIdleRespondsWhenNothingPending(t *testing.T) {
	h := newHarness(t, nil)
	var pending int
	done := make(chan struct{})
	h.service.Idle(func(p int) { pending = p; close(done) })
	h.committer.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected immediate idle response")
	}
	assert.Equal(t, 0, pending)
}

func TestPurgeRequiresInactiveJob(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, 0)
	h.table.Insert(j)

	err := h.service.Purge(context.Background(), 1)
	assert.Error(t, err)

	h.driveToInactive(t, j)
	require.NoError(t, h.service.Purge(context.Background(), 1))

	_, ok := h.table.Get(1)
	assert.False(t, ok)
	_, err = h.store.Get(context.Background(), kvs.EventlogKey(1))
	assert.ErrorIs(t, err, kvs.ErrKeyNotFound)
}

func TestAnnotateMergeDeletesNullKeys(t *testing.T) {
	h := newHarness(t, nil)
	j := job.New(1, 1, job.UrgencyDefault, 1.0, 0)
	h.table.Insert(j)

	require.NoError(t, h.service.Annotate(context.Background(), 1, map[string]any{"a": "1", "b": "2"}))
	require.NoError(t, h.service.Annotate(context.Background(), 1, map[string]any{"a": nil}))

	j.Lock()
	raw, _ := j.Aux.Get(".control", "annotations")
	j.Unlock()
	merged, _ := raw.(map[string]any)
	_, hasA := merged["a"]
	assert.False(t, hasA)
	assert.Equal(t, "2", merged["b"])
}

func TestListGetAttrGetInfo(t *testing.T) {
	h := newHarness(t, nil)
	var submitted []uint64
	for i := 0; i < 2; i++ {
		id, err := h.service.Submit(context.Background(), SubmitRequest{
			UserID: 1, Jobspec: map[string]any{"n": i},
		}, func(SubmitResult) {})
		require.NoError(t, err)
		submitted = append(submitted, id)
	}
	h.committer.Flush()

	entries := h.service.List(10)
	require.Len(t, entries, 2)
	assert.Equal(t, submitted[0], entries[0].ID)

	spec, err := h.service.GetAttr(submitted[0], "jobspec")
	require.NoError(t, err)
	assert.Equal(t, 0, spec.(map[string]any)["n"])

	assert.Equal(t, uint64(2), h.service.GetInfo())
}
