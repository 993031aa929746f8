// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package alloc implements the allocation pipeline (C6): the scheduler
// hello/ready handshake, the priority-ordered inqueue, single/limited/
// unlimited concurrency, and the alloc/free/cancel/prioritize RPC shaping
// of spec.md §4.5.
package alloc

import (
	"context"
	"sync"

	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/transport"
	"github.com/jontk/jobmgr/pkg/errors"
	"github.com/jontk/jobmgr/pkg/logging"
)

// Mode controls how many sched.alloc requests may be outstanding at once
// (spec.md §4.5 "sched-ready{mode}").
type Mode string

const (
	ModeSingle    Mode = "single"
	ModeLimited   Mode = "limited"
	ModeUnlimited Mode = "unlimited"
)

// Response type codes for a streamed sched.alloc reply (spec.md §4.5
// "Alloc responses").
const (
	RespSuccess  = 0
	RespAnnotate = 1
	RespError    = 2
)

// AllocRequest is the payload sent on sched.alloc (spec.md §4.5).
type AllocRequest struct {
	ID       uint64  `json:"id"`
	Priority int64   `json:"priority"`
	UserID   uint32  `json:"userid"`
	TSubmit  float64 `json:"t_submit"`
}

// AllocResponse is one streamed reply to a sched.alloc request.
type AllocResponse struct {
	ID   uint64
	Type int
	Note string
	R    map[string]any
}

// HelloEntry describes one job in a sched-hello reply.
type HelloEntry struct {
	ID   uint64
	Free []int // idset of ranks already released, set only on partial allocations
}

// HelloReply is the response to job-manager.sched-hello (spec.md §6).
type HelloReply struct {
	Alloc []HelloEntry
}

// Pipeline implements C6. It holds the scheduler-facing inqueue and the
// handshake/concurrency state; it posts alloc/free/exception events
// through the shared Committer so job state and KVS durability stay in
// sync with the rest of the core.
type Pipeline struct {
	mu sync.Mutex

	transport transport.Transport
	committer *eventlog.Committer
	log       logging.Logger

	inq *inqueue

	ready       bool
	mode        Mode
	limit       int
	outstanding int
}

// New creates an allocation pipeline.
func New(tp transport.Transport, committer *eventlog.Committer, log logging.Logger) *Pipeline {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Pipeline{
		transport: tp,
		committer: committer,
		log:       log,
		inq:       newInqueue(),
		mode:      ModeUnlimited,
	}
}

// SchedHello answers job-manager.sched-hello: every job with has_resources
// set is listed, plus any job housekeeping still holds partially
// (partialReleases maps jobID to the idset already released). If
// partialOK is false, jobs with a partial release are reported separately
// so the caller can terminate that housekeeping allocation with SIGTERM
// (spec.md §4.5 "the scheduler must accept partial-release hello or the
// housekeeping allocation is terminated with SIGTERM and removed").
func (p *Pipeline) SchedHello(activeWithResources []*job.Job, partialReleases map[uint64][]int, partialOK bool) (HelloReply, []uint64) {
	var reply HelloReply
	var terminated []uint64
	for _, j := range activeWithResources {
		entry := HelloEntry{ID: j.ID}
		if free, ok := partialReleases[j.ID]; ok {
			if !partialOK {
				terminated = append(terminated, j.ID)
				continue
			}
			entry.Free = free
		}
		reply.Alloc = append(reply.Alloc, entry)
	}
	return reply, terminated
}

// SchedReady answers job-manager.sched-ready{mode}, setting the
// concurrency mode and marking the pipeline ready to dispatch allocs. It
// returns the current inqueue depth (spec.md §4.5).
func (p *Pipeline) SchedReady(mode Mode, limit int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
	p.mode = mode
	p.limit = limit
	return p.inq.len()
}

// Enqueue adds j to the inqueue unless an alloc is already queued or
// pending for it (spec.md §3 invariant "alloc_queued + alloc_pending ≤
// 1"). Called by the state machine's SCHED entry side effect.
func (p *Pipeline) Enqueue(j *job.Job) {
	j.Lock()
	defer j.Unlock()
	if j.AllocQueued || j.AllocPending {
		return
	}
	j.AllocQueued = true
	p.inq.push(j)
}

// admits reports whether the concurrency mode allows another outstanding
// alloc request. p.mu must be held.
func (p *Pipeline) admits() bool {
	if !p.ready {
		return false
	}
	switch p.mode {
	case ModeSingle:
		return p.outstanding == 0
	case ModeLimited:
		return p.outstanding < p.limit
	default: // unlimited
		return true
	}
}

// Drain implements the prep/check pair bracketing the reactor's poll step
// (spec.md §4.5 "Steady state"): while ready and the mode admits another
// alloc, take the head of the inqueue and emit sched.alloc.
func (p *Pipeline) Drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if !p.admits() || p.inq.len() == 0 {
			p.mu.Unlock()
			return
		}
		p.outstanding++
		p.mu.Unlock()

		j := p.inq.pop()
		if j == nil {
			p.mu.Lock()
			p.outstanding--
			p.mu.Unlock()
			return
		}
		p.dispatch(ctx, j)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, j *job.Job) {
	j.Lock()
	j.AllocQueued = false
	j.AllocPending = true
	req := AllocRequest{ID: j.ID, Priority: j.Priority, UserID: j.UserID, TSubmit: j.TSubmit}
	j.Unlock()

	ch, err := p.transport.Call(ctx, "sched.alloc", req)
	if err != nil {
		p.Teardown(ctx)
		p.RequeuePending(j)
		return
	}

	go func() {
		for resp := range ch {
			ar, ok := resp.Payload.(AllocResponse)
			if !ok {
				continue
			}
			p.handleResponse(ctx, j, ar)
		}
	}()
}

// handleResponse applies one streamed sched.alloc reply (spec.md §4.5
// "Alloc responses").
func (p *Pipeline) handleResponse(ctx context.Context, j *job.Job, resp AllocResponse) {
	switch resp.Type {
	case RespSuccess:
		p.mu.Lock()
		p.outstanding--
		p.mu.Unlock()

		j.Lock()
		j.AllocPending = false
		inCleanup := j.State == job.StateCleanup
		j.Unlock()

		if p.committer != nil {
			_ = p.committer.Post(ctx, j, "alloc", resp.R, 0)
		}
		if inCleanup {
			// A cancel race won: the job already transitioned to
			// CLEANUP via exception. Treat the grant as transient
			// and return it immediately (spec.md §4.2 "Tie-breaks
			// and edge cases").
			_ = p.Free(ctx, j, resp.R, true)
		}
	case RespAnnotate:
		// Does not count as a response to the matched request; the
		// request remains outstanding (spec.md §4.5).
	case RespError:
		p.mu.Lock()
		p.outstanding--
		p.mu.Unlock()
		j.Lock()
		j.AllocPending = false
		j.Unlock()
		if p.committer != nil {
			_ = p.committer.Post(ctx, j, "exception", map[string]any{
				"type": "alloc", "severity": 0, "note": resp.Note,
			}, 0)
		}
	}
}

// Cancel sends sched.cancel{id}. With finalize=true the pipeline updates
// state as though the cancel had already been acknowledged, letting
// CLEANUP progress without waiting for the scheduler (spec.md §4.5
// "Cancellation").
func (p *Pipeline) Cancel(ctx context.Context, j *job.Job, finalize bool) {
	_ = p.transport.Send(ctx, "sched.cancel", map[string]any{"id": j.ID})
	p.inq.remove(j.ID)
	if finalize {
		j.Lock()
		j.AllocQueued = false
		j.AllocPending = false
		j.Unlock()
		p.mu.Lock()
		if p.outstanding > 0 {
			p.outstanding--
		}
		p.mu.Unlock()
	}
}

// Free sends sched.free{id, R, final} and, once the scheduler responds,
// posts a free event (spec.md §4.5 "Free"). final must eventually be true
// for every alloc that occurred.
func (p *Pipeline) Free(ctx context.Context, j *job.Job, r map[string]any, final bool) error {
	j.Lock()
	j.FreePending = true
	j.Unlock()

	_, err := p.transport.Request(ctx, "sched.free", map[string]any{"id": j.ID, "R": r, "final": final})
	j.Lock()
	j.FreePending = false
	j.Unlock()
	if err != nil {
		return errors.NewJobErrorWithCause(errors.ErrorCodeSchedulerTeardown, "sched.free failed", err)
	}
	if p.committer != nil {
		return p.committer.Post(ctx, j, "free", map[string]any{"final": final}, 0)
	}
	return nil
}

// Prioritize pushes a bulk sched.prioritize RPC for every job whose alloc
// is currently pending, after reordering the inqueue (spec.md §4.6 "Side
// effects of a priority change").
func (p *Pipeline) Prioritize(ctx context.Context, pending []*job.Job) error {
	p.inq.reorder()
	if len(pending) == 0 {
		return nil
	}
	jobs := make([][2]int64, 0, len(pending))
	for _, j := range pending {
		jobs = append(jobs, [2]int64{int64(j.ID), j.Priority})
	}
	return p.transport.Send(ctx, "sched.prioritize", map[string]any{"jobs": jobs})
}

// Reorder re-sorts the inqueue without issuing any RPC.
func (p *Pipeline) Reorder() { p.inq.reorder() }

// Teardown clears ready, zeroes the outstanding count and resets mode to
// unlimited; subsequent jobs wait for a new hello (spec.md §4.5 "Generic
// RPC error response ... teardown"). Teardown itself requeues nothing:
// dispatch requeues the job whose sched.alloc call failed, while jobs
// whose alloc was already pending on an open response stream keep
// alloc_pending set and are not put back on the inqueue.
func (p *Pipeline) Teardown(ctx context.Context) {
	p.mu.Lock()
	p.ready = false
	p.outstanding = 0
	p.mode = ModeUnlimited
	p.mu.Unlock()
	p.log.Warn("scheduler teardown")
}

// RequeuePending moves j back onto the inqueue after a teardown; dispatch
// calls it for the job whose sched.alloc call failed.
func (p *Pipeline) RequeuePending(j *job.Job) {
	j.Lock()
	j.AllocPending = false
	j.AllocQueued = true
	j.Unlock()
	p.inq.push(j)
}

// InqueueDepth reports the current inqueue length (C10 list/idle use
// this).
func (p *Pipeline) InqueueDepth() int { return p.inq.len() }

// InqueueSnapshot returns the current inqueue contents, ordered.
func (p *Pipeline) InqueueSnapshot() []*job.Job { return p.inq.snapshot() }

// Ready reports whether the pipeline has received a hello/ready handshake.
func (p *Pipeline) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Outstanding reports the number of alloc requests currently in flight.
func (p *Pipeline) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}
