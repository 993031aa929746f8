// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package housekeeping implements housekeeping (C8): interposing between
// a job releasing resources and those resources returning to the
// scheduler so an epilog-like script can run on each involved node
// (spec.md §4.7).
package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/transport"
	"github.com/jontk/jobmgr/pkg/errors"
	"github.com/jontk/jobmgr/pkg/logging"
)

// Config holds housekeeping's configuration (spec.md §4.7
// "Configuration keys").
type Config struct {
	// Command is the argv launched on each rank. Empty means
	// housekeeping is not configured: resources free immediately.
	Command []string
	// ReleaseAfter: <0 never partially releases, 0 releases as each
	// target completes, >0 arms a one-shot timer after the first
	// completion.
	ReleaseAfter time.Duration
}

// Configured reports whether a script is configured.
func (c Config) Configured() bool { return len(c.Command) > 0 }

// Runner launches the configured command across the given ranks and
// reports completion per rank. The process-execution backend (os/exec,
// a remote launcher) is named out of scope by spec.md §1; Runner is the
// abstract collaborator.
type Runner interface {
	// Run launches the command for jobID/userID across ranks and
	// invokes onRankDone(rank, err) as each one finishes.
	Run(ctx context.Context, jobID uint64, userID uint32, ranks []int, onRankDone func(rank int, err error)) error
}

type allocation struct {
	jobID     uint64
	userID    uint32
	r         map[string]any
	pending   map[int]struct{}
	released  map[int]struct{}
	tStart    float64
	timer     *time.Timer
	timerOnce sync.Once
	expired   bool
}

// Housekeeping tracks in-flight allocations awaiting epilog completion.
type Housekeeping struct {
	mu sync.Mutex

	cfg       Config
	runner    Runner
	transport transport.Transport
	committer *eventlog.Committer
	log       logging.Logger

	running map[uint64]*allocation

	// onFinalRelease is invoked once the full allocation has been freed
	// (either immediately, when unconfigured, or on the last rank's
	// completion). The state-machine driver wires this to post a "free"
	// event so CLEANUP's has_resources clears and the clean condition is
	// re-checked; housekeeping itself has no eventlog access.
	onFinalRelease func(jobID uint64)
}

// New creates a housekeeping instance.
func New(cfg Config, runner Runner, tp transport.Transport, committer *eventlog.Committer, log logging.Logger) *Housekeeping {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Housekeeping{
		cfg:       cfg,
		runner:    runner,
		transport: tp,
		committer: committer,
		log:       log,
		running:   make(map[uint64]*allocation),
	}
}

// SetOnFinalRelease installs the callback invoked when an allocation's
// resources have been fully released back to the scheduler.
func (h *Housekeeping) SetOnFinalRelease(fn func(jobID uint64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFinalRelease = fn
}

// Start implements housekeeping_start(R, id, userid) (spec.md §4.7). If
// housekeeping is not configured, resources free immediately. Otherwise
// an allocation record is created and the configured command is launched
// across every rank in ranks.
func (h *Housekeeping) Start(ctx context.Context, jobID uint64, userID uint32, r map[string]any, ranks []int, now float64) error {
	if !h.cfg.Configured() {
		if err := h.sendFree(ctx, jobID, r, true); err != nil {
			return err
		}
		h.notifyFinalRelease(jobID)
		return nil
	}

	pending := make(map[int]struct{}, len(ranks))
	for _, rk := range ranks {
		pending[rk] = struct{}{}
	}
	alloc := &allocation{
		jobID:    jobID,
		userID:   userID,
		r:        r,
		pending:  pending,
		released: make(map[int]struct{}),
		tStart:   now,
	}

	h.mu.Lock()
	h.running[jobID] = alloc
	h.mu.Unlock()

	err := h.runner.Run(ctx, jobID, userID, ranks, func(rank int, runErr error) {
		if runErr != nil {
			h.log.Warn("housekeeping script failed", "job_id", jobID, "rank", rank, "error", runErr)
		}
		h.rankDone(ctx, jobID, rank)
	})
	if err != nil {
		return errors.NewJobErrorWithCause(errors.ErrorCodeHousekeepingScriptFailed, "housekeeping launch failed", err)
	}
	return nil
}

// rankDone implements the partial-release algorithm (spec.md §4.7
// "Partial release algorithm, on each rank finish").
func (h *Housekeeping) rankDone(ctx context.Context, jobID uint64, rank int) {
	h.mu.Lock()
	alloc, ok := h.running[jobID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(alloc.pending, rank)
	alloc.released[rank] = struct{}{}
	allDone := len(alloc.pending) == 0
	first := len(alloc.released) == 1

	switch {
	case allDone:
		delete(h.running, jobID)
		h.mu.Unlock()
		if err := h.sendFree(ctx, jobID, alloc.r, true); err == nil {
			h.notifyFinalRelease(jobID)
		}
		return
	case h.cfg.ReleaseAfter == 0 || alloc.expired:
		releasedRanks := []int{rank}
		h.mu.Unlock()
		_ = h.sendPartialFree(ctx, jobID, alloc.r, releasedRanks, false)
		return
	case first && h.cfg.ReleaseAfter > 0:
		alloc.timerOnce.Do(func() {
			alloc.timer = time.AfterFunc(h.cfg.ReleaseAfter, func() {
				h.releaseOnExpiry(ctx, jobID)
			})
		})
	}
	h.mu.Unlock()
}

// releaseOnExpiry releases every completed-so-far rank when the
// release-after timer fires; the full set is never released here,
// since final release is always triggered by the last completion
// (spec.md §4.7).
func (h *Housekeeping) releaseOnExpiry(ctx context.Context, jobID uint64) {
	h.mu.Lock()
	alloc, ok := h.running[jobID]
	if !ok || len(alloc.released) == 0 {
		h.mu.Unlock()
		return
	}
	alloc.expired = true
	releasedRanks := ranksOf(alloc.released)
	r := alloc.r
	h.mu.Unlock()
	_ = h.sendPartialFree(ctx, jobID, r, releasedRanks, false)
}

func (h *Housekeeping) notifyFinalRelease(jobID uint64) {
	h.mu.Lock()
	fn := h.onFinalRelease
	h.mu.Unlock()
	if fn != nil {
		fn(jobID)
	}
}

func (h *Housekeeping) sendFree(ctx context.Context, jobID uint64, r map[string]any, final bool) error {
	_, err := h.transport.Request(ctx, "sched.free", map[string]any{"id": jobID, "R": r, "final": final})
	return err
}

func (h *Housekeeping) sendPartialFree(ctx context.Context, jobID uint64, r map[string]any, ranks []int, final bool) error {
	_, err := h.transport.Request(ctx, "sched.free", map[string]any{"id": jobID, "R": r, "ranks": ranks, "final": final})
	return err
}

func ranksOf(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// HelloEntry describes one running allocation for hello re-advertisement
// (spec.md §4.7 "Hello re-advertisement").
type HelloEntry struct {
	JobID uint64
	Free  []int
}

// Respond implements housekeeping_hello_respond: one entry per running
// allocation, including the idset of already-released ranks. If the
// scheduler does not support partial hello (partialOK=false), those
// allocations are terminated and dropped from the returned list.
func (h *Housekeeping) Respond(partialOK bool, terminate func(jobID uint64)) []HelloEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	var entries []HelloEntry
	for id, alloc := range h.running {
		if len(alloc.released) > 0 && !partialOK {
			if terminate != nil {
				terminate(id)
			}
			delete(h.running, id)
			continue
		}
		entries = append(entries, HelloEntry{JobID: id, Free: ranksOf(alloc.released)})
	}
	return entries
}

// RunningSnapshot is one entry in the stats snapshot (spec.md §4.7
// "Stats").
type RunningSnapshot struct {
	JobID     uint64
	TStart    float64
	Pending   int
	Allocated map[string]any
}

// Stats returns a snapshot of running housekeeping allocations plus the
// active configuration.
func (h *Housekeeping) Stats() (running []RunningSnapshot, cfg Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, alloc := range h.running {
		running = append(running, RunningSnapshot{
			JobID: id, TStart: alloc.tStart, Pending: len(alloc.pending), Allocated: alloc.r,
		})
	}
	return running, h.cfg
}
