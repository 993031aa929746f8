// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package restart implements startup/shutdown persistence (C11): KVS
// traversal and eventlog replay when the core comes up, and checkpoint
// save when it goes down (spec.md §4.9).
package restart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/jobtap"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/internal/priority"
	"github.com/jontk/jobmgr/internal/queue"
	"github.com/jontk/jobmgr/pkg/logging"
)

// checkpoint is the shape stored under kvs.CheckpointKey(): the job-manager
// level fields (max_jobid) wrapping the queue registry's own opaque
// checkpoint blob (spec.md §4.9 step 7 / §4.4).
type checkpoint struct {
	MaxJobID uint64          `json:"max_jobid"`
	Queues   json.RawMessage `json:"queues,omitempty"`
}

// Restorer performs the startup load and shutdown save (spec.md §4.9).
type Restorer struct {
	store     kvs.Store
	table     *job.Table
	committer *eventlog.Committer
	jobtap    *jobtap.Host
	priority  *priority.Engine
	queues    *queue.Registry
	log       logging.Logger
}

// New creates a Restorer wired to the rest of the core.
func New(
	store kvs.Store,
	table *job.Table,
	committer *eventlog.Committer,
	jt *jobtap.Host,
	prio *priority.Engine,
	queues *queue.Registry,
	log logging.Logger,
) *Restorer {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Restorer{store: store, table: table, committer: committer, jobtap: jt, priority: prio, queues: queues, log: log}
}

// Load runs the full startup sequence (spec.md §4.9 steps 1-7).
func (r *Restorer) Load(ctx context.Context) error {
	dirs, err := r.store.ListJobDirs(ctx)
	if err != nil {
		return fmt.Errorf("restart: list job dirs: %w", err)
	}

	for _, dir := range dirs {
		id, ok := parseJobDir(dir)
		if !ok {
			r.log.Warn("restart: skipping unparseable job directory", "dir", dir)
			continue
		}

		raw, err := r.store.Get(ctx, kvs.EventlogKey(id))
		if err != nil {
			r.log.Warn("restart: job has no eventlog, skipping", "job_id", id, "error", err)
			continue
		}

		entries, err := eventlog.DecodeRecords(raw)
		if err != nil {
			r.log.Warn("restart: job eventlog is malformed, skipping", "job_id", id, "error", err)
			continue
		}

		j, err := replay(id, entries)
		if err != nil {
			r.log.Warn("restart: rejecting job with no valid submit event", "job_id", id, "error", err)
			continue
		}

		// Only non-terminal jobs are reinserted; an INACTIVE job's eventlog
		// is history, not live state (spec.md §4.9 step 2 "reinsert... and
		// notify wait queues for WAITABLE jobs" implies active jobs only).
		if j.State == job.StateInactive {
			continue
		}

		r.table.Insert(j)

		if j.State == job.StateDepend {
			r.recheckDependencies(ctx, j)
		}

		if _, err := r.jobtap.StackCall(ctx, "job.create", j, nil); err != nil {
			r.log.Warn("restart: job.create failed", "job_id", id, "error", err)
		}
		if _, err := r.jobtap.StackCall(ctx, "job.new", j, nil); err != nil {
			r.log.Warn("restart: job.new failed", "job_id", id, "error", err)
		}

		switch j.State {
		case job.StateSched:
			r.restartScheduled(ctx, j)
		case job.StateRun, job.StateCleanup:
			j.Lock()
			j.Reattach = true
			j.Unlock()
			r.table.IncRunning()
		}
	}

	ckpt, err := r.store.Get(ctx, kvs.CheckpointKey())
	if err != nil {
		if errors.Is(err, kvs.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("restart: read checkpoint: %w", err)
	}

	var c checkpoint
	if err := json.Unmarshal(ckpt, &c); err != nil {
		return fmt.Errorf("restart: parse checkpoint: %w", err)
	}
	r.table.SetMaxJobID(c.MaxJobID)
	if len(c.Queues) > 0 {
		if err := r.queues.Restore(c.Queues); err != nil {
			return fmt.Errorf("restart: restore queue checkpoint: %w", err)
		}
	}
	return nil
}

// recheckDependencies re-runs job.dependency checks for a DEPEND job
// restored from KVS, raising a nonfatal dependency exception for any
// scheme no loaded plugin handles (spec.md §4.9 step 3).
func (r *Restorer) recheckDependencies(ctx context.Context, j *job.Job) {
	j.Lock()
	deps := make([]job.Dependency, len(j.Dependencies))
	copy(deps, j.Dependencies)
	j.Unlock()

	for _, dep := range deps {
		topic := "job.dependency." + dep.Scheme
		if r.jobtap.HasHandler(topic) {
			continue
		}
		if err := r.committer.Post(ctx, j, "exception", map[string]any{
			"severity": 1, "type": "dependency",
			"note": fmt.Sprintf("no plugin handles dependency scheme %q", dep.Scheme),
		}, 0); err != nil {
			r.log.Warn("restart: failed to post dependency exception", "job_id", j.ID, "scheme", dep.Scheme, "error", err)
		}
	}
}

// restartScheduled implements spec.md §4.9 step 5: a SCHED job's priority is
// reset to unavailable, a flux-restart marker is posted, then the priority
// pathway recomputes and posts a fresh priority event.
func (r *Restorer) restartScheduled(ctx context.Context, j *job.Job) {
	j.Lock()
	j.Priority = job.PriorityUnavailable
	j.Unlock()

	if err := r.committer.Post(ctx, j, "flux-restart", nil, 0); err != nil {
		r.log.Warn("restart: failed to post flux-restart", "job_id", j.ID, "error", err)
		return
	}
	if r.priority == nil {
		return
	}
	if err := r.priority.Reprioritize(ctx, j); err != nil {
		r.log.Warn("restart: failed to reprioritize restarted job", "job_id", j.ID, "error", err)
	}
}

// Save implements shutdown: flush the open batch, then persist max_jobid
// and queue state to the checkpoint key (spec.md §4.9 "On shutdown").
func (r *Restorer) Save(ctx context.Context) error {
	r.committer.Flush()

	qckpt, err := r.queues.Checkpoint()
	if err != nil {
		return fmt.Errorf("restart: checkpoint queues: %w", err)
	}
	c := checkpoint{MaxJobID: r.table.MaxJobID(), Queues: qckpt}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("restart: marshal checkpoint: %w", err)
	}

	txn := kvs.NewTxn()
	txn.Put(kvs.CheckpointKey(), data)
	if err := r.store.Commit(ctx, txn); err != nil {
		return fmt.Errorf("restart: commit checkpoint: %w", err)
	}
	return nil
}

// parseJobDir inverts kvs.JobIDPath, recovering the jobid from a
// "job.<h1>.<h2>.<h3>.<h4>" directory string.
func parseJobDir(dir string) (uint64, bool) {
	parts := strings.Split(dir, ".")
	if len(parts) != 5 || parts[0] != "job" {
		return 0, false
	}
	var id uint64
	for i := 0; i < 4; i++ {
		shard, err := strconv.ParseUint(parts[i+1], 16, 16)
		if err != nil {
			return 0, false
		}
		id |= shard << (16 * i)
	}
	return id, true
}
