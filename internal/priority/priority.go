// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package priority implements prioritization (C7): the urgency-to-
// priority override rules, the ordered side effects of a priority
// change, and full reprioritize sweeps (spec.md §4.6).
package priority

import (
	"context"
	"sort"

	"github.com/jontk/jobmgr/internal/alloc"
	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/jobtap"
	"github.com/jontk/jobmgr/pkg/logging"
)

// Engine computes and applies priority changes.
type Engine struct {
	jobtap    *jobtap.Host
	committer *eventlog.Committer
	pipeline  *alloc.Pipeline
	log       logging.Logger
}

// New creates a prioritization engine.
func New(jt *jobtap.Host, committer *eventlog.Committer, pipeline *alloc.Pipeline, log logging.Logger) *Engine {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Engine{jobtap: jt, committer: committer, pipeline: pipeline, log: log}
}

// Compute applies the urgency-to-priority override rules (spec.md §4.6):
// HOLD forces MIN, EXPEDITE forces MAX, otherwise a registered
// job.priority.get plugin computes the value.
func (e *Engine) Compute(ctx context.Context, j *job.Job) (int64, error) {
	j.Lock()
	urgency := j.Urgency
	j.Unlock()

	switch urgency {
	case job.UrgencyHold:
		return job.PriorityMin, nil
	case job.UrgencyExpedite:
		return job.PriorityMax, nil
	}
	return e.jobtap.GetPriority(ctx, j)
}

// Reprioritize recomputes j's priority and, if it changed (or j is
// currently in PRIORITY state, where any priority event advances it),
// applies the side effects spec.md §4.6 specifies in order: post the
// priority event, reorder the inqueue, and either cancel a pending alloc
// (new priority MIN) or push the change to the scheduler.
func (e *Engine) Reprioritize(ctx context.Context, j *job.Job) error {
	newPriority, err := e.Compute(ctx, j)
	if err != nil {
		return err
	}

	j.Lock()
	changed := newPriority != j.Priority
	inPriorityState := j.State == job.StatePriority
	allocPending := j.AllocPending
	j.Unlock()

	if !changed && !inPriorityState {
		return nil
	}

	// The statemachine driver applies j.Priority from the event context
	// as part of advancing on this post, so the new value is visible to
	// every downstream side effect below without a separate write here.
	if err := e.committer.Post(ctx, j, "priority", map[string]any{"priority": newPriority}, 0); err != nil {
		return err
	}

	if e.pipeline != nil {
		e.pipeline.Reorder()
		if allocPending {
			if newPriority == job.PriorityMin {
				e.pipeline.Cancel(ctx, j, false)
			} else {
				_ = e.pipeline.Prioritize(ctx, []*job.Job{j})
			}
		}
	}
	return nil
}

// FullSweep recomputes priority for every job in PRIORITY or SCHED state,
// pushing a single bulk sched.prioritize RPC for every entry that changed
// and reordering the inqueue once at the end (spec.md §4.6 "Full
// reprioritize").
func (e *Engine) FullSweep(ctx context.Context, jobs []*job.Job) error {
	candidates := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		j.Lock()
		st := j.State
		j.Unlock()
		if st == job.StatePriority || st == job.StateSched {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].ID < candidates[k].ID })

	var changed []*job.Job
	for _, j := range candidates {
		newPriority, err := e.Compute(ctx, j)
		if err != nil {
			e.log.Warn("priority compute failed", "job_id", j.ID, "error", err)
			continue
		}
		j.Lock()
		old := j.Priority
		j.Unlock()
		if newPriority == old {
			continue
		}
		if err := e.committer.Post(ctx, j, "priority", map[string]any{"priority": newPriority}, 0); err != nil {
			e.log.Warn("priority post failed", "job_id", j.ID, "error", err)
			continue
		}
		changed = append(changed, j)
	}

	if e.pipeline == nil {
		return nil
	}
	if len(changed) > 0 {
		if err := e.pipeline.Prioritize(ctx, changed); err != nil {
			return err
		}
	} else {
		e.pipeline.Reorder()
	}
	return nil
}
