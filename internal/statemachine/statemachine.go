// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package statemachine implements the job state machine (C3): the
// NEW -> DEPEND -> PRIORITY -> SCHED -> RUN -> CLEANUP -> INACTIVE
// transition table, per-state entry side effects, and the tie-break
// rules spec.md §4.2 specifies. Driver implements eventlog.StateAdvancer
// so the committer can drive it without internal/eventlog ever importing
// this package.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jontk/jobmgr/internal/alloc"
	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/exec"
	"github.com/jontk/jobmgr/internal/housekeeping"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/jobtap"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/internal/priority"
	"github.com/jontk/jobmgr/internal/transport"
	"github.com/jontk/jobmgr/pkg/logging"
)

// Driver advances jobs through the state machine as events are posted.
type Driver struct {
	committer    *eventlog.Committer
	jobtap       *jobtap.Host
	pipeline     *alloc.Pipeline
	exec         *exec.Interface
	housekeeping *housekeeping.Housekeeping
	priority     *priority.Engine
	transport    transport.Transport
	table        *job.Table
	log          logging.Logger

	// directFree reports whether CLEANUP should free resources straight
	// to the scheduler instead of routing through housekeeping (spec.md
	// §4.2 CLEANUP entry: "depending on config").
	directFree bool

	// onInactive is wired by the control service (C10) to its ANY-wait
	// zombie/drain/idle bookkeeping, which needs to observe every
	// INACTIVE transition, not just jobs carrying an explicit Waiter.
	onInactive func(j *job.Job)
}

// SetOnInactive installs the callback invoked after every job reaches
// INACTIVE, in addition to (and after) the job's own Waiter notification.
func (d *Driver) SetOnInactive(fn func(j *job.Job)) {
	d.onInactive = fn
}

// New creates a state-machine driver. table is optional; when nil,
// INACTIVE entry skips the table relocation step (useful in isolated
// tests that only care about event ordering).
func New(
	committer *eventlog.Committer,
	jt *jobtap.Host,
	pipeline *alloc.Pipeline,
	execIface *exec.Interface,
	hk *housekeeping.Housekeeping,
	prio *priority.Engine,
	tp transport.Transport,
	table *job.Table,
	directFree bool,
	log logging.Logger,
) *Driver {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	d := &Driver{
		committer:    committer,
		jobtap:       jt,
		pipeline:     pipeline,
		exec:         execIface,
		housekeeping: hk,
		priority:     prio,
		transport:    tp,
		table:        table,
		directFree:   directFree,
		log:          log,
	}
	if hk != nil && table != nil {
		hk.SetOnFinalRelease(d.onHousekeepingReleased)
	}
	if execIface != nil && table != nil {
		execIface.SetOnReleased(d.onExecReleased)
	}
	return d
}

// onExecReleased re-evaluates CLEANUP's clean condition once start_pending
// has cleared following a job's final exec release (spec.md §4.2's clean
// condition requires "no outstanding start").
func (d *Driver) onExecReleased(jobID uint64) {
	j, ok := d.table.Get(jobID)
	if !ok {
		return
	}
	if err := d.maybeClean(context.Background(), j); err != nil {
		d.log.Warn("failed to re-check clean after exec release", "job_id", jobID, "error", err)
	}
}

// onHousekeepingReleased posts the "free" event housekeeping itself has
// no eventlog access to post, once it has returned an allocation's
// resources to the scheduler (spec.md §4.2's CLEANUP "clean" condition
// depends on has_resources having been cleared this way).
func (d *Driver) onHousekeepingReleased(jobID uint64) {
	j, ok := d.table.Get(jobID)
	if !ok {
		return
	}
	if err := d.committer.Post(context.Background(), j, "free", map[string]any{"final": true}, 0); err != nil {
		d.log.Warn("failed to post free after housekeeping release", "job_id", jobID, "error", err)
	}
}

// Advance implements eventlog.StateAdvancer. It is called once per posted
// event, after the entry has already been appended to j's in-memory
// eventlog (spec.md §4.2: "driven by event names, evaluated in order of
// appearance in the log").
func (d *Driver) Advance(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	switch entry.Name {
	case "submit":
		return d.onSubmit(ctx, j)
	case "depend":
		return d.onDepend(ctx, j)
	case "dependency-add", "dependency-remove":
		return d.onDependencyChange(ctx, j, entry)
	case "priority":
		return d.onPriority(ctx, j, entry)
	case "alloc":
		return d.onAlloc(ctx, j, entry)
	case "free":
		return d.onFree(ctx, j)
	case "finish":
		return d.onFinish(ctx, j, entry)
	case "exception":
		return d.onException(ctx, j, entry)
	case "clean":
		return d.onClean(ctx, j)
	case "urgency":
		return d.onUrgency(ctx, j, entry)
	case "invalidate":
		return d.onInvalidate(ctx, j, entry)
	default:
		return nil
	}
}

// onInvalidate drives a job straight to INACTIVE from any pre-RUN state
// (spec.md §4.10 submit: "post validate (or invalidate on failure)" - a job
// that never validated never held resources, so it skips CLEANUP entirely).
func (d *Driver) onInvalidate(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	j.Lock()
	if j.State == job.StateInactive {
		j.Unlock()
		return nil
	}
	j.State = job.StateInactive
	if j.EndEvent == nil {
		e := entry
		j.EndEvent = &e
	}
	j.Unlock()
	return d.enterInactive(ctx, j)
}

func (d *Driver) onSubmit(ctx context.Context, j *job.Job) error {
	j.Lock()
	if j.State != job.StateNew {
		j.Unlock()
		return nil
	}
	j.State = job.StateDepend
	j.Unlock()
	return d.enterDepend(ctx, j)
}

// enterDepend evaluates the dependency set against jobtap; an empty set
// posts "depend" immediately (spec.md §4.2 "DEPEND: evaluate dependency
// set against jobtap; post depend when empty").
func (d *Driver) enterDepend(ctx context.Context, j *job.Job) error {
	j.Lock()
	empty := len(j.Dependencies) == 0
	j.Unlock()
	if !empty {
		return nil
	}
	return d.committer.Post(ctx, j, "depend", nil, 0)
}

func (d *Driver) onDepend(ctx context.Context, j *job.Job) error {
	j.Lock()
	if j.State != job.StateDepend {
		j.Unlock()
		return nil
	}
	j.State = job.StatePriority
	j.Unlock()
	return d.enterPriority(ctx, j)
}

func (d *Driver) onDependencyChange(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	j.Lock()
	if j.State != job.StateDepend {
		j.Unlock()
		return nil
	}
	scheme, _ := entry.Context["scheme"].(string)
	desc, _ := entry.Context["description"].(string)
	if entry.Name == "dependency-add" {
		j.Dependencies = append(j.Dependencies, job.Dependency{Scheme: scheme, Description: desc})
	} else {
		filtered := j.Dependencies[:0]
		for _, dep := range j.Dependencies {
			if dep.Scheme == scheme && dep.Description == desc {
				continue
			}
			filtered = append(filtered, dep)
		}
		j.Dependencies = filtered
	}
	j.Unlock()
	return d.enterDepend(ctx, j)
}

// enterPriority calls jobtap_get_priority; a non-negative result posts a
// priority event (spec.md §4.2 "PRIORITY: call jobtap_get_priority; if
// returns a value ≥ 0, post a priority event"). HOLD/EXPEDITE overrides
// and the UNAVAIL sentinel are resolved by internal/priority before this
// ever reaches jobtap's plugin chain.
func (d *Driver) enterPriority(ctx context.Context, j *job.Job) error {
	p, err := d.priority.Compute(ctx, j)
	if err != nil {
		return err
	}
	if p < 0 {
		d.log.Warn("priority unavailable while job in PRIORITY state", "job_id", j.ID)
		return nil
	}
	return d.committer.Post(ctx, j, "priority", map[string]any{"priority": p}, 0)
}

// onPriority applies the posted value to j.Priority (the single place
// that writes it, so every caller of committer.Post("priority", ...)
// shares one code path) and, only from PRIORITY state, transitions to
// SCHED. A priority value identical to the current one while already in
// SCHED is a no-op by construction: internal/priority.Reprioritize only
// posts when the value changed or the job was in PRIORITY state (spec.md
// §4.2 "priority with value identical to the current in SCHED state is a
// no-op"). Events never rewind state, so onPriority never transitions
// out of any state but PRIORITY.
func (d *Driver) onPriority(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	p, _ := entry.Context["priority"].(int64)

	j.Lock()
	j.Priority = p
	wasPriorityState := j.State == job.StatePriority
	if wasPriorityState {
		j.State = job.StateSched
	}
	j.Unlock()

	if !wasPriorityState {
		return nil
	}
	return d.enterSched(j)
}

// onUrgency applies a new urgency value and recomputes priority through
// the same override/plugin rules internal/priority always applies
// (spec.md §4.10 "urgency: post urgency event (which recomputes
// priority)"). It never transitions state directly; any resulting
// priority change is posted (and handled) as its own event.
func (d *Driver) onUrgency(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	urgency, _ := entry.Context["urgency"].(int32)
	j.Lock()
	j.Urgency = urgency
	j.Unlock()
	if d.priority == nil {
		return nil
	}
	return d.priority.Reprioritize(ctx, j)
}

// enterSched enqueues into the scheduler inqueue unless already
// queued/pending (spec.md §4.2 "SCHED: enqueue into the scheduler queue
// (C6) unless already queued/pending").
func (d *Driver) enterSched(j *job.Job) error {
	if d.pipeline != nil {
		d.pipeline.Enqueue(j)
	}
	return nil
}

// onAlloc records has_resources and, from SCHED, transitions to RUN. The
// CLEANUP race (spec.md §4.2 "alloc arriving in CLEANUP ... an immediate
// free is sent") is handled by internal/alloc.Pipeline itself once it
// observes the post-Advance state, since it is the component already
// holding the response stream; Advance's job here is only to record
// has_resources and drive RUN entry when applicable.
func (d *Driver) onAlloc(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	j.Lock()
	j.HasResources = true
	j.AllocPending = false
	transitioning := j.State == job.StateSched
	if transitioning {
		j.State = job.StateRun
	}
	r, hasR := entry.Context["R"].(map[string]any)
	if hasR {
		j.RRedacted = r
	}
	j.Unlock()

	if hasR {
		if raw, err := json.Marshal(r); err == nil {
			d.committer.StagePut(kvs.RKey(j.ID), raw)
		}
	}

	if !transitioning {
		return nil
	}
	return d.enterRun(ctx, j)
}

// enterRun sends a start request to the exec service unless already
// pending (spec.md §4.2 "RUN: send start request to the exec service
// (C9) unless pending").
func (d *Driver) enterRun(ctx context.Context, j *job.Job) error {
	j.Lock()
	pending := j.StartPending
	j.Unlock()
	if pending || d.exec == nil {
		return nil
	}
	return d.exec.Start(ctx, j)
}

// onFree clears has_resources (spec.md §4.2 "CLEANUP --free--> CLEANUP
// (clears has_resources)") and, if the job is in CLEANUP, re-evaluates
// the clean condition.
func (d *Driver) onFree(ctx context.Context, j *job.Job) error {
	j.Lock()
	j.HasResources = false
	inCleanup := j.State == job.StateCleanup
	j.Unlock()
	if !inCleanup {
		return nil
	}
	return d.maybeClean(ctx, j)
}

func (d *Driver) onFinish(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	j.Lock()
	if j.State != job.StateRun {
		j.Unlock()
		return nil
	}
	j.State = job.StateCleanup
	j.EndEvent = &entry
	j.Unlock()
	return d.enterCleanup(ctx, j)
}

func (d *Driver) onException(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	severity, _ := entry.Context["severity"].(int)
	if severity != 0 {
		return nil
	}
	j.Lock()
	if j.State == job.StateNew || j.State == job.StateInactive || j.State == job.StateCleanup {
		j.Unlock()
		return nil
	}
	j.State = job.StateCleanup
	if j.EndEvent == nil {
		e := entry
		j.EndEvent = &e
	}
	j.Unlock()
	return d.enterCleanup(ctx, j)
}

// enterCleanup releases resources (via housekeeping or directly,
// depending on config), kills shells if a start is still pending, and
// checks whether clean can be posted immediately (spec.md §4.2
// "CLEANUP: if the job has resources, send either to housekeeping (C8)
// or directly sched.free (C6) depending on config; if start is still
// pending, kill shells; when perilog counter drops to zero, no
// outstanding start, and no resources/free-pending, post clean").
func (d *Driver) enterCleanup(ctx context.Context, j *job.Job) error {
	j.Lock()
	hasResources := j.HasResources
	startPending := j.StartPending
	r := j.RRedacted
	userID := j.UserID
	jobID := j.ID
	j.Unlock()

	if hasResources {
		if d.directFree || d.housekeeping == nil {
			if d.pipeline != nil {
				if err := d.pipeline.Free(ctx, j, r, true); err != nil {
					return err
				}
			}
		} else {
			ranks := ranksFromR(r)
			if err := d.housekeeping.Start(ctx, jobID, userID, r, ranks, 0); err != nil {
				return err
			}
		}
	}

	if startPending && d.transport != nil {
		_ = d.transport.Publish(ctx, fmt.Sprintf("shell-%d.kill", jobID), map[string]any{"signum": 9})
	}

	return d.maybeClean(ctx, j)
}

func ranksFromR(r map[string]any) []int {
	raw, ok := r["ranks"].([]int)
	if !ok {
		return nil
	}
	return raw
}

// maybeClean posts "clean" when the perilog counter is zero, no exec
// start is outstanding, and the job holds neither resources nor a
// pending free (spec.md §4.2 "CLEANUP" entry action, clean condition).
func (d *Driver) maybeClean(ctx context.Context, j *job.Job) error {
	j.Lock()
	ready := j.State == job.StateCleanup && j.PerilogActive == 0 && !j.StartPending && !j.HasResources && !j.FreePending
	j.Unlock()
	if !ready {
		return nil
	}
	return d.committer.Post(ctx, j, "clean", nil, 0)
}

func (d *Driver) onClean(ctx context.Context, j *job.Job) error {
	j.Lock()
	if j.State != job.StateCleanup {
		j.Unlock()
		return nil
	}
	j.State = job.StateInactive
	j.Unlock()
	return d.enterInactive(ctx, j)
}

// enterInactive relocates the job to the inactive table, responds to a
// pending wait-request, and notifies wait-queue watchers (spec.md §4.2
// "INACTIVE: relocate to inactive table; respond to pending
// wait-requests; notify wait-queue watchers").
func (d *Driver) enterInactive(ctx context.Context, j *job.Job) error {
	if d.table != nil {
		if err := d.table.MoveToInactive(j.ID); err != nil {
			d.log.Warn("move to inactive failed", "job_id", j.ID, "error", err)
		}
	}

	j.Lock()
	waiter := j.Waiter
	end := j.EndEvent
	j.Waiter = nil
	j.Unlock()

	if waiter != nil && waiter.Notify != nil {
		success := true
		errstr := ""
		if end != nil {
			if es, ok := end.Context["errstr"].(string); ok && es != "" {
				success = false
				errstr = es
			}
		}
		waiter.Notify(end, success, errstr)
	}

	if d.onInactive != nil {
		d.onInactive(j)
	}
	return nil
}
