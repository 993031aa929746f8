// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package control implements the control services (C10): the user/admin
// RPC handlers (submit, wait, raise, kill/killall, urgency, update, drain,
// idle, purge, annotate, list, getattr, getinfo, sched-expiration) spec.md
// §4.10 enumerates, each built on top of the eventlog committer (C2), the
// job state machine (C3, reached indirectly through the committer), the
// jobtap plugin host (C4), the allocation pipeline (C6), prioritization
// (C7), and queue admin (C5).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jontk/jobmgr/internal/alloc"
	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/jobtap"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/internal/priority"
	"github.com/jontk/jobmgr/internal/queue"
	"github.com/jontk/jobmgr/internal/transport"
	"github.com/jontk/jobmgr/pkg/errors"
	"github.com/jontk/jobmgr/pkg/logging"
)

// WaitAny is the FLUX_JOBID_ANY sentinel (spec.md §4.10 "wait ... FLUX_JOBID_ANY
// pops a zombie or queues the request").
const WaitAny uint64 = ^uint64(0)

// SubmitRequest is one pre-validated job to insert (spec.md §4.10 submit:
// "array of pre-validated jobs" - jobspec content validation itself
// happens upstream of the core, spec.md §1 Non-goals).
type SubmitRequest struct {
	UserID  uint32
	Urgency int32
	Flags   job.Flags
	Queue   string
	Jobspec map[string]any
}

// SubmitResult is delivered to a submission's result callback once its
// batch commits (spec.md §4.10 "attach response to batch so the id is
// returned only after commit").
type SubmitResult struct {
	ID    uint64
	Valid bool
	Err   error
}

// WaitResult is delivered when a wait request resolves.
type WaitResult struct {
	ID      uint64
	Success bool
	Errstr  string
}

// Service implements the control-service RPC surface over a job table
// wired to the rest of the core.
type Service struct {
	mu sync.Mutex

	table     *job.Table
	committer *eventlog.Committer
	jobtap    *jobtap.Host
	pipeline  *alloc.Pipeline
	priority  *priority.Engine
	queues    *queue.Registry
	store     kvs.Store
	transport transport.Transport
	clock     eventlog.Clock
	log       logging.Logger

	// zombies holds INACTIVE waitable jobs nobody has waited on yet
	// (spec.md §4.10 "FLUX_JOBID_ANY pops a zombie").
	zombies []*job.Job
	// anyWaiters holds queued FLUX_JOBID_ANY requests with no zombie to
	// satisfy them yet.
	anyWaiters []func(WaitResult)
	// waitablePending counts waitable jobs not yet both finished and
	// collected, bounding anyWaiters (spec.md §4.10 "ECHILD when waiters
	// > waitables").
	waitablePending int

	drainWaiters []func()
	idleWaiters  []func(pending int)
}

// New creates a control service. clock may be nil (defaults to
// eventlog.RealClock{}), matching the convention internal/eventlog.New
// uses for the same parameter.
func New(
	table *job.Table,
	committer *eventlog.Committer,
	jt *jobtap.Host,
	pipeline *alloc.Pipeline,
	prio *priority.Engine,
	queues *queue.Registry,
	store kvs.Store,
	tp transport.Transport,
	clock eventlog.Clock,
	log logging.Logger,
) *Service {
	if clock == nil {
		clock = eventlog.RealClock{}
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Service{
		table:     table,
		committer: committer,
		jobtap:    jt,
		pipeline:  pipeline,
		priority:  prio,
		queues:    queues,
		store:     store,
		transport: tp,
		clock:     clock,
		log:       log,
	}
}

// Submit implements the submit RPC: queue_submit_check, insert into
// active, post submit, run the jobtap create/validate/dependencies/new
// hooks, post validate or invalidate, and defer the result to result
// through the batch so it is only visible once the commit lands (spec.md
// §4.10 submit).
func (s *Service) Submit(ctx context.Context, req SubmitRequest, result func(SubmitResult)) (uint64, error) {
	if err := s.queues.SubmitGate(req.Queue); err != nil {
		return 0, err
	}

	id := s.table.NextID()
	j := job.New(id, req.UserID, req.Urgency, s.clock.Now(), req.Flags)
	j.Queue = req.Queue
	j.JobspecRedacted = req.Jobspec
	s.table.Insert(j)

	if j.Flags.Has(job.FlagWaitable) {
		s.mu.Lock()
		s.waitablePending++
		s.mu.Unlock()
	}

	if jobspec, err := json.Marshal(req.Jobspec); err == nil {
		s.committer.StagePut(kvs.JobspecKey(id), jobspec)
	}

	// The submit event context carries everything C11 restart needs to
	// reconstruct a job's identity fields by replaying the eventlog alone,
	// without re-reading the jobspec (spec.md §4.9 step 1).
	submitCtx := map[string]any{
		"userid": req.UserID, "urgency": req.Urgency, "flags": uint32(req.Flags),
		"queue": req.Queue, "t_submit": j.TSubmit,
	}
	if err := s.committer.Post(ctx, j, "submit", submitCtx, 0); err != nil {
		return id, err
	}

	if _, err := s.jobtap.StackCall(ctx, "job.create", j, nil); err != nil {
		_ = s.invalidate(ctx, j, err)
		s.committer.BatchRespond(func() { result(SubmitResult{ID: id, Valid: false, Err: err}) })
		return id, nil
	}

	if err := s.jobtap.Validate(ctx, j, req.Jobspec); err != nil {
		_ = s.invalidate(ctx, j, err)
		s.committer.BatchRespond(func() { result(SubmitResult{ID: id, Valid: false, Err: err}) })
		return id, nil
	}

	if _, err := s.jobtap.StackCall(ctx, "job.dependencies", j, nil); err != nil {
		_ = s.invalidate(ctx, j, err)
		s.committer.BatchRespond(func() { result(SubmitResult{ID: id, Valid: false, Err: err}) })
		return id, nil
	}

	if _, err := s.jobtap.StackCall(ctx, "job.new", j, nil); err != nil {
		s.log.Warn("job.new callback failed", "job_id", id, "error", err)
	}

	if err := s.committer.Post(ctx, j, "validate", nil, 0); err != nil {
		return id, err
	}

	s.committer.BatchRespond(func() { result(SubmitResult{ID: id, Valid: true}) })
	return id, nil
}

// invalidate posts the ephemeral invalidate signal (spec.md §3 "post()":
// "used for invalidate and similar ephemeral signals" - NoCommit, since a
// job that never validated has nothing durable worth replaying on restart).
func (s *Service) invalidate(ctx context.Context, j *job.Job, cause error) error {
	return s.committer.Post(ctx, j, "invalidate", map[string]any{"errstr": cause.Error()}, eventlog.NoCommit)
}

// Wait implements the wait RPC (spec.md §4.10 wait). id == WaitAny selects
// FLUX_JOBID_ANY semantics: pop a zombie, or queue the request and fail
// fast with ECHILD once more waiters are queued than waitable jobs remain
// outstanding.
func (s *Service) Wait(ctx context.Context, id uint64) (WaitResult, error) {
	if id == WaitAny {
		return s.waitAny(ctx)
	}

	j, ok := s.table.Get(id)
	if !ok {
		return WaitResult{}, errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}

	j.Lock()
	if j.State == job.StateInactive {
		end := j.EndEvent
		j.Unlock()
		return resultFromEnd(id, end), nil
	}
	if j.Waiter != nil {
		j.Unlock()
		return WaitResult{}, errors.NewJobError(errors.ErrorCodeInvalidRequest, fmt.Sprintf("job %d already has a pending wait", id))
	}

	ch := make(chan WaitResult, 1)
	j.Waiter = &job.Waiter{Notify: func(end *job.EventEntry, success bool, errstr string) {
		ch <- WaitResult{ID: id, Success: success, Errstr: errstr}
	}}
	j.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func (s *Service) waitAny(ctx context.Context) (WaitResult, error) {
	s.mu.Lock()
	if len(s.zombies) > 0 {
		j := s.zombies[0]
		s.zombies = s.zombies[1:]
		s.waitablePending--
		s.mu.Unlock()
		j.Lock()
		end := j.EndEvent
		j.Unlock()
		return resultFromEnd(j.ID, end), nil
	}

	if len(s.anyWaiters)+1 > s.waitablePending {
		s.mu.Unlock()
		return WaitResult{}, errors.NewJobError(errors.ErrorCodeJobNotFound, "no waitable children outstanding")
	}

	ch := make(chan WaitResult, 1)
	s.anyWaiters = append(s.anyWaiters, func(r WaitResult) { ch <- r })
	s.mu.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func resultFromEnd(id uint64, end *job.EventEntry) WaitResult {
	r := WaitResult{ID: id, Success: true}
	if end != nil {
		if es, ok := end.Context["errstr"].(string); ok && es != "" {
			r.Success = false
			r.Errstr = es
		}
	}
	return r
}

// NotifyInactive is wired to statemachine.Driver.SetOnInactive: it resolves
// a queued ANY-waiter, or files the job as a zombie, and wakes any drain
// or idle waiters the transition may have satisfied.
func (s *Service) NotifyInactive(j *job.Job) {
	if j.Flags.Has(job.FlagWaitable) {
		j.Lock()
		end := j.EndEvent
		j.Unlock()

		s.mu.Lock()
		if len(s.anyWaiters) > 0 {
			notify := s.anyWaiters[0]
			s.anyWaiters = s.anyWaiters[1:]
			s.waitablePending--
			s.mu.Unlock()
			notify(resultFromEnd(j.ID, end))
		} else {
			s.zombies = append(s.zombies, j)
			s.mu.Unlock()
		}
	}

	s.checkDrainWaiters()
	s.checkIdleWaiters()
}

// Raise implements the raise RPC: post an exception, then publish
// job-exception once the batch commits (spec.md §4.10 raise).
func (s *Service) Raise(ctx context.Context, id uint64, severity int, excType, note string) error {
	j, ok := s.table.Get(id)
	if !ok {
		return errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}
	if err := s.committer.Post(ctx, j, "exception", map[string]any{
		"severity": severity, "type": excType, "note": note,
	}, 0); err != nil {
		return err
	}
	s.committer.BatchPubState(func() {
		if s.transport != nil {
			_ = s.transport.Publish(ctx, "job-exception", map[string]any{"id": id, "type": excType, "severity": severity})
		}
	})
	return nil
}

// Kill publishes shell-<id>.kill{signum} to one running job (spec.md
// §4.10 kill/killall).
func (s *Service) Kill(ctx context.Context, id uint64, signum int) error {
	j, ok := s.table.GetActive(id)
	if !ok {
		return errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}
	j.Lock()
	running := j.State == job.StateRun
	j.Unlock()
	if !running {
		return errors.NewJobError(errors.ErrorCodeStateConflict, fmt.Sprintf("job %d is not running", id))
	}
	if s.transport == nil {
		return nil
	}
	return s.transport.Publish(ctx, fmt.Sprintf("shell-%d.kill", id), map[string]any{"signum": signum})
}

// KillAll publishes shell-<id>.kill{signum} to every running job owned by
// userID (userID == 0 selects every running job, the instance-owner form).
func (s *Service) KillAll(ctx context.Context, userID uint32, signum int) error {
	var firstErr error
	s.table.ForEachActive(func(j *job.Job) {
		j.Lock()
		running := j.State == job.StateRun
		owner := j.UserID
		jobID := j.ID
		j.Unlock()
		if !running || (userID != 0 && owner != userID) {
			return
		}
		if s.transport == nil {
			return
		}
		if err := s.transport.Publish(ctx, fmt.Sprintf("shell-%d.kill", jobID), map[string]any{"signum": signum}); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// Urgency implements the urgency RPC: posts the urgency event, which
// statemachine.Driver.onUrgency applies and recomputes priority from
// (spec.md §4.10 urgency).
func (s *Service) Urgency(ctx context.Context, id uint64, urgency int32) error {
	if urgency < job.UrgencyMin || urgency > job.UrgencyMax {
		return errors.NewValidationError("urgency out of range", "urgency", urgency)
	}
	j, ok := s.table.Get(id)
	if !ok {
		return errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}
	return s.committer.Post(ctx, j, "urgency", map[string]any{"urgency": urgency}, 0)
}

// UpdateRequest carries one update RPC's inputs (spec.md §4.10 update).
type UpdateRequest struct {
	RequesterUID    uint32
	InstanceOwner   bool
	Updates         map[string]any
	RunningDuration string // jobspec key consulted for sched.expiration when the job is running
}

// Update implements the update RPC: runs job.update.<key> per key,
// merges plugin-added updates, optionally validates and checks
// feasibility, consults sched.expiration for a running job's duration
// change, posts jobspec-update (and resource-update for that case), and
// sets IMMUTABLE when the instance owner updated another user's job
// without validation (spec.md §4.10 update).
func (s *Service) Update(ctx context.Context, id uint64, req UpdateRequest) error {
	j, ok := s.table.Get(id)
	if !ok {
		return errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}

	j.Lock()
	owner := j.UserID
	j.Unlock()
	if !req.InstanceOwner && req.RequesterUID != owner {
		return errors.NewAuthorizationError(errors.ErrorCodeUnauthorized, "only the owner or instance owner may update this job", req.RequesterUID, "update")
	}

	merged := map[string]any{}
	needsValidation := false
	requireFeasibility := false
	for key, value := range req.Updates {
		merged[key] = value
		nv, rf, upd, err := s.jobtap.UpdateKey(ctx, j, key, value)
		if err != nil {
			return err
		}
		needsValidation = needsValidation || nv
		requireFeasibility = requireFeasibility || rf
		for k, v := range upd {
			merged[k] = v
		}
	}

	validated := false
	if needsValidation {
		if err := s.jobtap.Validate(ctx, j, merged); err != nil {
			return err
		}
		validated = true
	}

	if requireFeasibility && s.transport != nil {
		if _, err := s.transport.Request(ctx, "feasibility.check", map[string]any{"jobspec": merged}); err != nil {
			return err
		}
	}

	j.Lock()
	running := j.State == job.StateRun
	j.Unlock()

	durationChanged := false
	if running && req.RunningDuration != "" {
		if dur, ok := merged[req.RunningDuration]; ok {
			durationChanged = true
			if s.transport != nil {
				if _, err := s.transport.Request(ctx, "sched.expiration", map[string]any{"id": id, "expiration": dur}); err != nil && err != transport.ErrNoHandler {
					return err
				}
			}
		}
	}

	setImmutable := false
	j.Lock()
	if j.JobspecRedacted == nil {
		j.JobspecRedacted = map[string]any{}
	}
	for k, v := range merged {
		j.JobspecRedacted[k] = v
	}
	if req.InstanceOwner && req.RequesterUID != owner && !validated {
		j.Flags |= job.FlagImmutable
		setImmutable = true
	}
	j.Unlock()

	if setImmutable {
		if err := s.committer.Post(ctx, j, "set-flags", map[string]any{"flags": uint32(j.Flags)}, 0); err != nil {
			return err
		}
	}

	if err := s.committer.Post(ctx, j, "jobspec-update", map[string]any{"updates": merged}, 0); err != nil {
		return err
	}
	if durationChanged {
		if err := s.committer.Post(ctx, j, "resource-update", map[string]any{"updates": merged}, 0); err != nil {
			return err
		}
	}
	return nil
}

// Drain implements the drain RPC: respond is invoked once active_jobs
// reaches zero, via the batch if it already is (spec.md §4.10 drain).
func (s *Service) Drain(respond func()) {
	s.mu.Lock()
	if s.table.ActiveCount() == 0 {
		s.mu.Unlock()
		s.committer.BatchRespond(respond)
		return
	}
	s.drainWaiters = append(s.drainWaiters, respond)
	s.mu.Unlock()
}

func (s *Service) checkDrainWaiters() {
	if s.table.ActiveCount() != 0 {
		return
	}
	s.mu.Lock()
	waiters := s.drainWaiters
	s.drainWaiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w()
	}
}

// Idle implements the idle RPC: respond is invoked with the current
// pending-job count once no alloc is pending/queued and no jobs are
// running (spec.md §4.10 idle).
func (s *Service) Idle(respond func(pending int)) {
	s.mu.Lock()
	if s.idleCondition() {
		pending := s.pendingCount()
		s.mu.Unlock()
		s.committer.BatchRespond(func() { respond(pending) })
		return
	}
	s.idleWaiters = append(s.idleWaiters, respond)
	s.mu.Unlock()
}

func (s *Service) idleCondition() bool {
	if s.table.RunningJobs() != 0 {
		return false
	}
	if s.pipeline != nil && (s.pipeline.InqueueDepth() != 0 || s.pipeline.Outstanding() != 0) {
		return false
	}
	return true
}

func (s *Service) pendingCount() int {
	return s.table.ActiveCount() - int(s.table.RunningJobs())
}

func (s *Service) checkIdleWaiters() {
	s.mu.Lock()
	if !s.idleCondition() || len(s.idleWaiters) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.pendingCount()
	waiters := s.idleWaiters
	s.idleWaiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w(pending)
	}
}

// Purge implements the purge RPC: drops an inactive job's KVS eventlog,
// jobspec, and R record, plus the in-memory table entry (spec.md §4.10
// purge).
func (s *Service) Purge(ctx context.Context, id uint64) error {
	j, ok := s.table.Get(id)
	if !ok {
		return errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}
	j.Lock()
	inactive := j.State == job.StateInactive
	j.Unlock()
	if !inactive {
		return errors.NewJobError(errors.ErrorCodeStateConflict, fmt.Sprintf("job %d is still active", id))
	}
	if s.store != nil {
		if err := s.store.Delete(ctx, kvs.JobIDPath(id)); err != nil {
			return err
		}
	}
	return s.table.Purge(id)
}

// Annotate implements the annotate RPC: recursively merges annotations
// into j's aux annotation map (null values delete keys, empty subdicts
// are removed), then defers a publish through the batch (spec.md §4.10
// annotate).
func (s *Service) Annotate(ctx context.Context, id uint64, annotations map[string]any) error {
	j, ok := s.table.Get(id)
	if !ok {
		return errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}

	j.Lock()
	existing, _ := j.Aux.Get(".control", "annotations")
	current, _ := existing.(map[string]any)
	if current == nil {
		current = map[string]any{}
	}
	merged := mergeAnnotations(current, annotations)
	j.Aux.Set(".control", "annotations", merged, nil)
	j.Unlock()

	s.committer.BatchPubAnnotations(func() {
		if s.transport != nil {
			_ = s.transport.Publish(ctx, "job-annotations", map[string]any{"id": id, "annotations": merged})
		}
	})
	return nil
}

// mergeAnnotations recursively merges patch into base: a nil value at a
// key deletes it; a subdict that becomes empty after merging is removed
// entirely (spec.md §4.10 annotate).
func mergeAnnotations(base, patch map[string]any) map[string]any {
	for k, v := range patch {
		if v == nil {
			delete(base, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			existing, _ := base[k].(map[string]any)
			if existing == nil {
				existing = map[string]any{}
			}
			merged := mergeAnnotations(existing, sub)
			if len(merged) == 0 {
				delete(base, k)
			} else {
				base[k] = merged
			}
			continue
		}
		base[k] = v
	}
	return base
}

// ListEntry is one row of the list RPC's hardcoded attribute set
// (spec.md §4.10 list).
type ListEntry struct {
	ID       uint64
	UserID   uint32
	Urgency  int32
	Priority int64
	State    job.State
	TSubmit  float64
}

// List implements the list RPC: the first maxEntries active jobs in id
// order, with a hardcoded attribute set (spec.md §4.10 list).
func (s *Service) List(maxEntries int) []ListEntry {
	jobs := s.table.ListActive(maxEntries)
	out := make([]ListEntry, 0, len(jobs))
	for _, j := range jobs {
		j.Lock()
		out = append(out, ListEntry{
			ID: j.ID, UserID: j.UserID, Urgency: j.Urgency,
			Priority: j.Priority, State: j.State, TSubmit: j.TSubmit,
		})
		j.Unlock()
	}
	return out
}

// GetAttr implements the getattr RPC: returns jobspec, R, or the eventlog
// for a job, selected by attr (spec.md §4.10 getattr).
func (s *Service) GetAttr(id uint64, attr string) (any, error) {
	j, ok := s.table.Get(id)
	if !ok {
		return nil, errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}
	j.Lock()
	defer j.Unlock()
	switch attr {
	case "jobspec":
		return j.JobspecRedacted, nil
	case "R":
		return j.RRedacted, nil
	case "eventlog":
		out := make([]job.EventEntry, len(j.Eventlog))
		copy(out, j.Eventlog)
		return out, nil
	default:
		return nil, errors.NewJobError(errors.ErrorCodeInvalidRequest, fmt.Sprintf("unknown attribute %q", attr))
	}
}

// GetInfo implements the getinfo RPC: the current max_jobid counter
// (spec.md §4.10 getinfo).
func (s *Service) GetInfo() uint64 {
	return s.table.MaxJobID()
}

// SchedExpiration implements the sched-expiration RPC: the scheduler asks
// to extend or shorten a running job's expiration, applied through the
// same resource-update post path as a duration change via update
// (spec.md §4.10 sched-expiration).
func (s *Service) SchedExpiration(ctx context.Context, id uint64, expiration float64) error {
	j, ok := s.table.GetActive(id)
	if !ok {
		return errors.NewJobError(errors.ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", id))
	}
	j.Lock()
	running := j.State == job.StateRun
	j.Unlock()
	if !running {
		return errors.NewJobError(errors.ErrorCodeStateConflict, fmt.Sprintf("job %d is not running", id))
	}
	return s.committer.Post(ctx, j, "resource-update", map[string]any{"updates": map[string]any{"expiration": expiration}}, 0)
}

// Disconnect answers every queued wait-any request with an unsuccessful
// WaitResult ("client disconnected") and clears that queue (spec.md §4.10
// "Disconnect handling"). route is not consulted: wait-any requests from
// every client are answered, while per-job wait requests and drain/idle
// waiters are left in place.
func (s *Service) Disconnect(route string) {
	s.mu.Lock()
	waiters := s.anyWaiters
	s.anyWaiters = nil
	s.mu.Unlock()

	for _, notify := range waiters {
		notify(WaitResult{Success: false, Errstr: "client disconnected"})
	}
}
