// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package exec implements the exec interface (C9): the single-active-
// service hello handshake, the per-job <service>.start RPC, and the
// start/release/finish/exception response stream (spec.md §4.8).
package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/jontk/jobmgr/internal/eventlog"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/transport"
	"github.com/jontk/jobmgr/pkg/errors"
	"github.com/jontk/jobmgr/pkg/logging"
)

// Response stream type codes (spec.md §4.8).
const (
	RespStart     = "start"
	RespRelease   = "release"
	RespFinish    = "finish"
	RespException = "exception"
)

// StartResponse is one message on a <service>.start response stream.
type StartResponse struct {
	ID        uint64
	Type      string
	Ranks     []int // RespRelease
	Final     bool  // RespRelease
	WaitState int   // RespFinish
	Severity  int   // RespException
	ExcType   string
	Note      string
}

// Interface drives C9. Only one exec service may be active at a time;
// registering a new one is refused while any job has start_pending set.
type Interface struct {
	mu sync.Mutex

	transport transport.Transport
	committer *eventlog.Committer
	log       logging.Logger

	service string
	active  map[uint64]*job.Job

	// onReleased is invoked once a job's final release{final:true}
	// arrives, so the state-machine driver can re-evaluate CLEANUP's
	// clean condition now that start_pending has cleared.
	onReleased func(jobID uint64)
}

// New creates an exec interface with no service registered.
func New(tp transport.Transport, committer *eventlog.Committer, log logging.Logger) *Interface {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Interface{transport: tp, committer: committer, log: log, active: make(map[uint64]*job.Job)}
}

// ErrStartPending is returned by Hello when a new service registration
// must be refused because a job already has an exec start outstanding
// (spec.md §4.8 "Only one is active; registering a new service is
// refused if any job has start_pending").
var ErrStartPending = fmt.Errorf("exec: cannot register new service while jobs have start_pending")

// Hello registers service as the active exec backend.
func (e *Interface) Hello(service string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active) > 0 {
		return ErrStartPending
	}
	e.service = service
	return nil
}

// SetOnReleased installs the callback invoked once a job's start stream
// ends with release{final:true}.
func (e *Interface) SetOnReleased(fn func(jobID uint64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReleased = fn
}

// Service reports the currently registered exec service, or "" if none.
func (e *Interface) Service() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.service
}

// Start sends <service>.start{id, userid} for j and processes the
// streamed response (spec.md §4.8). A transport error triggers teardown:
// start_pending is cleared on j so a subsequent hello can resume it.
func (e *Interface) Start(ctx context.Context, j *job.Job) error {
	e.mu.Lock()
	service := e.service
	e.mu.Unlock()
	if service == "" {
		return errors.NewJobError(errors.ErrorCodeExecTeardown, "no exec service registered")
	}

	j.Lock()
	j.StartPending = true
	j.Unlock()
	e.mu.Lock()
	e.active[j.ID] = j
	e.mu.Unlock()

	topic := service + ".start"
	ch, err := e.transport.Call(ctx, topic, map[string]any{"id": j.ID, "userid": j.UserID})
	if err != nil {
		e.teardown(ctx)
		return errors.NewJobErrorWithCause(errors.ErrorCodeExecTeardown, "exec start failed", err)
	}

	go func() {
		for resp := range ch {
			sr, ok := resp.Payload.(StartResponse)
			if !ok {
				continue
			}
			e.handle(ctx, j, sr)
			if sr.Type == RespRelease && sr.Final {
				return
			}
		}
	}()
	return nil
}

func (e *Interface) handle(ctx context.Context, j *job.Job, resp StartResponse) {
	switch resp.Type {
	case RespStart:
		// no job-state change; shell launch acknowledged.
	case RespRelease:
		if resp.Final {
			j.Lock()
			j.StartPending = false
			j.Unlock()
			e.mu.Lock()
			delete(e.active, j.ID)
			onReleased := e.onReleased
			e.mu.Unlock()
			if onReleased != nil {
				onReleased(j.ID)
			}
		}
	case RespFinish:
		if e.committer != nil {
			_ = e.committer.Post(ctx, j, "finish", map[string]any{"status": resp.WaitState}, 0)
		}
	case RespException:
		if e.committer != nil {
			_ = e.committer.Post(ctx, j, "exception", map[string]any{
				"type": resp.ExcType, "severity": resp.Severity, "note": resp.Note,
			}, 0)
		}
	}
}

// teardown clears start_pending for every job with an outstanding start,
// so pending starts resume once a new hello arrives (spec.md §4.8).
func (e *Interface) teardown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.active))
	for id, j := range e.active {
		ids = append(ids, id)
		j.Lock()
		j.StartPending = false
		j.Unlock()
	}
	e.active = make(map[uint64]*job.Job)
	e.service = ""
	e.mu.Unlock()
	e.log.Warn("exec teardown", "jobs", ids)
}

// ActiveCount reports how many starts are currently outstanding.
func (e *Interface) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
