// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package queue implements queue admin (C5): named or anonymous queues,
// enable/disable and start/stop state, the submit gate, and the
// checkpoint v0/v1 formats (spec.md §4.4).
package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jontk/jobmgr/pkg/errors"
)

// DefaultQueueName is used for the single anonymous queue when no named
// queues are configured.
const DefaultQueueName = ""

// Queue holds one queue's admin state (spec.md §4.4 "Each queue has").
type Queue struct {
	Name            string
	Enable          bool
	DisableReason   string
	Start           bool
	StopReason      string
	CheckpointStart bool
	Requires        map[string]any
}

// Stopped reports whether the queue currently refuses scheduling,
// folding in the scheduler-offline override (spec.md §4.4 "If the
// scheduler is offline, the queue appears stopped with stop_reason =
// 'Scheduler is offline'").
func (q Queue) Stopped(schedulerOnline bool) (bool, string) {
	if !schedulerOnline {
		return true, "Scheduler is offline"
	}
	return !q.Start, q.StopReason
}

// Registry holds the configured queue set and serves the submit gate
// and admin RPCs.
type Registry struct {
	mu     sync.RWMutex
	named  bool
	queues map[string]*Queue

	schedulerOnline bool
}

// NewAnonymous creates a registry with a single default queue.
func NewAnonymous() *Registry {
	return &Registry{
		queues:          map[string]*Queue{DefaultQueueName: {Name: DefaultQueueName, Enable: true, Start: true, CheckpointStart: true}},
		schedulerOnline: true,
	}
}

// NewNamed creates a registry with the given named queues (spec.md §4.4
// "a named queue set configured via queues.<name> config keys").
func NewNamed(names []string) *Registry {
	r := &Registry{queues: make(map[string]*Queue, len(names)), named: true, schedulerOnline: true}
	for _, n := range names {
		r.queues[n] = &Queue{Name: n, Enable: true, Start: true, CheckpointStart: true}
	}
	return r
}

// SetSchedulerOnline updates the scheduler-offline override applied to
// every queue's stopped state.
func (r *Registry) SetSchedulerOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedulerOnline = online
}

// Named reports whether this registry holds a named queue set (vs the
// single anonymous queue).
func (r *Registry) Named() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.named
}

func (r *Registry) resolveName(name string) string {
	if !r.named {
		return DefaultQueueName
	}
	return name
}

// SubmitGate implements the submit gate (spec.md §4.4 "Submit gate"):
// the named (or default) queue must exist and be enabled.
func (r *Registry) SubmitGate(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := r.resolveName(name)
	q, ok := r.queues[key]
	if !ok {
		return errors.NewJobError(errors.ErrorCodeQueueDisabled, fmt.Sprintf("queue %q does not exist", name))
	}
	if !q.Enable {
		return errors.NewJobError(errors.ErrorCodeQueueDisabled, q.DisableReason)
	}
	return nil
}

// List returns every queue, sorted by name (C5 queue-list).
func (r *Registry) List() []Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Status returns one queue's current admin state plus its effective
// stopped/reason, folding in scheduler-offline (C5 queue-status).
func (r *Registry) Status(name string) (Queue, bool, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := r.resolveName(name)
	q, ok := r.queues[key]
	if !ok {
		return Queue{}, false, "", errors.NewJobError(errors.ErrorCodeQueueDisabled, fmt.Sprintf("queue %q does not exist", name))
	}
	stopped, reason := q.Stopped(r.schedulerOnline)
	return *q, stopped, reason, nil
}

// Enable implements queue-enable{name?,all?,enable,reason?}. When named
// queues exist, all must be true for a no-name operation (spec.md §4.4
// "When named queues exist, the all flag is required for a no-name
// operation").
func (r *Registry) Enable(name string, all, enable bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.named && name == "" && !all {
		return errors.NewJobError(errors.ErrorCodeInvalidRequest, "named queues require name or all")
	}
	targets, err := r.targetsLocked(name, all)
	if err != nil {
		return err
	}
	for _, q := range targets {
		q.Enable = enable
		if enable {
			q.DisableReason = ""
		} else {
			q.DisableReason = reason
		}
	}
	return nil
}

// Start implements queue-start{name?,all?,start,reason?,nocheckpoint?}.
func (r *Registry) Start(name string, all, start bool, reason string, nocheckpoint bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.named && name == "" && !all {
		return errors.NewJobError(errors.ErrorCodeInvalidRequest, "named queues require name or all")
	}
	targets, err := r.targetsLocked(name, all)
	if err != nil {
		return err
	}
	for _, q := range targets {
		q.Start = start
		if start {
			q.StopReason = ""
		} else {
			q.StopReason = reason
		}
		if !nocheckpoint {
			q.CheckpointStart = start
		}
	}
	return nil
}

func (r *Registry) targetsLocked(name string, all bool) ([]*Queue, error) {
	if all {
		out := make([]*Queue, 0, len(r.queues))
		for _, q := range r.queues {
			out = append(out, q)
		}
		return out, nil
	}
	key := r.resolveName(name)
	q, ok := r.queues[key]
	if !ok {
		return nil, errors.NewJobError(errors.ErrorCodeQueueDisabled, fmt.Sprintf("queue %q does not exist", name))
	}
	return []*Queue{q}, nil
}

// checkpointEntry is the wire shape for one queue in the checkpoint
// (spec.md §4.4 "Checkpoint format").
type checkpointEntry struct {
	Name          string `json:"name,omitempty"`
	Enable        bool   `json:"enable"`
	DisableReason string `json:"disable_reason,omitempty"`
	Start         *bool  `json:"start,omitempty"`
	StopReason    string `json:"stop_reason,omitempty"`
}

// Checkpoint serializes the checkpoint_start bit (not the live start
// bit) for every queue into version-1 JSON (spec.md §4.4 "Version 1
// added start/stop").
func (r *Registry) Checkpoint() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]checkpointEntry, 0, len(r.queues))
	names := make([]string, 0, len(r.queues))
	for n := range r.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		q := r.queues[n]
		start := q.CheckpointStart
		entries = append(entries, checkpointEntry{
			Name: n, Enable: q.Enable, DisableReason: q.DisableReason,
			Start: &start, StopReason: q.StopReason,
		})
	}
	return json.Marshal(entries)
}

// Restore reads a checkpoint of either version (spec.md §4.4 "both are
// readable on restore"): v0 entries omit start/stop and default to
// started.
func (r *Registry) Restore(data []byte) error {
	var entries []checkpointEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.NewJobErrorWithCause(errors.ErrorCodeServerInternal, "failed to parse queue checkpoint", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		key := r.resolveName(e.Name)
		q, ok := r.queues[key]
		if !ok {
			q = &Queue{Name: e.Name}
			r.queues[key] = q
		}
		q.Enable = e.Enable
		q.DisableReason = e.DisableReason
		if e.Start != nil {
			q.Start = *e.Start
			q.CheckpointStart = *e.Start
		} else {
			q.Start = true
			q.CheckpointStart = true
		}
		q.StopReason = e.StopReason
	}
	return nil
}
