// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package job holds the per-job record (C1): state, flags, priority,
// eventlog, pending-operation flags, dependency set, and the plugin-owned
// aux attachments that hang off a job for its lifetime.
package job

import (
	"sync"
	"sync/atomic"
)

// State is one of the RFC-21-style job states (spec.md §3/§4.2).
type State string

const (
	StateNew      State = "NEW"
	StateDepend   State = "DEPEND"
	StatePriority State = "PRIORITY"
	StateSched    State = "SCHED"
	StateRun      State = "RUN"
	StateCleanup  State = "CLEANUP"
	StateInactive State = "INACTIVE"
)

// Flags is a bitmask of per-job attributes set at submit time.
type Flags uint32

const (
	FlagWaitable Flags = 1 << iota
	FlagDebug
	FlagImmutable
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Urgency sentinels (spec.md §3).
const (
	UrgencyMin      int32 = 0
	UrgencyMax      int32 = 31
	UrgencyHold     int32 = 0
	UrgencyExpedite int32 = 31
	UrgencyDefault  int32 = 16
)

// Priority sentinels (spec.md §3/§6).
const (
	// PriorityUnavailable parks a job in PRIORITY state until a plugin
	// computes a real value.
	PriorityUnavailable int64 = -1
	PriorityMin         int64 = 0
	PriorityMax         int64 = 1 << 31
)

// EventEntry is one eventlog line: {timestamp, name, context} (spec.md §3
// "Event (C2/C3)"). context is a structured dictionary, kept as a generic
// map so C2 doesn't need to know every event's payload shape.
type EventEntry struct {
	Timestamp float64
	Name      string
	Context   map[string]any
}

// Dependency describes one outstanding dependency (spec.md §3 "dependencies:
// multiset of dependency descriptions").
type Dependency struct {
	Scheme      string
	Description string
}

// Waiter is the single pending wait-request a job may carry (spec.md §3
// "waiter: at most one pending wait-request message"). Notify is invoked
// exactly once, when the job reaches INACTIVE.
type Waiter struct {
	RequestID string
	Notify    func(end *EventEntry, success bool, errstr string)
}

// Job is the per-job record (C1).
type Job struct {
	mu sync.Mutex

	ID       uint64
	UserID   uint32
	Urgency  int32
	Priority int64
	TSubmit  float64
	Flags    Flags
	State    State
	Queue    string

	JobspecRedacted map[string]any
	RRedacted       map[string]any

	Eventlog     []EventEntry
	EventlogSeq  uint64
	EndEvent     *EventEntry
	EventsSeen   map[string]int

	AllocQueued   bool
	AllocPending  bool
	FreePending   bool
	StartPending  bool
	HasResources  bool
	Reattach      bool
	PerilogActive int

	Dependencies []Dependency
	Subscribers  map[string]struct{}

	Aux *AuxStore

	Waiter *Waiter

	refcount int32
}

// New creates a job record in state NEW. Callers (C10 submit) must still
// populate Queue/JobspecRedacted/etc. before posting the submit event.
func New(id uint64, userID uint32, urgency int32, tSubmit float64, flags Flags) *Job {
	return &Job{
		ID:          id,
		UserID:      userID,
		Urgency:     urgency,
		Priority:    PriorityUnavailable,
		TSubmit:     tSubmit,
		Flags:       flags,
		State:       StateNew,
		EventsSeen:  make(map[string]int),
		Subscribers: make(map[string]struct{}),
		Aux:         NewAuxStore(),
		refcount:    1,
	}
}

// Hold acquires a reference. Callers: the job table, a pending wait-request,
// a per-plugin aux attachment (spec.md §3 "Ownership and lifecycle").
func (j *Job) Hold() { atomic.AddInt32(&j.refcount, 1) }

// Release drops a reference; returns true if this was the last holder.
func (j *Job) Release() bool { return atomic.AddInt32(&j.refcount, -1) == 0 }

// RefCount reports the current holder count.
func (j *Job) RefCount() int32 { return atomic.LoadInt32(&j.refcount) }

// Active reports whether the job has not yet reached INACTIVE.
func (j *Job) Active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State != StateInactive
}

// Lock/Unlock expose the job's own mutex so callers outside the package
// (statemachine, eventlog, control) can serialize access to a single job's
// fields without a package-level lock. The reactor model is single-threaded
// per spec.md §5, but the debug HTTP surface (pkg/middleware) reads jobs
// concurrently with the reactor, so per-job locking is kept regardless.
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// AppendEvent appends an entry to the in-memory eventlog and advances the
// sequence counter. It does not decide commit/state-machine behavior; that
// is C2/C3's job. Callers must hold j's lock.
func (j *Job) AppendEvent(e EventEntry) {
	j.Eventlog = append(j.Eventlog, e)
	j.EventlogSeq++
	j.EventsSeen[e.Name]++
}

// SeenCount returns how many times an event name has been posted to this
// job, used for idempotence checks (spec.md §3 "events_seen").
func (j *Job) SeenCount(name string) int {
	return j.EventsSeen[name]
}

// LastEvent returns the most recently appended event, or nil if empty.
func (j *Job) LastEvent() *EventEntry {
	if len(j.Eventlog) == 0 {
		return nil
	}
	return &j.Eventlog[len(j.Eventlog)-1]
}

// Subscribe adds plugin to this job's all-events subscriber set.
func (j *Job) Subscribe(plugin string) {
	j.Subscribers[plugin] = struct{}{}
}

// Unsubscribe removes plugin from this job's subscriber set (called when
// the plugin unloads).
func (j *Job) Unsubscribe(plugin string) {
	delete(j.Subscribers, plugin)
}
