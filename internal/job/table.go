// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"fmt"
	"sort"
	"sync"
)

// Table holds the two process-wide job hash tables (spec.md §3 "Ownership
// and lifecycle": "Job records live in two hash tables keyed by id: active
// and inactive"), plus the monotonic id counter and the running-jobs
// counter supplemented from original_source/drain.c (SPEC_FULL §4).
type Table struct {
	mu          sync.RWMutex
	active      map[uint64]*Job
	inactive    map[uint64]*Job
	maxJobID    uint64
	runningJobs uint64
}

// NewTable creates an empty job table.
func NewTable() *Table {
	return &Table{
		active:   make(map[uint64]*Job),
		inactive: make(map[uint64]*Job),
	}
}

// NextID allocates a fresh monotonically nondecreasing id (spec.md §3: "64-bit
// opaque identifier, monotonically nondecreasing across submission order").
// Ids come from a plain counter incremented under the table lock; no
// timestamp or shard component is folded in.
func (t *Table) NextID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxJobID++
	return t.maxJobID
}

// SetMaxJobID restores the counter from a checkpoint (C11 restart); it never
// moves the counter backward.
func (t *Table) SetMaxJobID(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id > t.maxJobID {
		t.maxJobID = id
	}
}

// MaxJobID reports the current counter value (C10 getinfo).
func (t *Table) MaxJobID() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxJobID
}

// Insert adds a newly submitted job to the active table.
func (t *Table) Insert(j *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[j.ID] = j
}

// Get looks up a job by id in either table.
func (t *Table) Get(id uint64) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if j, ok := t.active[id]; ok {
		return j, true
	}
	j, ok := t.inactive[id]
	return j, ok
}

// GetActive looks up a job only in the active table.
func (t *Table) GetActive(id uint64) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.active[id]
	return j, ok
}

// MoveToInactive relocates a job from active to inactive (spec.md §3: "moves
// through states, and is relocated from active to inactive when it enters
// INACTIVE").
func (t *Table) MoveToInactive(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.active[id]
	if !ok {
		return fmt.Errorf("job %d not in active table", id)
	}
	delete(t.active, id)
	t.inactive[id] = j
	return nil
}

// Purge deletes an inactive job's record entirely (C10 purge). Returns an
// error if the job is still active or does not exist.
func (t *Table) Purge(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return fmt.Errorf("job %d is still active", id)
	}
	if _, ok := t.inactive[id]; !ok {
		return fmt.Errorf("job %d not found", id)
	}
	delete(t.inactive, id)
	return nil
}

// ActiveCount returns the number of active jobs (C10 drain waits for this
// to reach zero).
func (t *Table) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// IncRunning/DecRunning track the running_jobs counter (SPEC_FULL §4,
// from original_source/drain.c), read by C10 idle; getinfo does not report
// it.
func (t *Table) IncRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runningJobs++
}

func (t *Table) DecRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runningJobs > 0 {
		t.runningJobs--
	}
}

func (t *Table) RunningJobs() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runningJobs
}

// ListActive returns every active job, ordered by id ascending, truncated
// to maxEntries (0 means unbounded). Used by C10 list.
func (t *Table) ListActive(maxEntries int) []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Job, 0, len(t.active))
	for _, j := range t.active {
		out = append(out, j)
	}
	sortJobsByID(out)
	if maxEntries > 0 && len(out) > maxEntries {
		out = out[:maxEntries]
	}
	return out
}

// ForEachActive calls fn for every active job, in id order. Used by restart
// (C11) and jobtap plugin-load synthesis (C4) which both need a stable
// traversal order.
func (t *Table) ForEachActive(fn func(*Job)) {
	t.mu.RLock()
	jobs := make([]*Job, 0, len(t.active))
	for _, j := range t.active {
		jobs = append(jobs, j)
	}
	t.mu.RUnlock()
	sortJobsByID(jobs)
	for _, j := range jobs {
		fn(j)
	}
}

func sortJobsByID(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
}
