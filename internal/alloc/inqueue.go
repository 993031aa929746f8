// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"sort"
	"sync"

	"github.com/jontk/jobmgr/internal/job"
)

// inqueue is the scheduler-facing priority queue ordered by
// (priority desc, id asc) (spec.md §4.5 "The core maintains a scheduler
// inqueue").
type inqueue struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func newInqueue() *inqueue {
	return &inqueue{}
}

func (q *inqueue) push(j *job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.jobs {
		if existing.ID == j.ID {
			return
		}
	}
	q.jobs = append(q.jobs, j)
	q.sortLocked()
}

func (q *inqueue) remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

func (q *inqueue) pop() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

func (q *inqueue) reorder() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortLocked()
}

func (q *inqueue) sortLocked() {
	sort.SliceStable(q.jobs, func(i, k int) bool {
		if q.jobs[i].Priority != q.jobs[k].Priority {
			return q.jobs[i].Priority > q.jobs[k].Priority
		}
		return q.jobs[i].ID < q.jobs[k].ID
	})
}

func (q *inqueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *inqueue) snapshot() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*job.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}
