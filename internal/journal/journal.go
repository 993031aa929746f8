// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the broadcast of posted events to subscribers
// with a replay cursor (C12). A subscriber reconnecting with a last-seen
// sequence number receives only the suffix it missed, never a full replay
// (SPEC_FULL §4, from original_source/journal.h), bounded by a fixed-size
// ring buffer of recently posted events.
package journal

import (
	"context"
	"sync"

	"github.com/jontk/jobmgr/internal/job"
)

// Event is one broadcast entry: a job's posted eventlog entry tagged with
// the global sequence number assigned at broadcast time.
type Event struct {
	Seq     uint64
	JobID   uint64
	Name    string
	Context map[string]any
}

// DefaultRingSize bounds how much history a reconnecting subscriber can
// recover; older entries are simply dropped (a subscriber that falls this
// far behind must fall back to a fresh restart-style read of the KVS).
const DefaultRingSize = 4096

// Journal broadcasts posted events to live subscribers and retains a
// bounded ring of recent events for cursor-based replay.
type Journal struct {
	mu       sync.Mutex
	ringSize int
	nextSeq  uint64
	ring     []Event // oldest first
	subs     map[uint64]chan Event
	nextSub  uint64
}

// New creates a Journal with the given ring buffer size (0 uses
// DefaultRingSize).
func New(ringSize int) *Journal {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Journal{
		ringSize: ringSize,
		subs:     make(map[uint64]chan Event),
	}
}

// Publish broadcasts e to every live subscriber and appends it to the ring
// buffer, assigning the next global sequence number. Called by C2's batch
// committer post-commit phase (spec.md §4.1 "batch_pub_state").
func (j *Journal) Publish(jobID uint64, e *job.EventEntry) Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextSeq++
	ev := Event{Seq: j.nextSeq, JobID: jobID, Name: e.Name, Context: e.Context}

	j.ring = append(j.ring, ev)
	if len(j.ring) > j.ringSize {
		j.ring = j.ring[len(j.ring)-j.ringSize:]
	}

	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default:
			// A slow subscriber drops the broadcast rather than
			// blocking the reactor; it will miss this event but
			// can still reconnect with its last-seen seq to
			// recover from the ring buffer if it hasn't aged out.
		}
	}
	return ev
}

// Subscribe registers a new subscriber starting after since (0 means "from
// the beginning of the retained ring"). It returns a channel delivering the
// backlog suffix (if any survives in the ring) followed by live events,
// and a cancel function that must be called to unsubscribe.
func (j *Journal) Subscribe(ctx context.Context, since uint64) (<-chan Event, func(), error) {
	j.mu.Lock()

	backlog := make([]Event, 0, len(j.ring))
	for _, ev := range j.ring {
		if ev.Seq > since {
			backlog = append(backlog, ev)
		}
	}

	ch := make(chan Event, len(backlog)+256)
	for _, ev := range backlog {
		ch <- ev
	}
	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if c, ok := j.subs[id]; ok {
			close(c)
			delete(j.subs, id)
		}
	}

	return ch, cancel, nil
}

// LatestSeq reports the highest sequence number broadcast so far.
func (j *Journal) LatestSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}
