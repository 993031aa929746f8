// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package eventlog implements the eventlog append and batch-commit
// protocol (C2): post() appends an entry, advances the state machine,
// and stages a KVS commit; batches close on a short timer or explicit
// flush, and commit completion triggers deferred publications, callbacks,
// responses, and the draining of any paused jobs (spec.md §4.1).
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/journal"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/pkg/errors"
	"github.com/jontk/jobmgr/pkg/logging"
)

// DefaultBatchTimeout is the default batch_timeout (spec.md §3 "Batch
// (C2)": "Batches close on a short timer (default 10 ms)").
const DefaultBatchTimeout = 10 * time.Millisecond

// StateAdvancer is implemented by the state-machine driver (C3) and
// invoked by Committer.Post after an entry is appended, so the eventlog
// package never imports internal/statemachine (statemachine imports
// eventlog, not the reverse).
type StateAdvancer interface {
	Advance(ctx context.Context, j *job.Job, entry job.EventEntry) error
}

// FatalHandler is invoked when a KVS commit fails; spec.md §4.1/§7 treats
// this as fatal to the whole core ("the core signals the host process to
// shut down cleanly").
type FatalHandler func(err error)

// Committer implements C2: post(), batch_respond, batch_pub_state,
// batch_add_job, and the commit/timer lifecycle.
type Committer struct {
	mu sync.Mutex

	store        kvs.Store
	journal      *journal.Journal
	clock        Clock
	batchTimeout time.Duration
	log          logging.Logger

	advancer StateAdvancer
	onFatal  FatalHandler

	current *batch
}

// New creates a Committer. advancer may be nil and set later via
// SetAdvancer (breaks the eventlog<->statemachine construction cycle).
func New(store kvs.Store, j *journal.Journal, clock Clock, batchTimeout time.Duration, log logging.Logger) *Committer {
	if clock == nil {
		clock = RealClock{}
	}
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Committer{
		store:        store,
		journal:      j,
		clock:        clock,
		batchTimeout: batchTimeout,
		log:          log,
	}
}

// SetAdvancer wires the state-machine driver in after construction.
func (c *Committer) SetAdvancer(a StateAdvancer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advancer = a
}

// SetFatalHandler installs the callback invoked on KVS commit failure.
func (c *Committer) SetFatalHandler(h FatalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFatal = h
}

// Post appends name/context to j's eventlog, advances the state machine,
// and (unless flags has NoCommit) stages the entry into the current batch
// for KVS commit (spec.md §4.1).
func (c *Committer) Post(ctx context.Context, j *job.Job, name string, eventCtx map[string]any, flags PostFlags) error {
	c.mu.Lock()

	if c.current != nil && c.current.paused[j.ID] {
		c.current.pending[j.ID] = append(c.current.pending[j.ID], pendingEvent{j: j, name: name, context: eventCtx, flags: flags})
		c.mu.Unlock()
		return nil
	}

	j.Lock()
	entry := job.EventEntry{Timestamp: c.clock.Now(), Name: name, Context: eventCtx}
	j.AppendEvent(entry)
	j.Unlock()

	if flags.Has(NoCommit) {
		if c.journal != nil {
			c.journal.Publish(j.ID, &entry)
		}
		c.mu.Unlock()
		return c.advance(ctx, j, entry)
	}

	if c.current == nil {
		c.openBatchLocked()
	}
	b := c.current

	record, err := formatRecord(entry)
	if err != nil {
		c.mu.Unlock()
		return errors.NewJobErrorWithCause(errors.ErrorCodeServerInternal, "failed to encode eventlog record", err)
	}
	b.txn.Append(kvs.EventlogKey(j.ID), record)
	b.publishes = append(b.publishes, func() {
		if c.journal != nil {
			c.journal.Publish(j.ID, &entry)
		}
	})

	c.mu.Unlock()
	return c.advance(ctx, j, entry)
}

func (c *Committer) advance(ctx context.Context, j *job.Job, entry job.EventEntry) error {
	c.mu.Lock()
	adv := c.advancer
	c.mu.Unlock()
	if adv == nil {
		return nil
	}
	return adv.Advance(ctx, j, entry)
}

func formatRecord(e job.EventEntry) ([]byte, error) {
	ctxJSON := "{}"
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return nil, err
		}
		ctxJSON = string(b)
	}
	return []byte(fmt.Sprintf("%f %s %s\n", e.Timestamp, e.Name, ctxJSON)), nil
}

// DecodeRecords parses a whole eventlog key's bytes back into entries, in
// the order they were appended (the inverse of formatRecord). Used by C11
// restart to replay a job's persisted history.
func DecodeRecords(data []byte) ([]job.EventEntry, error) {
	var entries []job.EventEntry
	for lineNo, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("eventlog: malformed record at line %d", lineNo)
		}
		ts, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("eventlog: malformed timestamp at line %d: %w", lineNo, err)
		}
		rest := "{}"
		if len(parts) == 3 {
			rest = parts[2]
		}
		var ctx map[string]any
		if err := json.Unmarshal([]byte(rest), &ctx); err != nil {
			return nil, fmt.Errorf("eventlog: malformed context at line %d: %w", lineNo, err)
		}
		if len(ctx) == 0 {
			ctx = nil
		}
		entries = append(entries, job.EventEntry{Timestamp: ts, Name: parts[1], Context: ctx})
	}
	return entries, nil
}

// StagePut stages a whole-value KVS write (jobspec, R, checkpoint) into the
// current batch's transaction, opening one if necessary. It carries no
// state-machine side effect of its own; callers still Post the event that
// makes the write meaningful.
func (c *Committer) StagePut(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.openBatchLocked()
	}
	c.current.txn.Put(key, value)
}

// BatchRespond defers response (a user RPC reply) to the current batch's
// post-commit phase (spec.md §4.1 "batch_respond(msg)").
func (c *Committer) BatchRespond(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.openBatchLocked()
	}
	c.current.responses = append(c.current.responses, fn)
}

// BatchPubState defers a state-transition broadcast (spec.md §4.1
// "batch_pub_state(job, t)"). The caller supplies its own thunk since the
// journal's Event shape is defined per-transition by the state machine.
func (c *Committer) BatchPubState(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.openBatchLocked()
	}
	c.current.publishes = append(c.current.publishes, fn)
}

// BatchPubAnnotations defers an annotations-changed broadcast (spec.md
// §4.1 "batch_pub_annotations(job)").
func (c *Committer) BatchPubAnnotations(fn func()) {
	c.BatchPubState(fn)
}

// BatchAddJob pauses further event processing for jobID until the current
// batch completes; queued events are drained in FIFO order on commit
// (spec.md §4.1 "batch_add_job(job)").
func (c *Committer) BatchAddJob(jobID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.openBatchLocked()
	}
	c.current.paused[jobID] = true
}

// OnCommit registers a callback invoked when the current batch's commit
// resolves (nil error on success), used for components needing to react
// to durability without an RPC response (e.g. C11 restart bookkeeping).
func (c *Committer) OnCommit(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.openBatchLocked()
	}
	c.current.callbacks = append(c.current.callbacks, fn)
}

// openBatchLocked opens a new batch and arms its timer. c.mu must be held.
func (c *Committer) openBatchLocked() {
	b := newBatch()
	c.current = b
	b.timer = c.clock.AfterFunc(c.batchTimeout, func() {
		c.closeBatch(b)
	})
}

// Flush closes the current batch immediately, bypassing the timer
// (spec.md §4.1 "on timer expiry (or explicit flush)").
func (c *Committer) Flush() {
	c.mu.Lock()
	b := c.current
	c.mu.Unlock()
	if b == nil {
		return
	}
	c.closeBatch(b)
}

// closeBatch is idempotent per-batch: it only fires once even if both the
// timer and an explicit Flush race.
func (c *Committer) closeBatch(b *batch) {
	c.mu.Lock()
	if c.current != b {
		c.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	c.current = nil
	c.mu.Unlock()

	ctx := context.Background()
	err := c.store.Commit(ctx, b.txn)

	if err != nil {
		c.log.Error("kvs commit failed", "error", err)
		for _, cb := range b.callbacks {
			cb(err)
		}
		c.mu.Lock()
		handler := c.onFatal
		c.mu.Unlock()
		if handler != nil {
			handler(err)
		}
		return
	}

	for _, pub := range b.publishes {
		pub()
	}
	for _, cb := range b.callbacks {
		cb(nil)
	}
	for _, resp := range b.responses {
		resp()
	}
	c.drainPaused(ctx, b)
}

// drainPaused replays every queued event for jobs that were paused in b,
// in FIFO order, through the normal Post path (spec.md §4.1: "unpausing of
// paused jobs (draining their queued events through the normal post
// path)").
func (c *Committer) drainPaused(ctx context.Context, b *batch) {
	for jobID := range b.paused {
		for _, pe := range b.pending[jobID] {
			_ = c.Post(ctx, pe.j, pe.name, pe.context, pe.flags)
		}
	}
}
