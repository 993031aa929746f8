// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/kvs"
)

// pendingEvent is a queued post() call for a job that is currently paused
// (spec.md §3 "Batch (C2)": "list of jobs whose further event processing is
// paused until commit completes").
type pendingEvent struct {
	j       *job.Job
	name    string
	context map[string]any
	flags   PostFlags
}

// batch accumulates the state a single KVS commit will carry: the staged
// txn, commit callbacks, deferred responses, deferred publications, and
// paused jobs (spec.md §3 "Batch (C2)").
type batch struct {
	txn *kvs.Txn

	publishes []func()
	responses []func()
	callbacks []func(error)

	paused  map[uint64]bool
	pending map[uint64][]pendingEvent

	timer Timer
}

func newBatch() *batch {
	return &batch{
		txn:     kvs.NewTxn(),
		paused:  make(map[uint64]bool),
		pending: make(map[uint64][]pendingEvent),
	}
}

// PostFlags modifies post() behavior.
type PostFlags uint8

const (
	// NoCommit marks an event as ephemeral: it updates in-memory state and
	// the state machine but is never written to the KVS eventlog (spec.md
	// §4.1: "used for invalidate and similar ephemeral signals").
	NoCommit PostFlags = 1 << iota
)

func (f PostFlags) Has(bit PostFlags) bool { return f&bit != 0 }
