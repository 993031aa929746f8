// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package kvs abstracts the durable key-value store the job-manager core
// commits eventlog entries, jobspecs, R documents, and checkpoints to
// (spec.md §6 "KVS layout"). The RPC transport and the KVS implementation
// itself are named out of scope (spec.md §1); this package only defines the
// collaborator interface and an in-memory implementation used by tests and
// the jobmgrd single-process demo mode.
package kvs

import (
	"context"
	"fmt"
)

// JobIDPath reverse-byte-encodes a jobid into the four dot-separated hex
// shards spec.md §6 describes ("jobid-to-path: reverse-byte-encoded 16-bit
// shards joined by '.'").
func JobIDPath(id uint64) string {
	var shards [4]uint16
	for i := 0; i < 4; i++ {
		shards[i] = uint16(id >> (16 * i))
	}
	return fmt.Sprintf("job.%04x.%04x.%04x.%04x", shards[0], shards[1], shards[2], shards[3])
}

// Txn accumulates a set of key writes/appends to be committed atomically
// (spec.md §3 "Batch (C2)": "open txn object"). Keys are the same
// dot-separated KVS key strings used by Store.
type Txn struct {
	puts    map[string][]byte
	appends map[string][]byte
}

// NewTxn creates an empty transaction.
func NewTxn() *Txn {
	return &Txn{puts: make(map[string][]byte), appends: make(map[string][]byte)}
}

// Put stages a whole-value overwrite of key (jobspec, R, checkpoint).
func (t *Txn) Put(key string, value []byte) {
	t.puts[key] = value
}

// Append stages an append of a newline-terminated record to key (the
// per-job eventlog).
func (t *Txn) Append(key string, record []byte) {
	t.appends[key] = append(t.appends[key], record...)
}

// Empty reports whether the transaction has no staged writes.
func (t *Txn) Empty() bool {
	return len(t.puts) == 0 && len(t.appends) == 0
}

// Store is the abstract KVS collaborator. Commit is the only operation the
// batch committer (C2) needs; Get/List support restart traversal (C11) and
// the debug HTTP surface.
type Store interface {
	// Commit atomically applies txn. A non-nil error is always treated as
	// fatal by the batch committer (spec.md §4.1/§7: "KVS commit failure:
	// fatal").
	Commit(ctx context.Context, txn *Txn) error
	// Get returns the current value of key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// ListJobDirs returns every "job.<h1>.<h2>.<h3>.<h4>" prefix currently
	// present, for C11 restart traversal.
	ListJobDirs(ctx context.Context) ([]string, error)
	// Delete removes every key under dir (a job directory prefix), used
	// by C10 purge to drop an inactive job's eventlog/jobspec/R record.
	Delete(ctx context.Context, dir string) error
}

// ErrKeyNotFound is returned by Store.Get for a missing key.
var ErrKeyNotFound = fmt.Errorf("kvs: key not found")

// EventlogKey, JobspecKey, RKey, and CheckpointKey compute the sub-keys
// under a job directory, and the instance-wide checkpoint key
// (spec.md §6).
func EventlogKey(id uint64) string  { return JobIDPath(id) + ".eventlog" }
func JobspecKey(id uint64) string   { return JobIDPath(id) + ".jobspec" }
func RKey(id uint64) string         { return JobIDPath(id) + ".R" }
func CheckpointKey() string         { return "checkpoint.job-manager" }
func ResourceKey() string           { return "resource.R" }
