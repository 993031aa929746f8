// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	j := New(1, 42, 16, 1.0, FlagWaitable)
	assert.Equal(t, StateNew, j.State)
	assert.Equal(t, PriorityUnavailable, j.Priority)
	assert.True(t, j.Flags.Has(FlagWaitable))
	assert.False(t, j.Flags.Has(FlagDebug))
	assert.EqualValues(t, 1, j.RefCount())
}

func TestAppendEvent(t *testing.T) {
	j := New(1, 42, 16, 1.0, 0)
	j.AppendEvent(EventEntry{Timestamp: 1.0, Name: "submit"})
	j.AppendEvent(EventEntry{Timestamp: 1.1, Name: "validate"})

	require.Len(t, j.Eventlog, 2)
	assert.EqualValues(t, 2, j.EventlogSeq)
	assert.Equal(t, 1, j.SeenCount("submit"))
	assert.Equal(t, "validate", j.LastEvent().Name)
}

func TestHoldRelease(t *testing.T) {
	j := New(1, 42, 16, 1.0, 0)
	j.Hold()
	assert.EqualValues(t, 2, j.RefCount())
	assert.False(t, j.Release())
	assert.True(t, j.Release())
}

func TestSubscribe(t *testing.T) {
	j := New(1, 42, 16, 1.0, 0)
	j.Subscribe("priority.so")
	_, ok := j.Subscribers["priority.so"]
	assert.True(t, ok)
	j.Unsubscribe("priority.so")
	_, ok = j.Subscribers["priority.so"]
	assert.False(t, ok)
}

func TestActive(t *testing.T) {
	j := New(1, 42, 16, 1.0, 0)
	assert.True(t, j.Active())
	j.State = StateInactive
	assert.False(t, j.Active())
}
