// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonymousSubmitGateEnabledByDefault(t *testing.T) {
	r := NewAnonymous()
	require.NoError(t, r.SubmitGate(""))
}

func TestNamedRequiresAllForNoName(t *testing.T) {
	r := NewNamed([]string{"batch", "debug"})
	err := r.Enable("", false, false, "maintenance")
	assert.Error(t, err)

	require.NoError(t, r.Enable("", true, false, "maintenance"))
	for _, q := range r.List() {
		assert.False(t, q.Enable)
		assert.Equal(t, "maintenance", q.DisableReason)
	}
}

func TestSubmitGateRejectsDisabledQueue(t *testing.T) {
	r := NewNamed([]string{"batch"})
	require.NoError(t, r.Enable("batch", false, false, "down for maintenance"))

	err := r.SubmitGate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down for maintenance")
}

func TestSchedulerOfflineStopsEveryQueue(t *testing.T) {
	r := NewAnonymous()
	r.SetSchedulerOnline(false)
	_, stopped, reason, err := r.Status("")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, "Scheduler is offline", reason)
}

func TestCheckpointRoundTrip(t *testing.T) {
	r := NewNamed([]string{"batch", "debug"})
	require.NoError(t, r.Start("batch", false, false, "paused", false))

	data, err := r.Checkpoint()
	require.NoError(t, err)

	r2 := NewNamed([]string{"batch", "debug"})
	require.NoError(t, r2.Restore(data))

	q, _, reason, err := r2.Status("batch")
	require.NoError(t, err)
	assert.False(t, q.Start)
	assert.Equal(t, "paused", reason)
}

func TestRestoreV0FormatDefaultsStarted(t *testing.T) {
	r := NewAnonymous()
	require.NoError(t, r.Restore([]byte(`[{"enable":false,"disable_reason":"v0 disabled"}]`)))

	q, stopped, _, err := r.Status("")
	require.NoError(t, err)
	assert.False(t, q.Enable)
	assert.False(t, stopped)
}

func TestNocheckpointDoesNotPersistStopAcrossCheckpoint(t *testing.T) {
	r := NewAnonymous()
	require.NoError(t, r.Start("", false, false, "temporary", true))

	data, err := r.Checkpoint()
	require.NoError(t, err)

	r2 := NewAnonymous()
	require.NoError(t, r2.Restore(data))
	q, _, _, err := r2.Status("")
	require.NoError(t, err)
	assert.True(t, q.Start)
}
