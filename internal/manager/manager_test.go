// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/jobmgr/internal/control"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/pkg/config"
)

func newTestManager(t *testing.T, store kvs.Store) *JobManager {
	t.Helper()
	cfg := config.NewDefault()
	cfg.BatchTimeout = time.Millisecond
	opts := []Option{}
	if store != nil {
		opts = append(opts, WithStore(store))
	}
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	return m
}

func TestNewWiresEveryCollaborator(t *testing.T) {
	m := newTestManager(t, nil)
	assert.NotNil(t, m.Control())
	assert.NotNil(t, m.Journal())
	assert.NotNil(t, m.Queues())
	assert.NotNil(t, m.JobTap())
	assert.NotNil(t, m.Table())
	assert.Contains(t, m.JobTap().Loaded(), ".priority-default")
}

func TestStartThenSubmitThenStopPersistsCheckpoint(t *testing.T) {
	store := kvs.NewMemoryStore()
	m := newTestManager(t, store)

	require.NoError(t, m.Start(context.Background()))

	var result control.SubmitResult
	id, err := m.Control().Submit(context.Background(), control.SubmitRequest{
		UserID: 1, Urgency: 16,
	}, func(r control.SubmitResult) { result = r })
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	deadline := time.Now().Add(time.Second)
	for result.ID == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, id, result.ID)
	require.NoError(t, result.Err)

	require.NoError(t, m.Stop(context.Background()))

	ckpt, err := store.Get(context.Background(), kvs.CheckpointKey())
	require.NoError(t, err)
	assert.NotEmpty(t, ckpt)
}

func TestStartTwiceFails(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	assert.NoError(t, m.Stop(context.Background()))
}

func TestRestartAcrossManagerInstancesReconstructsActiveJobs(t *testing.T) {
	store := kvs.NewMemoryStore()

	first := newTestManager(t, store)
	require.NoError(t, first.Start(context.Background()))

	var result control.SubmitResult
	_, err := first.Control().Submit(context.Background(), control.SubmitRequest{
		UserID: 7, Urgency: 16,
	}, func(r control.SubmitResult) { result = r })
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for result.ID == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NotZero(t, result.ID)
	require.NoError(t, first.Stop(context.Background()))

	second := newTestManager(t, store)
	require.NoError(t, second.Start(context.Background()))

	_, ok := second.Table().GetActive(result.ID)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), second.Table().MaxJobID())
}

func TestWithClockOverridesDefaultRealClock(t *testing.T) {
	sim := NewSimClock(100.0)
	cfg := config.NewDefault()
	m, err := New(cfg, WithClock(sim))
	require.NoError(t, err)
	assert.Equal(t, 100.0, m.clock.Now())
}
