// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/jobmgr/internal/job"
)

func newUpdateJob(queueName string, constraints map[string]any) *job.Job {
	j := &job.Job{
		ID: 1,
		JobspecRedacted: map[string]any{
			"attributes.system.queue": queueName,
		},
	}
	if constraints != nil {
		j.JobspecRedacted["attributes.system.constraints"] = constraints
	}
	return j
}

func TestQueueUpdateOverwritesConstraintsWhenUnmodifiedByUser(t *testing.T) {
	r := NewNamed([]string{"batch", "gpu"})
	q := r.queues["gpu"]
	q.Requires = map[string]any{"gpu": true}

	batchQ := r.queues["batch"]
	batchQ.Requires = map[string]any{"cpu": true}

	p := UpdatePlugin(r)
	hook, ok := p.Handlers["job.update.attributes.system.queue"]
	require.True(t, ok)

	j := newUpdateJob("batch", map[string]any{"properties": map[string]any{"cpu": true}})
	result, err := hook(context.Background(), j, map[string]any{"value": "gpu"})
	require.NoError(t, err)

	assert.Equal(t, true, result["require_feasibility"])
	updates, ok := result["updates"].(map[string]any)
	require.True(t, ok)
	newConstraints, ok := updates["attributes.system.constraints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"gpu": true}, newConstraints["properties"])
}

func TestQueueUpdateLeavesConstraintsAloneWhenUserModified(t *testing.T) {
	r := NewNamed([]string{"batch", "gpu"})
	r.queues["gpu"].Requires = map[string]any{"gpu": true}
	r.queues["batch"].Requires = map[string]any{"cpu": true}

	p := UpdatePlugin(r)
	hook, ok := p.Handlers["job.update.attributes.system.queue"]
	require.True(t, ok)

	j := newUpdateJob("batch", map[string]any{"properties": map[string]any{"cpu": true, "extra": "user-added"}})
	result, err := hook(context.Background(), j, map[string]any{"value": "gpu"})
	require.NoError(t, err)

	updates, ok := result["updates"].(map[string]any)
	require.True(t, ok)
	_, changed := updates["attributes.system.constraints"]
	assert.False(t, changed)
}

func TestQueueUpdateRejectsDisabledTarget(t *testing.T) {
	r := NewNamed([]string{"batch", "gpu"})
	require.NoError(t, r.Enable("gpu", false, false, "out of service"))

	p := UpdatePlugin(r)
	hook, ok := p.Handlers["job.update.attributes.system.queue"]
	require.True(t, ok)

	j := newUpdateJob("batch", nil)
	_, err := hook(context.Background(), j, map[string]any{"value": "gpu"})
	assert.Error(t, err)
}
