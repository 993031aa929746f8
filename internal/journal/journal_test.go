// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/jobmgr/internal/job"
)

func TestPublishAssignsSequence(t *testing.T) {
	j := New(0)
	e1 := j.Publish(1, &job.EventEntry{Name: "submit"})
	e2 := j.Publish(1, &job.EventEntry{Name: "validate"})
	assert.EqualValues(t, 1, e1.Seq)
	assert.EqualValues(t, 2, e2.Seq)
	assert.EqualValues(t, 2, j.LatestSeq())
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	jr := New(0)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ch, cancel, err := jr.Subscribe(ctx, 0)
	require.NoError(t, err)
	defer cancel()

	jr.Publish(1, &job.EventEntry{Name: "submit"})

	select {
	case ev := <-ch:
		assert.Equal(t, "submit", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysSuffixOnly(t *testing.T) {
	jr := New(0)
	jr.Publish(1, &job.EventEntry{Name: "submit"})
	jr.Publish(1, &job.EventEntry{Name: "validate"})
	jr.Publish(1, &job.EventEntry{Name: "depend"})

	ch, cancel, err := jr.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer cancel()

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Name)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay")
		}
	}
	assert.Equal(t, []string{"validate", "depend"}, got)
}

func TestRingBufferBounded(t *testing.T) {
	jr := New(2)
	jr.Publish(1, &job.EventEntry{Name: "a"})
	jr.Publish(1, &job.EventEntry{Name: "b"})
	jr.Publish(1, &job.EventEntry{Name: "c"})

	ch, cancel, err := jr.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer cancel()

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Name)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestCancelUnsubscribes(t *testing.T) {
	jr := New(0)
	ch, cancel, err := jr.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
