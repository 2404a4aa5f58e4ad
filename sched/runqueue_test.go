package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timewinder-dev/greenrt/tso"
)

func TestRunQueue_FIFO(t *testing.T) {
	tt := newThreadTable()
	q := newRunQueue(3, tt)
	now := time.Now()

	var ids []tso.ID
	for i := 0; i < 5; i++ {
		th := tt.create(nil, 0)
		ok, err := q.push(th, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, th.Queue())
		ids = append(ids, th.ID())
	}
	assert.Equal(t, 5, q.len())

	for _, want := range ids {
		th, err := q.pop()
		require.NoError(t, err)
		require.NotNil(t, th)
		assert.Equal(t, want, th.ID())
		assert.Equal(t, tso.NoQueue, th.Queue())
	}
	th, err := q.pop()
	require.NoError(t, err)
	assert.Nil(t, th)
}

func TestRunQueue_DoubleMembershipRejected(t *testing.T) {
	tt := newThreadTable()
	local := newRunQueue(0, tt)
	global := newRunQueue(tso.GlobalQueue, tt)
	th := tt.create(nil, 0)

	_, err := local.push(th, time.Now())
	require.NoError(t, err)
	_, err = global.push(th, time.Now())
	var qe *tso.QueueMembershipError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 0, global.len())
}

func TestRunQueue_DrainDequeuesAndCloses(t *testing.T) {
	tt := newThreadTable()
	q := newRunQueue(1, tt)
	a := tt.create(nil, 0)
	b := tt.create(nil, 0)
	_, err := q.push(a, time.Now())
	require.NoError(t, err)
	_, err = q.push(b, time.Now())
	require.NoError(t, err)

	require.NoError(t, q.drain())
	assert.Equal(t, 0, q.len())
	assert.Equal(t, tso.NoQueue, a.Queue())
	assert.Equal(t, tso.NoQueue, b.Queue())

	ok, err := q.push(tt.create(nil, 0), time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "a drained queue accepts nothing")
}

func TestRunQueue_CloseIfEmpty(t *testing.T) {
	tt := newThreadTable()
	q := newRunQueue(2, tt)
	th := tt.create(nil, 0)
	_, err := q.push(th, time.Now())
	require.NoError(t, err)
	assert.False(t, q.closeIfEmpty(), "a queue with work stays open")

	popped, err := q.pop()
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.True(t, q.closeIfEmpty())

	ok, err := q.push(th, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, tso.NoQueue, th.Queue())
}

func TestRunQueue_PopSkipsRemovedThreads(t *testing.T) {
	tt := newThreadTable()
	q := newRunQueue(0, tt)
	gone := tt.create(nil, 0)
	kept := tt.create(nil, 0)
	_, err := q.push(gone, time.Now())
	require.NoError(t, err)
	_, err = q.push(kept, time.Now())
	require.NoError(t, err)
	tt.remove(gone.ID())

	th, err := q.pop()
	require.NoError(t, err)
	require.NotNil(t, th)
	assert.Equal(t, kept.ID(), th.ID())
}
