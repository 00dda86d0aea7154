package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskmaster/lib/ids"
)

func TestDeadlinesPopExpiredOrdersByDeadline(t *testing.T) {
	d := newDeadlines()
	now := time.Now()
	d.Add(ids.WorkerID("w2"), ids.ReqID("r2"), deadlineCheck, now.Add(20*time.Millisecond))
	d.Add(ids.WorkerID("w1"), ids.ReqID("r1"), deadlineRequest, now.Add(10*time.Millisecond))
	d.Add(ids.WorkerID("w3"), ids.ReqID("r3"), deadlineCheck, now.Add(30*time.Millisecond))

	expired := d.PopExpired(now.Add(25 * time.Millisecond))
	require.Len(t, expired, 2)
	assert.Equal(t, ids.ReqID("r1"), expired[0].reqID)
	assert.Equal(t, ids.ReqID("r2"), expired[1].reqID)

	next, ok := d.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Millisecond), next)
}

func TestDeadlinesCancelRemovesItem(t *testing.T) {
	d := newDeadlines()
	now := time.Now()
	item := d.Add(ids.WorkerID("w1"), ids.ReqID("r1"), deadlineRequest, now.Add(time.Millisecond))
	d.Cancel(item)

	_, ok := d.NextDeadline()
	assert.False(t, ok)
}

func TestDeadlinesCancelIsIdempotent(t *testing.T) {
	d := newDeadlines()
	item := d.Add(ids.WorkerID("w1"), ids.ReqID("r1"), deadlineRequest, time.Now())
	d.Cancel(item)
	require.NotPanics(t, func() { d.Cancel(item) })
}
