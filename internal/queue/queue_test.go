package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitTrackerInOrder(t *testing.T) {
	tr := newCommitTracker()
	tr.Fetched(0, 10)
	tr.Fetched(0, 11)

	commit, ok := tr.Done(0, 10)
	assert.True(t, ok)
	assert.Equal(t, int64(10), commit)

	commit, ok = tr.Done(0, 11)
	assert.True(t, ok)
	assert.Equal(t, int64(11), commit)
}

func TestCommitTrackerHoldsWatermarkBehindInFlight(t *testing.T) {
	tr := newCommitTracker()
	tr.Fetched(0, 10)
	tr.Fetched(0, 11)
	tr.Fetched(0, 12)

	// 11 and 12 finish while 10 is still in flight: nothing may be
	// committed yet, a commit of 12 would implicitly commit 10.
	_, ok := tr.Done(0, 11)
	assert.False(t, ok)
	_, ok = tr.Done(0, 12)
	assert.False(t, ok)

	// 10 finishing releases the whole run.
	commit, ok := tr.Done(0, 10)
	assert.True(t, ok)
	assert.Equal(t, int64(12), commit)
}

func TestCommitTrackerPartitionsAreIndependent(t *testing.T) {
	tr := newCommitTracker()
	tr.Fetched(0, 10)
	tr.Fetched(1, 40)
	tr.Fetched(1, 41)

	_, ok := tr.Done(1, 41)
	assert.False(t, ok, "partition 1 still has 40 in flight")

	commit, ok := tr.Done(0, 10)
	assert.True(t, ok)
	assert.Equal(t, int64(10), commit)

	commit, ok = tr.Done(1, 40)
	assert.True(t, ok)
	assert.Equal(t, int64(41), commit)
}

func TestCommitTrackerUnknownPartition(t *testing.T) {
	tr := newCommitTracker()
	_, ok := tr.Done(3, 7)
	assert.False(t, ok)
}
