package filesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferQueue_EnqueuePopFIFO(t *testing.T) {
	t.Parallel()

	q := newTransferQueue()

	assert.True(t, q.enqueue("a"))
	assert.True(t, q.enqueue("b"))
	assert.False(t, q.enqueue("a"), "duplicate enqueue of a queued id is a no-op")

	id, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "a", id)

	assert.False(t, q.enqueue("a"), "a is now in-flight, enqueue is still a no-op")

	id, ok = q.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", id)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestTransferQueue_CompleteAllowsReenqueue(t *testing.T) {
	t.Parallel()

	q := newTransferQueue()
	q.enqueue("a")
	q.pop()
	q.complete("a")

	assert.True(t, q.enqueue("a"))
}

func TestTransferQueue_Prioritize(t *testing.T) {
	t.Parallel()

	q := newTransferQueue()
	q.enqueue("a")
	q.enqueue("b")
	q.enqueue("c")

	q.prioritize("c")

	id, _ := q.pop()
	assert.Equal(t, "c", id)
}

func TestTransferQueue_CancelQueued(t *testing.T) {
	t.Parallel()

	q := newTransferQueue()
	q.enqueue("a")
	q.enqueue("b")

	q.cancel("a")

	id, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", id)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestTransferQueue_CancelInFlightLeavesItAlone(t *testing.T) {
	t.Parallel()

	q := newTransferQueue()
	q.enqueue("a")
	q.pop() // now in-flight

	q.cancel("a")

	assert.Equal(t, 1, q.inflightCount())
}

func TestTransferQueue_RequeueTail(t *testing.T) {
	t.Parallel()

	q := newTransferQueue()
	q.enqueue("a")
	q.pop()

	q.requeueTail("a")

	assert.Equal(t, 0, q.inflightCount())
	assert.Equal(t, 1, q.queuedCount())

	id, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "a", id)
}
