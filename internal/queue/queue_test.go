package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueue_Order(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("low", 3)
	pq.Enqueue("high", 1)
	pq.Enqueue("med", 2)

	v, ok := pq.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "high", v)

	v, _ = pq.Dequeue()
	assert.Equal(t, "med", v)

	v, _ = pq.Dequeue()
	assert.Equal(t, "low", v)

	_, ok = pq.Dequeue()
	assert.False(t, ok)
}

func TestPriorityQueue_FIFOWithinPriority(t *testing.T) {
	pq := NewPriorityQueue[int]()
	for i := 0; i < 10; i++ {
		pq.Enqueue(i, 1)
	}

	got := pq.DequeueAll()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPriorityQueue_Peek(t *testing.T) {
	pq := NewPriorityQueue[string]()
	_, ok := pq.Peek()
	assert.False(t, ok)

	pq.Enqueue("a", 2)
	pq.Enqueue("b", 1)

	v, ok := pq.Peek()
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 2, pq.Len())
}
