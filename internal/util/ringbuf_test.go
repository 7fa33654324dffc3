package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferBelowCapacity(t *testing.T) {
	r := NewRingBuffer[int](4)
	r.Push(1)
	r.Push(2)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []int{1, 2}, r.Snapshot())
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingBufferLast(t *testing.T) {
	r := NewRingBuffer[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}

	assert.Equal(t, []string{"d", "e"}, r.Last(2))
	assert.Equal(t, []string{"b", "c", "d", "e"}, r.Last(10), "n beyond stored count is clamped")
	assert.Empty(t, r.Last(0))
}

func TestRingBufferEmpty(t *testing.T) {
	r := NewRingBuffer[int](2)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
	assert.Empty(t, r.Last(3))
}

func TestRingBufferConcurrentPush(t *testing.T) {
	r := NewRingBuffer[int](64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Push(j)
				r.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, r.Len())
}
