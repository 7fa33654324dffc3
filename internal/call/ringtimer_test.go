package call

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingTimerExpiresExactlyOnce(t *testing.T) {
	rt := newRingTimer()
	var ticks, expiries atomic.Int32

	rt.Start(2*time.Second,
		func(int) { ticks.Add(1) },
		func() { expiries.Add(1) })

	time.Sleep(3 * time.Second)
	assert.Equal(t, int32(1), expiries.Load())
	assert.GreaterOrEqual(t, ticks.Load(), int32(1))
}

func TestRingTimerStopCancelsExpiry(t *testing.T) {
	rt := newRingTimer()
	var expiries atomic.Int32

	rt.Start(1*time.Second, nil, func() { expiries.Add(1) })
	rt.Stop()
	rt.Stop() // idempotent

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(0), expiries.Load())
}

func TestRingTimerRestartReplacesCountdown(t *testing.T) {
	rt := newRingTimer()
	var first, second atomic.Int32

	rt.Start(1*time.Second, nil, func() { first.Add(1) })
	rt.Start(1*time.Second, nil, func() { second.Add(1) })

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced countdown must not fire")
	assert.Equal(t, int32(1), second.Load())
}

func TestRingTimerFirstTickImmediate(t *testing.T) {
	rt := newRingTimer()
	defer rt.Stop()
	got := make(chan int, 1)

	rt.Start(30*time.Second, func(remaining int) {
		select {
		case got <- remaining:
		default:
		}
	}, nil)

	select {
	case r := <-got:
		assert.Equal(t, 30, r)
	case <-time.After(time.Second):
		t.Fatal("no immediate tick")
	}
}
