package call

import (
	"sync"
	"time"
)

// ringTimer drives the incoming/outgoing ring countdown: a 1 Hz tick for
// the UI and exactly one expiry callback. Start replaces any countdown in
// progress; Stop is safe at any time, including after expiry.
type ringTimer struct {
	mu   sync.Mutex
	stop chan struct{}
}

func newRingTimer() *ringTimer {
	return &ringTimer{}
}

// Start begins a countdown of d, calling tick with the remaining whole
// seconds (first call fires immediately) and expire exactly once when the
// countdown reaches zero. Either callback may be nil.
func (t *ringTimer) Start(d time.Duration, tick func(remaining int), expire func()) {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
	}
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go func() {
		remaining := int(d / time.Second)
		if tick != nil {
			tick(remaining)
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				remaining--
				if remaining <= 0 {
					if expire != nil {
						expire()
					}
					return
				}
				if tick != nil {
					tick(remaining)
				}
			}
		}
	}()
}

// Stop cancels the countdown in progress, if any.
func (t *ringTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}
