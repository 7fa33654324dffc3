package call

import (
	"sync"
	"time"
)

// EventType discriminates the session event stream consumed by the UI shell
// and the control API.
type EventType string

const (
	EventStateChanged EventType = "state-changed"
	EventIncoming     EventType = "incoming-call"
	EventRingTick     EventType = "ring-tick"
	EventLocalMedia   EventType = "local-media"
	EventRemoteStream EventType = "remote-stream"
	EventMediaChanged EventType = "media-changed"
	EventEnded        EventType = "ended"
	EventTransport    EventType = "transport"
)

// Event is one entry in the session event stream. Session, when set, is a
// value copy taken under the manager lock.
type Event struct {
	Type      EventType `json:"type"`
	State     State     `json:"state"`
	Session   *Session  `json:"session,omitempty"`
	Reason    EndReason `json:"reason,omitempty"`
	Remaining int       `json:"remaining,omitempty"` // seconds, ring-tick only
	Transport string    `json:"transport,omitempty"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

const eventBuffer = 16

// eventHub fans Events out to any number of subscribers. Slow consumers
// lose events rather than stalling the dispatch path.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan Event]*sync.Once
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]*sync.Once)}
}

// subscribe returns a receive channel and its cancel func. Cancel is
// idempotent and closes the channel; hub close does the same for every
// remaining subscriber.
func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	once := &sync.Once{}
	h.mu.Lock()
	h.subs[ch] = once
	h.mu.Unlock()

	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *eventHub) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	subs := make(map[chan Event]*sync.Once, len(h.subs))
	for ch, once := range h.subs {
		subs[ch] = once
		delete(h.subs, ch)
	}
	h.mu.Unlock()

	for ch, once := range subs {
		once.Do(func() { close(ch) })
	}
}
