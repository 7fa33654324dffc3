// Package presence tracks which counselors are online and whether they can
// take a call right now. The directory is a cache fed by push updates and by
// explicit refresh requests; staleness always degrades toward "unknown",
// never toward "available".
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mindhaven/callkit/internal/signaling"
	"github.com/mindhaven/callkit/internal/util"
)

var log = logging.Logger("presence")

// Entry is one known counselor. Keyed by UserID, last write wins.
type Entry struct {
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Specialization string    `json:"specialization,omitempty"`
	CallStatus     string    `json:"call_status"`
	ConnectedAt    time.Time `json:"connected_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Event is delivered to directory subscribers.
type Event struct {
	Type    string  `json:"type"` // "update" | "remove" | "snapshot"
	UserID  string  `json:"user_id,omitempty"`
	Entry   *Entry  `json:"entry,omitempty"`
	Entries []Entry `json:"entries,omitempty"`
}

// Directory is the live counselor table.
type Directory struct {
	transport signaling.Transport
	ttl       time.Duration

	mu        sync.Mutex
	entries   map[string]Entry
	waiters   []chan struct{} // pending Refresh calls
	listeners []chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a directory fed by push updates from transport. ttl is the
// freshness window: entries untouched for longer are treated as unknown.
func New(transport signaling.Transport, ttl time.Duration) *Directory {
	d := &Directory{
		transport: transport,
		ttl:       ttl,
		entries:   make(map[string]Entry),
		done:      make(chan struct{}),
	}
	go d.dispatchLoop()
	return d
}

// Refresh asks the server for the current counselor list and waits (bounded)
// for the response. On transport failure or timeout it returns the last known
// cached list rather than an error, so the caller always gets a usable answer.
func (d *Directory) Refresh(ctx context.Context) []Entry {
	wait := make(chan struct{})
	d.mu.Lock()
	d.waiters = append(d.waiters, wait)
	d.mu.Unlock()

	if err := d.transport.Send(signaling.MsgGetOnlineCounselors, struct{}{}); err != nil {
		log.Warnf("refresh request failed, serving cache: %v", err)
		d.dropWaiter(wait)
		return d.Snapshot()
	}

	select {
	case <-wait:
	case <-ctx.Done():
		d.dropWaiter(wait)
	case <-time.After(util.DefaultFetchTimeout):
		log.Warnf("refresh timed out, serving cache")
		d.dropWaiter(wait)
	case <-d.done:
		d.dropWaiter(wait)
	}
	return d.Snapshot()
}

func (d *Directory) dropWaiter(wait chan struct{}) {
	d.mu.Lock()
	for i, w := range d.waiters {
		if w == wait {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
}

// QueryStatus asks the server for one user's current status. The response
// arrives as a user-status-response push and updates the cache; callers read
// it back through StatusOf or Available.
func (d *Directory) QueryStatus(userID string) error {
	return d.transport.Send(signaling.MsgGetUserStatus, signaling.GetUserStatusPayload{UserID: userID})
}

// StatusOf returns the cached status for userID, if known.
func (d *Directory) StatusOf(userID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[userID]
	if !ok {
		return "", false
	}
	return e.CallStatus, true
}

// Available reports whether userID can take a call right now: status must be
// "available" AND the entry must be fresher than the TTL. A stale entry is
// unknown, never available.
func (d *Directory) Available(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[userID]
	if !ok {
		return false
	}
	if time.Since(e.UpdatedAt) > d.ttl {
		return false
	}
	return e.CallStatus == signaling.StatusAvailable
}

// Snapshot returns all known entries sorted by name.
func (d *Directory) Snapshot() []Entry {
	d.mu.Lock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PruneStale removes entries untouched since cutoff.
func (d *Directory) PruneStale(cutoff time.Time) {
	d.mu.Lock()
	var removed []string
	for id, e := range d.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(d.entries, id)
			removed = append(removed, id)
		}
	}
	d.mu.Unlock()

	for _, id := range removed {
		d.notify(Event{Type: "remove", UserID: id})
	}
}

func (d *Directory) Subscribe() chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan Event, 16)
	d.listeners = append(d.listeners, ch)
	return ch
}

func (d *Directory) Unsubscribe(ch chan Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, listener := range d.listeners {
		if listener == ch {
			close(listener)
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Directory) notify(evt Event) {
	d.mu.Lock()
	listeners := make([]chan Event, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// dispatchLoop consumes presence-related envelopes from the transport.
func (d *Directory) dispatchLoop() {
	ch, cancel := d.transport.Subscribe()
	defer cancel()

	for {
		select {
		case <-d.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			d.dispatch(env)
		}
	}
}

func (d *Directory) dispatch(env *signaling.Envelope) {
	switch env.Type {
	case signaling.MsgOnlineCounselorsList:
		var p signaling.OnlineCounselorsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Warnf("bad counselor list: %v", err)
			return
		}
		d.applyList(p.Counselors)

	case signaling.MsgUserStatusResponse:
		var p signaling.UserStatusResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		d.applyStatus(p.UserID, p.CallStatus)

	case signaling.MsgCallStatusChanged:
		var p signaling.CallStatusChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		d.applyStatus(p.UserID, p.CallStatus)
	}
}

// applyList replaces the known-online set: the server's list is authoritative
// for who is connected, so entries missing from it are dropped.
func (d *Directory) applyList(list []signaling.CounselorEntry) {
	now := time.Now()
	d.mu.Lock()
	seen := make(map[string]struct{}, len(list))
	var updated []Entry
	for _, c := range list {
		seen[c.UserID] = struct{}{}
		e := Entry{
			UserID:         c.UserID,
			Name:           c.Name,
			Role:           c.Role,
			Specialization: c.Specialization,
			CallStatus:     c.CallStatus,
			ConnectedAt:    time.UnixMilli(c.ConnectedAt),
			UpdatedAt:      now,
		}
		d.entries[c.UserID] = e
		updated = append(updated, e)
	}
	var removed []string
	for id := range d.entries {
		if _, ok := seen[id]; !ok {
			delete(d.entries, id)
			removed = append(removed, id)
		}
	}
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, id := range removed {
		d.notify(Event{Type: "remove", UserID: id})
	}
	d.notify(Event{Type: "snapshot", Entries: d.Snapshot()})
	log.Debugf("directory refreshed: %d online, %d dropped", len(updated), len(removed))
}

func (d *Directory) applyStatus(userID, status string) {
	now := time.Now()
	d.mu.Lock()
	e, ok := d.entries[userID]
	if !ok {
		// Status push for someone we have not listed yet: record what we
		// know so a later refresh can fill in the rest.
		e = Entry{UserID: userID, Role: "counselor", ConnectedAt: now}
	}
	e.CallStatus = status
	e.UpdatedAt = now
	d.entries[userID] = e
	d.mu.Unlock()

	d.notify(Event{Type: "update", UserID: userID, Entry: &e})
}

func (d *Directory) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.mu.Lock()
		for _, ch := range d.listeners {
			close(ch)
		}
		d.listeners = nil
		d.mu.Unlock()
	})
}
