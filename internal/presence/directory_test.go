package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindhaven/callkit/internal/signaling"
)

// chanTransport lets tests inject server traffic and observe requests.
type chanTransport struct {
	mu       sync.Mutex
	requests []string
	env      chan *signaling.Envelope
	sendErr  error
}

func newChanTransport() *chanTransport {
	return &chanTransport{env: make(chan *signaling.Envelope, 16)}
}

func (c *chanTransport) Connect(context.Context) error { return nil }
func (c *chanTransport) Live() bool                    { return true }
func (c *chanTransport) Close() error                  { return nil }

func (c *chanTransport) Send(msgType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.requests = append(c.requests, msgType)
	return nil
}

func (c *chanTransport) Subscribe() (chan *signaling.Envelope, func()) {
	return c.env, func() {}
}

func (c *chanTransport) States() (chan signaling.ConnState, func()) {
	return make(chan signaling.ConnState), func() {}
}

func (c *chanTransport) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	env, err := signaling.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	c.env <- env
}

func entry(id, status string) signaling.CounselorEntry {
	return signaling.CounselorEntry{
		UserID: id, Name: "Dr. " + id, Role: "counselor",
		CallStatus: status, ConnectedAt: time.Now().UnixMilli(),
	}
}

func newDir(t *testing.T, ttl time.Duration) (*Directory, *chanTransport) {
	t.Helper()
	tr := newChanTransport()
	d := New(tr, ttl)
	t.Cleanup(d.Close)
	return d, tr
}

func TestRefreshReturnsServerList(t *testing.T) {
	d, tr := newDir(t, time.Minute)

	go func() {
		// Answer the first get-online-counselors.
		deadline := time.After(2 * time.Second)
		for {
			tr.mu.Lock()
			n := len(tr.requests)
			tr.mu.Unlock()
			if n > 0 {
				break
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
		tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{
			Counselors: []signaling.CounselorEntry{
				entry("c1", signaling.StatusAvailable),
				entry("c2", signaling.StatusBusy),
			},
		})
	}()

	got := d.Refresh(context.Background())
	require.Len(t, got, 2)

	status, ok := d.StatusOf("c2")
	require.True(t, ok)
	assert.Equal(t, signaling.StatusBusy, status)
}

func TestRefreshServesCacheOnSendFailure(t *testing.T) {
	d, tr := newDir(t, time.Minute)

	tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{
		Counselors: []signaling.CounselorEntry{entry("c1", signaling.StatusAvailable)},
	})
	waitLen(t, d, 1)

	tr.mu.Lock()
	tr.sendErr = signaling.ErrNotConnected
	tr.mu.Unlock()

	got := d.Refresh(context.Background())
	require.Len(t, got, 1, "cached entries survive a failed refresh")
	assert.Equal(t, "c1", got[0].UserID)
}

func TestRefreshHonorsContext(t *testing.T) {
	d, _ := newDir(t, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	got := d.Refresh(ctx) // nobody will answer
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestListIsAuthoritative(t *testing.T) {
	d, tr := newDir(t, time.Minute)

	tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{
		Counselors: []signaling.CounselorEntry{
			entry("c1", signaling.StatusAvailable),
			entry("c2", signaling.StatusAvailable),
		},
	})
	waitLen(t, d, 2)

	// c2 disappears from the next list: it went offline.
	tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{
		Counselors: []signaling.CounselorEntry{entry("c1", signaling.StatusAvailable)},
	})
	waitLen(t, d, 1)

	_, ok := d.StatusOf("c2")
	assert.False(t, ok)
}

func TestStatusPushUpdates(t *testing.T) {
	d, tr := newDir(t, time.Minute)

	tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{
		Counselors: []signaling.CounselorEntry{entry("c1", signaling.StatusAvailable)},
	})
	waitLen(t, d, 1)
	require.True(t, d.Available("c1"))

	tr.push(t, signaling.MsgCallStatusChanged, signaling.CallStatusChangedPayload{
		UserID: "c1", CallStatus: signaling.StatusInCall,
	})

	deadline := time.After(2 * time.Second)
	for d.Available("c1") {
		select {
		case <-deadline:
			t.Fatal("status change never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
	status, _ := d.StatusOf("c1")
	assert.Equal(t, signaling.StatusInCall, status)
}

func TestQueryStatus(t *testing.T) {
	d, tr := newDir(t, time.Minute)

	require.NoError(t, d.QueryStatus("c7"))
	tr.mu.Lock()
	requests := append([]string(nil), tr.requests...)
	tr.mu.Unlock()
	assert.Equal(t, []string{signaling.MsgGetUserStatus}, requests)

	tr.push(t, signaling.MsgUserStatusResponse, signaling.UserStatusResponsePayload{
		UserID: "c7", CallStatus: signaling.StatusAway,
	})
	waitLen(t, d, 1)
	status, ok := d.StatusOf("c7")
	require.True(t, ok)
	assert.Equal(t, signaling.StatusAway, status)
}

func TestStaleEntryIsNeverAvailable(t *testing.T) {
	d, tr := newDir(t, 50*time.Millisecond)

	tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{
		Counselors: []signaling.CounselorEntry{entry("c1", signaling.StatusAvailable)},
	})
	waitLen(t, d, 1)
	require.True(t, d.Available("c1"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, d.Available("c1"), "stale means unknown, not available")

	// Still listed until pruned.
	_, ok := d.StatusOf("c1")
	assert.True(t, ok)

	d.PruneStale(time.Now())
	_, ok = d.StatusOf("c1")
	assert.False(t, ok)
}

func TestUnknownUserUnavailable(t *testing.T) {
	d, _ := newDir(t, time.Minute)
	assert.False(t, d.Available("ghost"))
	_, ok := d.StatusOf("ghost")
	assert.False(t, ok)
}

func TestSubscribeSeesRemovals(t *testing.T) {
	d, tr := newDir(t, time.Minute)
	events := d.Subscribe()
	defer d.Unsubscribe(events)

	tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{
		Counselors: []signaling.CounselorEntry{entry("c1", signaling.StatusAvailable)},
	})
	waitLen(t, d, 1)

	tr.push(t, signaling.MsgOnlineCounselorsList, signaling.OnlineCounselorsPayload{})
	waitLen(t, d, 0)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == "remove" && ev.UserID == "c1" {
				return
			}
		case <-deadline:
			t.Fatal("no remove event")
		}
	}
}

func waitLen(t *testing.T, d *Directory, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(d.Snapshot()) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("directory has %d entries, want %d", len(d.Snapshot()), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
