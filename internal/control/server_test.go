package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindhaven/callkit/internal/call"
	"github.com/mindhaven/callkit/internal/presence"
	"github.com/mindhaven/callkit/internal/signaling"
)

type nopPeer struct {
	mu   sync.Mutex
	torn bool
}

func (p *nopPeer) Acquire(context.Context, bool) error        { return nil }
func (p *nopPeer) StartNegotiation(bool) error                { return nil }
func (p *nopPeer) HandleSignal(signaling.Signal)              {}
func (p *nopPeer) ToggleAudio() bool                          { return false }
func (p *nopPeer) ToggleVideo() bool                          { return false }
func (p *nopPeer) StartScreenShare() error                    { return nil }
func (p *nopPeer) StopScreenShare() error                     { return nil }
func (p *nopPeer) Teardown()                                  { p.mu.Lock(); p.torn = true; p.mu.Unlock() }

type fixture struct {
	ts    *httptest.Server
	mgr   *call.Manager
	hooks call.PeerHooks
	mu    sync.Mutex
}

// newFixture stands the control API up over a simulated transport, so the
// whole demo flow is exercised end to end through HTTP.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	self := signaling.UserInfo{ID: "student-1", Name: "Alex", Role: "student"}

	transport := signaling.NewSimulatedTransport(self.ID, 20*time.Millisecond, signaling.DefaultRoster())
	require.NoError(t, transport.Connect(context.Background()))

	dir := presence.New(transport, time.Minute)

	f := &fixture{}
	factory := func(callID string, send func(signaling.Signal) error, hooks call.PeerHooks) call.PeerController {
		f.mu.Lock()
		f.hooks = hooks
		f.mu.Unlock()
		return &nopPeer{}
	}
	f.mgr = call.NewManager(call.Options{
		Self:      self,
		Transport: transport,
		Peers:     factory,
	})

	srv := NewServer(Options{
		Addr:     "127.0.0.1:0",
		Self:     self,
		Manager:  f.mgr,
		Presence: dir,
		Live:     transport.Live,
	})
	f.ts = httptest.NewServer(srv.srv.Handler)

	t.Cleanup(func() {
		f.ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		f.mgr.Close()
		dir.Close()
		transport.Close()
	})
	return f
}

func (f *fixture) get(t *testing.T, path string) map[string]json.RawMessage {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) waitState(t *testing.T, want call.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if st, _ := f.mgr.Status(); st == want {
			return
		}
		select {
		case <-deadline:
			st, _ := f.mgr.Status()
			t.Fatalf("state = %s, want %s", st, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	out := f.get(t, "/api/status")
	assert.JSONEq(t, `"demo"`, string(out["mode"]))
	assert.JSONEq(t, `"idle"`, string(out["state"]))
}

func TestCounselorsEndpoint(t *testing.T) {
	f := newFixture(t)

	out := f.get(t, "/api/counselors")
	var counselors []presence.Entry
	require.NoError(t, json.Unmarshal(out["counselors"], &counselors))
	require.NotEmpty(t, counselors)

	ids := make([]string, 0, len(counselors))
	for _, c := range counselors {
		ids = append(ids, c.UserID)
	}
	assert.Contains(t, ids, "demo-counselor-1")
}

func TestDemoCallFlowOverHTTP(t *testing.T) {
	f := newFixture(t)

	// Dial a demo counselor; the simulated server calls back.
	resp := f.post(t, "/api/call/start", map[string]string{
		"user_id": "demo-counselor-1", "call_type": "audio",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session call.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.True(t, session.Demo)

	f.waitState(t, call.StateRinging)

	// A second start while ringing conflicts.
	resp = f.post(t, "/api/call/start", map[string]string{"user_id": "demo-counselor-2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Equal(t, http.StatusOK, f.post(t, "/api/call/accept", nil).StatusCode)

	// The simulated server joins the counselor to the room and the session
	// comes up connected on its own, exactly as over live signaling.
	f.waitState(t, call.StateConnected)

	out := f.get(t, "/api/call/status")
	assert.JSONEq(t, `"connected"`, string(out["state"]))

	require.Equal(t, http.StatusOK, f.post(t, "/api/call/end", nil).StatusCode)
	f.waitState(t, call.StateIdle)
}

func TestAcceptWithoutCall(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/call/accept", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEndWithoutCallSucceeds(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/call/end", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestToggleWithoutCall(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/call/audio", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryWithoutStore(t *testing.T) {
	f := newFixture(t)
	out := f.get(t, "/api/history")
	assert.JSONEq(t, `[]`, string(out["calls"]))
}

func TestRecentEventsBuffer(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/api/call/start", map[string]string{"user_id": "demo-counselor-1", "call_type": "audio"})
	f.waitState(t, call.StateRinging)
	f.post(t, "/api/call/end", nil)
	f.waitState(t, call.StateIdle)

	deadline := time.After(2 * time.Second)
	for {
		out := f.get(t, "/api/events/recent")
		var events []call.Event
		require.NoError(t, json.Unmarshal(out["events"], &events))
		if len(events) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("no events buffered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestBadCallType(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/call/start", map[string]string{
		"user_id": "demo-counselor-1", "call_type": "hologram",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/api/call/end")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
