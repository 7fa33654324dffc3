// Package control exposes the local HTTP API the UI shell drives: call
// operations, the counselor directory, call history and a live event stream.
// It binds to loopback only; there is no auth on this surface.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mindhaven/callkit/internal/call"
	"github.com/mindhaven/callkit/internal/history"
	"github.com/mindhaven/callkit/internal/presence"
	"github.com/mindhaven/callkit/internal/signaling"
	"github.com/mindhaven/callkit/internal/util"
)

var log = logging.Logger("control")

const recentEvents = 64

// Options wires the server to the rest of the client.
type Options struct {
	Addr     string
	Self     signaling.UserInfo
	Manager  *call.Manager
	Presence *presence.Directory
	History  *history.Store // optional
	Live     func() bool    // transport mode for /api/status
}

// Server is the loopback control API.
type Server struct {
	opts Options
	srv  *http.Server

	mu     sync.Mutex
	recent *util.RingBuffer[call.Event]

	cancelEvents func()
	wg           sync.WaitGroup
}

// NewServer builds the server and starts collecting session events for the
// /api/events/recent replay buffer.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		recent: util.NewRingBuffer[call.Event](recentEvents),
	}

	mux := http.NewServeMux()
	s.register(mux)
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: util.ShortTimeout,
	}

	events, cancel := opts.Manager.Subscribe()
	s.cancelEvents = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			s.mu.Lock()
			s.recent.Push(ev)
			s.mu.Unlock()
		}
	}()
	return s
}

// Run serves until the listener fails or Shutdown runs.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	log.Infof("control API on http://%s", ln.Addr())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and the event collector.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.cancelEvents()
	s.wg.Wait()
	return err
}

func (s *Server) register(mux *http.ServeMux) {
	// GET /api/status: overall client status.
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		state, session := s.opts.Manager.Status()
		mode := "demo"
		if s.opts.Live != nil && s.opts.Live() {
			mode = "live"
		}
		writeJSON(w, map[string]any{
			"user":    s.opts.Self,
			"mode":    mode,
			"state":   state,
			"session": session,
		})
	})

	// GET /api/call/status: session snapshot for the in-call screen.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		state, session := s.opts.Manager.Status()
		writeJSON(w, map[string]any{"state": state, "session": session})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID   string `json:"user_id"`
		CallType string `json:"call_type"`
	}) {
		if req.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		callType := call.TypeVideo
		switch req.CallType {
		case "", string(call.TypeVideo):
		case string(call.TypeAudio):
			callType = call.TypeAudio
		default:
			http.Error(w, "call_type must be audio or video", http.StatusBadRequest)
			return
		}

		// Freshen the target's status while the call rings; the response
		// lands in the directory asynchronously.
		if err := s.opts.Presence.QueryStatus(req.UserID); err != nil {
			log.Debugf("status query for %s failed: %v", req.UserID, err)
		}

		target := signaling.UserInfo{ID: req.UserID}
		for _, e := range s.opts.Presence.Snapshot() {
			if e.UserID == req.UserID {
				target = signaling.UserInfo{
					ID: e.UserID, Name: e.Name, Role: e.Role, Specialization: e.Specialization,
				}
				break
			}
		}

		session, err := s.opts.Manager.InitiateCall(r.Context(), target, callType)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, call.ErrBusy) {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("start call failed: %v", err), status)
			return
		}
		writeJSON(w, session)
	})

	// POST /api/call/accept
	handlePostAction(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Manager.AcceptCall(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	// POST /api/call/reject
	handlePostAction(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Manager.RejectCall(); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/end: always succeeds, hanging up nothing is fine.
	handlePostAction(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Manager.EndCall(); err != nil {
			http.Error(w, fmt.Sprintf("end failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/audio: toggle microphone.
	handlePostAction(mux, "/api/call/audio", func(w http.ResponseWriter, r *http.Request) {
		enabled, err := s.opts.Manager.ToggleAudio()
		if err != nil {
			http.Error(w, fmt.Sprintf("toggle audio failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"enabled": enabled})
	})

	// POST /api/call/video: toggle camera.
	handlePostAction(mux, "/api/call/video", func(w http.ResponseWriter, r *http.Request) {
		enabled, err := s.opts.Manager.ToggleVideo()
		if err != nil {
			http.Error(w, fmt.Sprintf("toggle video failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"enabled": enabled})
	})

	// POST /api/call/share/start, /api/call/share/stop
	handlePostAction(mux, "/api/call/share/start", func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Manager.StartScreenShare(); err != nil {
			http.Error(w, fmt.Sprintf("share failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "sharing"})
	})
	handlePostAction(mux, "/api/call/share/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Manager.StopScreenShare(); err != nil {
			http.Error(w, fmt.Sprintf("share stop failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "stopped"})
	})

	// GET /api/counselors?cached=1: online counselor directory.
	handleGet(mux, "/api/counselors", func(w http.ResponseWriter, r *http.Request) {
		var entries []presence.Entry
		if r.URL.Query().Get("cached") != "" {
			entries = s.opts.Presence.Snapshot()
		} else {
			entries = s.opts.Presence.Refresh(r.Context())
		}
		writeJSON(w, map[string]any{"counselors": entries})
	})

	// GET /api/history?limit=N
	handleGet(mux, "/api/history", func(w http.ResponseWriter, r *http.Request) {
		if s.opts.History == nil {
			writeJSON(w, map[string]any{"calls": []history.Record{}})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := s.opts.History.Recent(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("history failed: %v", err), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []history.Record{}
		}
		writeJSON(w, map[string]any{"calls": records})
	})

	// GET /api/events/recent?n=N: replay buffer for a UI that reconnects.
	handleGet(mux, "/api/events/recent", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		if n <= 0 {
			n = recentEvents
		}
		s.mu.Lock()
		events := s.recent.Last(n)
		s.mu.Unlock()
		writeJSON(w, map[string]any{"events": events})
	})

	// GET /api/events (Server-Sent Events): tail only, no snapshot.
	handleGet(mux, "/api/events", s.serveEventsSSE)
}

func (s *Server) serveEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.opts.Manager.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev call.Event) {
	b, _ := json.Marshal(ev)
	_, _ = w.Write([]byte("event: " + string(ev.Type) + "\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}

func callErrStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrBadState), errors.Is(err, call.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
