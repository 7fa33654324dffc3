// Package app assembles the callkit client: transport with live→simulated
// fallback, presence directory, call manager, call history and the local
// control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mindhaven/callkit/internal/auth"
	"github.com/mindhaven/callkit/internal/call"
	"github.com/mindhaven/callkit/internal/config"
	"github.com/mindhaven/callkit/internal/control"
	"github.com/mindhaven/callkit/internal/history"
	"github.com/mindhaven/callkit/internal/peer"
	"github.com/mindhaven/callkit/internal/presence"
	"github.com/mindhaven/callkit/internal/signaling"
	"github.com/mindhaven/callkit/internal/util"
)

var log = logging.Logger("app")

// Run starts the client with cfg, rooted at dir for relative paths, and
// blocks until ctx is cancelled.
func Run(ctx context.Context, dir string, cfg config.Config) error {
	self := signaling.UserInfo{
		ID:             cfg.Identity.UserID,
		Name:           cfg.Identity.DisplayName,
		Role:           cfg.Identity.Role,
		Specialization: cfg.Identity.Specialization,
	}

	// Token source; token rotation on disk is picked up without a restart.
	var tokens auth.TokenSource
	if cfg.Identity.TokenFile != "" {
		fts, err := auth.NewFileTokenSource(util.ResolvePath(dir, cfg.Identity.TokenFile))
		if err != nil {
			log.Warnf("token file unavailable, connecting unauthenticated: %v", err)
		} else {
			defer fts.Close()
			tokens = fts
		}
	}

	transport := connectTransport(ctx, cfg, self, tokens)
	defer transport.Close()
	if !transport.Live() {
		log.Warn("running in demo mode, calls are simulated")
	}

	// Presence directory with periodic refresh and stale pruning.
	ttl := time.Duration(cfg.Timers.PresenceTTLSec) * time.Second
	directory := presence.New(transport, ttl)
	defer directory.Close()

	// Call history, local plus optional backend publishing.
	var store *history.Store
	if cfg.History.DBPath != "" {
		var err error
		store, err = history.Open(util.ResolvePath(dir, cfg.History.DBPath))
		if err != nil {
			return fmt.Errorf("open call history: %w", err)
		}
		defer store.Close()
	}
	publisher := history.NewPublisher(cfg.History.PublishURL, tokens)

	peerCfg := peer.Config{
		ICEServers:    cfg.Media.ICEServers,
		VideoDisabled: cfg.Media.VideoDisabled,
		PreferredCam:  cfg.Media.PreferredCam,
		PreferredMic:  cfg.Media.PreferredMic,
	}
	factory := func(callID string, send func(signaling.Signal) error, hooks call.PeerHooks) call.PeerController {
		return peer.New(peerCfg, callID, send, peer.Events{
			LocalMedia:   hooks.LocalMedia,
			RemoteStream: hooks.RemoteStream,
			Connected:    hooks.Connected,
			Failed:       hooks.Failed,
		})
	}

	mgr := call.NewManager(call.Options{
		Self:        self,
		Transport:   transport,
		Peers:       factory,
		RingTimeout: time.Duration(cfg.Timers.RingTimeoutSec) * time.Second,
	})
	defer mgr.Close()

	go recordFinishedCalls(mgr, store, publisher)
	go refreshPresence(ctx, directory, cfg.Timers.PresenceRefreshSec, ttl)

	// Control API for the UI shell.
	errCh := make(chan error, 1)
	if cfg.Control.HTTPAddr != "" {
		srv := control.NewServer(control.Options{
			Addr:     cfg.Control.HTTPAddr,
			Self:     self,
			Manager:  mgr,
			Presence: directory,
			History:  store,
			Live:     transport.Live,
		})
		go func() { errCh <- srv.Run() }()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	log.Infof("callkit ready as %s (%s)", self.ID, self.Role)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// connectTransport tries the live signaling server first and falls back to
// the simulated transport when the server cannot be reached, so the client
// keeps working as a demo.
func connectTransport(ctx context.Context, cfg config.Config, self signaling.UserInfo, tokens auth.TokenSource) signaling.Transport {
	delay := time.Duration(cfg.Signaling.SimulatedDelayMs) * time.Millisecond

	if cfg.Signaling.ForceSimulated || cfg.Signaling.ServerURL == "" {
		sim := signaling.NewSimulatedTransport(self.ID, delay, signaling.DefaultRoster())
		_ = sim.Connect(ctx)
		return sim
	}

	live := signaling.NewLiveTransport(
		cfg.Signaling.ServerURL,
		tokens,
		cfg.Signaling.ReconnectAttempts,
		time.Duration(cfg.Signaling.ReconnectSpacingSec)*time.Second,
	)
	if err := live.Connect(ctx); err != nil {
		if !errors.Is(err, signaling.ErrUnavailable) {
			log.Errorf("signaling connect: %v", err)
		}
		log.Warnf("signaling server unreachable, falling back to simulated transport")
		live.Close()
		sim := signaling.NewSimulatedTransport(self.ID, delay, signaling.DefaultRoster())
		_ = sim.Connect(ctx)
		return sim
	}
	return live
}

// recordFinishedCalls appends every ended session to the local log and
// pushes it to the backend when publishing is configured.
func recordFinishedCalls(mgr *call.Manager, store *history.Store, publisher *history.Publisher) {
	events, cancel := mgr.Subscribe()
	defer cancel()

	for ev := range events {
		if ev.Type != call.EventEnded || ev.Session == nil {
			continue
		}
		s := ev.Session
		rec := history.Record{
			CallID:      s.ID,
			PeerID:      s.Counterpart.ID,
			PeerName:    s.Counterpart.Name,
			CallType:    string(s.Type),
			Role:        string(s.Role),
			EndReason:   string(s.EndReason),
			Demo:        s.Demo,
			StartedAt:   s.CreatedAt,
			ConnectedAt: s.AcceptedAt,
			EndedAt:     s.EndedAt,
			DurationSec: int64(s.Duration() / time.Second),
		}
		if store != nil {
			if err := store.Append(rec); err != nil {
				log.Errorf("CALL [%s]: record: %v", s.ID, err)
			}
		}
		publisher.PublishAsync(rec)
	}
}

// refreshPresence keeps the counselor directory warm and prunes entries
// whose freshness window has passed.
func refreshPresence(ctx context.Context, dir *presence.Directory, everySec int, ttl time.Duration) {
	if everySec <= 0 {
		everySec = 30
	}
	ticker := time.NewTicker(time.Duration(everySec) * time.Second)
	defer ticker.Stop()

	dir.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dir.Refresh(ctx)
			dir.PruneStale(time.Now().Add(-ttl))
		}
	}
}
