package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mindhaven/callkit/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Media     Media     `json:"media"`
	Timers    Timers    `json:"timers"`
	Control   Control   `json:"control"`
	History   History   `json:"history"`
}

type Identity struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	Role           string `json:"role"` // "student" or "counselor"
	Specialization string `json:"specialization"`

	// Path to the bearer token file issued by the platform backend.
	// Relative to the client directory. Re-read when it changes on disk.
	TokenFile string `json:"token_file"`
}

type Signaling struct {
	// WebSocket URL of the signaling server, e.g. "wss://signal.example.org/ws".
	ServerURL string `json:"server_url"`

	// Reconnect policy after the connection drops. Attempts are evenly spaced;
	// once exhausted the client switches to simulated mode for this run.
	ReconnectAttempts   int `json:"reconnect_attempts"`
	ReconnectSpacingSec int `json:"reconnect_spacing_sec"`

	// Delay applied to events synthesized by the simulated transport.
	SimulatedDelayMs int `json:"simulated_delay_ms"`

	// When true, never attempt a live connection (demo installations).
	ForceSimulated bool `json:"force_simulated"`
}

type Media struct {
	PreferredCam  string   `json:"preferred_cam"`
	PreferredMic  string   `json:"preferred_mic"`
	VideoDisabled bool     `json:"video_disabled"` // disable camera capture entirely
	ICEServers    []string `json:"ice_servers"`
}

type Timers struct {
	// How long an unanswered incoming call rings before it is auto-rejected.
	RingTimeoutSec int `json:"ring_timeout_sec"`

	// Presence entries untouched for longer than this are treated as
	// unknown, never as available.
	PresenceTTLSec int `json:"presence_ttl_seconds"`

	// Interval of the automatic counselor directory refresh.
	PresenceRefreshSec int `json:"presence_refresh_seconds"`
}

type Control struct {
	// Listen address for the local control API consumed by the UI shell,
	// e.g. "127.0.0.1:7410". Empty disables the control server.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type History struct {
	// SQLite database path for the local call log. Relative to the client
	// directory. Empty disables local history.
	DBPath string `json:"db_path"`

	// Platform REST endpoint that receives completed call metadata.
	// Empty disables publishing.
	PublishURL string `json:"publish_url"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Role:      "student",
			TokenFile: "data/token",
		},
		Signaling: Signaling{
			ReconnectAttempts:   5,
			ReconnectSpacingSec: 1,
			SimulatedDelayMs:    1500,
		},
		Media: Media{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Timers: Timers{
			RingTimeoutSec:     30,
			PresenceTTLSec:     60,
			PresenceRefreshSec: 30,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:7410",
		},
		History: History{
			DBPath: "data/calls.db",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if r := c.Identity.Role; r != "student" && r != "counselor" {
		return errors.New(`identity.role must be "student" or "counselor"`)
	}
	if strings.TrimSpace(c.Identity.TokenFile) == "" {
		return errors.New("identity.token_file is required")
	}

	// Signaling
	if !c.Signaling.ForceSimulated {
		if strings.TrimSpace(c.Signaling.ServerURL) == "" {
			return errors.New("signaling.server_url is required unless force_simulated is set")
		}
		if err := validateWSURL(c.Signaling.ServerURL); err != nil {
			return fmt.Errorf("signaling.server_url: %w", err)
		}
	}
	if c.Signaling.ReconnectAttempts < 0 {
		return errors.New("signaling.reconnect_attempts must be >= 0")
	}
	if c.Signaling.ReconnectSpacingSec <= 0 {
		return errors.New("signaling.reconnect_spacing_sec must be > 0")
	}
	if c.Signaling.SimulatedDelayMs < 0 {
		return errors.New("signaling.simulated_delay_ms must be >= 0")
	}

	// Media
	for _, s := range c.Media.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("media.ice_servers: %q must start with stun: or turn:", s)
		}
	}

	// Timers
	if c.Timers.RingTimeoutSec <= 0 {
		return errors.New("timers.ring_timeout_sec must be > 0")
	}
	if c.Timers.PresenceTTLSec <= 0 {
		return errors.New("timers.presence_ttl_seconds must be > 0")
	}
	if c.Timers.PresenceRefreshSec <= 0 {
		return errors.New("timers.presence_refresh_seconds must be > 0")
	}
	if c.Timers.PresenceRefreshSec > c.Timers.PresenceTTLSec {
		return errors.New("timers.presence_refresh_seconds must be <= timers.presence_ttl_seconds")
	}

	// History
	if c.History.PublishURL != "" {
		u, err := url.Parse(c.History.PublishURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("history.publish_url must be a valid http(s) URL")
		}
	}

	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default skeleton file.
// Returns (cfg, createdNew, err). The skeleton fails validation until
// identity.user_id is filled in, so Ensure writes it without validating.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
