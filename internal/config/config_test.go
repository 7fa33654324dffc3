package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "student-1"
	cfg.Identity.DisplayName = "Alex"
	cfg.Signaling.ServerURL = "wss://signal.example.org/ws"
	return cfg
}

func TestDefaultTimers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30, cfg.Timers.RingTimeoutSec)
	assert.Equal(t, 5, cfg.Signaling.ReconnectAttempts)
	assert.Equal(t, 1, cfg.Signaling.ReconnectSpacingSec)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing user id", func(c *Config) { c.Identity.UserID = " " }, "user_id"},
		{"bad role", func(c *Config) { c.Identity.Role = "therapist" }, "role"},
		{"missing token file", func(c *Config) { c.Identity.TokenFile = "" }, "token_file"},
		{"missing server url", func(c *Config) { c.Signaling.ServerURL = "" }, "server_url"},
		{"http server url", func(c *Config) { c.Signaling.ServerURL = "https://x.org/ws" }, "ws or wss"},
		{"forced simulated needs no url", func(c *Config) {
			c.Signaling.ServerURL = ""
			c.Signaling.ForceSimulated = true
		}, ""},
		{"zero ring timeout", func(c *Config) { c.Timers.RingTimeoutSec = 0 }, "ring_timeout"},
		{"refresh beyond ttl", func(c *Config) {
			c.Timers.PresenceRefreshSec = 120
			c.Timers.PresenceTTLSec = 60
		}, "presence_refresh"},
		{"bad ice server", func(c *Config) { c.Media.ICEServers = []string{"ftp://x"} }, "ice_servers"},
		{"bad publish url", func(c *Config) { c.History.PublishURL = "not a url" }, "publish_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callkit.json")
	cfg := validConfig()
	cfg.Timers.RingTimeoutSec = 45

	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callkit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"identity": {"user_id": "s1", "role": "student", "token_file": "data/token"},
		"signaling": {"server_url": "wss://signal.example.org/ws"}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Timers.RingTimeoutSec, "defaults fill unspecified fields")
	assert.Equal(t, 5, cfg.Signaling.ReconnectAttempts)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callkit.json")
	body := []byte("{\"identity\": {\"user_id\": \"s1\", \"role\": \"student\", \"token_file\": \"t\"}," +
		"\"signaling\": {\"server_url\": \"wss://x.org/ws\"}}")
	require.NoError(t, os.WriteFile(path, append([]byte{0xEF, 0xBB, 0xBF}, body...), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s1", cfg.Identity.UserID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callkit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity": {"user_id": ""}}`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnsureCreatesSkeleton(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callkit.json")

	_, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)

	// Second run loads the (still incomplete) skeleton and fails validation.
	_, created, err = Ensure(path)
	assert.False(t, created)
	require.Error(t, err, "skeleton lacks identity.user_id")
}
