package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valid() Config {
	cfg := Default()
	cfg.Auth = Auth{UID: 1, Channel: "event-7", AppID: "app", Token: "t", SignalURL: "ws://localhost:7880/signal"}
	cfg.Roster = []RosterEntry{
		{UserID: 10, EventID: "e7", Language: "en"},
		{UserID: 20, EventID: "e7", Language: "fr", InterpreterNeeded: true, InterpreterID: 21},
	}
	return cfg
}

func TestDefaultNeedsAuthAndRoster(t *testing.T) {
	cfg := Default()
	assert.EqualError(t, cfg.Validate(), "auth.uid is required")
	assert.Equal(t, 8000, cfg.Session.WaitForInitialConnectionMS)
	assert.Equal(t, TransportAuto, cfg.Session.Transport)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"channel", func(c *Config) { c.Auth.Channel = " " }, "auth.channel is required"},
		{"signal scheme", func(c *Config) { c.Auth.SignalURL = "http://x" }, "auth.signal_url: scheme must be ws or wss"},
		{"empty roster", func(c *Config) { c.Roster = nil }, "roster must list at least one speaker"},
		{"language", func(c *Config) { c.Roster[0].Language = "" }, "roster[0].language is required"},
		{"interpreter", func(c *Config) { c.Roster[1].InterpreterID = 0 }, "roster[1].interpreter_id is required when interpreter_needed is set"},
		{"self", func(c *Config) { c.Roster[0].UserID = 1 }, "roster[0] uses auth.uid 1"},
		{"conflict", func(c *Config) { c.Roster[1].InterpreterID = 10 }, `roster[1] assigns uid 10 to "fr", already "en"`},
		{"user type", func(c *Config) { c.Session.UserType = "guest" }, "session.user_type must be host or audience"},
		{"transport", func(c *Config) { c.Session.Transport = "quic" }, "session.transport must be auto, native or relay"},
		{"wait", func(c *Config) { c.Session.WaitForInitialConnectionMS = -1 }, "session.wait_for_initial_connection_ms must be >= 0"},
		{"ice", func(c *Config) { c.ICE.Servers = []string{"http://x"} }, "ice.servers[0] must be a stun: or turn: url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestRosterViews(t *testing.T) {
	cfg := valid()
	cfg.Roster = append(cfg.Roster, RosterEntry{UserID: 11, Language: "en"})

	assert.Equal(t, []string{"en", "fr"}, cfg.Languages())
	assert.Equal(t, map[uint32]string{10: "en", 11: "en", 20: "fr", 21: "fr"}, cfg.Members())
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "babelrtc.json")
	body := `{"auth":{"uid":1,"channel":"c","app_id":"a","signal_url":"wss://sfu.example.org"},` +
		`"roster":[{"user_id":5,"language":"de"}]}`
	require.NoError(t, os.WriteFile(path, append([]byte{0xEF, 0xBB, 0xBF}, body...), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "media", cfg.Session.ContainerID)
	assert.Equal(t, "de", cfg.Roster[0].Language)
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "babelrtc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"session":{"transport":"relay"}}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, TransportRelay, cfg.Session.Transport)
}

func TestEnsureCreatesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "babelrtc.json")

	_, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	_, created, err = Ensure(path)
	assert.False(t, created)
	assert.Error(t, err, "template has no auth yet")

	require.NoError(t, Save(path, valid()))
	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, uint32(1), cfg.Auth.UID)
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "babelrtc.json")
	assert.Error(t, Save(path, Default()))
	assert.NoFileExists(t, path)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "babelrtc.json")
	require.NoError(t, Save(path, valid()))

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	next := valid()
	next.Auth.Channel = "event-8"
	require.NoError(t, Save(path, next))

	select {
	case cfg := <-got:
		assert.Equal(t, "event-8", cfg.Auth.Channel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	assert.NoError(t, w.Close())
}
