package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/babelrtc/internal/capability"
	"github.com/petervdpas/babelrtc/internal/util"
)

type Config struct {
	Auth       Auth               `json:"auth"`
	Roster     []RosterEntry      `json:"roster"`
	Session    Session            `json:"session"`
	Paths      Paths              `json:"paths"`
	Capability *capability.Report `json:"capability,omitempty"`
	ICE        ICE                `json:"ice"`
}

type Auth struct {
	UID       uint32 `json:"uid"`
	Channel   string `json:"channel"`
	AppID     string `json:"app_id"`
	Token     string `json:"token"`
	SignalURL string `json:"signal_url"`
}

// RosterEntry is one expected speaker. UserID publishes Language; when
// InterpreterNeeded is set, InterpreterID publishes it as well.
type RosterEntry struct {
	UserID            uint32 `json:"user_id"`
	EventID           string `json:"event_id"`
	InterpreterID     uint32 `json:"interpreter_id"`
	Language          string `json:"language"`
	InterpreterNeeded bool   `json:"interpreter_needed"`
}

type Session struct {
	UserType                     string `json:"user_type"` // host | audience
	IOSUseFallback               bool   `json:"ios_use_fallback"`
	OnAutoPlayErrorForceFallback bool   `json:"on_autoplay_error_force_fallback"`
	ContainerID                  string `json:"container_id"`

	// Network-quality reports are ignored for this long after start.
	WaitForInitialConnectionMS int `json:"wait_for_initial_connection_ms"`

	// auto picks native unless capabilities or preferences say otherwise.
	Transport string `json:"transport"` // auto | native | relay

	NotifyDebounceMS int `json:"notify_debounce_ms"`
}

type Paths struct {
	AssetPath string `json:"asset_path"`
	WasmPath  string `json:"wasm_path"`
	AsmPath   string `json:"asm_path"`
	PrefsDB   string `json:"prefs_db"`
	// RecordDir, when set, receives one Opus WebM file per played stream.
	RecordDir string `json:"record_dir,omitempty"`
}

type ICE struct {
	Servers []string `json:"servers"`
}

const (
	UserTypeHost     = "host"
	UserTypeAudience = "audience"

	TransportAuto   = "auto"
	TransportNative = "native"
	TransportRelay  = "relay"
)

func Default() Config {
	return Config{
		Session: Session{
			UserType:                   UserTypeAudience,
			ContainerID:                "media",
			WaitForInitialConnectionMS: 8000,
			Transport:                  TransportAuto,
			NotifyDebounceMS:           1500,
		},
		Paths: Paths{
			AssetPath: "assets",
			PrefsDB:   "data/prefs.db",
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	// Auth
	if c.Auth.UID == 0 {
		return errors.New("auth.uid is required")
	}
	if strings.TrimSpace(c.Auth.Channel) == "" {
		return errors.New("auth.channel is required")
	}
	if strings.TrimSpace(c.Auth.AppID) == "" {
		return errors.New("auth.app_id is required")
	}
	if strings.TrimSpace(c.Auth.SignalURL) == "" {
		return errors.New("auth.signal_url is required")
	}
	if err := validateSignalURL(c.Auth.SignalURL); err != nil {
		return fmt.Errorf("auth.signal_url: %w", err)
	}

	// Roster
	if len(c.Roster) == 0 {
		return errors.New("roster must list at least one speaker")
	}
	seen := make(map[uint32]int)
	for i, r := range c.Roster {
		if r.UserID == 0 {
			return fmt.Errorf("roster[%d].user_id is required", i)
		}
		if strings.TrimSpace(r.Language) == "" {
			return fmt.Errorf("roster[%d].language is required", i)
		}
		if r.InterpreterNeeded && r.InterpreterID == 0 {
			return fmt.Errorf("roster[%d].interpreter_id is required when interpreter_needed is set", i)
		}
		for _, uid := range r.publishers() {
			if uid == c.Auth.UID {
				return fmt.Errorf("roster[%d] uses auth.uid %d", i, uid)
			}
			if j, dup := seen[uid]; dup && c.Roster[j].Language != r.Language {
				return fmt.Errorf("roster[%d] assigns uid %d to %q, already %q", i, uid, r.Language, c.Roster[j].Language)
			}
			seen[uid] = i
		}
	}

	// Session
	switch c.Session.UserType {
	case UserTypeHost, UserTypeAudience:
	case "":
		return errors.New("session.user_type is required")
	default:
		return errors.New("session.user_type must be host or audience")
	}
	switch c.Session.Transport {
	case TransportAuto, TransportNative, TransportRelay:
	default:
		return errors.New("session.transport must be auto, native or relay")
	}
	if strings.TrimSpace(c.Session.ContainerID) == "" {
		return errors.New("session.container_id is required")
	}
	if c.Session.WaitForInitialConnectionMS < 0 {
		return errors.New("session.wait_for_initial_connection_ms must be >= 0")
	}
	if c.Session.NotifyDebounceMS < 0 {
		return errors.New("session.notify_debounce_ms must be >= 0")
	}

	// Paths
	if strings.TrimSpace(c.Paths.PrefsDB) == "" {
		return errors.New("paths.prefs_db is required")
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers[%d] must be a stun: or turn: url", i)
		}
	}

	return nil
}

func validateSignalURL(raw string) error {
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

func (r RosterEntry) publishers() []uint32 {
	if r.InterpreterNeeded && r.InterpreterID != 0 {
		return []uint32{r.UserID, r.InterpreterID}
	}
	return []uint32{r.UserID}
}

// Languages returns the roster languages in first-seen order.
func (c *Config) Languages() []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range c.Roster {
		if !seen[r.Language] {
			seen[r.Language] = true
			out = append(out, r.Language)
		}
	}
	return out
}

// Members maps every publishing uid to its language.
func (c *Config) Members() map[uint32]string {
	m := make(map[uint32]string)
	for _, r := range c.Roster {
		for _, uid := range r.publishers() {
			m[uid] = r.Language
		}
	}
	return m
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

// LoadPartial reads a config file without validation. Useful for reading
// individual fields when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
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

// Ensure loads config if it exists; otherwise writes a template with
// defaults and returns createdNew=true. The template does not validate:
// auth and roster have to be filled in before the next run.
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
