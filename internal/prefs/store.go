// Package prefs persists the few settings that outlive a session: the
// forced-fallback flag set after an unrecoverable native transport error,
// the last language the user listened to, and the publishers seen so far.
package prefs

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var logger = logrus.WithField("component", "prefs")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("prefs: store closed")

const (
	keyForceFallback       = "force_fallback"
	keyForceFallbackReason = "force_fallback_reason"
	keyLanguage            = "language"
)

// Preferences is the value the session is constructed with.
type Preferences struct {
	ForceFallback       bool   `json:"force_fallback"`
	ForceFallbackReason string `json:"force_fallback_reason,omitempty"`
	Language            string `json:"language,omitempty"`
}

// Sighting is the last time a roster publisher's stream was seen.
type Sighting struct {
	UID      uint32    `json:"uid"`
	Language string    `json:"language"`
	HasAudio bool      `json:"has_audio"`
	HasVideo bool      `json:"has_video"`
	LastSeen time.Time `json:"last_seen"`
}

// Store wraps the preferences database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create prefs dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _sightings (
			uid       INTEGER PRIMARY KEY,
			language  TEXT NOT NULL,
			has_audio INTEGER DEFAULT 0,
			has_video INTEGER DEFAULT 0,
			last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sightings table: %w", err)
	}

	logger.WithField("path", path).Debug("preferences opened")
	return &Store{db: db, path: path}, nil
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

func (s *Store) get(key string) (string, bool, error) {
	if s.db == nil {
		return "", false, ErrClosed
	}
	var v string
	err := s.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) set(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Load reads the stored preferences. Missing keys keep their zero value.
func (s *Store) Load() (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Preferences
	v, ok, err := s.get(keyForceFallback)
	if err != nil {
		return Preferences{}, err
	}
	if ok {
		p.ForceFallback, _ = strconv.ParseBool(v)
	}
	if p.ForceFallbackReason, _, err = s.get(keyForceFallbackReason); err != nil {
		return Preferences{}, err
	}
	if p.Language, _, err = s.get(keyLanguage); err != nil {
		return Preferences{}, err
	}
	return p, nil
}

// Save replaces the stored preferences in one transaction.
func (s *Store) Save(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.set(tx, keyForceFallback, strconv.FormatBool(p.ForceFallback)); err != nil {
		return err
	}
	if err := s.set(tx, keyForceFallbackReason, p.ForceFallbackReason); err != nil {
		return err
	}
	if err := s.set(tx, keyLanguage, p.Language); err != nil {
		return err
	}
	return tx.Commit()
}

// Update loads, applies fn and saves.
func (s *Store) Update(fn func(*Preferences)) (Preferences, error) {
	p, err := s.Load()
	if err != nil {
		return Preferences{}, err
	}
	fn(&p)
	return p, s.Save(p)
}

// RecordSighting stores or replaces the last sighting of uid.
func (s *Store) RecordSighting(uid uint32, language string, hasAudio, hasVideo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO _sightings (uid, language, has_audio, has_video, last_seen)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(uid) DO UPDATE SET
			language  = excluded.language,
			has_audio = excluded.has_audio,
			has_video = excluded.has_video,
			last_seen = CURRENT_TIMESTAMP`,
		uid, language, boolInt(hasAudio), boolInt(hasVideo),
	)
	return err
}

// Sightings lists every recorded publisher, most recent first.
func (s *Store) Sightings() ([]Sighting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`
		SELECT uid, language, has_audio, has_video, last_seen
		FROM _sightings ORDER BY last_seen DESC, uid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sighting
	for rows.Next() {
		var sg Sighting
		var audio, video int
		var lastSeen any
		if err := rows.Scan(&sg.UID, &sg.Language, &audio, &video, &lastSeen); err != nil {
			return nil, err
		}
		sg.HasAudio = audio != 0
		sg.HasVideo = video != 0
		sg.LastSeen = parseTime(lastSeen)
		out = append(out, sg)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime accepts what the driver hands back for a DATETIME column.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
