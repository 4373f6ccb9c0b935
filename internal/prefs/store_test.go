package prefs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmpty(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	p, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, Preferences{}, p)
}

func TestSaveSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "prefs.db")

	s, err := Open(path)
	require.NoError(t, err)
	want := Preferences{ForceFallback: true, ForceFallbackReason: "init: peer connection", Language: "fr"}
	require.NoError(t, s.Save(want))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, path, s.Path())
}

func TestUpdate(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(Preferences{Language: "en"}))
	p, err := s.Update(func(p *Preferences) { p.ForceFallback = true })
	require.NoError(t, err)
	assert.Equal(t, Preferences{ForceFallback: true, Language: "en"}, p)

	stored, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, p, stored)
}

func TestSightings(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RecordSighting(20, "fr", true, false))
	require.NoError(t, s.RecordSighting(20, "fr", true, true))
	require.NoError(t, s.RecordSighting(10, "en", true, false))

	got, err := s.Sightings()
	require.NoError(t, err)
	require.Len(t, got, 2)
	byUID := map[uint32]Sighting{}
	for _, sg := range got {
		byUID[sg.UID] = sg
	}
	assert.True(t, byUID[20].HasVideo)
	assert.Equal(t, "en", byUID[10].Language)
	assert.False(t, byUID[10].LastSeen.IsZero())
}

func TestClosed(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Save(Preferences{}), ErrClosed)
	assert.ErrorIs(t, s.RecordSighting(1, "en", true, true), ErrClosed)
}
