package consumer

import (
	"sort"
	"strconv"

	"github.com/petervdpas/babelrtc/internal/transport"
)

// DomID derives the placeholder id of a remote uid.
func DomID(uid uint32) string {
	return "stream-" + strconv.FormatUint(uint64(uid), 10)
}

// Publisher is one remote stream tracked by the session.
type Publisher struct {
	UID      uint32
	DomID    string
	Language string // fixed for the lifetime of the entry

	Stream   transport.Stream
	HasAudio bool
	HasVideo bool

	// Subscribed is set optimistically when subscribe is issued and cleared
	// on failure or unsubscribe. Confirmed is set by stream-subscribed.
	Subscribed     bool
	Confirmed      bool
	SubscribeError bool

	// gen increases on every subscribe or unsubscribe issued for this
	// publisher. Transport callbacks carry the gen they were issued under
	// and are ignored once it is stale.
	gen    uint64
	wanted bool
	filter *transport.MediaFilter
}

// LanguageState is the application's intent for one language.
type LanguageState struct {
	Subscribe        bool `json:"subscribe"`
	AutoPlay         bool `json:"autoPlay"`
	PlayAudio        bool `json:"playAudio"`
	PlayVideo        bool `json:"playVideo"`
	SubscribeToAudio bool `json:"subscribeToAudio"`
	SubscribeToVideo bool `json:"subscribeToVideo"`
}

// Intent is the argument of SubscribeToLanguage.
type Intent struct {
	AutoPlay         bool
	PlayAudio        bool
	PlayVideo        bool
	SubscribeToAudio bool
	SubscribeToVideo bool
}

// Tracks selects audio and/or video. A nil field means "leave unchanged".
type Tracks struct {
	Audio *bool
	Video *bool
}

// Bool returns a pointer to v, for Tracks literals.
func Bool(v bool) *bool { return &v }

func (t Tracks) audio() bool { return t.Audio != nil && *t.Audio }
func (t Tracks) video() bool { return t.Video != nil && *t.Video }

// Roster maps remote uids to languages. It is fixed at session start.
type Roster struct {
	byUID     map[uint32]string
	languages []string
	known     map[string]bool
}

// NewRoster builds a roster from the configured languages and the uid to
// language assignments. Languages only referenced by members are added.
func NewRoster(languages []string, members map[uint32]string) *Roster {
	r := &Roster{
		byUID: make(map[uint32]string, len(members)),
		known: make(map[string]bool),
	}
	add := func(lang string) {
		if lang != "" && !r.known[lang] {
			r.known[lang] = true
			r.languages = append(r.languages, lang)
		}
	}
	for _, l := range languages {
		add(l)
	}
	uids := make([]uint32, 0, len(members))
	for uid := range members {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for _, uid := range uids {
		lang := members[uid]
		if lang == "" {
			continue
		}
		r.byUID[uid] = lang
		add(lang)
	}
	return r
}

// Language resolves uid.
func (r *Roster) Language(uid uint32) (string, bool) {
	l, ok := r.byUID[uid]
	return l, ok
}

// Known reports whether lang is a configured language.
func (r *Roster) Known(lang string) bool { return r.known[lang] }

// Languages returns the languages in configuration order.
func (r *Roster) Languages() []string {
	return append([]string(nil), r.languages...)
}

// PublisherStatus is the exported view of a Publisher.
type PublisherStatus struct {
	UID            uint32 `json:"uid"`
	DomID          string `json:"domId"`
	Language       string `json:"language"`
	HasAudio       bool   `json:"hasAudio"`
	HasVideo       bool   `json:"hasVideo"`
	Subscribed     bool   `json:"subscribed"`
	Confirmed      bool   `json:"confirmed"`
	SubscribeError bool   `json:"subscribeError"`
	Playing        bool   `json:"playing"`
}

// Snapshot is a consistent copy of the consumer state.
type Snapshot struct {
	Publishers    []PublisherStatus        `json:"publishers"`
	Languages     map[string]LanguageState `json:"languages"`
	AutoPlayError bool                     `json:"autoPlayError"`
	Ready         bool                     `json:"ready"`
}

// Publisher returns the status of domID, if present.
func (s Snapshot) Publisher(domID string) (PublisherStatus, bool) {
	for _, p := range s.Publishers {
		if p.DomID == domID {
			return p, true
		}
	}
	return PublisherStatus{}, false
}
