package bus

// ── Topic constants ───────────────────────────────────────────────────────────
// Single source of truth for every topic the client publishes.
const (
	// Per-publisher state, keyed by domId.
	TopicStreamAdded      = "consumer:stream-added"
	TopicStreamRemoved    = "consumer:stream-removed"
	TopicPeerLeave        = "consumer:peer-leave"
	TopicStreamSubscribed = "consumer:stream-subscribed"
	TopicSubscribedID     = "consumer:subscribed-id"
	TopicUnsubscribedID   = "consumer:unsubscribed-id"
	TopicPlayingID        = "consumer:playing-id"
	TopicStoppedID        = "consumer:stopped-id"
	TopicMutedID          = "consumer:muted-id"
	TopicUnmutedID        = "consumer:unmuted-id"

	// Per-language state.
	TopicSubscribedLanguage   = "consumer:subscribed-language"
	TopicUnsubscribedLanguage = "consumer:unsubscribed-language"
	TopicPlayingLanguage      = "consumer:playing-language"
	TopicStoppedLanguage      = "consumer:stopped-language"
	TopicMutedLanguage        = "consumer:muted-language"
	TopicUnmutedLanguage      = "consumer:unmuted-language"

	// Autoplay policy.
	TopicStreamStuck = "consumer:stream-stuck"
	TopicAutoPlay    = "consumer:autoplay"

	// Session level.
	TopicError            = "error"
	TopicWarn             = "warn"
	TopicSupport          = "support"
	TopicConnectionStatus = "connection-status"
	TopicNewClientRole    = "new-client-role"
	TopicSessionState     = "session:state"
	TopicSessionReload    = "session:reload"

	// TopicConsumerPrefix matches every consumer:* topic.
	TopicConsumerPrefix = "consumer:"
)

// ── Payload structs ───────────────────────────────────────────────────────────

// IDPayload identifies one publisher by its placeholder id.
type IDPayload struct {
	DomID string `json:"domId"`
}

// StreamAddedPayload is published when a roster publisher's stream appears.
type StreamAddedPayload struct {
	DomID    string `json:"domId"`
	Language string `json:"language"`
	HasAudio bool   `json:"hasAudio"`
	HasVideo bool   `json:"hasVideo"`
}

// SubscribedIDPayload is published when a subscribe request is issued.
type SubscribedIDPayload struct {
	DomID            string `json:"domId"`
	HasAudio         bool   `json:"hasAudio"`
	HasVideo         bool   `json:"hasVideo"`
	SubscribeToAudio bool   `json:"subscribeToAudio"`
	SubscribeToVideo bool   `json:"subscribeToVideo"`
}

// MuteIDPayload reports which tracks of one publisher changed.
type MuteIDPayload struct {
	DomID string `json:"domId"`
	Video bool   `json:"video"`
	Audio bool   `json:"audio"`
}

// SubscribedLanguagePayload echoes the accepted intent and the publishers
// known at the time of the call.
type SubscribedLanguagePayload struct {
	Language         string   `json:"language"`
	Publishers       []string `json:"publishers"`
	AutoPlay         bool     `json:"autoPlay"`
	PlayAudio        bool     `json:"playAudio"`
	PlayVideo        bool     `json:"playVideo"`
	SubscribeToAudio bool     `json:"subscribeToAudio"`
	SubscribeToVideo bool     `json:"subscribeToVideo"`
}

// LanguagePublishersPayload lists the publishers affected by a language change.
type LanguagePublishersPayload struct {
	Language   string   `json:"language"`
	Publishers []string `json:"publishers"`
}

// PlayingLanguagePayload is published by PlayLanguage.
type PlayingLanguagePayload struct {
	Language  string `json:"language"`
	PlayAudio bool   `json:"playAudio"`
	PlayVideo bool   `json:"playVideo"`
}

// LanguagePayload names a language.
type LanguagePayload struct {
	Language string `json:"language"`
}

// LanguageMutePayload reports which tracks of a language changed.
type LanguageMutePayload struct {
	Language string `json:"language"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
}

// StreamPayload ties a publisher to its language (stream-stuck, autoplay).
type StreamPayload struct {
	DomID    string `json:"domId"`
	Language string `json:"language"`
}

// ErrorPayload is the single normalized error shape. Context names the
// failing operation; Message, Code and Cause come from the original error.
type ErrorPayload struct {
	Context  string `json:"context"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	DomID    string `json:"domId,omitempty"`
	Language string `json:"language,omitempty"`
	Cause    error  `json:"-"`
}

func (p ErrorPayload) Error() string {
	if p.Context == "" {
		return p.Message
	}
	return p.Context + ": " + p.Message
}

// WarnPayload carries non-fatal transport diagnostics.
type WarnPayload struct {
	Context string `json:"context"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StatusPayload is used by support and connection-status.
type StatusPayload struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// RolePayload is published when the client role changes.
type RolePayload struct {
	Role string `json:"role"`
}

// StatePayload reports a session state machine transition.
type StatePayload struct {
	State string `json:"state"`
	Step  string `json:"step,omitempty"`
}

// ReloadPayload asks the embedding application to rebuild the session.
type ReloadPayload struct {
	Reason string `json:"reason"`
}
