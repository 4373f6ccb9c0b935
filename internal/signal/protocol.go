// Package signal is the websocket control channel to the media server.
// Wire format: one JSON object per text frame; media relayed by the server
// travels in binary frames on the same connection.
package signal

import "encoding/json"

// Message types.
const (
	TypeRequest  = "req" // client → server
	TypeResponse = "res" // server → client, answers a req by id
	TypeEvent    = "evt" // server → client, unsolicited
)

// Methods understood by the server.
const (
	MethodConnect     = "connect"
	MethodJoin        = "join"
	MethodLeave       = "leave"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodSetRole     = "set-role"
	MethodKeyframe    = "keyframe"
)

// Message is the single wire envelope.
type Message struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"` // uuid4, req/res only
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrorBody is the error of a failed request or of an error event.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ── Params and results ───────────────────────────────────────────────────────

type ConnectParams struct {
	AppID string `json:"app_id"`
	Mode  string `json:"mode"` // "native" | "relay"
}

type JoinParams struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
}

// StreamInfo describes one remote stream.
type StreamInfo struct {
	UID   uint32 `json:"uid"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

type JoinResult struct {
	Streams []StreamInfo `json:"streams"`
}

type SubscribeParams struct {
	UID   uint32 `json:"uid"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
	Offer string `json:"offer,omitempty"` // native only
}

type SubscribeResult struct {
	Answer string `json:"answer,omitempty"` // native only
}

type UIDParams struct {
	UID uint32 `json:"uid"`
}

type RoleParams struct {
	Role string `json:"role"`
}

// ── Event payloads ───────────────────────────────────────────────────────────

// Events pushed by the server. They mirror the transport client events.
const (
	EventStreamAdded        = "stream-added"
	EventStreamRemoved      = "stream-removed"
	EventStreamUpdated      = "stream-updated"
	EventPeerLeave          = "peer-leave"
	EventNetworkQuality     = "network-quality"
	EventNetworkTypeChanged = "network-type-changed"
	EventStreamFallback     = "stream-fallback"
	EventError              = "error"
	EventException          = "exception"
)

type QualityData struct {
	Downlink int `json:"downlink"`
	Uplink   int `json:"uplink"`
}

type DetailData struct {
	Detail string `json:"detail"`
}
