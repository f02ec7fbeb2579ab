package hub

import (
	"encoding/json"

	"github.com/Cademic/TableWorks-sub002/internal/presence"
)

// ClientMessage is the inbound wire envelope.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the outbound wire envelope.
type ServerMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Client-driven events.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventCursorPosition = "cursor_position"
	EventFocusingItem   = "focusing_item"
)

// Server-emitted presence events.
const (
	EventPresenceList = "presence_list"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventError        = "error"
)

// activityEvents are the ephemeral relays: forwarded live to the group,
// never registered in presence, never persisted.
var activityEvents = map[string]struct{}{
	EventCursorPosition: {},
	EventFocusingItem:   {},
}

type PresenceList struct {
	ResourceID string             `json:"resourceId"`
	Watchers   []presence.Watcher `json:"watchers"`
}

type UserJoined struct {
	ResourceID  string `json:"resourceId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type UserLeft struct {
	ResourceID string `json:"resourceId"`
	UserID     string `json:"userId"`
}

type ActivityRelay struct {
	ResourceID string          `json:"resourceId"`
	UserID     string          `json:"userId"`
	Data       json.RawMessage `json:"data"`
}

// Error codes surfaced to the client on a failed request.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeAccessDenied    = "access_denied"
	CodeBadRequest      = "bad_request"
	CodeInternal        = "internal"
)

type ErrorPayload struct {
	ResourceID string `json:"resourceId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}
