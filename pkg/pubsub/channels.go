package pubsub

import "fmt"

// Channel naming conventions: {prefix}:{scope}:{id}.
const (
	// Operators and other services -> broadcast service.
	ChannelControl        = "control:%s:%s"
	ChannelControlPattern = "control:*"

	// Broadcast service -> listeners.
	ChannelSessionEvents = "events:session:%s"
)

// Control scopes.
const (
	ScopeTimeline = "timeline"
	ScopeSession  = "session"
)

// Event types for control messages.
const (
	EventAddClip = "add_clip"
	EventPlay    = "play"
	EventPause   = "pause"
	EventClose   = "close"
)

// Event types for session lifecycle notifications.
const (
	EventSessionActive = "session_active"
	EventSessionClosed = "session_closed"
)

// ControlChannel returns the control channel for scope and id.
func ControlChannel(scope, id string) string {
	return fmt.Sprintf(ChannelControl, scope, id)
}

// SessionEventsChannel returns the lifecycle channel for a session.
func SessionEventsChannel(sessionID string) string {
	return fmt.Sprintf(ChannelSessionEvents, sessionID)
}

// AddClipPayload asks for a clip to be appended to the shared timeline.
type AddClipPayload struct {
	URI string `json:"uri"`
}

// SessionCommandPayload targets one session. Event.SessionID is used when
// the payload leaves it empty.
type SessionCommandPayload struct {
	SessionID string `json:"session_id"`
}

// SessionActivePayload is sent when a session has answered its offer.
type SessionActivePayload struct {
	SessionID string   `json:"session_id"`
	Kinds     []string `json:"kinds"`
}

// SessionClosedPayload is sent when a session is torn down.
type SessionClosedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}
