package service

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/orchestrator"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
)

// BroadcastService connects clients to the shared timeline and routes
// control commands to their render slots.
type BroadcastService interface {
	// Connect creates a session for offer, negotiates it and binds a render
	// slot to it. Any failure closes the session.
	Connect(ctx context.Context, offer webrtc.SessionDescription) (*ConnectResult, error)

	// AddClip enqueues a clip for the shared timeline.
	AddClip(ctx context.Context, uri string) error

	// Play enqueues a Play command for a session's slot. An unknown id is
	// logged by the control loop, not returned.
	Play(ctx context.Context, sessionID string) error

	// Pause enqueues a Pause command for a session's slot. An unknown id is
	// logged by the control loop, not returned.
	Pause(ctx context.Context, sessionID string) error

	// CloseSession tears a session down.
	CloseSession(ctx context.Context, sessionID string) error

	// GetSession returns a session and its slot state.
	GetSession(ctx context.Context, sessionID string) (*SessionInfo, error)

	// ListSessions returns every live session ordered by creation time.
	ListSessions(ctx context.Context) []*SessionInfo

	// Timeline returns the clips of the shared timeline.
	Timeline() []timeline.Clip

	// ListenControl consumes the control bus until ctx is done.
	ListenControl(ctx context.Context) error

	// Shutdown closes every session.
	Shutdown(ctx context.Context) error
}

// ConnectResult is the outcome of a successful Connect.
type ConnectResult struct {
	SessionID string
	Answer    *webrtc.SessionDescription
}

// SessionInfo describes one session.
type SessionInfo struct {
	ID        string                 `json:"id"`
	State     session.State          `json:"state"`
	Kinds     []media.Kind           `json:"kinds"`
	CreatedAt time.Time              `json:"created_at"`
	Slot      *orchestrator.SlotInfo `json:"slot,omitempty"`
}
