package orchestrator

import (
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
)

// Command is a request executed on the orchestrator loop. The set is closed:
// only the types in this file implement it.
//
// Result channels are optional. When set they must be buffered; the loop
// never blocks on a reply.
type Command interface {
	name() string
}

// CreateSlot builds a render slot for a negotiated session.
type CreateSlot struct {
	SessionID string
	Bridges   bridge.Set
	Result    chan<- error
}

// AddClip probes uri and appends it to the shared timeline.
type AddClip struct {
	URI    string
	Result chan<- AddClipResult
}

// AddClipResult is the reply to AddClip.
type AddClipResult struct {
	Clip timeline.Clip
	Err  error
}

// Play moves a session's slot to Playing.
type Play struct {
	SessionID string
	Result    chan<- error
}

// Pause moves a session's slot to Paused.
type Pause struct {
	SessionID string
	Result    chan<- error
}

// RemoveSlot tears down a session's slot.
type RemoveSlot struct {
	SessionID string
	Result    chan<- error
}

// Inspect reads a snapshot of the timeline and every slot.
type Inspect struct {
	Result chan<- Snapshot
}

// Snapshot is the reply to Inspect.
type Snapshot struct {
	Clips []timeline.Clip `json:"clips"`
	Slots []SlotInfo      `json:"slots"`
}

// SlotInfo describes one slot.
type SlotInfo struct {
	SessionID string             `json:"session_id"`
	State     engine.State       `json:"state"`
	Buffered  map[media.Kind]int `json:"buffered"`
}

// Slot returns the info for sessionID.
func (s Snapshot) Slot(sessionID string) (SlotInfo, bool) {
	for _, info := range s.Slots {
		if info.SessionID == sessionID {
			return info, true
		}
	}
	return SlotInfo{}, false
}

func (CreateSlot) name() string { return "create_slot" }
func (AddClip) name() string    { return "add_clip" }
func (Play) name() string       { return "play" }
func (Pause) name() string      { return "pause" }
func (RemoveSlot) name() string { return "remove_slot" }
func (Inspect) name() string    { return "inspect" }

func reply[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}
