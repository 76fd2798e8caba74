// Package engine defines the rendering engine contract consumed by render
// slots, and ships a file-backed implementation.
//
// An engine is not reentrant: Probe, BuildPipeline and Pipeline.SetState are
// only ever called from the orchestrator loop. Sample callbacks run on
// threads owned by the pipeline.
package engine

import (
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
)

var (
	ErrPipelineBuild   = errors.New("pipeline build failed")
	ErrStateTransition = errors.New("state transition rejected")
	ErrUnsupportedClip = errors.New("unsupported clip")
)

// State is a pipeline state.
type State int

const (
	// StateNull means no resources are held and no callback will fire.
	StateNull State = iota
	// StatePaused means the pipeline is prerolled but not producing.
	StatePaused
	// StatePlaying means the pipeline is producing samples.
	StatePlaying
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateTransitionError reports a transition the engine refused.
type StateTransitionError struct {
	From State
	To   State
	Err  error
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("state transition %s -> %s rejected: %v", e.From, e.To, e.Err)
}

func (e *StateTransitionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStateTransition) match.
func (e *StateTransitionError) Is(target error) bool {
	return target == ErrStateTransition
}

// SampleFunc receives one encoded unit on a pipeline-owned thread. Returning
// an error stops delivery for that media kind.
type SampleFunc func(data []byte) error

// Pipeline is one running instance of the engine bound to a timeline.
type Pipeline interface {
	// OnSample installs the delivery callback for kind. It must be called
	// before the first transition out of StateNull.
	OnSample(kind media.Kind, fn SampleFunc) error

	// SetState requests a transition. Moving to StateNull is synchronous:
	// when it returns no callback is running or will run again.
	SetState(state State) error

	// State returns the current state.
	State() State
}

// Engine builds pipelines and derives clip metadata.
type Engine interface {
	// Probe resolves uri and returns the clip with its timing metadata.
	Probe(uri string) (timeline.Clip, error)

	// BuildPipeline constructs an encode graph for kinds, bound to view.
	BuildPipeline(view timeline.View, kinds []media.Kind) (Pipeline, error)
}
