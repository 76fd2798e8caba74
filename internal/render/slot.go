// Package render owns per-session render slots: one engine pipeline bound to
// the shared timeline, feeding that session's bridges.
package render

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
)

var errSlotClosed = errors.New("slot closed")

// Slot is one render pipeline. It is owned by the orchestrator loop; only
// the sample callbacks run elsewhere.
type Slot struct {
	id       string
	pipeline engine.Pipeline
	bridges  bridge.Set

	alive     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSlot builds a pipeline for the kinds present in bridges and wires each
// kind's output into its bridge. The slot starts in engine.StateNull.
func NewSlot(id string, eng engine.Engine, view timeline.View, bridges bridge.Set) (*Slot, error) {
	kinds := bridges.Kinds()
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: slot %s has no bridges", engine.ErrPipelineBuild, id)
	}

	pipeline, err := eng.BuildPipeline(view, kinds)
	if err != nil {
		if errors.Is(err, engine.ErrPipelineBuild) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", engine.ErrPipelineBuild, err)
	}

	s := &Slot{
		id:       id,
		pipeline: pipeline,
		bridges:  bridges,
	}
	s.alive.Store(true)

	for _, kind := range kinds {
		if err := pipeline.OnSample(kind, s.sink(kind, bridges[kind])); err != nil {
			_ = pipeline.SetState(engine.StateNull)
			return nil, fmt.Errorf("%w: %v", engine.ErrPipelineBuild, err)
		}
	}

	return s, nil
}

func (s *Slot) sink(kind media.Kind, b *bridge.Bridge) engine.SampleFunc {
	return func(data []byte) error {
		if !s.alive.Load() {
			return bridge.ErrClosed
		}
		return b.Send(media.Sample{Kind: kind, Data: data})
	}
}

// ID returns the session id the slot renders for.
func (s *Slot) ID() string {
	return s.id
}

// State returns the pipeline state.
func (s *Slot) State() engine.State {
	return s.pipeline.State()
}

// Alive reports whether the slot has not been closed.
func (s *Slot) Alive() bool {
	return s.alive.Load()
}

// Bridges returns the slot's output bridges.
func (s *Slot) Bridges() bridge.Set {
	return s.bridges
}

// SetState moves the pipeline to Playing or Paused. Requesting the current
// state is a no-op.
func (s *Slot) SetState(state engine.State) error {
	from := s.pipeline.State()
	if state != engine.StatePlaying && state != engine.StatePaused {
		return &engine.StateTransitionError{From: from, To: state, Err: fmt.Errorf("slots only play or pause")}
	}
	if !s.alive.Load() {
		return &engine.StateTransitionError{From: from, To: state, Err: errSlotClosed}
	}
	if from == state {
		return nil
	}
	if err := s.pipeline.SetState(state); err != nil {
		var ste *engine.StateTransitionError
		if errors.As(err, &ste) {
			return err
		}
		return &engine.StateTransitionError{From: from, To: state, Err: err}
	}
	return nil
}

// Close stops the slot. Bridges are closed before the pipeline moves to
// Null so that producers blocked in Send are released; no callback runs
// once Close returns.
func (s *Slot) Close() error {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		s.bridges.Close()
		s.closeErr = s.pipeline.SetState(engine.StateNull)
	})
	return s.closeErr
}
