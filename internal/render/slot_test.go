package render

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine/enginetest"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
)

func newTestSlot(t *testing.T, capacity int) (*Slot, *enginetest.Pipeline, bridge.Set) {
	t.Helper()
	eng := enginetest.New()
	bridges := bridge.NewSet([]media.Kind{media.KindVideo, media.KindAudio}, capacity)

	slot, err := NewSlot("s1", eng, timeline.New(), bridges)
	require.NoError(t, err)

	pipelines := eng.Pipelines()
	require.Len(t, pipelines, 1)
	return slot, pipelines[0], bridges
}

func TestNewSlotWiresBridges(t *testing.T) {
	slot, p, bridges := newTestSlot(t, 4)
	assert.Equal(t, "s1", slot.ID())
	assert.Equal(t, engine.StateNull, slot.State())
	assert.True(t, slot.Alive())

	require.NoError(t, p.Emit(media.KindVideo, []byte{1}))
	require.NoError(t, p.Emit(media.KindAudio, []byte{2}))

	assert.Equal(t, 1, bridges[media.KindVideo].Len())
	assert.Equal(t, 1, bridges[media.KindAudio].Len())
}

func TestNewSlotBuildFailures(t *testing.T) {
	eng := enginetest.New()

	_, err := NewSlot("empty", eng, timeline.New(), bridge.Set{})
	assert.ErrorIs(t, err, engine.ErrPipelineBuild)

	eng.FailBuild(errors.New("encoder missing"))
	_, err = NewSlot("broken", eng, timeline.New(), bridge.NewSet([]media.Kind{media.KindVideo}, 1))
	assert.ErrorIs(t, err, engine.ErrPipelineBuild)
}

func TestSetStateIsIdempotent(t *testing.T) {
	slot, p, _ := newTestSlot(t, 4)

	require.NoError(t, slot.SetState(engine.StatePlaying))
	require.NoError(t, slot.SetState(engine.StatePlaying))
	assert.Equal(t, engine.StatePlaying, slot.State())

	require.NoError(t, slot.SetState(engine.StatePaused))
	require.NoError(t, slot.SetState(engine.StatePaused))
	assert.Equal(t, engine.StatePaused, slot.State())

	assert.Equal(t, []engine.State{engine.StatePlaying, engine.StatePaused}, p.Transitions())
}

func TestSetStateRejections(t *testing.T) {
	slot, p, _ := newTestSlot(t, 4)

	err := slot.SetState(engine.StateNull)
	assert.ErrorIs(t, err, engine.ErrStateTransition)

	p.Reject(errors.New("no preroll"))
	err = slot.SetState(engine.StatePlaying)
	assert.ErrorIs(t, err, engine.ErrStateTransition)
	assert.Equal(t, engine.StateNull, slot.State())

	require.NoError(t, slot.Close())
	err = slot.SetState(engine.StatePlaying)
	assert.ErrorIs(t, err, engine.ErrStateTransition)
}

func TestCloseReleasesBlockedProducer(t *testing.T) {
	slot, p, bridges := newTestSlot(t, 1)
	require.NoError(t, slot.SetState(engine.StatePlaying))

	require.NoError(t, p.Emit(media.KindVideo, []byte{1}))

	blocked := make(chan error, 1)
	go func() {
		blocked <- p.Emit(media.KindVideo, []byte{2})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, slot.Close())

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, bridge.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after Close")
	}

	assert.False(t, slot.Alive())
	assert.Equal(t, engine.StateNull, p.State())
	for _, b := range bridges {
		assert.True(t, b.Closed())
	}

	// Callbacks after close are refused without touching the bridge.
	assert.ErrorIs(t, p.Emit(media.KindAudio, []byte{3}), bridge.ErrClosed)

	// Close is idempotent.
	require.NoError(t, slot.Close())
	assert.Equal(t, []engine.State{engine.StatePlaying, engine.StateNull}, p.Transitions())
}
