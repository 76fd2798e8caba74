package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine/enginetest"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
)

func startOrchestrator(t *testing.T, eng engine.Engine, cfg Config) (*Orchestrator, *timeline.Timeline) {
	t.Helper()
	tl := timeline.New()
	o := New(eng, tl, cfg, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
	return o, tl
}

func newBridges() bridge.Set {
	return bridge.NewSet([]media.Kind{media.KindVideo, media.KindAudio}, 4)
}

func TestAddClipCountLaw(t *testing.T) {
	eng := enginetest.New()
	eng.FailProbe("file:///broken.ivf", errors.New("no such file"))
	o, tl := startOrchestrator(t, eng, Config{})
	ctx := context.Background()

	uris := []string{"file:///a.ivf", "file:///broken.ivf", "file:///b.ivf", "file:///c.ivf"}
	for _, uri := range uris {
		require.NoError(t, o.Submit(ctx, AddClip{URI: uri}))
	}

	// Inspect is ordered after every AddClip above.
	snap, err := o.Inspect(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Clips, 3)
	assert.Equal(t, "file:///a.ivf", snap.Clips[0].URI)
	assert.Equal(t, "file:///b.ivf", snap.Clips[1].URI)
	assert.Equal(t, "file:///c.ivf", snap.Clips[2].URI)
	assert.Equal(t, 3, tl.Len())
	assert.Equal(t, 1, tl.Layers())
	assert.Equal(t, uris, eng.Probed())

	_, err = o.AddClip(ctx, "file:///broken.ivf")
	assert.Error(t, err)

	clip, err := o.AddClip(ctx, "file:///d.ivf")
	require.NoError(t, err)
	assert.Equal(t, enginetest.DefaultClipDuration, clip.Duration)
	assert.Equal(t, 4, tl.Len())
}

func TestCreateSlotAutoPlay(t *testing.T) {
	eng := enginetest.New()
	o, tl := startOrchestrator(t, eng, Config{AutoPlay: true})
	ctx := context.Background()

	require.NoError(t, o.CreateSlot(ctx, "s1", newBridges()))

	pipelines := eng.Pipelines()
	require.Len(t, pipelines, 1)
	assert.Equal(t, engine.StatePlaying, pipelines[0].State())
	assert.Same(t, tl, pipelines[0].View)

	err := o.CreateSlot(ctx, "s1", newBridges())
	assert.ErrorIs(t, err, ErrSlotExists)

	snap, err := o.Inspect(ctx)
	require.NoError(t, err)
	info, ok := snap.Slot("s1")
	require.True(t, ok)
	assert.Equal(t, engine.StatePlaying, info.State)
	assert.Contains(t, info.Buffered, media.KindVideo)
}

func TestCreateSlotWithoutAutoPlayStaysNull(t *testing.T) {
	eng := enginetest.New()
	o, _ := startOrchestrator(t, eng, Config{AutoPlay: false})
	ctx := context.Background()

	require.NoError(t, o.CreateSlot(ctx, "s1", newBridges()))
	assert.Equal(t, engine.StateNull, eng.Pipelines()[0].State())

	require.NoError(t, o.Play(ctx, "s1"))
	assert.Equal(t, engine.StatePlaying, eng.Pipelines()[0].State())
}

func TestCreateSlotBuildFailure(t *testing.T) {
	eng := enginetest.New()
	eng.FailBuild(errors.New("no encoder"))
	o, _ := startOrchestrator(t, eng, Config{AutoPlay: true})
	ctx := context.Background()

	err := o.CreateSlot(ctx, "s1", newBridges())
	assert.ErrorIs(t, err, engine.ErrPipelineBuild)

	snap, err := o.Inspect(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Slots)
}

func TestPlayPauseIdempotence(t *testing.T) {
	eng := enginetest.New()
	o, _ := startOrchestrator(t, eng, Config{AutoPlay: true})
	ctx := context.Background()

	require.NoError(t, o.CreateSlot(ctx, "s1", newBridges()))
	p := eng.Pipelines()[0]

	require.NoError(t, o.Play(ctx, "s1"))
	require.NoError(t, o.Play(ctx, "s1"))
	assert.Equal(t, engine.StatePlaying, p.State())

	require.NoError(t, o.Pause(ctx, "s1"))
	require.NoError(t, o.Pause(ctx, "s1"))
	assert.Equal(t, engine.StatePaused, p.State())

	assert.Equal(t, []engine.State{engine.StatePlaying, engine.StatePaused}, p.Transitions())
}

func TestUnknownSessionIsNotFatal(t *testing.T) {
	eng := enginetest.New()
	o, _ := startOrchestrator(t, eng, Config{AutoPlay: true})
	ctx := context.Background()

	assert.ErrorIs(t, o.Pause(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, o.Play(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, o.RemoveSlot(ctx, "missing"), ErrNotFound)

	// Fire-and-forget commands without a result channel are fine too.
	require.NoError(t, o.Submit(ctx, Pause{SessionID: "missing"}))

	// The loop keeps going.
	_, err := o.AddClip(ctx, "file:///a.ivf")
	require.NoError(t, err)
}

func TestRemoveSlotClosesBridges(t *testing.T) {
	eng := enginetest.New()
	o, _ := startOrchestrator(t, eng, Config{AutoPlay: true})
	ctx := context.Background()

	bridges := newBridges()
	require.NoError(t, o.CreateSlot(ctx, "s1", bridges))
	require.NoError(t, o.RemoveSlot(ctx, "s1"))

	for _, b := range bridges {
		assert.True(t, b.Closed())
	}
	assert.Equal(t, engine.StateNull, eng.Pipelines()[0].State())

	snap, err := o.Inspect(ctx)
	require.NoError(t, err)
	_, ok := snap.Slot("s1")
	assert.False(t, ok)
}

func TestCommandsKeepArrivalOrder(t *testing.T) {
	eng := enginetest.New()
	o, _ := startOrchestrator(t, eng, Config{AutoPlay: true})
	ctx := context.Background()

	require.NoError(t, o.CreateSlot(ctx, "s1", newBridges()))
	for i := 0; i < 10; i++ {
		require.NoError(t, o.Submit(ctx, Pause{SessionID: "s1"}))
		require.NoError(t, o.Submit(ctx, Play{SessionID: "s1"}))
	}
	_, err := o.Inspect(ctx)
	require.NoError(t, err)

	transitions := eng.Pipelines()[0].Transitions()
	require.Len(t, transitions, 21)
	for i := 1; i < len(transitions); i += 2 {
		assert.Equal(t, engine.StatePaused, transitions[i], fmt.Sprintf("transition %d", i))
		assert.Equal(t, engine.StatePlaying, transitions[i+1], fmt.Sprintf("transition %d", i+1))
	}
}

func TestRunStopsOnClose(t *testing.T) {
	eng := enginetest.New()
	o := New(eng, timeline.New(), Config{AutoPlay: true}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background()) }()

	bridges := newBridges()
	require.NoError(t, o.CreateSlot(context.Background(), "s1", bridges))

	o.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	for _, b := range bridges {
		assert.True(t, b.Closed(), "slots are torn down when the loop exits")
	}
	assert.ErrorIs(t, o.Submit(context.Background(), Play{SessionID: "s1"}), ErrQueueClosed)
}

func TestSubmitBlocksWhileQueueFull(t *testing.T) {
	o := New(enginetest.New(), timeline.New(), Config{QueueSize: 1}, nil)

	require.NoError(t, o.Submit(context.Background(), Play{SessionID: "s1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := o.Submit(ctx, Play{SessionID: "s1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
