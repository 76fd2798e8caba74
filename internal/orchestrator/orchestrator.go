// Package orchestrator serializes every timeline and render slot mutation
// onto a single goroutine locked to one OS thread.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/render"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
)

var (
	ErrNotFound    = errors.New("slot not found")
	ErrSlotExists  = errors.New("slot already exists")
	ErrQueueClosed = errors.New("command queue closed")
)

// DefaultQueueSize is the default command queue capacity.
const DefaultQueueSize = 100

// Config holds orchestrator settings.
type Config struct {
	QueueSize int
	// AutoPlay moves new slots to Playing as soon as they are created.
	AutoPlay bool
}

// Orchestrator owns the shared timeline and the slot registry.
type Orchestrator struct {
	engine   engine.Engine
	timeline *timeline.Timeline
	cfg      Config
	metrics  *metrics.Metrics

	queue     chan Command
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// slots is only touched by the loop goroutine.
	slots map[string]*render.Slot
}

// New creates an Orchestrator. Run must be called to start processing.
func New(eng engine.Engine, tl *timeline.Timeline, cfg Config, m *metrics.Metrics) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Orchestrator{
		engine:   eng,
		timeline: tl,
		cfg:      cfg,
		metrics:  m,
		queue:    make(chan Command, cfg.QueueSize),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		slots:    make(map[string]*render.Slot),
	}
}

// Timeline returns a read-only view of the shared timeline.
func (o *Orchestrator) Timeline() timeline.View {
	return o.timeline
}

// Submit enqueues cmd, waiting while the queue is full.
func (o *Orchestrator) Submit(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return errors.New("nil command")
	}
	select {
	case <-o.closed:
		return ErrQueueClosed
	case <-o.done:
		return ErrQueueClosed
	default:
	}

	select {
	case o.queue <- cmd:
		return nil
	case <-o.closed:
		return ErrQueueClosed
	case <-o.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the command queue. A running loop returns ErrQueueClosed.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
	})
}

// Done is closed once Run has returned and every slot is torn down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Run processes commands in arrival order until ctx is cancelled or the
// queue is closed. Every slot is torn down before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l := log.L().With().Str("component", "orchestrator").Logger()
	l.Info().Int("queue_size", cap(o.queue)).Bool("auto_play", o.cfg.AutoPlay).Msg("orchestrator loop started")

	defer close(o.done)
	defer o.teardown(&l)

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("orchestrator loop stopped")
			return nil
		case <-o.closed:
			l.Error().Msg("command queue closed")
			return ErrQueueClosed
		case cmd := <-o.queue:
			o.handle(&l, cmd)
		}
	}
}

func (o *Orchestrator) handle(l *zerolog.Logger, cmd Command) {
	var err error
	switch c := cmd.(type) {
	case CreateSlot:
		err = o.createSlot(l, c)
		reply(c.Result, err)
	case AddClip:
		var clip timeline.Clip
		clip, err = o.addClip(l, c)
		reply(c.Result, AddClipResult{Clip: clip, Err: err})
	case Play:
		err = o.setState(l, c.SessionID, engine.StatePlaying)
		reply(c.Result, err)
	case Pause:
		err = o.setState(l, c.SessionID, engine.StatePaused)
		reply(c.Result, err)
	case RemoveSlot:
		err = o.removeSlot(l, c.SessionID)
		reply(c.Result, err)
	case Inspect:
		reply(c.Result, o.snapshot())
	default:
		err = fmt.Errorf("unknown command %T", cmd)
		l.Error().Err(err).Msg("dropping command")
	}
	o.metrics.IncCommand(cmd.name(), err)
}

func (o *Orchestrator) createSlot(l *zerolog.Logger, c CreateSlot) error {
	if _, ok := o.slots[c.SessionID]; ok {
		l.Warn().Str(log.FieldSessionID, c.SessionID).Msg("slot already exists")
		return fmt.Errorf("%w: %s", ErrSlotExists, c.SessionID)
	}

	slot, err := render.NewSlot(c.SessionID, o.engine, o.timeline, c.Bridges)
	if err != nil {
		l.Error().Err(err).Str(log.FieldSessionID, c.SessionID).Msg("failed to build render slot")
		return err
	}

	if o.cfg.AutoPlay {
		if err := slot.SetState(engine.StatePlaying); err != nil {
			l.Error().Err(err).Str(log.FieldSessionID, c.SessionID).Msg("failed to start render slot")
			_ = slot.Close()
			return err
		}
	}

	o.slots[c.SessionID] = slot
	o.metrics.SetActiveSlots(len(o.slots))
	l.Info().
		Str(log.FieldSessionID, c.SessionID).
		Stringer(log.FieldState, slot.State()).
		Int("slots", len(o.slots)).
		Msg("render slot created")
	return nil
}

func (o *Orchestrator) addClip(l *zerolog.Logger, c AddClip) (timeline.Clip, error) {
	clip, err := o.engine.Probe(c.URI)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldClipURI, c.URI).Msg("failed to probe clip")
		return timeline.Clip{}, err
	}

	o.timeline.Append(clip)
	n := o.timeline.Len()
	o.metrics.SetTimelineClips(n)
	l.Info().
		Str(log.FieldClipURI, c.URI).
		Dur("duration", clip.Duration).
		Int("clips", n).
		Msg("clip appended to timeline")
	return clip, nil
}

func (o *Orchestrator) setState(l *zerolog.Logger, sessionID string, state engine.State) error {
	slot, ok := o.slots[sessionID]
	if !ok {
		l.Warn().Str(log.FieldSessionID, sessionID).Stringer(log.FieldState, state).Msg("no slot for session")
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err := slot.SetState(state); err != nil {
		l.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("state transition failed")
		return err
	}
	l.Debug().Str(log.FieldSessionID, sessionID).Stringer(log.FieldState, state).Msg("slot state changed")
	return nil
}

func (o *Orchestrator) removeSlot(l *zerolog.Logger, sessionID string) error {
	slot, ok := o.slots[sessionID]
	if !ok {
		l.Debug().Str(log.FieldSessionID, sessionID).Msg("no slot to remove")
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	delete(o.slots, sessionID)
	o.metrics.SetActiveSlots(len(o.slots))

	if err := slot.Close(); err != nil {
		l.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("slot teardown failed")
		return err
	}
	l.Info().Str(log.FieldSessionID, sessionID).Int("slots", len(o.slots)).Msg("render slot removed")
	return nil
}

func (o *Orchestrator) snapshot() Snapshot {
	snap := Snapshot{
		Clips: o.timeline.Clips(),
		Slots: make([]SlotInfo, 0, len(o.slots)),
	}
	for id, slot := range o.slots {
		info := SlotInfo{
			SessionID: id,
			State:     slot.State(),
			Buffered:  make(map[media.Kind]int),
		}
		for kind, b := range slot.Bridges() {
			info.Buffered[kind] = b.Len()
		}
		snap.Slots = append(snap.Slots, info)
	}
	sort.Slice(snap.Slots, func(i, j int) bool {
		return snap.Slots[i].SessionID < snap.Slots[j].SessionID
	})
	return snap
}

func (o *Orchestrator) teardown(l *zerolog.Logger) {
	for id, slot := range o.slots {
		if err := slot.Close(); err != nil {
			l.Error().Err(err).Str(log.FieldSessionID, id).Msg("slot teardown failed")
		}
		delete(o.slots, id)
	}
	o.metrics.SetActiveSlots(0)
}

// CreateSlot submits a CreateSlot command and waits for the result.
func (o *Orchestrator) CreateSlot(ctx context.Context, sessionID string, bridges bridge.Set) error {
	result := make(chan error, 1)
	if err := o.Submit(ctx, CreateSlot{SessionID: sessionID, Bridges: bridges, Result: result}); err != nil {
		return err
	}
	return o.await(ctx, result)
}

// AddClip submits an AddClip command and waits for the probed clip.
func (o *Orchestrator) AddClip(ctx context.Context, uri string) (timeline.Clip, error) {
	result := make(chan AddClipResult, 1)
	if err := o.Submit(ctx, AddClip{URI: uri, Result: result}); err != nil {
		return timeline.Clip{}, err
	}
	res, err := wait(ctx, o.done, result)
	if err != nil {
		return timeline.Clip{}, err
	}
	return res.Clip, res.Err
}

// Play submits a Play command and waits for the result.
func (o *Orchestrator) Play(ctx context.Context, sessionID string) error {
	result := make(chan error, 1)
	if err := o.Submit(ctx, Play{SessionID: sessionID, Result: result}); err != nil {
		return err
	}
	return o.await(ctx, result)
}

// Pause submits a Pause command and waits for the result.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	result := make(chan error, 1)
	if err := o.Submit(ctx, Pause{SessionID: sessionID, Result: result}); err != nil {
		return err
	}
	return o.await(ctx, result)
}

// RemoveSlot submits a RemoveSlot command and waits for the result.
func (o *Orchestrator) RemoveSlot(ctx context.Context, sessionID string) error {
	result := make(chan error, 1)
	if err := o.Submit(ctx, RemoveSlot{SessionID: sessionID, Result: result}); err != nil {
		return err
	}
	return o.await(ctx, result)
}

// Inspect submits an Inspect command and waits for the snapshot.
func (o *Orchestrator) Inspect(ctx context.Context) (Snapshot, error) {
	result := make(chan Snapshot, 1)
	if err := o.Submit(ctx, Inspect{Result: result}); err != nil {
		return Snapshot{}, err
	}
	return wait(ctx, o.done, result)
}

func (o *Orchestrator) await(ctx context.Context, result <-chan error) error {
	err, werr := wait(ctx, o.done, result)
	if werr != nil {
		return werr
	}
	return err
}

func wait[T any](ctx context.Context, done <-chan struct{}, result <-chan T) (T, error) {
	var zero T
	select {
	case v := <-result:
		return v, nil
	case <-done:
		// The loop may have replied just before exiting.
		select {
		case v := <-result:
			return v, nil
		default:
			return zero, ErrQueueClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
