package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/orchestrator"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/registry"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/pubsub"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	teardownTimeout = 5 * time.Second
	publishTimeout  = 3 * time.Second
)

type broadcastService struct {
	transport    session.Transport
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	pubsub       pubsub.PubSub
	metrics      *metrics.Metrics
	sessionOpts  session.Options
	fetcher      *ClipFetcher
}

// Option configures optional collaborators of the service.
type Option func(*broadcastService)

// WithClipFetcher lets AddClip accept storage:// uris.
func WithClipFetcher(f *ClipFetcher) Option {
	return func(s *broadcastService) {
		s.fetcher = f
	}
}

// NewBroadcastService creates a new BroadcastService instance. ps may be nil
// when no control bus is configured.
func NewBroadcastService(
	transport session.Transport,
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	ps pubsub.PubSub,
	m *metrics.Metrics,
	opts session.Options,
	options ...Option,
) BroadcastService {
	if opts.Metrics == nil {
		opts.Metrics = m
	}
	s := &broadcastService{
		transport:    transport,
		orchestrator: orch,
		registry:     reg,
		pubsub:       ps,
		metrics:      m,
		sessionOpts:  opts,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *broadcastService) Connect(ctx context.Context, offer webrtc.SessionDescription) (*ConnectResult, error) {
	sess, err := session.New(s.transport, s.sessionOpts)
	if err != nil {
		return nil, err
	}
	s.metrics.IncSessionsCreated()

	ctx = log.WithSessionID(ctx, sess.ID())
	l := log.Ctx(ctx)

	if err := s.registry.Insert(sess); err != nil {
		s.metrics.IncSessionsClosed(session.ReasonSetupFailed)
		_ = sess.Close(session.ReasonSetupFailed)
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	sess.OnClose(s.onSessionClosed)

	answer, err := sess.Negotiate(ctx, offer)
	if err != nil {
		l.Warn().Err(err).Msg("negotiation failed")
		_ = sess.Close(session.ReasonSetupFailed)
		return nil, err
	}

	if err := s.orchestrator.CreateSlot(ctx, sess.ID(), sess.Bridges()); err != nil {
		l.Error().Err(err).Msg("failed to create render slot")
		_ = sess.Close(session.ReasonSetupFailed)
		return nil, fmt.Errorf("failed to create render slot: %w", err)
	}

	// A close that landed between negotiation and CreateSlot already ran its
	// RemoveSlot, so the slot just built would be orphaned.
	if sess.State() == session.StateClosed {
		s.removeSlot(sess.ID())
		l.Warn().Str("reason", sess.CloseReason()).Msg("session closed during setup")
		return nil, fmt.Errorf("%w: session closed during setup", session.ErrNegotiation)
	}

	sess.StartForwarding()

	kinds := make([]string, 0, len(sess.Kinds()))
	for _, kind := range sess.Kinds() {
		kinds = append(kinds, kind.String())
	}
	s.publish(sess.ID(), pubsub.EventSessionActive, &pubsub.SessionActivePayload{
		SessionID: sess.ID(),
		Kinds:     kinds,
	})

	l.Info().Strs("kinds", kinds).Msg("session connected")
	return &ConnectResult{SessionID: sess.ID(), Answer: answer}, nil
}

// onSessionClosed runs once per session, whatever closed it.
func (s *broadcastService) onSessionClosed(sess *session.Session, reason string) {
	l := log.L().With().Str(log.FieldSessionID, sess.ID()).Logger()

	s.registry.Remove(sess.ID())

	s.removeSlot(sess.ID())

	s.metrics.IncSessionsClosed(reason)
	l.Debug().Str("reason", reason).Msg("session resources released")
	s.publish(sess.ID(), pubsub.EventSessionClosed, &pubsub.SessionClosedPayload{
		SessionID: sess.ID(),
		Reason:    reason,
	})
}

func (s *broadcastService) publish(sessionID, eventType string, payload interface{}) {
	if s.pubsub == nil {
		return
	}

	l := log.L()
	event, err := pubsub.NewEvent(eventType, sessionID, payload)
	if err != nil {
		l.Error().Err(err).Str("event_type", eventType).Msg("failed to build event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.pubsub.Publish(ctx, pubsub.SessionEventsChannel(sessionID), event); err != nil {
		l.Error().Err(err).Str(log.FieldSessionID, sessionID).Str("event_type", eventType).Msg("failed to publish session event")
	}
}

func (s *broadcastService) removeSlot(sessionID string) {
	l := log.L().With().Str(log.FieldSessionID, sessionID).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.orchestrator.RemoveSlot(ctx, sessionID); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, orchestrator.ErrQueueClosed):
			l.Debug().Err(err).Msg("no render slot to remove")
		default:
			l.Error().Err(err).Msg("failed to remove render slot")
		}
	}
}

func (s *broadcastService) AddClip(ctx context.Context, uri string) error {
	if uri == "" {
		return errors.New("clip uri is empty")
	}
	uris, err := s.fetcher.Resolve(ctx, uri)
	if err != nil {
		return err
	}
	for _, u := range uris {
		if err := s.orchestrator.Submit(ctx, orchestrator.AddClip{URI: u}); err != nil {
			return err
		}
	}
	return nil
}

// Play and Pause only enqueue. An unknown id is reported by the control loop,
// not to the caller.
func (s *broadcastService) Play(ctx context.Context, sessionID string) error {
	return s.orchestrator.Submit(ctx, orchestrator.Play{SessionID: sessionID})
}

func (s *broadcastService) Pause(ctx context.Context, sessionID string) error {
	return s.orchestrator.Submit(ctx, orchestrator.Pause{SessionID: sessionID})
}

func (s *broadcastService) CloseSession(ctx context.Context, sessionID string) error {
	sess, ok := s.registry.Find(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.Close(session.ReasonRequested)
}

func (s *broadcastService) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	sess, ok := s.registry.Find(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	info := newSessionInfo(sess)
	snapshot, err := s.orchestrator.Inspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect render slots: %w", err)
	}
	if slot, ok := snapshot.Slot(sessionID); ok {
		info.Slot = &slot
	}
	return info, nil
}

func (s *broadcastService) ListSessions(ctx context.Context) []*SessionInfo {
	sessions := s.registry.List()
	out := make([]*SessionInfo, 0, len(sessions))

	snapshot, err := s.orchestrator.Inspect(ctx)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("listing sessions without slot state")
	}

	for _, sess := range sessions {
		info := newSessionInfo(sess)
		if slot, ok := snapshot.Slot(sess.ID()); ok {
			info.Slot = &slot
		}
		out = append(out, info)
	}
	return out
}

func (s *broadcastService) Timeline() []timeline.Clip {
	return s.orchestrator.Timeline().Clips()
}

func (s *broadcastService) Shutdown(ctx context.Context) error {
	l := log.L()
	sessions := s.registry.List()
	l.Info().Int("sessions", len(sessions)).Msg("closing all sessions")

	var errs []error
	for _, sess := range sessions {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := sess.Close(session.ReasonShutdown); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func newSessionInfo(sess *session.Session) *SessionInfo {
	return &SessionInfo{
		ID:        sess.ID(),
		State:     sess.State(),
		Kinds:     sess.Kinds(),
		CreatedAt: sess.CreatedAt(),
	}
}
