// Package session manages one client's transport connection, its outbound
// tracks and the goroutines that drain render output into them.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
)

// DefaultNegotiationTimeout bounds offer/answer plus ICE gathering.
const DefaultNegotiationTimeout = 15 * time.Second

// State represents the lifecycle state of a session.
type State int

const (
	// StateCreated indicates the transport and tracks exist.
	StateCreated State = iota
	// StateNegotiating indicates an offer is being answered.
	StateNegotiating
	// StateActive indicates the answer was returned to the client.
	StateActive
	// StateClosed indicates the session was torn down.
	StateClosed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "created":
		*s = StateCreated
	case "negotiating":
		*s = StateNegotiating
	case "active":
		*s = StateActive
	case "closed":
		*s = StateClosed
	default:
		return fmt.Errorf("unknown session state: %q", text)
	}
	return nil
}

// Close reasons.
const (
	ReasonRequested        = "requested"
	ReasonConnectionFailed = "connection_failed"
	ReasonConnectionClosed = "connection_closed"
	ReasonSetupFailed      = "setup_failed"
	ReasonShutdown         = "shutdown"
)

// Options configures a new session.
type Options struct {
	Kinds              []media.Kind
	BridgeCapacity     int
	NegotiationTimeout time.Duration
	IDGenerator        idgen.Generator
	Metrics            *metrics.Metrics
}

// StateHook is called after every state change, outside any lock.
type StateHook func(s *Session, state State)

// CloseHook is called once when the session closes.
type CloseHook func(s *Session, reason string)

// Session is one client connection.
type Session struct {
	id        string
	createdAt time.Time
	peer      Peer
	tracks    map[media.Kind]io.Writer
	bridges   bridge.Set
	opts      Options
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	closeReason string
	stateHooks  []StateHook
	closeHooks  []CloseHook

	connected     chan struct{}
	connectedOnce sync.Once
	forwardOnce   sync.Once
	closeOnce     sync.Once
	closeErr      error
	wg            sync.WaitGroup
}

// New creates a session with a fresh id and one outbound track per kind.
func New(transport Transport, opts Options) (*Session, error) {
	if len(opts.Kinds) == 0 {
		opts.Kinds = []media.Kind{media.KindVideo}
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = idgen.NewUUIDGenerator()
	}

	id, err := opts.IDGenerator.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	peer, err := transport.NewPeer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	tracks := make(map[media.Kind]io.Writer, len(opts.Kinds))
	for _, kind := range opts.Kinds {
		track, err := peer.AddTrack(kind)
		if err != nil {
			_ = peer.Close()
			return nil, fmt.Errorf("%w: add %s track: %v", ErrTransportInit, kind, err)
		}
		tracks[kind] = track
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		peer:      peer,
		tracks:    tracks,
		bridges:   bridge.NewSet(opts.Kinds, opts.BridgeCapacity),
		opts:      opts,
		logger:    log.L().With().Str(log.FieldSessionID, id).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateCreated,
		connected: make(chan struct{}),
	}

	peer.OnConnectionStateChange(s.handleConnectionState)

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Kinds returns the media kinds the session carries.
func (s *Session) Kinds() []media.Kind {
	return s.bridges.Kinds()
}

// Bridges returns the bridges a render slot should feed.
func (s *Session) Bridges() bridge.Set {
	return s.bridges
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns why the session closed, or "" while it is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// OnStateChange registers a hook called after each state change.
func (s *Session) OnStateChange(fn StateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHooks = append(s.stateHooks, fn)
}

// OnClose registers a hook called once when the session closes. Hooks run in
// registration order.
func (s *Session) OnClose(fn CloseHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHooks = append(s.closeHooks, fn)
}

func (s *Session) setState(to State) bool {
	s.mu.Lock()
	if s.state == StateClosed || s.state == to {
		s.mu.Unlock()
		return false
	}
	s.state = to
	hooks := append([]StateHook(nil), s.stateHooks...)
	s.mu.Unlock()

	s.logger.Debug().Stringer(log.FieldState, to).Msg("session state changed")
	for _, hook := range hooks {
		hook(s, to)
	}
	return true
}

// Negotiate answers offer. It fails with ErrNegotiationTimeout when the
// negotiation timeout elapses first.
func (s *Session) Negotiate(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrNegotiation, state)
	}
	s.mu.Unlock()
	s.setState(StateNegotiating)

	nctx, cancel := context.WithTimeout(ctx, s.opts.NegotiationTimeout)
	defer cancel()

	start := time.Now()
	answer, err := s.peer.Negotiate(nctx, offer)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrNegotiationTimeout, s.opts.NegotiationTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if answer == nil {
		return nil, fmt.Errorf("%w: no local description", ErrNegotiation)
	}
	s.opts.Metrics.ObserveNegotiation(time.Since(start).Seconds())

	if !s.setState(StateActive) {
		return nil, fmt.Errorf("%w: session closed during negotiation", ErrNegotiation)
	}
	s.logger.Info().Dur("took", time.Since(start)).Msg("negotiation complete")
	return answer, nil
}

// Forward writes one sample to the track for kind.
func (s *Session) Forward(kind media.Kind, sample media.Sample) error {
	track, ok := s.tracks[kind]
	if !ok {
		return fmt.Errorf("%w: no %s track", ErrWrite, kind)
	}
	if s.ctx.Err() != nil {
		return ErrWriteClosed
	}
	if _, err := track.Write(sample.Data); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("%w: %v", ErrWriteClosed, err)
		}
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// StartForwarding starts one goroutine per kind that drains its bridge into
// the track once the peer connection is up. Until then samples stay queued.
func (s *Session) StartForwarding() {
	s.forwardOnce.Do(func() {
		for _, kind := range s.bridges.Kinds() {
			s.wg.Add(1)
			go s.forward(kind, s.bridges[kind])
		}
	})
}

func (s *Session) forward(kind media.Kind, b *bridge.Bridge) {
	defer s.wg.Done()

	l := s.logger.With().Str(log.FieldMediaKind, kind.String()).Logger()

	select {
	case <-s.connected:
	case <-s.ctx.Done():
		return
	}

	l.Debug().Msg("forwarding started")
	for sample := range b.Samples(s.ctx) {
		if err := s.Forward(kind, sample); err != nil {
			if errors.Is(err, ErrWriteClosed) {
				l.Debug().Err(err).Msg("track closed, forwarding stopped")
				return
			}
			s.opts.Metrics.IncSamplesDropped(kind.String())
			l.Debug().Err(err).Msg("dropping sample")
			continue
		}
		s.opts.Metrics.IncSamplesForwarded(kind.String())
	}
	l.Debug().Msg("forwarding finished")
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Info().Str("connection_state", state.String()).Msg("peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connectedOnce.Do(func() { close(s.connected) })
	case webrtc.PeerConnectionStateFailed:
		go s.Close(ReasonConnectionFailed)
	case webrtc.PeerConnectionStateClosed:
		go s.Close(ReasonConnectionClosed)
	}
}

// Close tears the session down. It is idempotent; only the first reason is
// kept. Bridges are closed before the transport so that producers and
// forwarders are released.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)

		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		hooks := append([]CloseHook(nil), s.closeHooks...)
		s.mu.Unlock()

		s.cancel()
		s.bridges.Close()
		if err := s.peer.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close peer: %w", err)
		}
		s.wg.Wait()

		s.logger.Info().Str("reason", reason).Msg("session closed")
		for _, hook := range hooks {
			hook(s, reason)
		}
	})
	return s.closeErr
}
