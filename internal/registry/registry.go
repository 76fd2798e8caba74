// Package registry maps session ids to live sessions.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
)

var (
	ErrDuplicate = errors.New("session already registered")
	ErrNotFound  = errors.New("session not found")
)

const storeTimeout = 3 * time.Second

// Registry is a concurrently accessible map of sessions. The lock covers the
// map operation only; mirror writes happen after it is released.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	store   RecordStore
	metrics *metrics.Metrics
}

// New creates a Registry. store may be nil.
func New(store RecordStore, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
		store:    store,
		metrics:  m,
	}
}

// Insert registers s and starts mirroring its state changes.
func (r *Registry) Insert(s *session.Session) error {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID()]; ok {
		r.mu.Unlock()
		return ErrDuplicate
	}
	r.sessions[s.ID()] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)

	if r.store != nil {
		s.OnStateChange(func(s *session.Session, state session.State) {
			if state == session.StateClosed {
				return
			}
			r.save(s, state)
		})
		r.save(s, s.State())
	}
	return nil
}

// Find returns the session for id.
func (r *Registry) Find(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters id and returns the removed session.
func (r *Registry) Remove(id string) (*session.Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	r.metrics.SetActiveSessions(n)

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.store.Delete(ctx, id); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldSessionID, id).Msg("failed to delete session record")
		}
	}
	return s, true
}

// List returns every registered session ordered by creation time.
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Records returns the mirrored records, or nil without a store.
func (r *Registry) Records(ctx context.Context) ([]*Record, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.List(ctx)
}

func (r *Registry) save(s *session.Session, state session.State) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	record := &Record{
		ID:        s.ID(),
		State:     state,
		Kinds:     s.Kinds(),
		CreatedAt: s.CreatedAt(),
		UpdatedAt: time.Now(),
	}
	if err := r.store.Save(ctx, record); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldSessionID, s.ID()).Msg("failed to save session record")
	}
}
