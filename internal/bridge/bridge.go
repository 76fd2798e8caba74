// Package bridge carries encoded samples from an engine-owned producer
// thread to a single asynchronous consumer.
//
// The producer side only ever blocks; it never waits on anything owned by
// the consumer's scheduler. A full bridge throttles the one pipeline that
// feeds it and nothing else.
package bridge

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
)

// DefaultCapacity is roughly one encoder GOP of RTP packets.
const DefaultCapacity = 100

// ErrClosed is returned by Send once the bridge has been closed.
var ErrClosed = errors.New("bridge closed")

// Bridge is a bounded FIFO between one producer and one consumer.
type Bridge struct {
	kind media.Kind
	ch   chan media.Sample

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Bridge for the given media kind. A capacity below 1 falls
// back to DefaultCapacity.
func New(kind media.Kind, capacity int) *Bridge {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Bridge{
		kind: kind,
		ch:   make(chan media.Sample, capacity),
		done: make(chan struct{}),
	}
}

// Kind returns the media kind this bridge carries.
func (b *Bridge) Kind() media.Kind {
	return b.kind
}

// Send queues a sample. It blocks while the bridge is full and returns
// ErrClosed if the bridge is closed before or while waiting.
func (b *Bridge) Send(sample media.Sample) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.ch <- sample:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// Receive returns the next sample. ok is false once the bridge is closed or
// ctx is done.
func (b *Bridge) Receive(ctx context.Context) (media.Sample, bool) {
	// Close wins over buffered samples.
	select {
	case <-b.done:
		return media.Sample{}, false
	default:
	}

	select {
	case sample := <-b.ch:
		return sample, true
	case <-b.done:
		return media.Sample{}, false
	case <-ctx.Done():
		return media.Sample{}, false
	}
}

// Samples returns the consumer view of the bridge as a sequence that ends
// when the bridge is closed or ctx is done.
func (b *Bridge) Samples(ctx context.Context) iter.Seq[media.Sample] {
	return func(yield func(media.Sample) bool) {
		for {
			sample, ok := b.Receive(ctx)
			if !ok {
				return
			}
			if !yield(sample) {
				return
			}
		}
	}
}

// Close closes the bridge. It is safe to call from either side and more
// than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the bridge closes.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Len returns the number of queued samples.
func (b *Bridge) Len() int {
	return len(b.ch)
}

// Cap returns the bridge capacity.
func (b *Bridge) Cap() int {
	return cap(b.ch)
}

// Set is one bridge per media kind, as handed from a session to its render
// slot.
type Set map[media.Kind]*Bridge

// NewSet creates one bridge per kind.
func NewSet(kinds []media.Kind, capacity int) Set {
	set := make(Set, len(kinds))
	for _, kind := range kinds {
		set[kind] = New(kind, capacity)
	}
	return set
}

// Kinds returns the kinds present in the set.
func (s Set) Kinds() []media.Kind {
	kinds := make([]media.Kind, 0, len(s))
	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		if _, ok := s[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Close closes every bridge in the set.
func (s Set) Close() {
	for _, b := range s {
		b.Close()
	}
}
