package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
)

func sample(b byte) media.Sample {
	return media.Sample{Kind: media.KindVideo, Data: []byte{b}}
}

func TestSendBlocksAfterCapacity(t *testing.T) {
	const capacity = 4
	b := New(media.KindVideo, capacity)

	for i := 0; i < capacity; i++ {
		require.NoError(t, b.Send(sample(byte(i))))
	}
	assert.Equal(t, capacity, b.Len())

	sent := make(chan error, 1)
	go func() {
		sent <- b.Send(sample(capacity))
	}()

	select {
	case <-sent:
		t.Fatal("send on a full bridge returned before a receive")
	case <-time.After(50 * time.Millisecond):
	}

	got, ok := b.Receive(context.Background())
	require.True(t, ok)
	assert.Equal(t, []byte{0}, got.Data)

	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released by a receive")
	}
}

func TestSamplesPreserveOrder(t *testing.T) {
	b := New(media.KindAudio, 8)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send(sample(byte(i))))
	}

	var got []byte
	for s := range b.Samples(context.Background()) {
		got = append(got, s.Data[0])
		if len(got) == 5 {
			break
		}
	}
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, got)
}

func TestCloseFailsPendingAndFutureSends(t *testing.T) {
	b := New(media.KindVideo, 1)
	require.NoError(t, b.Send(sample(0)))

	pending := make(chan error, 1)
	go func() {
		pending <- b.Send(sample(1))
	}()
	time.Sleep(20 * time.Millisecond)

	b.Close()

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending send was not released by Close")
	}
	assert.ErrorIs(t, b.Send(sample(2)), ErrClosed)
	assert.True(t, b.Closed())

	// Closing twice is harmless.
	b.Close()
}

func TestSamplesTerminateOnClose(t *testing.T) {
	b := New(media.KindVideo, 4)

	finished := make(chan int, 1)
	go func() {
		n := 0
		for range b.Samples(context.Background()) {
			n++
		}
		finished <- n
	}()

	require.NoError(t, b.Send(sample(1)))
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case n := <-finished:
		assert.LessOrEqual(t, n, 1)
	case <-time.After(time.Second):
		t.Fatal("sequence did not terminate after Close")
	}
}

func TestSamplesTerminateOnContext(t *testing.T) {
	b := New(media.KindVideo, 4)
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		for range b.Samples(ctx) {
		}
		close(finished)
	}()

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("sequence did not terminate after context cancel")
	}
	assert.False(t, b.Closed())
}

func TestNewSet(t *testing.T) {
	set := NewSet([]media.Kind{media.KindAudio, media.KindVideo}, 0)

	assert.Equal(t, []media.Kind{media.KindVideo, media.KindAudio}, set.Kinds())
	assert.Equal(t, DefaultCapacity, set[media.KindVideo].Cap())

	set.Close()
	for _, b := range set {
		assert.True(t, b.Closed())
	}
}
