package session

import (
	"context"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
)

// Transport creates peers.
type Transport interface {
	NewPeer() (Peer, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func() (Peer, error)

func (f TransportFunc) NewPeer() (Peer, error) {
	return f()
}

// Peer is one real-time transport connection.
type Peer interface {
	// AddTrack registers an outbound track for kind. Each Write carries one
	// marshalled RTP packet.
	AddTrack(kind media.Kind) (io.Writer, error)

	// Negotiate applies the remote offer, creates the answer and waits for
	// candidate gathering to finish. It returns the finalized local
	// description.
	Negotiate(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)

	// OnConnectionStateChange installs the connection state callback.
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}
