package webrtc

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
)

const streamID = "broadcast"

// PeerManager creates outbound-only peer connections.
type PeerManager struct {
	iceServers []webrtc.ICEServer
	videoCodec string
}

// NewPeerManager creates a new PeerManager. videoCodec selects the
// capability of outbound video tracks: "vp8" or "vp9".
func NewPeerManager(iceServers []webrtc.ICEServer, videoCodec string) *PeerManager {
	return &PeerManager{
		iceServers: iceServers,
		videoCodec: strings.ToLower(videoCodec),
	}
}

// Transport exposes the manager as a session.Transport.
func (pm *PeerManager) Transport() session.Transport {
	return session.TransportFunc(func() (session.Peer, error) {
		return pm.NewPeer()
	})
}

func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}

	// Register VP8 codec
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	// Register VP9 codec
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP9,
			ClockRate: 90000,
		},
		PayloadType: 98,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	// Register Opus codec for audio
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// NewPeer creates a peer connection.
func (pm *PeerManager) NewPeer() (*Peer, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to build webrtc api: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: pm.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		l := log.L()
		l.Debug().Str("ice_state", state.String()).Msg("ICE connection state changed")
	})

	return &Peer{pc: pc, videoCodec: pm.videoCodec}, nil
}

// Peer wraps one pion peer connection.
type Peer struct {
	pc         *webrtc.PeerConnection
	videoCodec string
}

// AddTrack adds an outbound RTP track for kind and returns it. Writes take
// marshalled RTP packets; SSRC and payload type are rewritten per binding.
func (p *Peer) AddTrack(kind media.Kind) (io.Writer, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case media.KindVideo:
		mime := webrtc.MimeTypeVP8
		if p.videoCodec == "vp9" {
			mime = webrtc.MimeTypeVP9
		}
		capability = webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}
	case media.KindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	default:
		return nil, fmt.Errorf("unsupported media kind: %q", kind)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, kind.String(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", kind, err)
	}

	// Incoming RTCP must be read for interceptors such as NACK to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return track, nil
}

// Negotiate processes an SDP offer and returns the finalized answer once ICE
// gathering completes.
func (p *Peer) Negotiate(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return p.pc.LocalDescription(), nil
}

// OnConnectionStateChange installs the connection state handler.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

var _ session.Peer = (*Peer)(nil)
