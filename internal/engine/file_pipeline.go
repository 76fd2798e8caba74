package engine

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
	pkglog "github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var errStopped = errors.New("pipeline stopped")

// sinkError marks a failure returned by the installed SampleFunc. It ends
// delivery for that kind instead of skipping to the next clip.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "sample sink: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func (e *FileEngine) payloadType(kind media.Kind) uint8 {
	if kind == media.KindAudio {
		return audioPayloadType
	}
	if e.cfg.VideoCodec == "vp9" {
		return 98
	}
	return videoPayloadType
}

func (e *FileEngine) newPacketizer(kind media.Kind) (rtp.Packetizer, error) {
	var (
		payloader rtp.Payloader
		clockRate uint32
	)
	switch kind {
	case media.KindVideo:
		switch e.cfg.VideoCodec {
		case "vp8":
			payloader = &codecs.VP8Payloader{EnablePictureID: true}
		case "vp9":
			payloader = &codecs.VP9Payloader{}
		default:
			return nil, fmt.Errorf("unsupported video codec: %s", e.cfg.VideoCodec)
		}
		clockRate = videoClockRate
	case media.KindAudio:
		payloader = &codecs.OpusPayloader{}
		clockRate = audioClockRate
	default:
		return nil, fmt.Errorf("unsupported media kind: %q", kind)
	}

	return rtp.NewPacketizer(
		uint16(e.cfg.MTU),
		e.payloadType(kind),
		rand.Uint32(),
		payloader,
		rtp.NewRandomSequencer(),
		clockRate,
	), nil
}

// filePipeline runs one producer goroutine per media kind. Each goroutine
// walks the timeline from the first clip and paces output against the wall
// clock.
type filePipeline struct {
	engine *FileEngine
	view   timeline.View
	kinds  []media.Kind

	mu       sync.Mutex
	state    State
	started  bool
	sinks    map[media.Kind]SampleFunc
	stop     chan struct{}
	resume   chan struct{}
	wg       sync.WaitGroup
	teardown bool
}

func newFilePipeline(e *FileEngine, view timeline.View, kinds []media.Kind) *filePipeline {
	ks := make([]media.Kind, len(kinds))
	copy(ks, kinds)
	return &filePipeline{
		engine: e,
		view:   view,
		kinds:  ks,
		state:  StateNull,
		sinks:  make(map[media.Kind]SampleFunc, len(kinds)),
		stop:   make(chan struct{}),
		resume: make(chan struct{}),
	}
}

func (p *filePipeline) OnSample(kind media.Kind, fn SampleFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("sample callback for %s installed after start", kind)
	}
	if !p.hasKind(kind) {
		return fmt.Errorf("pipeline does not produce %s", kind)
	}
	if fn == nil {
		return fmt.Errorf("nil sample callback for %s", kind)
	}
	p.sinks[kind] = fn
	return nil
}

func (p *filePipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *filePipeline) SetState(to State) error {
	p.mu.Lock()
	from := p.state

	if to == from {
		p.mu.Unlock()
		return nil
	}

	switch to {
	case StateNull:
		p.teardown = true
		if p.started {
			close(p.stop)
		}
		p.state = StateNull
		p.mu.Unlock()
		// Producers may be inside a sink; wait without holding the lock.
		p.wg.Wait()
		return nil

	case StatePaused, StatePlaying:
		if p.teardown {
			p.mu.Unlock()
			return &StateTransitionError{From: from, To: to, Err: errors.New("pipeline already torn down")}
		}
		if !p.started {
			if err := p.start(); err != nil {
				p.mu.Unlock()
				return &StateTransitionError{From: from, To: to, Err: err}
			}
		}
		if to == StatePlaying {
			close(p.resume)
		} else if from == StatePlaying {
			p.resume = make(chan struct{})
		}
		p.state = to
		p.mu.Unlock()
		return nil

	default:
		p.mu.Unlock()
		return &StateTransitionError{From: from, To: to, Err: fmt.Errorf("unknown state %d", to)}
	}
}

// start must be called with mu held.
func (p *filePipeline) start() error {
	for _, kind := range p.kinds {
		if _, ok := p.sinks[kind]; !ok {
			return fmt.Errorf("no sample callback for %s", kind)
		}
	}

	streamers := make([]*streamer, 0, len(p.kinds))
	for _, kind := range p.kinds {
		packetizer, err := p.engine.newPacketizer(kind)
		if err != nil {
			return err
		}
		streamers = append(streamers, &streamer{
			pipeline:   p,
			kind:       kind,
			sink:       p.sinks[kind],
			packetizer: packetizer,
			stop:       p.stop,
		})
	}

	for _, s := range streamers {
		p.wg.Add(1)
		go s.run()
	}
	p.started = true
	return nil
}

func (p *filePipeline) hasKind(kind media.Kind) bool {
	for _, k := range p.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (p *filePipeline) resumeCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resume
}

// streamer produces one media kind.
type streamer struct {
	pipeline   *filePipeline
	kind       media.Kind
	sink       SampleFunc
	packetizer rtp.Packetizer
	stop       <-chan struct{}

	// pos is the media position of the next sample; base is the wall clock
	// time at which position zero would have played.
	pos  time.Duration
	base time.Time
}

func (s *streamer) run() {
	defer s.pipeline.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l := pkglog.L().With().Str(pkglog.FieldMediaKind, s.kind.String()).Logger()
	s.base = time.Now()

	for i := 0; ; i++ {
		clip, err := s.nextClip(i)
		if err != nil {
			return
		}

		start := s.pos
		switch s.kind {
		case media.KindVideo:
			err = s.playVideo(clip)
		case media.KindAudio:
			err = s.playAudio(clip)
		}

		var se *sinkError
		switch {
		case err == nil:
		case errors.Is(err, errStopped):
			return
		case errors.As(err, &se):
			l.Debug().Err(se.err).Msg("sample sink closed, stopping producer")
			return
		default:
			l.Warn().Err(err).Str(pkglog.FieldClipURI, clip.URI).Msg("skipping unplayable clip")
		}
		s.pos = start + clip.Duration
	}
}

// nextClip returns clip i, waiting for it to be appended if the timeline is
// exhausted.
func (s *streamer) nextClip(i int) (timeline.Clip, error) {
	view := s.pipeline.view
	waited := false
	for {
		changed := view.Changed()
		if clip, ok := view.Clip(i); ok {
			if waited {
				s.reset()
			}
			return clip, nil
		}
		waited = true
		select {
		case <-changed:
		case <-s.stop:
			return timeline.Clip{}, errStopped
		}
	}
}

func (s *streamer) reset() {
	s.base = time.Now().Add(-s.pos)
}

// gate blocks while the pipeline is paused.
func (s *streamer) gate() error {
	resume := s.pipeline.resumeCh()
	select {
	case <-resume:
		return nil
	default:
	}

	select {
	case <-resume:
		s.reset()
		return nil
	case <-s.stop:
		return errStopped
	}
}

// pace sleeps until the current position is due.
func (s *streamer) pace() error {
	d := time.Until(s.base.Add(s.pos))
	if d <= 0 {
		select {
		case <-s.stop:
			return errStopped
		default:
			return nil
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.stop:
		return errStopped
	}
}

func (s *streamer) deliver(payload []byte, samples uint32, d time.Duration) error {
	if err := s.pace(); err != nil {
		return err
	}
	if err := s.gate(); err != nil {
		return err
	}

	for _, pkt := range s.packetizer.Packetize(payload, samples) {
		data, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if err := s.sink(data); err != nil {
			return &sinkError{err: err}
		}
	}
	s.pos += d
	return nil
}

func (s *streamer) playVideo(clip timeline.Clip) error {
	f, err := os.Open(clip.VideoPath)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	if header.TimebaseDenominator == 0 {
		return fmt.Errorf("%w: invalid timebase", ErrUnsupportedClip)
	}

	frameDuration := time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	samples := uint32(uint64(videoClockRate) * uint64(header.TimebaseNumerator) / uint64(header.TimebaseDenominator))

	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.deliver(frame, samples, frameDuration); err != nil {
			return err
		}
	}
}

func (s *streamer) playAudio(clip timeline.Clip) error {
	end := s.pos + clip.Duration
	if !clip.HasAudio() {
		return s.playSilence(end)
	}

	f, err := os.Open(clip.AudioPath)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	for s.pos < end {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		// Comment pages carry no samples.
		if header.GranulePosition <= lastGranule {
			lastGranule = header.GranulePosition
			continue
		}
		count := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition

		d := time.Duration(float64(count) / audioClockRate * float64(time.Second))
		if err := s.deliver(page, uint32(count), d); err != nil {
			return err
		}
	}

	if s.pos < end {
		return s.playSilence(end)
	}
	return nil
}

// playSilence keeps audio aligned with video for clips without sound.
func (s *streamer) playSilence(end time.Duration) error {
	samples := uint32(audioClockRate * opusFrameDuration / time.Second)
	for s.pos < end {
		if err := s.deliver(opusSilence, samples, opusFrameDuration); err != nil {
			return err
		}
	}
	return nil
}

// Ensure filePipeline implements Pipeline interface
var _ Pipeline = (*filePipeline)(nil)
