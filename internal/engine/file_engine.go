package engine

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
	pkglog "github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
)

const (
	defaultMTU = 1200

	videoClockRate = 90000
	audioClockRate = 48000

	videoPayloadType = 96
	audioPayloadType = 111
)

// FileEngineConfig configures the file engine.
type FileEngineConfig struct {
	// VideoCodec is the codec clips must carry: "vp8" or "vp9".
	VideoCodec string
	// MTU bounds the size of produced RTP packets.
	MTU int
}

// FileEngine plays IVF video clips, with an optional Ogg/Opus companion
// file of the same base name, and emits marshalled RTP packets.
type FileEngine struct {
	cfg FileEngineConfig
}

// NewFileEngine creates a FileEngine.
func NewFileEngine(cfg FileEngineConfig) *FileEngine {
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = "vp8"
	}
	cfg.VideoCodec = strings.ToLower(cfg.VideoCodec)
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	return &FileEngine{cfg: cfg}
}

// Probe opens the clip at uri and derives its timing metadata.
func (e *FileEngine) Probe(uri string) (timeline.Clip, error) {
	path, err := clipPath(uri)
	if err != nil {
		return timeline.Clip{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return timeline.Clip{}, fmt.Errorf("failed to open clip: %w", err)
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return timeline.Clip{}, fmt.Errorf("%w: %s is not an ivf file: %v", ErrUnsupportedClip, path, err)
	}

	codec, err := codecForFourCC(header.FourCC)
	if err != nil {
		return timeline.Clip{}, err
	}
	if codec != e.cfg.VideoCodec {
		return timeline.Clip{}, fmt.Errorf("%w: clip codec %s, engine encodes %s", ErrUnsupportedClip, codec, e.cfg.VideoCodec)
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		return timeline.Clip{}, fmt.Errorf("%w: invalid timebase in %s", ErrUnsupportedClip, path)
	}

	// The header frame count is often left at zero by muxers; count frames.
	frames := 0
	for {
		if _, _, err := reader.ParseNextFrame(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return timeline.Clip{}, fmt.Errorf("%w: corrupt frame in %s: %v", ErrUnsupportedClip, path, err)
		}
		frames++
	}

	frameRate := float64(header.TimebaseDenominator) / float64(header.TimebaseNumerator)
	clip := timeline.Clip{
		URI:       uri,
		VideoPath: path,
		Codec:     codec,
		Width:     int(header.Width),
		Height:    int(header.Height),
		FrameRate: frameRate,
		Frames:    frames,
		Duration:  time.Duration(float64(frames) / frameRate * float64(time.Second)),
	}

	audioPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".ogg"
	if ok, err := probeOgg(audioPath); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str("path", audioPath).Msg("ignoring unreadable audio companion")
	} else if ok {
		clip.AudioPath = audioPath
	}

	return clip, nil
}

// BuildPipeline constructs a pipeline for kinds bound to view.
func (e *FileEngine) BuildPipeline(view timeline.View, kinds []media.Kind) (Pipeline, error) {
	if view == nil {
		return nil, fmt.Errorf("%w: no timeline", ErrPipelineBuild)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: no media kinds requested", ErrPipelineBuild)
	}
	for _, kind := range kinds {
		if _, err := e.newPacketizer(kind); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPipelineBuild, err)
		}
	}
	return newFilePipeline(e, view, kinds), nil
}

// Ensure FileEngine implements Engine interface
var _ Engine = (*FileEngine)(nil)

func clipPath(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty uri", ErrUnsupportedClip)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedClip, err)
	}
	switch u.Scheme {
	case "":
		return uri, nil
	case "file":
		if u.Path == "" {
			return "", fmt.Errorf("%w: empty file path in %s", ErrUnsupportedClip, uri)
		}
		return u.Path, nil
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedClip, u.Scheme)
	}
}

func codecForFourCC(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return "vp8", nil
	case "VP90":
		return "vp9", nil
	default:
		return "", fmt.Errorf("%w: fourcc %q", ErrUnsupportedClip, fourCC)
	}
}

func probeOgg(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, _, err := oggreader.NewWith(f); err != nil {
		return false, err
	}
	return true, nil
}
