// Package timeline holds the shared, append-only editing timeline.
//
// Exactly one goroutine (the orchestrator loop) appends clips. Render
// pipelines read through View, which is safe for concurrent use.
package timeline

import (
	"sync"
	"time"
)

// Clip is one source reference plus the timing metadata the engine derived
// for it when it was probed. Clips are values and never change after they
// are appended.
type Clip struct {
	URI       string        `json:"uri"`
	VideoPath string        `json:"video_path,omitempty"`
	AudioPath string        `json:"audio_path,omitempty"`
	Codec     string        `json:"codec,omitempty"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	FrameRate float64       `json:"frame_rate,omitempty"`
	Frames    int           `json:"frames,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// HasAudio reports whether the clip carries an audio stream.
func (c Clip) HasAudio() bool {
	return c.AudioPath != ""
}

// Layer is an ordered run of clips. Insertion order is playback order.
type Layer struct {
	Priority int
	clips    []Clip
}

// View is the read-only capability handed to render slots.
type View interface {
	// Len returns the number of clips on the playback layer.
	Len() int
	// Clip returns the clip at index i on the playback layer.
	Clip(i int) (Clip, bool)
	// Clips returns a copy of the playback layer.
	Clips() []Clip
	// Changed returns a channel that is closed by the next append.
	Changed() <-chan struct{}
}

// Timeline is the process-wide shared timeline.
type Timeline struct {
	mu      sync.RWMutex
	layers  []*Layer
	changed chan struct{}
}

// New creates an empty timeline with no layers.
func New() *Timeline {
	return &Timeline{
		changed: make(chan struct{}),
	}
}

// Append adds a clip to the end of the playback layer, creating the layer
// first if none exists, and wakes every reader waiting on Changed.
func (t *Timeline) Append(clip Clip) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.layers) == 0 {
		t.layers = append(t.layers, &Layer{Priority: 0})
	}
	layer := t.layers[0]
	layer.clips = append(layer.clips, clip)

	close(t.changed)
	t.changed = make(chan struct{})
}

// Layers returns the number of layers.
func (t *Timeline) Layers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.layers)
}

// Len returns the number of clips on the playback layer.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.layers) == 0 {
		return 0
	}
	return len(t.layers[0].clips)
}

// Clip returns the clip at index i on the playback layer.
func (t *Timeline) Clip(i int) (Clip, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.layers) == 0 || i < 0 || i >= len(t.layers[0].clips) {
		return Clip{}, false
	}
	return t.layers[0].clips[i], true
}

// Clips returns a copy of the playback layer.
func (t *Timeline) Clips() []Clip {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.layers) == 0 {
		return []Clip{}
	}
	out := make([]Clip, len(t.layers[0].clips))
	copy(out, t.layers[0].clips)
	return out
}

// Duration returns the summed duration of the playback layer.
func (t *Timeline) Duration() time.Duration {
	var total time.Duration
	for _, c := range t.Clips() {
		total += c.Duration
	}
	return total
}

// Changed returns a channel that is closed by the next Append. Callers must
// fetch the channel before checking Len or Clip to avoid missing a wakeup.
func (t *Timeline) Changed() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

// Ensure Timeline implements View interface
var _ View = (*Timeline)(nil)
