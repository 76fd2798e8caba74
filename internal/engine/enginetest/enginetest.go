// Package enginetest provides an in-memory engine for tests of the packages
// that drive pipelines.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
)

// DefaultClipDuration is the duration Probe reports.
const DefaultClipDuration = 2 * time.Second

// Engine is a scripted engine.Engine.
type Engine struct {
	mu          sync.Mutex
	probeErrors map[string]error
	buildErr    error
	probed      []string
	pipelines   []*Pipeline
}

// New creates an Engine whose probes succeed.
func New() *Engine {
	return &Engine{probeErrors: make(map[string]error)}
}

// FailProbe makes Probe(uri) return err.
func (e *Engine) FailProbe(uri string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probeErrors[uri] = err
}

// FailBuild makes every later BuildPipeline call return err.
func (e *Engine) FailBuild(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buildErr = err
}

func (e *Engine) Probe(uri string) (timeline.Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probed = append(e.probed, uri)
	if err, ok := e.probeErrors[uri]; ok {
		return timeline.Clip{}, err
	}
	return timeline.Clip{
		URI:       uri,
		VideoPath: uri,
		Codec:     "vp8",
		FrameRate: 30,
		Frames:    60,
		Duration:  DefaultClipDuration,
	}, nil
}

func (e *Engine) BuildPipeline(view timeline.View, kinds []media.Kind) (engine.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buildErr != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrPipelineBuild, e.buildErr)
	}
	p := &Pipeline{
		View:  view,
		kinds: kinds,
		sinks: make(map[media.Kind]engine.SampleFunc),
	}
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

// Probed returns every uri passed to Probe.
func (e *Engine) Probed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.probed...)
}

// Pipelines returns every pipeline built so far.
func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Pipeline(nil), e.pipelines...)
}

// Pipeline is a scripted engine.Pipeline. Samples are produced only when a
// test calls Emit.
type Pipeline struct {
	View timeline.View

	mu          sync.Mutex
	kinds       []media.Kind
	state       engine.State
	sinks       map[media.Kind]engine.SampleFunc
	transitions []engine.State
	reject      error
}

func (p *Pipeline) OnSample(kind media.Kind, fn engine.SampleFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.kinds {
		if k == kind {
			p.sinks[kind] = fn
			return nil
		}
	}
	return fmt.Errorf("pipeline does not produce %s", kind)
}

func (p *Pipeline) SetState(state engine.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state != engine.StateNull && p.reject != nil {
		return &engine.StateTransitionError{From: p.state, To: state, Err: p.reject}
	}
	p.transitions = append(p.transitions, state)
	p.state = state
	return nil
}

func (p *Pipeline) State() engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reject makes later transitions out of Null fail with err.
func (p *Pipeline) Reject(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = err
}

// Transitions returns every accepted transition in order.
func (p *Pipeline) Transitions() []engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.State(nil), p.transitions...)
}

// Emit invokes the kind's callback the way a pipeline thread would.
func (p *Pipeline) Emit(kind media.Kind, data []byte) error {
	p.mu.Lock()
	fn, ok := p.sinks[kind]
	p.mu.Unlock()
	if !ok {
		return errors.New("no callback installed for " + kind.String())
	}
	return fn(data)
}

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Pipeline = (*Pipeline)(nil)
)
