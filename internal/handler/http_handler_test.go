package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/engine/enginetest"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/orchestrator"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/registry"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/service"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/timeline"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/storage"
)

const knownID = "6f1c9a52-3b8e-4d0a-9f5e-2c7d4b1a8e90"

type fakeService struct {
	connectErr error
	submitErr  error
	sessions   map[string]*service.SessionInfo
	clips      []string
	commands   []string
	closed     []string
}

func newFakeService() *fakeService {
	return &fakeService{
		sessions: map[string]*service.SessionInfo{
			knownID: {
				ID:        knownID,
				State:     session.StateActive,
				Kinds:     []media.Kind{media.KindVideo},
				CreatedAt: time.Unix(1700000000, 0).UTC(),
				Slot: &orchestrator.SlotInfo{
					SessionID: knownID,
					State:     engine.StatePlaying,
				},
			},
		},
	}
}

func (f *fakeService) Connect(ctx context.Context, offer webrtc.SessionDescription) (*service.ConnectResult, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &service.ConnectResult{
		SessionID: knownID,
		Answer:    &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer for " + offer.SDP},
	}, nil
}

func (f *fakeService) AddClip(ctx context.Context, uri string) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.clips = append(f.clips, uri)
	return nil
}

func (f *fakeService) command(name, id string) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.commands = append(f.commands, name+":"+id)
	return nil
}

func (f *fakeService) Play(ctx context.Context, id string) error  { return f.command("play", id) }
func (f *fakeService) Pause(ctx context.Context, id string) error { return f.command("pause", id) }

func (f *fakeService) CloseSession(ctx context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return service.ErrSessionNotFound
	}
	delete(f.sessions, id)
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeService) GetSession(ctx context.Context, id string) (*service.SessionInfo, error) {
	info, ok := f.sessions[id]
	if !ok {
		return nil, service.ErrSessionNotFound
	}
	return info, nil
}

func (f *fakeService) ListSessions(ctx context.Context) []*service.SessionInfo {
	out := make([]*service.SessionInfo, 0, len(f.sessions))
	for _, info := range f.sessions {
		out = append(out, info)
	}
	return out
}

func (f *fakeService) Timeline() []timeline.Clip {
	out := make([]timeline.Clip, 0, len(f.clips))
	for _, uri := range f.clips {
		out = append(out, timeline.Clip{URI: uri, Duration: 2 * time.Second})
	}
	return out
}

func (f *fakeService) ListenControl(ctx context.Context) error { return nil }
func (f *fakeService) Shutdown(ctx context.Context) error      { return nil }

func newRouter(svc service.BroadcastService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, idgen.NewUUIDGenerator()).RegisterRoutes(r)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestSignalingCreatesSession(t *testing.T) {
	r := newRouter(newFakeService())

	w := do(r, http.MethodPost, "/signaling", `{"type":"offer","sdp":"v=0"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, knownID, w.Header().Get("X-Session-ID"))
	assert.Equal(t, "/api/v1/sessions/"+knownID, w.Header().Get("Location"))

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, "answer for v=0", answer.SDP)
}

func TestSignalingRejectsMalformedBody(t *testing.T) {
	r := newRouter(newFakeService())

	for _, body := range []string{`not json`, `{"type":"offer"}`, `{"type":"answer","sdp":"v=0"}`} {
		w := do(r, http.MethodPost, "/signaling", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.NotEmpty(t, errorBody(t, w))
	}
}

func TestSignalingFailureIs500(t *testing.T) {
	svc := newFakeService()
	svc.connectErr = errors.New("negotiation failed: no local description")
	r := newRouter(svc)

	w := do(r, http.MethodPost, "/signaling", `{"type":"offer","sdp":"v=0"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to establish session", errorBody(t, w))
	assert.NotContains(t, w.Body.String(), "no local description")
	assert.Empty(t, w.Header().Get("X-Session-ID"))
}

func TestTimelineRoutes(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc)

	w := do(r, http.MethodPost, "/api/v1/timeline/clips", `{"uri":"file:///clips/a.ivf"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"file:///clips/a.ivf"}, svc.clips)

	w = do(r, http.MethodPost, "/api/v1/timeline/clips", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/timeline", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Clips []timeline.Clip `json:"clips"`
		Count int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "file:///clips/a.ivf", body.Clips[0].URI)

	svc.submitErr = errors.New("command queue closed")
	w = do(r, http.MethodPost, "/api/v1/timeline/clips", `{"uri":"file:///clips/b.ivf"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	svc.submitErr = service.ErrStorageDisabled
	w = do(r, http.MethodPost, "/api/v1/timeline/clips", `{"uri":"storage://clips/b.ivf"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.submitErr = fmt.Errorf("%w: clips/b.ivf", storage.ErrNotFound)
	w = do(r, http.MethodPost, "/api/v1/timeline/clips", `{"uri":"storage://clips/b.ivf"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionRoutes(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc)

	w := do(r, http.MethodGet, "/api/v1/sessions/"+knownID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		ID    string `json:"id"`
		State string `json:"state"`
		Slot  struct {
			State string `json:"state"`
		} `json:"slot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, knownID, info.ID)
	assert.Equal(t, "active", info.State)
	assert.Equal(t, "playing", info.Slot.State)

	w = do(r, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, http.MethodPost, "/api/v1/sessions/"+knownID+"/pause", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(r, http.MethodPost, "/api/v1/sessions/"+knownID+"/play", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"pause:" + knownID, "play:" + knownID}, svc.commands)

	w = do(r, http.MethodDelete, "/api/v1/sessions/"+knownID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{knownID}, svc.closed)

	w = do(r, http.MethodDelete, "/api/v1/sessions/"+knownID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(r, http.MethodPost, "/api/v1/sessions/"+knownID+"/play", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "play:"+knownID, svc.commands[len(svc.commands)-1])

	svc.submitErr = errors.New("command queue closed")
	w = do(r, http.MethodPost, "/api/v1/sessions/"+knownID+"/pause", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestControlForUnknownSessionKeepsLoopRunning(t *testing.T) {
	orch := orchestrator.New(enginetest.New(), timeline.New(), orchestrator.Config{AutoPlay: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	noPeers := session.TransportFunc(func() (session.Peer, error) {
		return nil, errors.New("no peers")
	})
	svc := service.NewBroadcastService(noPeers, orch, registry.New(nil, nil), nil, nil, session.Options{
		Kinds: []media.Kind{media.KindVideo},
	})
	r := newRouter(svc)

	w := do(r, http.MethodPost, "/api/v1/sessions/"+knownID+"/pause", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(r, http.MethodPost, "/api/v1/sessions/"+knownID+"/play", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(r, http.MethodPost, "/api/v1/timeline/clips", `{"uri":"file:///clips/a.ivf"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return len(svc.Timeline()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMalformedSessionIDIs404(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc)

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/sessions/not-a-uuid"},
		{http.MethodPost, "/api/v1/sessions/not-a-uuid/play"},
		{http.MethodDelete, "/api/v1/sessions/not-a-uuid"},
	} {
		w := do(r, req.method, req.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, req.path)
		assert.Equal(t, "session not found", errorBody(t, w))
	}
	assert.Empty(t, svc.commands)
}

func TestAPIMiddlewareGuardsControlRoutesOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deny := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
	}
	NewHandler(newFakeService(), idgen.NewUUIDGenerator()).RegisterRoutes(r, deny)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/timeline", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/v1/sessions/"+knownID+"/play", "").Code)
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/signaling", `{"type":"offer","sdp":"v=0"}`).Code)
}
