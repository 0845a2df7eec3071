package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/lipread/internal/capability"
	"github.com/loqalabs/lipread/internal/codec"
	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/eventstore"
	"github.com/loqalabs/lipread/internal/lipread"
	"github.com/loqalabs/lipread/internal/localizer"
	"github.com/loqalabs/lipread/internal/model/mock"
	"github.com/loqalabs/lipread/internal/observe"
	"github.com/loqalabs/lipread/internal/session"
)

type testEnv struct {
	srv      *Server
	handler  http.Handler
	model    *mock.Model
	sessions *session.Manager
	store    *eventstore.Store
}

type options struct {
	detector localizer.Detector
	store    bool
}

func newEnv(t *testing.T, opts options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m := &mock.Model{Steps: []mock.Step{{Class: 1, Prob: 0.8}}, NumClasses: 20}
	engine := lipread.NewEngine(m, lipread.DefaultVocabulary(20), lipread.DefaultPolicy(), logger)
	sessions := session.NewManager(config.SessionsConfig{DefaultID: "default", MaxSessions: 16}, 10, logger)

	detector := opts.detector
	if detector == nil {
		detector = localizer.Center{}
	}

	var store *eventstore.Store
	if opts.store {
		store, err = eventstore.Open(context.Background(), config.EventStoreConfig{
			Path:          filepath.Join(t.TempDir(), "events.db"),
			RetentionMode: "session",
		}, logger)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
	}

	srv := New(Deps{
		Config: config.HTTPConfig{
			AllowedOrigins: config.DefaultOrigins,
			MaxBodyBytes:   1 << 20,
			MaxFramePixels: 128 * 128,
		},
		Engine:    engine,
		Sessions:  sessions,
		Extractor: localizer.NewExtractor(detector, time.Second, logger),
		Store:     store,
		Metrics:   metrics,
		Logger:    logger,
		Version:   "test",
	})
	sessions.OnEnd(srv.SessionEnded)
	return &testEnv{srv: srv, handler: srv.Handler(), model: m, sessions: sessions, store: store}
}

func frameURL(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 3), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	url, err := codec.EncodeDataURL(img, 85)
	if err != nil {
		t.Fatal(err)
	}
	return url
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRootAndHealth(t *testing.T) {
	env := newEnv(t, options{})
	root := decode[map[string]string](t, env.do(t, "GET", "/", nil, nil))
	if root["message"] != "Lip Reading API" || root["health"] != "/health" {
		t.Fatalf("unexpected root body %v", root)
	}
	health := decode[map[string]string](t, env.do(t, "GET", "/health", nil, nil))
	if health["status"] != "healthy" || health["model"] != "CNN-LSTM Lip Reading Model" || health["version"] != "test" {
		t.Fatalf("unexpected health body %v", health)
	}
}

func TestProcessFrameSwitchesToSequence(t *testing.T) {
	env := newEnv(t, options{})
	frame := frameURL(t)
	for i := 1; i <= 4; i++ {
		rec := env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frame}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("frame %d: status %d body %s", i, rec.Code, rec.Body.String())
		}
		resp := decode[FrameResponse](t, rec)
		if resp.Mode != "single" || resp.Buffered != i || resp.SessionID != "default" {
			t.Fatalf("frame %d: unexpected response %+v", i, resp)
		}
		if resp.Text != "world" || resp.Confidence < 0.79 || resp.Confidence > 0.81 {
			t.Fatalf("frame %d: unexpected prediction %q %v", i, resp.Text, resp.Confidence)
		}
		if resp.FrameInfo == nil || resp.FrameInfo.Width != 64 || resp.FrameInfo.Height != 48 || resp.FrameInfo.Channels != 3 {
			t.Fatalf("unexpected frame info %+v", resp.FrameInfo)
		}
	}
	resp := decode[FrameResponse](t, env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frame}, nil))
	if resp.Mode != "sequence" || resp.Buffered != 5 || resp.Outcome != "prediction" {
		t.Fatalf("expected sequence mode on 5th frame, got %+v", resp)
	}
	if resp.Text != "world world world world world" {
		t.Fatalf("unexpected sequence text %q", resp.Text)
	}
	calls := env.model.Calls()
	if calls[len(calls)-1] != 5 {
		t.Fatalf("expected model to see 5 frames, saw %d", calls[len(calls)-1])
	}
}

func TestProcessFrameWindowIsBounded(t *testing.T) {
	env := newEnv(t, options{})
	frame := frameURL(t)
	var resp FrameResponse
	for range 13 {
		resp = decode[FrameResponse](t, env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frame}, nil))
	}
	if resp.Buffered != 10 {
		t.Fatalf("expected window capped at 10, got %d", resp.Buffered)
	}
}

func TestProcessFrameInvalid(t *testing.T) {
	env := newEnv(t, options{})
	rec := env.do(t, "POST", "/api/process-frame", frameRequest{Frame: "data:image/jpeg;base64,AAAA"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Detail != "Invalid frame data" {
		t.Fatalf("unexpected detail %q", body.Detail)
	}
	if rec := env.do(t, "POST", "/api/process-frame", "{not json", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
	if env.sessions.Len() != 0 {
		t.Fatal("invalid frames must not create sessions")
	}
}

func TestProcessFrameTooLarge(t *testing.T) {
	env := newEnv(t, options{})
	big, err := codec.EncodeDataURL(image.NewRGBA(image.Rect(0, 0, 256, 256)), 50)
	if err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, "POST", "/api/process-frame", frameRequest{Frame: big}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Detail != "Invalid frame data" {
		t.Fatalf("unexpected detail %q", body.Detail)
	}
	if len(env.model.Calls()) != 0 || env.sessions.Len() != 0 {
		t.Fatal("oversized frames must not reach the model")
	}
}

type noFace struct{}

func (noFace) DetectFace(context.Context, image.Image) (image.Rectangle, bool, error) {
	return image.Rectangle{}, false, nil
}

func TestProcessFrameNoFace(t *testing.T) {
	env := newEnv(t, options{detector: noFace{}})
	resp := decode[FrameResponse](t, env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frameURL(t)}, nil))
	if resp.Text != "No face detected" || resp.Confidence != 0 || resp.Outcome != "no_face" || resp.Buffered != 0 {
		t.Fatalf("unexpected no-face response %+v", resp)
	}
	if len(env.model.Calls()) != 0 {
		t.Fatal("model must not run without a face")
	}
}

func TestProcessFrameModelError(t *testing.T) {
	env := newEnv(t, options{})
	env.model.Err = errors.New("weights corrupted")
	rec := env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frameURL(t)}, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); !strings.Contains(body.Detail, "weights corrupted") {
		t.Fatalf("unexpected detail %q", body.Detail)
	}
}

func TestSessionHeaderWinsAndReset(t *testing.T) {
	env := newEnv(t, options{})
	frame := frameURL(t)
	header := map[string]string{SessionHeader: "cam-a"}
	for range 3 {
		env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frame, SessionID: "ignored"}, header)
	}
	other := decode[FrameResponse](t, env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frame, SessionID: "cam-b"}, nil))
	if other.SessionID != "cam-b" || other.Buffered != 1 {
		t.Fatalf("sessions not isolated: %+v", other)
	}
	if _, ok := env.sessions.Lookup("ignored"); ok {
		t.Fatal("body session id used despite header")
	}

	rec := env.do(t, "POST", "/api/reset", nil, header)
	body := decode[map[string]string](t, rec)
	if body["status"] != "success" || body["message"] != "Frame history cleared" || body["session_id"] != "cam-a" {
		t.Fatalf("unexpected reset body %v", body)
	}
	resp := decode[FrameResponse](t, env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frame}, header))
	if resp.Buffered != 1 {
		t.Fatalf("expected empty window after reset, buffered=%d", resp.Buffered)
	}
	// Resetting twice is harmless.
	if rec := env.do(t, "POST", "/api/reset", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("reset of default session failed: %d", rec.Code)
	}
}

func TestModelInfo(t *testing.T) {
	env := newEnv(t, options{})
	info := decode[modelInfoResponse](t, env.do(t, "GET", "/api/model-info", nil, nil))
	if info.ModelType != "CNN-LSTM" || info.InputShape != [3]int{96, 96, 3} {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.NumClasses != 20 || info.VocabularySize != 20 || info.Device != "cpu" || info.Backend != "mock" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Policy.WindowCapacity != 10 || info.Policy.SequenceMinFrames != 5 || info.Policy.ConfidenceThreshold != 0.3 {
		t.Fatalf("unexpected policy %+v", info.Policy)
	}
}

func TestSessionLifecycleAndHistory(t *testing.T) {
	env := newEnv(t, options{store: true})
	rec := env.do(t, "POST", "/api/sessions", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	id := decode[map[string]string](t, rec)["session_id"]
	header := map[string]string{SessionHeader: id}
	env.do(t, "POST", "/api/process-frame", frameRequest{Frame: frameURL(t)}, header)
	env.do(t, "POST", "/api/reset", nil, header)

	hist := env.do(t, "GET", "/api/sessions/"+id+"/history", nil, nil)
	if hist.Code != http.StatusOK {
		t.Fatalf("history status %d", hist.Code)
	}
	body := decode[struct {
		Events []eventstore.Event `json:"events"`
	}](t, hist)
	if len(body.Events) != 2 || body.Events[0].Text != "world" || body.Events[1].Type != eventstore.TypeReset {
		t.Fatalf("unexpected history %+v", body.Events)
	}

	if rec := env.do(t, "DELETE", "/api/sessions/"+id, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec := env.do(t, "DELETE", "/api/sessions/"+id, nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
	events, err := env.store.History(context.Background(), id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if last := events[len(events)-1]; last.Type != eventstore.TypeSessionEnd || last.Detail != "closed" {
		t.Fatalf("expected session end event, got %+v", last)
	}
	if rec := env.do(t, "GET", "/api/sessions/"+id+"/history?limit=zero", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

type staticNodes []capability.NodeInfo

func (n staticNodes) Nodes() []capability.NodeInfo { return n }

func TestNodes(t *testing.T) {
	env := newEnv(t, options{})
	if rec := env.do(t, "GET", "/api/nodes", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without registry, got %d", rec.Code)
	}
	env.srv.Nodes = staticNodes{{ID: "node-a", Role: "inference", Healthy: true}}
	body := decode[struct {
		Nodes []capability.NodeInfo `json:"nodes"`
	}](t, env.do(t, "GET", "/api/nodes", nil, nil))
	if len(body.Nodes) != 1 || body.Nodes[0].ID != "node-a" || !body.Nodes[0].Healthy {
		t.Fatalf("unexpected nodes %+v", body.Nodes)
	}
}

func TestHistoryDisabled(t *testing.T) {
	env := newEnv(t, options{})
	if rec := env.do(t, "GET", "/api/sessions/x/history", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without store, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newEnv(t, options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/process-frame", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials allowed")
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/process-frame", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign site %q", got)
	}
}

func TestStream(t *testing.T) {
	env := newEnv(t, options{})
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	send := func(v any) streamReply {
		t.Helper()
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var reply streamReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return reply
	}

	frame := frameURL(t)
	var reply streamReply
	for i := 1; i <= 5; i++ {
		reply = send(streamMessage{Frame: frame})
		if reply.Type != "prediction" || reply.Buffered != i {
			t.Fatalf("frame %d: unexpected reply %+v", i, reply)
		}
	}
	if reply.Mode != "sequence" || len(reply.SessionID) != 36 {
		t.Fatalf("unexpected final reply %+v", reply)
	}
	if env.sessions.Len() != 1 {
		t.Fatalf("expected one stream session, got %d", env.sessions.Len())
	}

	if r := send(streamMessage{Type: "reset"}); r.Type != "reset" || r.SessionID != reply.SessionID {
		t.Fatalf("unexpected reset reply %+v", r)
	}
	if r := send(streamMessage{Frame: frame}); r.Buffered != 1 {
		t.Fatalf("expected window cleared by reset, buffered=%d", r.Buffered)
	}
	if r := send(streamMessage{Frame: "garbage"}); r.Type != "error" || r.Detail != "Invalid frame data" {
		t.Fatalf("unexpected error reply %+v", r)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(2 * time.Second)
	for env.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream session not ended after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
