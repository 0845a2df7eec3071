// Package httpapi serves the lip reading HTTP and WebSocket API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/lipread/internal/bus"
	"github.com/loqalabs/lipread/internal/capability"
	"github.com/loqalabs/lipread/internal/codec"
	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/eventstore"
	"github.com/loqalabs/lipread/internal/lipread"
	"github.com/loqalabs/lipread/internal/localizer"
	"github.com/loqalabs/lipread/internal/observe"
	"github.com/loqalabs/lipread/internal/protocol"
	"github.com/loqalabs/lipread/internal/session"
)

// SessionHeader carries the client session ID; it wins over the body field.
const SessionHeader = "X-Session-ID"

// NodeDirectory lists the runtimes sharing the bus.
type NodeDirectory interface {
	Nodes() []capability.NodeInfo
}

// Deps are the collaborators of a Server. Store, Publisher and Nodes may be
// nil.
type Deps struct {
	Config    config.HTTPConfig
	Engine    *lipread.Engine
	Sessions  *session.Manager
	Extractor *localizer.Extractor
	Store     *eventstore.Store
	Publisher *bus.Publisher
	Nodes     NodeDirectory
	Metrics   *observe.Metrics
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	Deps
	log *slog.Logger
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{Deps: d, log: d.Logger.With(slog.String("component", "httpapi"))}
}

// Register mounts every API route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/process-frame", s.handleProcessFrame)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/model-info", s.handleModelInfo)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleEndSession)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/stream", s.handleStream)
}

// Wrap adds CORS and request observability around h.
func (s *Server) Wrap(h http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.Config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions, http.MethodHead},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return observe.Middleware(s.Metrics, s.log)(c.Handler(h))
}

// Handler returns the API on its own mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return s.Wrap(mux)
}

// FrameResponse is the reply to one processed frame.
type FrameResponse struct {
	Text       string           `json:"text"`
	Confidence float64          `json:"confidence"`
	FrameInfo  *codec.FrameInfo `json:"frame_info,omitempty"`
	SessionID  string           `json:"session_id"`
	Mode       string           `json:"mode"`
	Outcome    string           `json:"outcome"`
	Buffered   int              `json:"buffered"`
}

// ProcessFrame decodes data, extracts the mouth region and runs the session's
// window through the engine. Undecodable input returns codec.ErrInvalidFrame.
func (s *Server) ProcessFrame(ctx context.Context, sessionID, data string) (FrameResponse, error) {
	ctx, span := observe.StartSpan(ctx, "lipread.process_frame")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	img, err := codec.DecodeDataURL(data, s.Config.MaxFramePixels)
	if err != nil {
		return FrameResponse{}, err
	}
	info := codec.Info(img)

	start := time.Now()
	frame, found, err := s.Extractor.Extract(ctx, img)
	s.Metrics.LocalizationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return FrameResponse{}, fmt.Errorf("extract mouth region: %w", err)
	}

	var res lipread.Result
	var buffered int
	if !found {
		res = lipread.NoFace()
		if sess, ok := s.Sessions.Lookup(sessionID); ok {
			buffered = sess.Buffered()
		}
	} else {
		res, buffered, err = s.Sessions.Observe(ctx, sessionID, frame, s.predict)
		if err != nil {
			return FrameResponse{}, err
		}
	}

	resp := FrameResponse{
		Text:       res.Text,
		Confidence: res.Confidence,
		FrameInfo:  &info,
		SessionID:  sessionID,
		Mode:       res.Mode.String(),
		Outcome:    res.Outcome.String(),
		Buffered:   buffered,
	}
	s.Metrics.RecordFrame(ctx, resp.Outcome, resp.Mode)
	s.record(ctx, resp)
	return resp, nil
}

func (s *Server) predict(ctx context.Context, frames []lipread.Frame) (lipread.Result, error) {
	mode := s.Engine.Policy().SelectMode(len(frames))
	ctx, span := observe.StartSpan(ctx, "lipread.inference")
	defer span.End()
	span.SetAttributes(attribute.String("mode", mode.String()), attribute.Int("frames", len(frames)))

	start := time.Now()
	res, err := s.Engine.PredictWindow(ctx, frames)
	s.Metrics.InferenceDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("mode", mode.String())))
	return res, err
}

func (s *Server) record(ctx context.Context, resp FrameResponse) {
	traceID := observe.CorrelationID(ctx)
	if s.Store != nil {
		err := s.Store.Append(ctx, eventstore.Event{
			SessionID:  resp.SessionID,
			TraceID:    traceID,
			Type:       eventstore.TypePrediction,
			Text:       resp.Text,
			Confidence: resp.Confidence,
			Outcome:    resp.Outcome,
			Mode:       resp.Mode,
			Buffered:   resp.Buffered,
		})
		if err != nil {
			s.log.Warn("failed to record prediction", slogError(err))
		}
	}
	s.Publisher.Prediction(protocol.Prediction{
		SessionID:  resp.SessionID,
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Outcome:    resp.Outcome,
		Mode:       resp.Mode,
		Buffered:   resp.Buffered,
		TraceID:    traceID,
	})
}

// ResetSession clears the window of sessionID and records the reset.
func (s *Server) ResetSession(ctx context.Context, sessionID string) {
	s.Sessions.Reset(sessionID)
	if s.Store != nil {
		if err := s.Store.Append(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeReset, TraceID: observe.CorrelationID(ctx)}); err != nil {
			s.log.Warn("failed to record reset", slogError(err))
		}
	}
	s.Publisher.SessionReset(sessionID)
}

// SessionEnded records the end of a session; it is installed as the session
// manager's end hook.
func (s *Server) SessionEnded(id string, reason session.EndReason) {
	if s.Store != nil {
		if err := s.Store.EndSession(context.Background(), id, string(reason)); err != nil {
			s.log.Warn("failed to record session end", slog.String("session_id", id), slogError(err))
		}
	}
	s.Publisher.SessionEnded(id, string(reason))
}

func (s *Server) sessionID(r *http.Request, body string) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	return s.Sessions.Resolve(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encode error"}`, http.StatusInternalServerError)
	}
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// originPatterns turns CORS origins into host patterns for WebSocket
// origin checks.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}

func isInvalidFrame(err error) bool {
	return errors.Is(err, codec.ErrInvalidFrame)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
