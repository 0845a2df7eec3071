// Package ingest accepts frames published on the message bus and runs them
// through the same pipeline as the HTTP API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lipread/internal/bus"
	"github.com/loqalabs/lipread/internal/codec"
	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/httpapi"
	"github.com/loqalabs/lipread/internal/protocol"
)

// Processor runs one frame for a session. *httpapi.Server implements it.
type Processor interface {
	ProcessFrame(ctx context.Context, sessionID, data string) (httpapi.FrameResponse, error)
	ResetSession(ctx context.Context, sessionID string)
}

type Service struct {
	cfg       config.IngestConfig
	bus       *bus.Client
	processor Processor
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

// sessionState queues frames so a session's frames are processed in arrival
// order while different sessions run concurrently.
type sessionState struct {
	queue    []*nats.Msg
	inflight bool
}

func NewService(parent context.Context, cfg config.IngestConfig, busClient *bus.Client, processor Processor) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		processor: processor,
		log:       busClient.Logger().With(slog.String("component", "ingest")),
		sessions:  make(map[string]*sessionState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectFrameAll, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.FrameMessage
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode frame message", slogError(err))
		s.respond(msg, protocol.FrameReply{Detail: "Invalid message"})
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = subjectSession(msg.Subject)
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	if len(state.queue) >= s.cfg.MaxPending {
		dropped := state.queue[0]
		state.queue = state.queue[1:]
		s.mu.Unlock()
		s.log.Warn("frame queue full, dropping oldest", slogSession(frame.SessionID))
		s.respond(dropped, protocol.FrameReply{SessionID: frame.SessionID, Detail: "Dropped: queue full"})
		s.mu.Lock()
	}
	state.queue = append(state.queue, msg)
	start := !state.inflight
	state.inflight = true
	s.mu.Unlock()

	if start {
		s.wg.Add(1)
		go s.drain(frame.SessionID)
	}
}

func (s *Service) drain(sessionID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		state := s.sessions[sessionID]
		if state == nil || len(state.queue) == 0 {
			delete(s.sessions, sessionID)
			s.mu.Unlock()
			return
		}
		msg := state.queue[0]
		state.queue = state.queue[1:]
		s.mu.Unlock()

		s.process(sessionID, msg)
	}
}

func (s *Service) process(sessionID string, msg *nats.Msg) {
	var frame protocol.FrameMessage
	_ = json.Unmarshal(msg.Data, &frame)

	if s.ctx.Err() != nil {
		s.respond(msg, protocol.FrameReply{SessionID: sessionID, Detail: "Shutting down"})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	if frame.Reset {
		s.processor.ResetSession(ctx, sessionID)
		s.respond(msg, protocol.FrameReply{SessionID: sessionID, Outcome: "reset"})
		return
	}

	resp, err := s.processor.ProcessFrame(ctx, sessionID, frame.Frame)
	switch {
	case err == nil:
		s.respond(msg, protocol.FrameReply{
			SessionID:  resp.SessionID,
			Text:       resp.Text,
			Confidence: resp.Confidence,
			Outcome:    resp.Outcome,
			Mode:       resp.Mode,
			Buffered:   resp.Buffered,
		})
	case errors.Is(err, codec.ErrInvalidFrame):
		s.respond(msg, protocol.FrameReply{SessionID: sessionID, Detail: "Invalid frame data"})
	default:
		s.log.Warn("bus frame failed", slogSession(sessionID), slogError(err))
		s.respond(msg, protocol.FrameReply{SessionID: sessionID, Detail: err.Error()})
	}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.FrameReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal frame reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send frame reply", slogError(err))
	}
}

func subjectSession(subject string) string {
	prefix := protocol.SubjectFramePrefix + "."
	if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
		return subject[len(prefix):]
	}
	return ""
}

func slogSession(id string) slog.Attr {
	return slog.String("session_id", id)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
