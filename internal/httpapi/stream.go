package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

type streamMessage struct {
	Type  string `json:"type,omitempty"`
	Frame string `json:"frame,omitempty"`
}

type streamReply struct {
	FrameResponse
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// handleStream upgrades to a WebSocket that owns a fresh session for its
// lifetime. Each {"frame": ...} message gets one reply; {"type":"reset"}
// clears the window.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.Config.AllowedOrigins),
	})
	if err != nil {
		s.log.Warn("websocket accept failed", slogError(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.Config.MaxBodyBytes)

	sess := s.Sessions.Create()
	log := s.log.With(slog.String("session_id", sess.ID))
	log.Info("stream opened")
	defer func() {
		if err := s.Sessions.End(sess.ID); err != nil {
			log.Debug("stream session already gone", slogError(err))
		}
		log.Info("stream closed")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debug("stream read ended", slogError(err))
			}
			return
		}

		var msg streamMessage
		var reply streamReply
		switch err := json.Unmarshal(data, &msg); {
		case err != nil:
			reply = streamReply{Type: "error", Detail: "Invalid message"}
		case msg.Type == "reset":
			s.ResetSession(ctx, sess.ID)
			reply = streamReply{Type: "reset", FrameResponse: FrameResponse{SessionID: sess.ID}}
		default:
			resp, err := s.ProcessFrame(ctx, sess.ID, msg.Frame)
			switch {
			case err == nil:
				reply = streamReply{Type: "prediction", FrameResponse: resp}
			case isInvalidFrame(err):
				reply = streamReply{Type: "error", Detail: invalidFrame}
			default:
				log.Error("stream frame failed", slogError(err))
				reply = streamReply{Type: "error", Detail: err.Error()}
			}
		}
		if reply.SessionID == "" {
			reply.SessionID = sess.ID
		}

		out, err := json.Marshal(reply)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode failed")
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}
