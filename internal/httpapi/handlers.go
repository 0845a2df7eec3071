package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/loqalabs/lipread/internal/lipread"
	"github.com/loqalabs/lipread/internal/session"
)

const (
	modelDescription = "CNN-LSTM Lip Reading Model"
	invalidFrame     = "Invalid frame data"
)

type frameRequest struct {
	Frame     string `json:"frame"`
	SessionID string `json:"session_id,omitempty"`
}

type resetRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Lip Reading API",
		"health":  "/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"model":   modelDescription,
		"version": s.Version,
	})
}

func (s *Server) handleProcessFrame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxBodyBytes)
	var req frameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := s.sessionID(r, req.SessionID)
	resp, err := s.ProcessFrame(r.Context(), id, req.Frame)
	if err != nil {
		if isInvalidFrame(err) {
			writeError(w, http.StatusBadRequest, invalidFrame)
			return
		}
		s.log.Error("frame processing failed", slogError(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	// The body is optional.
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxBodyBytes)
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	id := s.sessionID(r, req.SessionID)
	s.ResetSession(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"message":    "Frame history cleared",
		"session_id": id,
	})
}

type policyInfo struct {
	WindowCapacity      int     `json:"window_capacity"`
	SequenceMinFrames   int     `json:"sequence_min_frames"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

type modelInfoResponse struct {
	ModelType        string     `json:"model_type"`
	InputShape       [3]int     `json:"input_shape"`
	NumClasses       int        `json:"num_classes"`
	VocabularySize   int        `json:"vocabulary_size"`
	Device           string     `json:"device"`
	Backend          string     `json:"backend"`
	CheckpointLoaded bool       `json:"checkpoint_loaded"`
	Policy           policyInfo `json:"policy"`
}

func (s *Server) handleModelInfo(w http.ResponseWriter, _ *http.Request) {
	info := s.Engine.Model()
	p := s.Engine.Policy()
	writeJSON(w, http.StatusOK, modelInfoResponse{
		ModelType:        "CNN-LSTM",
		InputShape:       [3]int{lipread.FrameSize, lipread.FrameSize, lipread.FrameChannels},
		NumClasses:       info.NumClasses,
		VocabularySize:   s.Engine.Vocabulary().Len(),
		Device:           info.Device,
		Backend:          info.Backend,
		CheckpointLoaded: info.CheckpointLoaded,
		Policy: policyInfo{
			WindowCapacity:      p.WindowCapacity,
			SequenceMinFrames:   p.SequenceMinFrames,
			ConfidenceThreshold: p.ConfidenceThreshold,
		},
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.Sessions.Create()
	if s.Store != nil {
		if err := s.Store.EnsureSession(r.Context(), sess.ID, "http"); err != nil {
			s.log.Warn("failed to record session", slogError(err))
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Sessions.End(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "session_id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusNotFound, "History is not enabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	id := r.PathValue("id")
	events, err := s.Store.History(r.Context(), id, limit)
	if err != nil {
		s.log.Error("history query failed", slogError(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if s.Nodes == nil {
		writeError(w, http.StatusNotFound, "Node registry is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.Nodes.Nodes()})
}
