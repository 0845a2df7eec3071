package protocol

import "time"

// Prediction is broadcast on the bus after every processed frame.
type Prediction struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Outcome    string    `json:"outcome"`
	Mode       string    `json:"mode"`
	Buffered   int       `json:"buffered"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionEvent reports a window reset or the end of a session.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Capability is one feature a node offers, with free-form attributes such as
// the model backend or device.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce is published when a runtime joins the bus.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat keeps a node marked healthy between announcements.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Control subjects live outside lipread.> so heartbeats are not retained by
// the stream.
const (
	SubjectNodeAnnounce        = "ctrl.lipread.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.lipread.node.heartbeat"
	SubjectNodeHeartbeatAll    = SubjectNodeHeartbeatPrefix + ".*"
)

// NodeHeartbeatSubject returns the heartbeat subject of nodeID.
func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}

const (
	SubjectPredictionPrefix = "lipread.prediction"
	SubjectSessionReset     = "lipread.session.reset"
	SubjectSessionEnded     = "lipread.session.ended"
	SubjectSessionAll       = "lipread.session.>"
	SubjectAll              = "lipread.>"

	// Inbound frames; excluded from the stream.
	SubjectFramePrefix = "lipread.ingest.frame"
	SubjectFrameAll    = SubjectFramePrefix + ".*"

	StreamName = "LIPREAD"
)

// StreamSubjects are the output subjects retained by the stream.
var StreamSubjects = []string{SubjectPredictionPrefix + ".>", SubjectSessionAll}

// FrameMessage submits one frame, or a window reset, for a session over the
// bus. A request with a reply subject receives the FrameReply.
type FrameMessage struct {
	SessionID string `json:"session_id"`
	Frame     string `json:"frame,omitempty"`
	Reset     bool   `json:"reset,omitempty"`
}

// FrameReply answers a FrameMessage sent as a request.
type FrameReply struct {
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence"`
	Outcome    string  `json:"outcome,omitempty"`
	Mode       string  `json:"mode,omitempty"`
	Buffered   int     `json:"buffered"`
	Detail     string  `json:"detail,omitempty"`
}

// FrameSubject returns the inbound frame subject of a session.
func FrameSubject(sessionID string) string {
	return SubjectFramePrefix + "." + sessionID
}

// PredictionSubject returns the per-session prediction subject.
func PredictionSubject(sessionID string) string {
	return SubjectPredictionPrefix + "." + sessionID
}
