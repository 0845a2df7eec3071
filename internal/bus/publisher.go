package bus

import (
	"log/slog"
	"time"

	"github.com/loqalabs/lipread/internal/protocol"
)

// Publisher broadcasts prediction and session events. A nil Publisher, or
// one without a client, drops everything.
type Publisher struct {
	client *Client
	clock  func() time.Time
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client, clock: time.Now}
}

func (p *Publisher) enabled() bool {
	return p != nil && p.client != nil
}

func (p *Publisher) Prediction(msg protocol.Prediction) {
	if !p.enabled() {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock().UTC()
	}
	p.publish(protocol.PredictionSubject(msg.SessionID), msg)
}

func (p *Publisher) SessionReset(sessionID string) {
	if !p.enabled() {
		return
	}
	p.publish(protocol.SubjectSessionReset, protocol.SessionEvent{SessionID: sessionID, Timestamp: p.clock().UTC()})
}

func (p *Publisher) SessionEnded(sessionID, reason string) {
	if !p.enabled() {
		return
	}
	p.publish(protocol.SubjectSessionEnded, protocol.SessionEvent{SessionID: sessionID, Reason: reason, Timestamp: p.clock().UTC()})
}

func (p *Publisher) publish(subject string, v any) {
	if err := p.client.PublishJSON(subject, v); err != nil {
		p.client.Logger().Warn("bus publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
