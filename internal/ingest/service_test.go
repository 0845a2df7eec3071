package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/lipread/internal/bus"
	"github.com/loqalabs/lipread/internal/codec"
	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/httpapi"
	"github.com/loqalabs/lipread/internal/natsserver"
	"github.com/loqalabs/lipread/internal/protocol"
)

type fakeProcessor struct {
	mu     sync.Mutex
	frames map[string][]string
	resets []string
	delay  time.Duration
}

func (f *fakeProcessor) ProcessFrame(_ context.Context, sessionID, data string) (httpapi.FrameResponse, error) {
	if data == "bad" {
		return httpapi.FrameResponse{}, fmt.Errorf("%w: not an image", codec.ErrInvalidFrame)
	}
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames == nil {
		f.frames = make(map[string][]string)
	}
	f.frames[sessionID] = append(f.frames[sessionID], data)
	return httpapi.FrameResponse{SessionID: sessionID, Text: "hello", Confidence: 0.7, Mode: "single", Outcome: "prediction", Buffered: len(f.frames[sessionID])}, nil
}

func (f *fakeProcessor) ResetSession(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, sessionID)
	delete(f.frames, sessionID)
}

func (f *fakeProcessor) seen(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames[sessionID]...)
}

func (f *fakeProcessor) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

func startService(t *testing.T, proc Processor) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.IngestConfig{Enabled: true, MaxPending: 64, TimeoutMS: 2000}, client, proc)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service not healthy after start")
	}
	return client
}

func request(t *testing.T, client *bus.Client, msg protocol.FrameMessage) protocol.FrameReply {
	t.Helper()
	data, _ := json.Marshal(msg)
	resp, err := client.Conn().Request(protocol.FrameSubject(msg.SessionID), data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.FrameReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestRequestReply(t *testing.T) {
	proc := &fakeProcessor{}
	client := startService(t, proc)

	reply := request(t, client, protocol.FrameMessage{SessionID: "cam-1", Frame: "f1"})
	if reply.SessionID != "cam-1" || reply.Text != "hello" || reply.Buffered != 1 || reply.Detail != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	reply = request(t, client, protocol.FrameMessage{SessionID: "cam-1", Frame: "bad"})
	if reply.Detail != "Invalid frame data" {
		t.Fatalf("expected invalid frame detail, got %+v", reply)
	}

	reply = request(t, client, protocol.FrameMessage{SessionID: "cam-1", Reset: true})
	if reply.Outcome != "reset" || proc.resetCount() != 1 {
		t.Fatalf("unexpected reset reply %+v", reply)
	}
}

func TestFramesProcessedInOrderPerSession(t *testing.T) {
	proc := &fakeProcessor{delay: 2 * time.Millisecond}
	client := startService(t, proc)

	for i := range 10 {
		for _, id := range []string{"a", "b"} {
			data, _ := json.Marshal(protocol.FrameMessage{SessionID: id, Frame: fmt.Sprintf("%s-%d", id, i)})
			if err := client.Conn().Publish(protocol.FrameSubject(id), data); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(proc.seen("a")) < 10 || len(proc.seen("b")) < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("frames not processed: a=%d b=%d", len(proc.seen("a")), len(proc.seen("b")))
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, id := range []string{"a", "b"} {
		for i, got := range proc.seen(id) {
			if want := fmt.Sprintf("%s-%d", id, i); got != want {
				t.Fatalf("session %s frame %d = %s, want %s", id, i, got, want)
			}
		}
	}
}

func TestSessionFromSubject(t *testing.T) {
	if got := subjectSession(protocol.FrameSubject("cam-7")); got != "cam-7" {
		t.Fatalf("subjectSession = %q", got)
	}
	if got := subjectSession("other.subject"); got != "" {
		t.Fatalf("subjectSession = %q", got)
	}
}
