package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lipread/internal/config"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	// nil receivers are safe
	srv.Shutdown()
	if srv.ClientURL() != "" {
		t.Fatal("nil server should have no url")
	}
}

func TestStartAcceptsLargeFrames(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), Token: "s3cret"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	if _, err := nats.Connect(srv.ClientURL()); err == nil {
		t.Fatal("expected connection without token to be rejected")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if got := nc.MaxPayload(); got != maxFramePayload {
		t.Fatalf("max payload = %d, want %d", got, maxFramePayload)
	}
}
