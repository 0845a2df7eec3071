// Package natsserver runs an in-process NATS server so a single lipreadd
// binary can serve bus ingest and node discovery without external services.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/lipread/internal/config"
)

const (
	serverName   = "lipread-embedded"
	defaultStore = "data/nats"
	readyTimeout = 5 * time.Second
)

// Frames travel as base64 data URLs; the 1 MiB server default is too small
// for uncompressed PNG captures.
const maxFramePayload = 8 << 20

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs a JetStream enabled server when cfg.Embedded is set and returns
// nil otherwise. Port -1 picks a free port and binds loopback only.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	opts := &server.Options{
		ServerName: serverName,
		Host:       "0.0.0.0",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		MaxPayload: maxFramePayload,
		NoSigs:     true,
		NoLog:      true,
	}
	if opts.StoreDir == "" {
		opts.StoreDir = defaultStore
	}
	if cfg.Port == server.RANDOM_PORT {
		opts.Host = "127.0.0.1"
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	} else if cfg.Username != "" {
		opts.Username, opts.Password = cfg.Username, cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready for connections")
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", opts.StoreDir),
		slog.Int("max_payload", maxFramePayload))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
