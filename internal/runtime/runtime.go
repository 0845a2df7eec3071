package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/lipread/internal/bus"
	"github.com/loqalabs/lipread/internal/capability"
	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/eventstore"
	"github.com/loqalabs/lipread/internal/httpapi"
	"github.com/loqalabs/lipread/internal/ingest"
	"github.com/loqalabs/lipread/internal/lipread"
	"github.com/loqalabs/lipread/internal/localizer"
	"github.com/loqalabs/lipread/internal/model"
	"github.com/loqalabs/lipread/internal/natsserver"
	"github.com/loqalabs/lipread/internal/observe"
	"github.com/loqalabs/lipread/internal/session"
)

const (
	shutdownTimeout = 10 * time.Second
	checkTimeout    = 5 * time.Second
	pruneInterval   = time.Hour
)

type check struct {
	name string
	fn   func(ctx context.Context) error
}

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	httpServer     *http.Server
	metricsServer  *http.Server
	handler        http.Handler
	metricsHandler http.Handler
	telemetry      *telemetry

	engine   *lipread.Engine
	sessions *session.Manager
	detector localizer.Detector
	store    *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	ingest   *ingest.Service

	checks []check
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
}

// Start builds every component, serves until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.close()
		return err
	}
	defer r.close()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if r.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", r.metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(r.httpServer) })
	if r.metricsServer != nil {
		g.Go(func() error { return serve(r.metricsServer) })
	}
	g.Go(func() error {
		r.sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		r.store.RunPruner(gctx, pruneInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if r.metricsServer != nil {
			if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind),
		slog.String("version", r.version))

	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	r.metricsHandler = tel.metrics

	m, err := model.New(r.cfg.Model, r.logger)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	vocab := lipread.DefaultVocabulary(r.cfg.Model.NumClasses)
	if r.cfg.Model.VocabularyPath != "" {
		if vocab, err = lipread.LoadVocabulary(r.cfg.Model.VocabularyPath, r.cfg.Model.NumClasses); err != nil {
			return fmt.Errorf("failed to load vocabulary: %w", err)
		}
	}
	policy := lipread.Policy{
		WindowCapacity:      r.cfg.Policy.WindowCapacity,
		SequenceMinFrames:   r.cfg.Policy.SequenceMinFrames,
		ConfidenceThreshold: r.cfg.Policy.ConfidenceThreshold,
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	r.engine = lipread.NewEngine(m, vocab, policy, r.logger)

	r.detector, err = localizer.New(ctx, r.cfg.Localizer, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create localizer: %w", err)
	}
	extractor := localizer.NewExtractor(r.detector,
		time.Duration(r.cfg.Localizer.TimeoutMS)*time.Millisecond, r.logger)

	r.sessions = session.NewManager(r.cfg.Sessions, policy.WindowCapacity, r.logger)

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	if err := metrics.ObserveActiveSessions(r.sessions.Len); err != nil {
		return fmt.Errorf("failed to observe sessions: %w", err)
	}

	var nodes httpapi.NodeDirectory
	if r.bus != nil {
		caps := capability.ModelCapabilities(r.engine.Model(), vocab.Len(), r.cfg.Node.Attributes)
		r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, caps, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start node registry: %w", err)
		}
		nodes = r.registry
	}

	api := httpapi.New(httpapi.Deps{
		Config:    r.cfg.HTTP,
		Engine:    r.engine,
		Sessions:  r.sessions,
		Extractor: extractor,
		Store:     r.store,
		Publisher: bus.NewPublisher(r.bus),
		Nodes:     nodes,
		Metrics:   metrics,
		Logger:    r.logger,
		Version:   r.version,
	})
	r.sessions.OnEnd(api.SessionEnded)

	if r.bus != nil {
		r.ingest = ingest.NewService(ctx, r.cfg.Ingest, r.bus, api)
		if err := r.ingest.Start(); err != nil {
			return fmt.Errorf("failed to start frame ingest: %w", err)
		}
	}

	r.checks = []check{
		{name: "model", fn: func(context.Context) error {
			if r.engine.Model().NumClasses <= 0 {
				return errors.New("model reports no classes")
			}
			return nil
		}},
		{name: "event_store", fn: r.store.Ping},
	}
	if r.cfg.Bus.Enabled {
		r.checks = append(r.checks,
			check{name: "bus", fn: func(context.Context) error {
				if !r.bus.Healthy() {
					return errors.New("not connected")
				}
				return nil
			}},
			check{name: "node", fn: func(context.Context) error {
				if !r.registry.Healthy() {
					return errors.New("heartbeat overdue")
				}
				return nil
			}},
			check{name: "ingest", fn: func(context.Context) error {
				if !r.ingest.Healthy() {
					return errors.New("not subscribed")
				}
				return nil
			}},
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	api.Register(mux)
	r.handler = api.Wrap(mux)

	info := r.engine.Model()
	r.logger.Info("lip reading engine ready",
		slog.String("backend", info.Backend),
		slog.String("device", info.Device),
		slog.Int("classes", info.NumClasses),
		slog.Bool("checkpoint_loaded", info.CheckpointLoaded))
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureStream(maxAge); err != nil {
		r.logger.Warn("failed to ensure bus stream", slog.String("error", err.Error()))
	}
	return nil
}

// close releases components in reverse order of setup. It tolerates a
// partially built runtime.
func (r *Runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.ingest != nil {
		r.ingest.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if c, ok := r.detector.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Error("localizer close error", slog.String("error", err.Error()))
		}
	}
	if err := r.telemetry.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, readiness{Status: "ok"})
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	res := readiness{Status: "ok", Checks: make(map[string]string, len(r.checks))}
	if !r.ready.Load() {
		res.Status = "fail"
		res.Checks["runtime"] = "fail: not started"
	}
	for _, c := range r.checks {
		ctx, cancel := context.WithTimeout(req.Context(), checkTimeout)
		err := c.fn(ctx)
		cancel()
		if err != nil {
			res.Status = "fail"
			res.Checks[c.name] = "fail: " + err.Error()
			continue
		}
		res.Checks[c.name] = "ok"
	}
	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
