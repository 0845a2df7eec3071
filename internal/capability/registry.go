// Package capability tracks the lip reading runtimes sharing a bus: which
// model each one serves and whether it is still heartbeating.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/lipread/internal/bus"
	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
	"github.com/loqalabs/lipread/internal/protocol"
)

// PredictCapability is advertised by every node able to serve frames.
const PredictCapability = "lipread.predict"

type NodeInfo struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	Capabilities []protocol.Capability `json:"capabilities"`
	LastSeen     time.Time             `json:"last_seen"`
	Healthy      bool                  `json:"healthy"`
}

type Registry struct {
	cfg   config.NodeConfig
	local []protocol.Capability
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// ModelCapabilities describes what the engine serves, merged with the
// operator supplied attributes.
func ModelCapabilities(info lipread.ModelInfo, vocabSize int, extra map[string]string) []protocol.Capability {
	attrs := map[string]string{
		"family":            info.Family,
		"device":            info.Device,
		"num_classes":       strconv.Itoa(info.NumClasses),
		"vocabulary_size":   strconv.Itoa(vocabSize),
		"checkpoint_loaded": strconv.FormatBool(info.CheckpointLoaded),
	}
	maps.Copy(attrs, extra)
	return []protocol.Capability{{Name: PredictCapability, Tier: info.Backend, Attributes: attrs}}
}

// NewRegistry subscribes to node traffic, announces this node and starts
// heartbeating until Close.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []protocol.Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	r.wg.Add(2)
	go r.runHeartbeat(ctx, interval)
	go r.monitorHealth(ctx, interval)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatAll, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    r.clock().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{NodeID: r.cfg.ID, Timestamp: r.clock().UTC()}
	r.updateNode(msg.NodeID, "", nil, msg.Timestamp)
	return r.bus.PublishJSON(protocol.NodeHeartbeatSubject(r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if a.NodeID == "" || a.NodeID == r.cfg.ID {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	if known := r.updateNode(a.NodeID, a.Role, a.Capabilities, a.Timestamp); !known {
		r.log.Info("node joined", slog.String("node_id", a.NodeID), slog.String("role", a.Role))
		// Newcomers only see announcements made after they subscribed.
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" || hb.NodeID == r.cfg.ID {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

// updateNode records a sighting and reports whether the node already had
// capabilities on file.
func (r *Registry) updateNode(nodeID, role string, capabilities []protocol.Capability, seen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	known := len(node.Capabilities) > 0
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
	return known
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot of every known node ordered by ID.
func (r *Registry) Nodes() []NodeInfo {
	return r.Query(nil)
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = slices.Clone(node.Capabilities)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/lipread/capability")
	known, err := meter.Int64ObservableGauge("lipread.nodes.known", metric.WithDescription("Number of known lip reading nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("lipread.nodes.healthy", metric.WithDescription("Number of nodes with current heartbeats"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.snapshotCounts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) snapshotCounts() (total, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func WithTierFilter(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}
