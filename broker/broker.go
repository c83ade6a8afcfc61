// Package broker implements the coordination engine for a fleet of
// independently executing AI coding agents sharing a codebase.
//
// Agents never call each other directly. Each one connects to the broker over
// a tool-call transport and drives a fixed set of coordination primitives:
// presence (register/heartbeat/unregister), todo lists, advisory file locks,
// inter-agent messages and queries, a shared interface registry, and task
// completion. All shared state lives in a key-value store behind the
// state.Gateway interface, so multiple broker processes against the same
// backend behave identically.
//
// The package contains:
//
//   - Service (service.go) — the coordination handlers
//   - Dispatcher (tools.go) — tool enumeration, argument validation, routing
//   - Monitor (monitor.go) — heartbeat scanning and dead-agent reaping
//   - fan-out (fanout.go) — broadcast duplication into per-agent queues
//   - waiters (pending.go) — process-local wakeups for parked queries
//
// Locks are advisory: they are data agents honor by convention. The broker
// never inspects or enforces anything on the filesystem, with one deliberate
// exception: the best-effort completion marker file written for orchestrators
// that poll a status directory.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/splitmind/coord/broker/state"
	"github.com/splitmind/coord/broker/state/memstate"
)

// Defaults applied by New.
const (
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultMonitorInterval   = 30 * time.Second
	DefaultMaxQueueLen       = 1000
	DefaultRecentChangesCap  = 100
	DefaultQueryPollInterval = 250 * time.Millisecond
	DefaultMaxQueryTimeout   = 300 * time.Second
	DefaultStatusDir         = "/tmp/splitmind-status"
)

type (
	// Config configures the broker.
	Config struct {
		// Gateway is the state backend. Defaults to an in-memory store if
		// not provided; production deployments pass a redisstate.Store.
		Gateway state.Gateway
		// HeartbeatTimeout is the TTL granted to an agent heartbeat. An
		// agent whose heartbeat lapses is reaped by the monitor.
		HeartbeatTimeout time.Duration
		// MonitorInterval is the period between liveness scans.
		MonitorInterval time.Duration
		// MaxQueueLen bounds each agent's message queue; on overflow the
		// oldest messages are dropped and a sentinel is surfaced.
		MaxQueueLen int
		// RecentChangesCap bounds the per-project recent-change log.
		RecentChangesCap int
		// StatusDir is where completion marker files are written. Empty
		// disables the markers.
		StatusDir string
		// QueryPollInterval is how often a parked query_agent call polls
		// the store for a response written by another broker process.
		QueryPollInterval time.Duration
	}

	// Broker bundles the coordination engine's components, wired together.
	Broker struct {
		svc        *Service
		dispatcher *Dispatcher
		monitor    *Monitor
		gw         state.Gateway
	}
)

// New creates a broker with all components wired together. Call Start to
// launch the liveness monitor and Close to release resources.
func New(cfg Config) (*Broker, error) {
	gw := cfg.Gateway
	if gw == nil {
		gw = memstate.New()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.MaxQueueLen <= 0 {
		cfg.MaxQueueLen = DefaultMaxQueueLen
	}
	if cfg.RecentChangesCap <= 0 {
		cfg.RecentChangesCap = DefaultRecentChangesCap
	}
	if cfg.QueryPollInterval <= 0 {
		cfg.QueryPollInterval = DefaultQueryPollInterval
	}

	svc := &Service{
		gw:               gw,
		waiters:          newWaiters(),
		heartbeatTTL:     cfg.HeartbeatTimeout,
		maxQueueLen:      cfg.MaxQueueLen,
		recentChangesCap: cfg.RecentChangesCap,
		statusDir:        cfg.StatusDir,
		queryPoll:        cfg.QueryPollInterval,
		maxQueryTimeout:  DefaultMaxQueryTimeout,
	}
	dispatcher, err := NewDispatcher(svc)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	return &Broker{
		svc:        svc,
		dispatcher: dispatcher,
		monitor:    NewMonitor(svc, cfg.MonitorInterval),
		gw:         gw,
	}, nil
}

// Service returns the coordination handlers for embedding without a
// transport.
func (b *Broker) Service() *Service { return b.svc }

// Dispatcher returns the tool dispatcher the transport layer drives.
func (b *Broker) Dispatcher() *Dispatcher { return b.dispatcher }

// Start launches the liveness monitor.
func (b *Broker) Start(ctx context.Context) {
	b.monitor.Start(ctx)
}

// Close stops the monitor and releases gateway resources. Backend clients the
// caller provided stay open.
func (b *Broker) Close() error {
	b.monitor.Stop()
	return b.gw.Close()
}
