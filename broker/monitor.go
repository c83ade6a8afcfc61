package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/splitmind/coord/broker/state"
)

// Monitor is the liveness monitor: a single background task that scans agent
// registries on a fixed interval and reaps agents whose heartbeat expired.
// Reaping releases the agent's locks, notifies survivors, wakes any queries
// parked on the dead agent and removes its state. The reap path is idempotent
// and races safely with unregister_agent and with monitors in other broker
// processes: the loser of the race observes empty state and moves on.
type Monitor struct {
	svc      *Service
	interval time.Duration

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a monitor over the service's state gateway.
func NewMonitor(svc *Service, interval time.Duration) *Monitor {
	return &Monitor{
		svc:      svc,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scan loop. It returns immediately; call Stop to halt.
func (m *Monitor) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	go m.run(ctx)
}

// Stop halts the scan loop and waits for the in-flight tick to finish.
// Stopping a monitor that never started is a no-op.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	m.started = false
	close(m.stop)
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "liveness scan failed"})
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick scans every project for agents whose heartbeat has lapsed. A failure
// on one agent is logged and does not stall reaping the others.
func (m *Monitor) tick(ctx context.Context) error {
	projects, err := m.svc.gw.ProjectIDs(ctx)
	if err != nil {
		return fmt.Errorf("scan projects: %w", err)
	}
	for _, projectID := range projects {
		agents, err := m.svc.gw.Agents(ctx, projectID)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "list agents failed"}, log.KV{K: "project", V: projectID})
			continue
		}
		for session := range agents {
			alive, err := m.svc.gw.HeartbeatAlive(ctx, projectID, session)
			if err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "heartbeat check failed"},
					log.KV{K: "project", V: projectID}, log.KV{K: "session", V: session})
				continue
			}
			if alive {
				continue
			}
			if err := m.reap(ctx, projectID, session); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "reap failed"},
					log.KV{K: "project", V: projectID}, log.KV{K: "session", V: session})
			}
		}
	}
	return nil
}

// reap declares the agent dead and cleans up everything it owned.
func (m *Monitor) reap(ctx context.Context, projectID, session string) error {
	released, err := m.svc.cleanupAgent(ctx, projectID, session)
	if err != nil {
		return err
	}

	if err := m.svc.gw.AppendChange(ctx, projectID, state.Change{
		SessionName: session,
		ChangeType:  "system",
		Description: fmt.Sprintf("agent %s reaped after heartbeat expiry (%d locks released)", session, len(released)),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}, m.svc.recentChangesCap); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "reap change log failed"}, log.KV{K: "err", V: err})
	}

	m.svc.fanOut(ctx, projectID, session, state.Envelope{
		ID:          uuid.NewString(),
		From:        session,
		Type:        state.TypeBroadcast,
		MessageType: "agent_died",
		Content:     fmt.Sprintf("Agent %s died (heartbeat expired); its file locks were released", session),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	})

	// Wake queries parked on the dead agent.
	pending, err := m.svc.gw.PendingQueries(ctx, projectID)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "pending query scan failed"}, log.KV{K: "err", V: err})
	} else {
		for _, query := range pending {
			if query.ToSession != session {
				continue
			}
			result := state.QueryResult{Status: "agent_not_found"}
			if err := m.svc.gw.PutQueryResult(ctx, projectID, query.MessageID, result, resultTTLGrace); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "pending query wake failed"}, log.KV{K: "err", V: err})
				continue
			}
			m.svc.waiters.resolve(query.MessageID, result)
			if err := m.svc.gw.DeletePendingQuery(ctx, projectID, query.MessageID); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "pending query cleanup failed"}, log.KV{K: "err", V: err})
			}
		}
	}

	log.Warn(ctx, log.KV{K: "msg", V: "agent reaped"},
		log.KV{K: "project", V: projectID}, log.KV{K: "session", V: session},
		log.KV{K: "released_locks", V: len(released)})
	return nil
}
