// Package health implements the connection health monitor (spec.md §4.5):
// a single periodic task that evicts dead connections and probes live
// ones with a Heartbeat frame.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/kterminus/orchestrator/internal/domain"
	"github.com/kterminus/orchestrator/internal/wire"
)

// EventPublisher is the subset of the control plane's event bus the
// health monitor needs, so this package doesn't import internal/control.
type EventPublisher interface {
	Publish(kind string, payload any)
}

// ConnectionPool is the subset of *pool.Pool the monitor needs.
type ConnectionPool interface {
	List() []*domain.Connection
	Remove(machineID domain.MachineID, reason string) *domain.Connection
}

// SessionCounter is the subset of *session.Manager the monitor needs to
// report a session count alongside connection count in OrchestratorStatus.
type SessionCounter interface {
	List() []*domain.Session
}

// Monitor runs the fixed-interval health cycle.
type Monitor struct {
	pool      ConnectionPool
	sessions  SessionCounter
	events    EventPublisher
	interval  time.Duration
	timeout   time.Duration
	epoch     domain.EpochID
	startedAt time.Time
	now       func() time.Time
}

// New constructs a Monitor with the given poll interval and heartbeat
// timeout (defaults from spec.md §4.5: 5s interval, 90s timeout). epoch and
// startedAt are stamped onto each OrchestratorStatus event this cycle emits.
func New(p ConnectionPool, sessions SessionCounter, events EventPublisher, interval, timeout time.Duration, epoch domain.EpochID, startedAt time.Time) *Monitor {
	return &Monitor{pool: p, sessions: sessions, events: events, interval: interval, timeout: timeout, epoch: epoch, startedAt: startedAt, now: time.Now}
}

// Run executes health cycles on Monitor's interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

// cycle runs a single health pass: evict the dead, probe the living, and
// broadcast an orchestrator-wide status snapshot (spec.md §4.5, §4.7).
func (m *Monitor) cycle() {
	now := m.now()
	conns := m.pool.List()
	m.events.Publish(domain.EventOrchestratorStatus, map[string]any{
		"epoch_id":       m.epoch,
		"started_at":     m.startedAt,
		"uptime_seconds": now.Sub(m.startedAt).Seconds(),
		"connections":    len(conns),
		"sessions":       len(m.sessions.List()),
	})
	for _, conn := range conns {
		if conn.IsDead(now, m.timeout) {
			slog.Warn("connection heartbeat timeout", "machine_id", conn.MachineID, "last_heartbeat", conn.LastHeartbeat)
			m.pool.Remove(conn.MachineID, "heartbeat_timeout")
			m.events.Publish(domain.EventMachineDisconnected, map[string]any{
				"machine_id": conn.MachineID,
				"reason":     "heartbeat_timeout",
			})
			continue
		}
		env := &wire.Envelope{SessionID: 0, Type: wire.TypeHeartbeat, Message: &wire.Heartbeat{SentAtUnixMS: now.UnixMilli()}}
		if !conn.TryEnqueue(env) {
			slog.Warn("heartbeat enqueue backpressure", "machine_id", conn.MachineID)
			m.events.Publish("BackpressureOnHeartbeat", map[string]any{"machine_id": conn.MachineID})
		}
	}
}
