// Package pool implements the connection pool (spec.md §4.4): bounded
// insertion keyed by machine_id, snapshot iteration, and atomic
// replace-on-reregister semantics.
package pool

import (
	"sync"

	"github.com/kterminus/orchestrator/internal/domain"
	"github.com/kterminus/orchestrator/internal/kerr"
)

// SessionSweeper tears down every session owned by a machine. The pool
// calls this synchronously before dropping a connection handle, so no
// session op can race a connection's removal (spec.md §4.4, §4.6).
type SessionSweeper interface {
	RemoveByMachine(machineID domain.MachineID, reason string)
}

// Pool is the orchestrator's live connection table.
type Pool struct {
	maxConnections int // 0 means unbounded
	sweeper        SessionSweeper

	mu    sync.RWMutex
	conns map[domain.MachineID]*domain.Connection
}

// New constructs a Pool. maxConnections of 0 means unbounded. sweeper may
// be nil at construction time and set later via SetSweeper, to break the
// pool/session-manager construction cycle (the session manager itself
// needs a ConnectionPool reference).
func New(maxConnections int, sweeper SessionSweeper) *Pool {
	return &Pool{
		maxConnections: maxConnections,
		sweeper:        sweeper,
		conns:          make(map[domain.MachineID]*domain.Connection),
	}
}

// SetSweeper installs the session sweeper. Must be called before any
// connection is inserted if New was called with a nil sweeper.
func (p *Pool) SetSweeper(sweeper SessionSweeper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweeper = sweeper
}

// TryInsert admits conn, replacing any existing connection for the same
// machine_id. Replacement tears down the old connection's sessions and
// cancels it before the new one is admitted, and never counts against
// max_connections because the total size is unchanged (spec.md §4.4,
// SPEC_FULL.md "Connection replacement").
func (p *Pool) TryInsert(conn *domain.Connection) (replaced *domain.Connection, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, exists := p.conns[conn.MachineID]
	if !exists && p.maxConnections > 0 && len(p.conns) >= p.maxConnections {
		return nil, kerr.New(kerr.CodeAdmission, "connection limit exceeded")
	}
	if exists {
		p.sweeper.RemoveByMachine(conn.MachineID, "duplicate_replaced")
		if old.Cancel != nil {
			old.Cancel()
		}
	}
	p.conns[conn.MachineID] = conn
	return old, nil
}

// List returns a consistent snapshot of the current connections.
// Callers must tolerate entries vanishing between List and any
// subsequent use (spec.md §4.4, "Snapshot under live mutation").
func (p *Pool) List() []*domain.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*domain.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Get returns the connection for machineID, or nil if absent. Callers
// must handle the nil case without treating it as an error.
func (p *Pool) Get(machineID domain.MachineID) *domain.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[machineID]
}

// Remove deletes and returns the connection for machineID if present,
// sweeping its sessions first so nothing can observe a connection with
// live sessions but no pool entry.
func (p *Pool) Remove(machineID domain.MachineID, reason string) *domain.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[machineID]
	if !ok {
		return nil
	}
	p.sweeper.RemoveByMachine(machineID, reason)
	delete(p.conns, machineID)
	return conn
}

// Size returns the current connection count.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
