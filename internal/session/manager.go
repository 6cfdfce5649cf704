// Package session implements the session manager (spec.md §4.6): session
// lifecycle, ownership enforcement, input/output routing, and cleanup on
// agent loss or client disconnect.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kterminus/orchestrator/internal/domain"
	"github.com/kterminus/orchestrator/internal/kerr"
	"github.com/kterminus/orchestrator/internal/wire"
)

// MaxSessionInputFrame is the per-frame cap the orchestrator enforces on
// outbound Data to an agent (spec.md §4.2, §6).
const MaxSessionInputFrame = 64 * 1024

// PreReadyBufferCap is the maximum bytes of input buffered per session
// before its SessionReady arrives (spec.md §4.6).
const PreReadyBufferCap = 8 * 1024

// ConnectionPool is the subset of *pool.Pool the session manager needs.
type ConnectionPool interface {
	Get(machineID domain.MachineID) *domain.Connection
}

// EventPublisher is the subset of the control plane's event bus the
// session manager needs.
type EventPublisher interface {
	Publish(kind string, payload any)
}

// Manager owns every live session across all machines.
type Manager struct {
	pool    ConnectionPool
	events  EventPublisher
	maxPerM int // max_sessions_per_machine; 0 = unbounded

	mu       sync.RWMutex
	sessions map[domain.SessionID]*entry
	byOwner  map[domain.ClientID]map[domain.SessionID]struct{}
	nextID   atomic.Uint32
}

type entry struct {
	mu      sync.Mutex
	session *domain.Session
	pending *preReadyBuffer
}

// New constructs a session manager. maxPerM of 0 means unbounded.
func New(p ConnectionPool, events EventPublisher, maxPerM int) *Manager {
	return &Manager{
		pool:     p,
		events:   events,
		maxPerM:  maxPerM,
		sessions: make(map[domain.SessionID]*entry),
		byOwner:  make(map[domain.ClientID]map[domain.SessionID]struct{}),
	}
}

// Create allocates a new session on machineID, owned by clientID, and
// asks the agent to spawn a PTY for it (spec.md §4.6).
func (m *Manager) Create(machineID domain.MachineID, clientID domain.ClientID, shell string, env map[string]string, cols, rows uint16) (domain.SessionID, error) {
	if cols < 1 || cols > 10000 || rows < 1 || rows > 10000 {
		return 0, kerr.New(kerr.CodeInvalidInput, "invalid resize dimensions")
	}
	if err := validateEnv(env); err != nil {
		return 0, err
	}

	conn := m.pool.Get(machineID)
	if conn == nil {
		return 0, kerr.New(kerr.CodeAdmission, "machine not found")
	}

	m.mu.Lock()
	if m.maxPerM > 0 && m.countForMachine(machineID) >= m.maxPerM {
		m.mu.Unlock()
		return 0, kerr.New(kerr.CodeAdmission, "session limit exceeded for machine")
	}
	id := domain.SessionID(m.nextID.Add(1))
	owner := domain.Owner{MachineID: machineID, ClientID: clientID}
	s := domain.NewSession(id, owner, shell, cols, rows)
	e := &entry{session: s, pending: newPreReadyBuffer(PreReadyBufferCap)}
	m.sessions[id] = e
	if m.byOwner[clientID] == nil {
		m.byOwner[clientID] = make(map[domain.SessionID]struct{})
	}
	m.byOwner[clientID][id] = struct{}{}
	m.mu.Unlock()

	envelope := &wire.Envelope{
		SessionID: uint32(id),
		Type:      wire.TypeSessionCreate,
		Message:   &wire.SessionCreate{Cols: cols, Rows: rows, Command: shell, Env: env},
	}
	if !conn.TryEnqueue(envelope) {
		m.mu.Lock()
		delete(m.sessions, id)
		delete(m.byOwner[clientID], id)
		m.mu.Unlock()
		return 0, kerr.New(kerr.CodeBackpressure, "agent outbound queue full")
	}

	m.events.Publish(domain.EventSessionCreated, map[string]any{
		"session_id": id,
		"machine_id": machineID,
	})
	return id, nil
}

// countForMachine must be called with m.mu held.
func (m *Manager) countForMachine(machineID domain.MachineID) int {
	n := 0
	for _, e := range m.sessions {
		e.mu.Lock()
		if e.session.Owner.MachineID == machineID && e.session.State != domain.SessionClosed {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func validateEnv(env map[string]string) error {
	for k, v := range env {
		if !isValidEnvKey(k) {
			return kerr.New(kerr.CodeInvalidInput, fmt.Sprintf("invalid env key %q", k))
		}
		if len(v) > 4*1024 {
			return kerr.New(kerr.CodeInvalidInput, fmt.Sprintf("env value for %q exceeds 4KiB", k))
		}
	}
	return nil
}

func isValidEnvKey(k string) bool {
	if len(k) == 0 {
		return false
	}
	for i, c := range k {
		isUpper := c >= 'A' && c <= 'Z'
		isDigit := c >= '0' && c <= '9'
		isUnderscore := c == '_'
		if i == 0 {
			if !isUpper && !isUnderscore {
				return false
			}
			continue
		}
		if !isUpper && !isDigit && !isUnderscore {
			return false
		}
	}
	return true
}

// MarkReady transitions a session to Ready and flushes any buffered
// pre-ready input to the agent, chunked at MaxSessionInputFrame.
func (m *Manager) MarkReady(id domain.SessionID) error {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return kerr.New(kerr.CodeNotFound, "session not found")
	}

	e.mu.Lock()
	e.session.State = domain.SessionReady
	machineID := e.session.Owner.MachineID
	buffered := e.pending.drain()
	e.mu.Unlock()

	if len(buffered) == 0 {
		return nil
	}
	conn := m.pool.Get(machineID)
	if conn == nil {
		return nil
	}
	for _, chunk := range chunks(buffered, MaxSessionInputFrame) {
		env := &wire.Envelope{SessionID: uint32(id), Type: wire.TypeData, Message: &wire.Data{Bytes: chunk}}
		conn.TryEnqueue(env) // best-effort: flushing deferred input tolerates drops same as live input
	}
	return nil
}

// Input validates ownership and forwards bytes to the agent, chunked to
// MaxSessionInputFrame. Before SessionReady, bytes are buffered locally
// up to PreReadyBufferCap; beyond that, NotReady is returned.
func (m *Manager) Input(id domain.SessionID, clientID domain.ClientID, bytes []byte) error {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return kerr.New(kerr.CodeNotFound, "session not found")
	}

	e.mu.Lock()
	if e.session.State == domain.SessionClosed {
		e.mu.Unlock()
		return kerr.New(kerr.CodeNotFound, "session not found")
	}
	if !e.session.IsOwnedBy(clientID) {
		e.mu.Unlock()
		return kerr.New(kerr.CodeOwnership, "not owner")
	}
	if e.session.State == domain.SessionCreating {
		ok := e.pending.tryAppend(bytes)
		e.mu.Unlock()
		if !ok {
			return kerr.New(kerr.CodeOwnership, "session not ready")
		}
		return nil
	}
	machineID := e.session.Owner.MachineID
	e.mu.Unlock()

	conn := m.pool.Get(machineID)
	if conn == nil {
		return kerr.New(kerr.CodeNotFound, "session not found")
	}
	for _, chunk := range chunks(bytes, MaxSessionInputFrame) {
		env := &wire.Envelope{SessionID: uint32(id), Type: wire.TypeData, Message: &wire.Data{Bytes: chunk}}
		if !conn.TryEnqueue(env) {
			return kerr.New(kerr.CodeBackpressure, "agent outbound queue full")
		}
	}
	return nil
}

// Resize validates bounds and ownership, then forwards Resize to the agent.
func (m *Manager) Resize(id domain.SessionID, clientID domain.ClientID, cols, rows uint16) error {
	if cols < 1 || cols > 10000 || rows < 1 || rows > 10000 {
		return kerr.New(kerr.CodeInvalidInput, "invalid resize dimensions")
	}
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return kerr.New(kerr.CodeNotFound, "session not found")
	}
	e.mu.Lock()
	if e.session.State == domain.SessionClosed {
		e.mu.Unlock()
		return kerr.New(kerr.CodeNotFound, "session not found")
	}
	if !e.session.IsOwnedBy(clientID) {
		e.mu.Unlock()
		return kerr.New(kerr.CodeOwnership, "not owner")
	}
	e.session.Cols, e.session.Rows = cols, rows
	machineID := e.session.Owner.MachineID
	e.mu.Unlock()

	conn := m.pool.Get(machineID)
	if conn == nil {
		return kerr.New(kerr.CodeNotFound, "session not found")
	}
	env := &wire.Envelope{SessionID: uint32(id), Type: wire.TypeResize, Message: &wire.Resize{Cols: cols, Rows: rows}}
	conn.TryEnqueue(env)
	return nil
}

// Close validates ownership, sends SessionClose to the agent, removes
// local state, and emits SessionClosed.
func (m *Manager) Close(id domain.SessionID, clientID domain.ClientID) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return kerr.New(kerr.CodeNotFound, "session not found")
	}
	e.mu.Lock()
	if !e.session.IsOwnedBy(clientID) {
		e.mu.Unlock()
		m.mu.Unlock()
		return kerr.New(kerr.CodeOwnership, "not owner")
	}
	machineID := e.session.Owner.MachineID
	e.session.State = domain.SessionClosed
	e.mu.Unlock()
	delete(m.sessions, id)
	if clients := m.byOwner[clientID]; clients != nil {
		delete(clients, id)
	}
	m.mu.Unlock()

	if conn := m.pool.Get(machineID); conn != nil {
		env := &wire.Envelope{SessionID: uint32(id), Type: wire.TypeSessionClose, Message: &wire.SessionClose{Reason: wire.CloseReasonClientRequest}}
		conn.TryEnqueue(env)
	}
	m.events.Publish(domain.EventSessionClosed, map[string]any{"session_id": id, "reason": "client_request"})
	return nil
}

// RemoveByMachine is called exactly once by the pool when machineID's
// connection is removed: every session it owns is force-closed with
// reason AgentLost before the connection handle is dropped, so no new
// op can race the teardown (spec.md §4.6).
func (m *Manager) RemoveByMachine(machineID domain.MachineID, reason string) {
	m.mu.Lock()
	var toClose []domain.SessionID
	for id, e := range m.sessions {
		e.mu.Lock()
		if e.session.Owner.MachineID == machineID {
			toClose = append(toClose, id)
		}
		e.mu.Unlock()
	}
	for _, id := range toClose {
		if e := m.sessions[id]; e != nil {
			e.mu.Lock()
			e.session.State = domain.SessionClosed
			clientID := e.session.Owner.ClientID
			e.mu.Unlock()
			if clients := m.byOwner[clientID]; clients != nil {
				delete(clients, id)
			}
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range toClose {
		m.events.Publish(domain.EventSessionClosed, map[string]any{"session_id": id, "reason": "agent_lost"})
	}
}

// CloseByAgent is called when the agent itself reports a session closed
// (e.g. the shell exited): the session's local state is dropped exactly
// as a client-initiated Close would, but no SessionClose frame is sent
// back to the agent, since it's the one that reported the close
// (spec.md §4.2, §4.6: "session destroyed on close").
func (m *Manager) CloseByAgent(id domain.SessionID, reason string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.session.State = domain.SessionClosed
	clientID := e.session.Owner.ClientID
	e.mu.Unlock()
	delete(m.sessions, id)
	if clients := m.byOwner[clientID]; clients != nil {
		delete(clients, id)
	}
	m.mu.Unlock()

	m.events.Publish(domain.EventSessionClosed, map[string]any{"session_id": id, "reason": reason})
}

// RemoveByClient is called by the control plane's disconnect handler:
// every session owned by clientID is closed as if KillSession had been
// called for each, synchronously before the client's state is freed
// (spec.md §4.7).
func (m *Manager) RemoveByClient(clientID domain.ClientID) {
	m.mu.RLock()
	ids := make([]domain.SessionID, 0, len(m.byOwner[clientID]))
	for id := range m.byOwner[clientID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Close(id, clientID)
	}
}

// RouteAgentData delivers a Data frame received from an agent onto the
// event bus as EventSessionOutput; the bus delivers it only to
// control-plane clients subscribed to sessionID (spec.md §4.6, §4.7).
func (m *Manager) RouteAgentData(sessionID domain.SessionID, b []byte) {
	m.mu.RLock()
	_, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.events.Publish(domain.EventSessionOutput, domain.SessionOutputPayload{SessionID: sessionID, Bytes: b})
}

// Get returns a snapshot copy of the session, or nil if it doesn't exist.
func (m *Manager) Get(id domain.SessionID) *domain.Session {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.session
	return &cp
}

// List returns a snapshot of every live session.
func (m *Manager) List() []*domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		e.mu.Lock()
		cp := *e.session
		e.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

func chunks(b []byte, size int) [][]byte {
	if len(b) == 0 {
		return [][]byte{b}
	}
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
