package domain

import (
	"sync"
	"time"
)

// EventEnvelope is one broadcast-bus message, carrying the ordering header
// spec.md §4.7 requires on every event.
type EventEnvelope struct {
	EpochID   EpochID
	Seq       uint64
	Timestamp time.Time
	Kind      string
	Payload   any
}

// Event kinds published on the control-plane broadcast bus.
const (
	EventMachineConnected    = "MachineConnected"
	EventMachineDisconnected = "MachineDisconnected"
	EventMachineUpdated      = "MachineUpdated"
	EventSessionCreated      = "SessionCreated"
	EventSessionClosed       = "SessionClosed"
	EventSessionOutput       = "SessionOutput"
	EventOrchestratorStatus  = "OrchestratorStatus"
	EventEventsDropped       = "EventsDropped"
)

// SessionOutputPayload is the payload of an EventSessionOutput event. The
// bus delivers these only to clients subscribed to SessionID (see
// ControlClient.IsSubscribed), never as a general broadcast.
type SessionOutputPayload struct {
	SessionID SessionID `json:"session_id"`
	Bytes     []byte    `json:"bytes"`
}

// ControlClient is one accepted control-plane (IPC) connection, from
// socket accept to close.
type ControlClient struct {
	ID            ClientID
	PeerAddress   string
	ConnectedAt   time.Time
	Outbound      chan *EventEnvelope // bounded general event queue (default 1024)
	SessionOutput chan *EventEnvelope // bounded session-output queue (default 256)

	mu              sync.Mutex
	authenticated   bool
	authFailures    int
	subscribed      map[SessionID]struct{}
	droppedGeneral  uint64
	droppedSessions uint64
}

// NewControlClient constructs an unauthenticated client with bounded
// outbound queues.
func NewControlClient(id ClientID, peerAddr string, generalSize, sessionSize int) *ControlClient {
	return &ControlClient{
		ID:            id,
		PeerAddress:   peerAddr,
		ConnectedAt:   time.Now(),
		Outbound:      make(chan *EventEnvelope, generalSize),
		SessionOutput: make(chan *EventEnvelope, sessionSize),
		subscribed:    make(map[SessionID]struct{}),
	}
}

// Authenticated reports whether the client has completed Authenticate.
func (c *ControlClient) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// MarkAuthenticated flips the authenticated flag.
func (c *ControlClient) MarkAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
}

// Subscribe records interest in a session's output.
func (c *ControlClient) Subscribe(sid SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[sid] = struct{}{}
}

// Unsubscribe removes interest in a session's output.
func (c *ControlClient) Unsubscribe(sid SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, sid)
}

// IsSubscribed reports whether the client currently wants output for sid.
func (c *ControlClient) IsSubscribed(sid SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribed[sid]
	return ok
}

// SubscriptionCount returns the number of sessions currently subscribed.
func (c *ControlClient) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed)
}

// TryEnqueueGeneral attempts a non-blocking send on the general event
// queue. On overflow it drops the event and tracks that a drop occurred;
// callers are responsible for emitting EventsDropped on the next
// successful send (see internal/control).
func (c *ControlClient) TryEnqueueGeneral(e *EventEnvelope) bool {
	select {
	case c.Outbound <- e:
		return true
	default:
		c.mu.Lock()
		c.droppedGeneral++
		c.mu.Unlock()
		return false
	}
}

// TryEnqueueSessionOutput is the session-output analog of TryEnqueueGeneral.
func (c *ControlClient) TryEnqueueSessionOutput(e *EventEnvelope) bool {
	select {
	case c.SessionOutput <- e:
		return true
	default:
		c.mu.Lock()
		c.droppedSessions++
		c.mu.Unlock()
		return false
	}
}

// TakeDroppedCounts returns and resets the number of general and
// session-output events dropped since the last call.
func (c *ControlClient) TakeDroppedCounts() (general, session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	general, session = c.droppedGeneral, c.droppedSessions
	c.droppedGeneral, c.droppedSessions = 0, 0
	return
}

// RecordAuthFailure increments the per-client failure counter and returns
// the new count, for the control plane's rate limiter to act on.
func (c *ControlClient) RecordAuthFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailures++
	return c.authFailures
}
