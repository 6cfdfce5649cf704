package domain

import (
	"time"

	"github.com/kterminus/orchestrator/internal/wire"
)

// Connection represents one authenticated tunnel between the orchestrator
// and an agent. Owned by the connection pool; destroyed on socket close,
// heartbeat timeout, eviction, or shutdown (spec.md §3).
type Connection struct {
	MachineID      MachineID
	PeerAddress    string
	RegisteredAt   time.Time
	LastHeartbeat  time.Time
	Hostname       string
	OS             string
	Arch           string
	ProtocolVer    string
	Outbound       chan *wire.Envelope // bounded, per-connection outbound-to-agent channel
	Cancel         func()              // cancels this connection's task tree
}

// NewConnection constructs a Connection with a bounded outbound channel.
func NewConnection(machineID MachineID, peerAddr string, outboundSize int, cancel func()) *Connection {
	now := time.Now()
	return &Connection{
		MachineID:     machineID,
		PeerAddress:   peerAddr,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Outbound:      make(chan *wire.Envelope, outboundSize),
		Cancel:        cancel,
	}
}

// TryEnqueue attempts a non-blocking send on the outbound channel. Returns
// false if the channel is full — callers must treat this as backpressure,
// never block the caller's goroutine on a slow agent.
func (c *Connection) TryEnqueue(env *wire.Envelope) bool {
	select {
	case c.Outbound <- env:
		return true
	default:
		return false
	}
}

// MarkHeartbeat records receipt of liveness (either a Heartbeat from the
// agent or a HeartbeatAck to our own probe).
func (c *Connection) MarkHeartbeat(at time.Time) {
	c.LastHeartbeat = at
}

// IsDead reports whether the connection has exceeded the heartbeat timeout.
func (c *Connection) IsDead(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastHeartbeat) > timeout
}
