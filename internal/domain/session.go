package domain

import "time"

// SessionState is a session's lifecycle stage. There is no "paused" state:
// backpressure is handled on channels, never encoded here (spec.md §4.6).
type SessionState int

const (
	SessionCreating SessionState = iota
	SessionReady
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreating:
		return "creating"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Owner identifies who may mutate a session: the machine hosting its PTY
// and the control-plane client that created it. Modeled as a plain value,
// not a back-pointer to a mutable client object, so ownership checks never
// need to chase a live object (SPEC_FULL.md "Ownership of sessions").
type Owner struct {
	MachineID MachineID
	ClientID  ClientID
}

// Session is one PTY + child process on an agent, multiplexed over its
// machine's tunnel.
type Session struct {
	ID        SessionID
	Owner     Owner
	State     SessionState
	Shell     string
	CreatedAt time.Time
	PID       int // 0 if unknown or not yet reported
	Cols      uint16
	Rows      uint16
}

// NewSession constructs a session in the Creating state.
func NewSession(id SessionID, owner Owner, shell string, cols, rows uint16) *Session {
	return &Session{
		ID:        id,
		Owner:     owner,
		State:     SessionCreating,
		Shell:     shell,
		CreatedAt: time.Now(),
		Cols:      cols,
		Rows:      rows,
	}
}

// IsOwnedBy reports whether clientID is permitted to mutate this session.
func (s *Session) IsOwnedBy(clientID ClientID) bool {
	return s.Owner.ClientID == clientID
}
