package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope pairs a frame's decoded message type with its typed payload,
// for use on in-process channels (e.g. domain.Connection.Outbound) where
// passing raw bytes around would force a second decode at the consumer.
type Envelope struct {
	SessionID uint32
	Type      Type
	Message   any
}

// ToFrame marshals the envelope's Message to JSON and wraps it in a Frame
// ready for Encode. Data is the one exception (spec.md §4.2): its payload
// is the raw PTY bytes written directly to the frame, with no JSON/base64
// wrapper, since the session_id already lives in the frame header.
func (e *Envelope) ToFrame() (*Frame, error) {
	if e.Type == TypeData {
		var payload []byte
		if d, ok := e.Message.(*Data); ok {
			payload = d.Bytes
		}
		return &Frame{SessionID: e.SessionID, Type: e.Type, Payload: payload}, nil
	}
	var payload []byte
	var err error
	if e.Message != nil {
		payload, err = json.Marshal(e.Message)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s payload: %w", e.Type, err)
		}
	}
	return &Frame{SessionID: e.SessionID, Type: e.Type, Payload: payload}, nil
}

// Decode unmarshals f's payload into the message struct appropriate for
// f.Type, returning it as an Envelope. Unknown types are returned with a
// nil Message and no error; callers decide whether that's fatal.
func DecodeEnvelope(f *Frame) (*Envelope, error) {
	env := &Envelope{SessionID: f.SessionID, Type: f.Type}
	if f.Type == TypeData {
		env.Message = &Data{Bytes: f.Payload}
		return env, nil
	}
	var target any
	switch f.Type {
	case TypeRegister:
		target = &Register{}
	case TypeRegisterAck:
		target = &RegisterAck{}
	case TypeSessionCreate:
		target = &SessionCreate{}
	case TypeSessionReady:
		target = &SessionReady{}
	case TypeResize:
		target = &Resize{}
	case TypeSessionClose:
		target = &SessionClose{}
	case TypeHeartbeat:
		target = &Heartbeat{}
	case TypeHeartbeatAck:
		target = &HeartbeatAck{}
	case TypeError:
		target = &Error{}
	default:
		return env, nil
	}
	if len(f.Payload) == 0 {
		env.Message = target
		return env, nil
	}
	if err := json.Unmarshal(f.Payload, target); err != nil {
		return nil, fmt.Errorf("wire: unmarshal %s payload: %w", f.Type, err)
	}
	env.Message = target
	return env, nil
}

// Register is sent once, first, by the agent on a new connection
// (spec.md §4.2). SessionID on the enclosing frame is 0.
type Register struct {
	MachineID   string `json:"machine_id"`
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	ProtocolVer string `json:"protocol_version"`
}

// RegisterAck is the orchestrator's reply to Register.
type RegisterAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	EpochID  string `json:"epoch_id,omitempty"`
}

// SessionCreate asks the agent to spawn a new PTY session.
type SessionCreate struct {
	Cols    uint16            `json:"cols"`
	Rows    uint16            `json:"rows"`
	Command string            `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SessionReady is the agent's reply once the PTY has been spawned.
type SessionReady struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Data carries raw PTY bytes in either direction.
type Data struct {
	Bytes []byte `json:"bytes"`
}

// Resize changes a session's terminal dimensions.
type Resize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SessionClose tears a session down, in either direction.
type SessionClose struct {
	Reason string `json:"reason"`
}

// Reasons recognized by SessionClose.Reason.
const (
	CloseReasonProcessExited  = "process_exited"
	CloseReasonClientRequest  = "client_request"
	CloseReasonConnectionLost = "connection_lost"
	CloseReasonShutdown       = "orchestrator_shutdown"
)

// Heartbeat is sent periodically by the agent to prove liveness.
type Heartbeat struct {
	SentAtUnixMS int64 `json:"sent_at_unix_ms"`
}

// HeartbeatAck acknowledges a Heartbeat (or probes liveness the other way).
type HeartbeatAck struct {
	SentAtUnixMS int64 `json:"sent_at_unix_ms"`
}

// Error reports a non-fatal, per-session protocol anomaly (SPEC_FULL.md §3.3).
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error-frame codes.
const (
	ErrCodeInvalidResize  = "invalid_resize"
	ErrCodeUnknownSession = "unknown_session"
	ErrCodeMalformed      = "malformed_message"
)
