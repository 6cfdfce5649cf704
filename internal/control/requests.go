package control

import "github.com/kterminus/orchestrator/internal/domain"

// envelope is the generic shape every control-plane request/response
// carries: a type discriminator plus arbitrary payload (spec.md §6,
// "JSON lines over TCP... every message has a type field").
type envelope struct {
	Type string `json:"type"`
}

// Request payload shapes, keyed by their "type" field.

type pingRequest struct {
	Type string `json:"type"`
}

type authenticateRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type listMachinesRequest struct {
	Type string `json:"type"`
}

type getStateSnapshotRequest struct {
	Type string `json:"type"`
}

type createSessionRequest struct {
	Type      string            `json:"type"`
	MachineID string            `json:"machine_id"`
	Shell     string            `json:"shell,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      uint16            `json:"cols"`
	Rows      uint16            `json:"rows"`
}

type sendInputRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
	Bytes     []byte `json:"bytes"`
}

type resizeSessionRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type killSessionRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

type subscribeSessionRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
}

type unsubscribeSessionRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
}

type disconnectMachineRequest struct {
	Type      string `json:"type"`
	MachineID string `json:"machine_id"`
}

type verifyPairingCodeRequest struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Response payload shapes, keyed by their "type" field.

type pongResponse struct {
	Type string `json:"type"`
}

type authenticatedResponse struct {
	Type string `json:"type"`
}

type authenticationRequiredResponse struct {
	Type string `json:"type"`
}

type machineView struct {
	MachineID     string `json:"machine_id"`
	PeerAddress   string `json:"peer_address"`
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	RegisteredAt  int64  `json:"registered_at_unix_ms"`
	LastHeartbeat int64  `json:"last_heartbeat_unix_ms"`
}

type machinesResponse struct {
	Type     string        `json:"type"`
	Machines []machineView `json:"machines"`
}

type sessionView struct {
	SessionID uint32 `json:"session_id"`
	MachineID string `json:"machine_id"`
	ClientID  uint64 `json:"client_id"`
	State     string `json:"state"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

type sessionsResponse struct {
	Type     string        `json:"type"`
	Sessions []sessionView `json:"sessions"`
}

type sessionCreatedResponse struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
	MachineID string `json:"machine_id"`
}

type stateSnapshotResponse struct {
	Type       string        `json:"type"`
	EpochID    string        `json:"epoch_id"`
	CurrentSeq uint64        `json:"current_seq"`
	Machines   []machineView `json:"machines"`
	Sessions   []sessionView `json:"sessions"`
}

type pairingCodeValidResponse struct {
	Type  string `json:"type"`
	Valid bool   `json:"valid"`
}

type rateLimitedResponse struct {
	Type string `json:"type"`
}

type errorResponse struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventResponse struct {
	Type      string `json:"type"`
	EpochID   string `json:"epoch_id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp_unix_ms"`
	Kind      string `json:"kind"`
	Payload   any    `json:"payload"`
}

func toEventResponse(e *domain.EventEnvelope) *eventResponse {
	return &eventResponse{
		Type:      "event",
		EpochID:   string(e.EpochID),
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UnixMilli(),
		Kind:      e.Kind,
		Payload:   e.Payload,
	}
}
