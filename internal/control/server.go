// Package control implements the local control plane (spec.md §4.7): a
// loopback-only, authenticated, JSON-lines request/response server with
// an event broadcast bus.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kterminus/orchestrator/internal/audit"
	"github.com/kterminus/orchestrator/internal/domain"
	"github.com/kterminus/orchestrator/internal/identity"
	"github.com/kterminus/orchestrator/internal/kerr"
)

// AuditRecorder is the subset of *audit.Log the control plane needs to
// persist authentication failures. nil disables recording.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// SessionManager is the subset of *session.Manager the control plane needs.
type SessionManager interface {
	Create(machineID domain.MachineID, clientID domain.ClientID, shell string, env map[string]string, cols, rows uint16) (domain.SessionID, error)
	Input(id domain.SessionID, clientID domain.ClientID, bytes []byte) error
	Resize(id domain.SessionID, clientID domain.ClientID, cols, rows uint16) error
	Close(id domain.SessionID, clientID domain.ClientID) error
	RemoveByClient(clientID domain.ClientID)
	Get(id domain.SessionID) *domain.Session
	List() []*domain.Session
}

// ConnectionPool is the subset of *pool.Pool the control plane needs.
type ConnectionPool interface {
	List() []*domain.Connection
	Get(machineID domain.MachineID) *domain.Connection
	Remove(machineID domain.MachineID, reason string) *domain.Connection
}

// Config holds the control plane's tunable limits.
type Config struct {
	BindAddress        string // loopback host, e.g. "127.0.0.1"
	Port               int    // default 22230
	AuthToken          string
	PairingCode        string
	GeneralBufferSize  int // default 1024
	SessionOutputSize  int // default 256
	AuthDeadline       time.Duration
	MaxRequestsPerSec  int // default 1000
}

// Server is the control-plane listener.
type Server struct {
	cfg      Config
	sessions SessionManager
	pool     ConnectionPool
	bus      *Bus
	audit    AuditRecorder
	startAt  time.Time

	limiter *authLimiter
	nextID  atomic.Uint64
}

// New constructs a control-plane Server. audit may be nil, in which case
// authentication failures are rate-limited but not persisted.
func New(cfg Config, sessions SessionManager, p ConnectionPool, bus *Bus, auditLog AuditRecorder) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		pool:     p,
		bus:      bus,
		audit:    auditLog,
		startAt:  time.Now(),
		limiter:  newAuthLimiter(),
	}
}

// Run accepts connections until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("control plane listening", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		if !identity.IsLoopback(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// connWriter serializes writes to one connection: the read loop's direct
// responses and the event pump's broadcasts share the same socket and
// must never interleave mid-line.
type connWriter struct {
	mu sync.Mutex
	nc net.Conn
}

func (w *connWriter) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("control: marshal response", "error", err)
		return
	}
	b = append(b, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.nc.Write(b); err != nil {
		slog.Debug("control: write response", "error", err)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	id := domain.ClientID(s.nextID.Add(1))
	peer := nc.RemoteAddr().String()
	client := domain.NewControlClient(id, peer, s.cfg.GeneralBufferSize, s.cfg.SessionOutputSize)
	s.bus.Register(client)
	defer func() {
		s.bus.Unregister(id)
		s.sessions.RemoveByClient(id)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &connWriter{nc: nc}
	go s.pumpEvents(connCtx, w, client)

	s.readLoop(connCtx, nc, w, client)
}

// readLoop decodes JSON-lines requests and writes responses inline on
// the same connection; pumpEvents shares the connection for broadcasts,
// so both paths write under the assumption that net.Conn.Write is safe
// to call concurrently for TCP (true on every supported platform).
// Until the client authenticates, reads are bounded by AuthDeadline
// (spec.md §5); the deadline is cleared for good once Authenticate
// succeeds.
func (s *Server) readLoop(ctx context.Context, nc net.Conn, w *connWriter, client *domain.ControlClient) {
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if s.cfg.AuthDeadline > 0 {
		nc.SetReadDeadline(time.Now().Add(s.cfg.AuthDeadline))
	}

	var requestsThisSecond int
	windowStart := time.Now()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			requestsThisSecond = 0
		}
		requestsThisSecond++
		if s.cfg.MaxRequestsPerSec > 0 && requestsThisSecond > s.cfg.MaxRequestsPerSec {
			w.writeJSON(&rateLimitedResponse{Type: "rate_limited"})
			continue
		}

		line := scanner.Bytes()
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			w.writeJSON(&errorResponse{Type: "error", Code: "malformed_request", Message: err.Error()})
			continue
		}

		resp, closeConn := s.dispatch(client, env.Type, line)
		w.writeJSON(resp)
		if s.cfg.AuthDeadline > 0 && client.Authenticated() {
			nc.SetReadDeadline(time.Time{})
		}
		if closeConn {
			return
		}
	}
}

// dispatch handles one decoded request and returns the response to send,
// plus whether the connection must be closed after sending it (spec.md
// §4.7: a rate-limited client is closed, not just denied).
func (s *Server) dispatch(client *domain.ControlClient, reqType string, line []byte) (any, bool) {
	isFree := reqType == "ping" || reqType == "authenticate" || reqType == "verify_pairing_code"
	if !client.Authenticated() && !isFree {
		return &authenticationRequiredResponse{Type: "authentication_required"}, false
	}

	switch reqType {
	case "ping":
		return &pongResponse{Type: "pong"}, false

	case "authenticate":
		return s.handleAuthenticate(client, line)

	case "verify_pairing_code":
		var req verifyPairingCodeRequest
		json.Unmarshal(line, &req)
		valid := ConstantTimeEqual(req.Code, s.cfg.PairingCode)
		return &pairingCodeValidResponse{Type: "pairing_code_valid", Valid: valid}, false

	case "list_machines":
		return &machinesResponse{Type: "machines", Machines: s.listMachineViews()}, false

	case "get_state_snapshot":
		return &stateSnapshotResponse{
			Type:       "state_snapshot",
			EpochID:    string(s.bus.EpochID()),
			CurrentSeq: s.bus.CurrentSeq(),
			Machines:   s.listMachineViews(),
			Sessions:   s.listSessionViews(),
		}, false

	case "create_session":
		var req createSessionRequest
		json.Unmarshal(line, &req)
		id, err := s.sessions.Create(domain.MachineID(req.MachineID), client.ID, req.Shell, req.Env, req.Cols, req.Rows)
		if err != nil {
			return errToResponse(err), false
		}
		return &sessionCreatedResponse{Type: "session_created", SessionID: uint32(id), MachineID: req.MachineID}, false

	case "send_input":
		var req sendInputRequest
		json.Unmarshal(line, &req)
		if err := s.sessions.Input(domain.SessionID(req.SessionID), client.ID, req.Bytes); err != nil {
			return errToResponse(err), false
		}
		return &pongResponse{Type: "ok"}, false

	case "resize_session":
		var req resizeSessionRequest
		json.Unmarshal(line, &req)
		if err := s.sessions.Resize(domain.SessionID(req.SessionID), client.ID, req.Cols, req.Rows); err != nil {
			return errToResponse(err), false
		}
		return &pongResponse{Type: "ok"}, false

	case "kill_session":
		var req killSessionRequest
		json.Unmarshal(line, &req)
		if err := s.sessions.Close(domain.SessionID(req.SessionID), client.ID); err != nil {
			return errToResponse(err), false
		}
		return &pongResponse{Type: "ok"}, false

	case "subscribe_session":
		var req subscribeSessionRequest
		json.Unmarshal(line, &req)
		client.Subscribe(domain.SessionID(req.SessionID))
		return &pongResponse{Type: "ok"}, false

	case "unsubscribe_session":
		var req unsubscribeSessionRequest
		json.Unmarshal(line, &req)
		client.Unsubscribe(domain.SessionID(req.SessionID))
		return &pongResponse{Type: "ok"}, false

	case "disconnect_machine":
		var req disconnectMachineRequest
		json.Unmarshal(line, &req)
		machineID := domain.MachineID(req.MachineID)
		if conn := s.pool.Remove(machineID, "client_requested"); conn != nil {
			s.bus.Publish(domain.EventMachineDisconnected, map[string]any{
				"machine_id": machineID,
				"reason":     "client_requested",
			})
		}
		return &pongResponse{Type: "ok"}, false

	default:
		return &errorResponse{Type: "error", Code: "unknown_request", Message: reqType}, false
	}
}

func (s *Server) handleAuthenticate(client *domain.ControlClient, line []byte) (any, bool) {
	if s.limiter.Blocked(client.PeerAddress) {
		return &errorResponse{Type: "error", Code: "auth_rate_limited", Message: "too many failed attempts"}, true
	}
	var req authenticateRequest
	json.Unmarshal(line, &req)
	if !ConstantTimeEqual(req.Token, s.cfg.AuthToken) {
		s.limiter.RecordFailure(client.PeerAddress)
		client.RecordAuthFailure()
		if s.audit != nil {
			entry := audit.Entry{OccurredAt: time.Now(), Kind: audit.KindAuthFailure, PeerAddress: client.PeerAddress}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.audit.Record(ctx, entry); err != nil {
				slog.Warn("audit: record auth failure failed", "error", err)
			}
		}
		closeConn := s.limiter.Blocked(client.PeerAddress)
		return &authenticationRequiredResponse{Type: "authentication_required"}, closeConn
	}
	s.limiter.Reset(client.PeerAddress)
	client.MarkAuthenticated()
	return &authenticatedResponse{Type: "authenticated"}, false
}

func errToResponse(err error) *errorResponse {
	code, ok := kerr.CodeOf(err)
	if !ok {
		code = kerr.CodeInternalInvariant
	}
	return &errorResponse{Type: "error", Code: string(code), Message: err.Error()}
}

func (s *Server) listMachineViews() []machineView {
	conns := s.pool.List()
	out := make([]machineView, 0, len(conns))
	for _, c := range conns {
		out = append(out, machineView{
			MachineID:     string(c.MachineID),
			PeerAddress:   c.PeerAddress,
			Hostname:      c.Hostname,
			OS:            c.OS,
			Arch:          c.Arch,
			RegisteredAt:  c.RegisteredAt.UnixMilli(),
			LastHeartbeat: c.LastHeartbeat.UnixMilli(),
		})
	}
	return out
}

func (s *Server) listSessionViews() []sessionView {
	sessions := s.sessions.List()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			SessionID: uint32(sess.ID),
			MachineID: string(sess.Owner.MachineID),
			ClientID:  uint64(sess.Owner.ClientID),
			State:     sess.State.String(),
			CreatedAt: sess.CreatedAt.UnixMilli(),
		})
	}
	return out
}

// pumpEvents drains the client's general and session-output queues onto
// the connection until the connection context is canceled.
func (s *Server) pumpEvents(ctx context.Context, w *connWriter, client *domain.ControlClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-client.Outbound:
			w.writeJSON(toEventResponse(e))
		case e := <-client.SessionOutput:
			w.writeJSON(toEventResponse(e))
		}
	}
}
