package control

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/kterminus/orchestrator/internal/domain"
	"github.com/kterminus/orchestrator/internal/kerr"
)

type fakeSessions struct {
	created      domain.SessionID
	closeCalls   []domain.SessionID
	removedOwner domain.ClientID
}

func (f *fakeSessions) Create(machineID domain.MachineID, clientID domain.ClientID, shell string, env map[string]string, cols, rows uint16) (domain.SessionID, error) {
	if machineID == "ghost" {
		return 0, kerr.New(kerr.CodeAdmission, "machine not found")
	}
	f.created = 1
	return f.created, nil
}

func (f *fakeSessions) Input(id domain.SessionID, clientID domain.ClientID, bytes []byte) error {
	return nil
}
func (f *fakeSessions) Resize(id domain.SessionID, clientID domain.ClientID, cols, rows uint16) error {
	return nil
}
func (f *fakeSessions) Close(id domain.SessionID, clientID domain.ClientID) error {
	f.closeCalls = append(f.closeCalls, id)
	return nil
}
func (f *fakeSessions) RemoveByClient(clientID domain.ClientID) { f.removedOwner = clientID }
func (f *fakeSessions) Get(id domain.SessionID) *domain.Session { return nil }
func (f *fakeSessions) List() []*domain.Session                 { return nil }

type fakePool struct{}

func (fakePool) List() []*domain.Connection                      { return nil }
func (fakePool) Get(machineID domain.MachineID) *domain.Connection { return nil }
func (fakePool) Remove(machineID domain.MachineID, reason string) *domain.Connection {
	if machineID == "ghost" {
		return nil
	}
	return domain.NewConnection(machineID, "10.0.0.1:22", 1, func() {})
}

func newTestServer() (*Server, *domain.ControlClient) {
	cfg := Config{AuthToken: "secret-token", PairingCode: "pairme12", MaxRequestsPerSec: 1000}
	s := New(cfg, &fakeSessions{}, fakePool{}, NewBus("epoch-1"), nil)
	client := domain.NewControlClient(1, "127.0.0.1:1", 16, 16)
	return s, client
}

func TestDispatchPingIsFree(t *testing.T) {
	s, client := newTestServer()
	resp, _ := s.dispatch(client, "ping", []byte(`{"type":"ping"}`))
	pong, ok := resp.(*pongResponse)
	if !ok || pong.Type != "pong" {
		t.Fatalf("got %+v, want pong", resp)
	}
}

func TestDispatchRequiresAuthForOtherRequests(t *testing.T) {
	s, client := newTestServer()
	resp, _ := s.dispatch(client, "list_machines", []byte(`{"type":"list_machines"}`))
	if _, ok := resp.(*authenticationRequiredResponse); !ok {
		t.Fatalf("got %+v, want authentication_required", resp)
	}
}

func TestDispatchAuthenticateSuccess(t *testing.T) {
	s, client := newTestServer()
	line, _ := json.Marshal(authenticateRequest{Type: "authenticate", Token: "secret-token"})
	resp, _ := s.dispatch(client, "authenticate", line)
	if _, ok := resp.(*authenticatedResponse); !ok {
		t.Fatalf("got %+v, want authenticated", resp)
	}
	if !client.Authenticated() {
		t.Fatal("expected client to be marked authenticated")
	}
}

func TestDispatchAuthenticateFailure(t *testing.T) {
	s, client := newTestServer()
	line, _ := json.Marshal(authenticateRequest{Type: "authenticate", Token: "wrong"})
	resp, _ := s.dispatch(client, "authenticate", line)
	if _, ok := resp.(*authenticationRequiredResponse); !ok {
		t.Fatalf("got %+v, want authentication_required", resp)
	}
	if client.Authenticated() {
		t.Fatal("expected client to remain unauthenticated")
	}
}

func TestDispatchAuthenticateBlocksAndClosesAfterTenFailures(t *testing.T) {
	s, client := newTestServer()
	badLine, _ := json.Marshal(authenticateRequest{Type: "authenticate", Token: "wrong"})

	var closeConn bool
	for i := 0; i < 10; i++ {
		_, closeConn = s.dispatch(client, "authenticate", badLine)
	}
	if !closeConn {
		t.Fatal("expected the 10th failure to signal the connection should close")
	}

	goodLine, _ := json.Marshal(authenticateRequest{Type: "authenticate", Token: "secret-token"})
	resp, closeConn := s.dispatch(client, "authenticate", goodLine)
	if _, ok := resp.(*authenticationRequiredResponse); !ok {
		t.Fatalf("got %+v, want authentication_required even with a valid token while blocked", resp)
	}
	if !closeConn {
		t.Fatal("expected the 11th attempt to also signal closing the connection")
	}
	if client.Authenticated() {
		t.Fatal("expected a blocked client to never authenticate, even with a valid token")
	}
}

func TestDispatchDisconnectMachinePublishesMachineDisconnected(t *testing.T) {
	s, client := newTestServer()
	client.MarkAuthenticated()
	s.bus.Register(client)

	line, _ := json.Marshal(disconnectMachineRequest{Type: "disconnect_machine", MachineID: "m1"})
	resp, _ := s.dispatch(client, "disconnect_machine", line)
	if _, ok := resp.(*pongResponse); !ok {
		t.Fatalf("got %+v, want ok", resp)
	}

	select {
	case env := <-client.Outbound:
		if env.Kind != domain.EventMachineDisconnected {
			t.Fatalf("got event kind %q, want MachineDisconnected", env.Kind)
		}
	default:
		t.Fatal("expected MachineDisconnected to be published on client-requested disconnect")
	}
}

func TestDispatchDisconnectMachineUnknownPublishesNothing(t *testing.T) {
	s, client := newTestServer()
	client.MarkAuthenticated()
	s.bus.Register(client)

	line, _ := json.Marshal(disconnectMachineRequest{Type: "disconnect_machine", MachineID: "ghost"})
	s.dispatch(client, "disconnect_machine", line)

	select {
	case env := <-client.Outbound:
		t.Fatalf("got unexpected event %+v for a disconnect of an unknown machine", env)
	default:
	}
}

func TestReadLoopClosesUnauthenticatedConnAfterDeadline(t *testing.T) {
	cfg := Config{
		AuthToken:         "secret-token",
		PairingCode:       "pairme12",
		MaxRequestsPerSec: 1000,
		AuthDeadline:      20 * time.Millisecond,
		GeneralBufferSize: 16,
		SessionOutputSize: 16,
	}
	s := New(cfg, &fakeSessions{}, fakePool{}, NewBus("epoch-1"), nil)
	client := domain.NewControlClient(1, "127.0.0.1:1", 16, 16)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		s.readLoop(context.Background(), serverConn, &connWriter{nc: serverConn}, client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected readLoop to return once the auth deadline elapses without authenticating")
	}
}

func TestDispatchVerifyPairingCodeIsFree(t *testing.T) {
	s, client := newTestServer()
	line, _ := json.Marshal(verifyPairingCodeRequest{Type: "verify_pairing_code", Code: "pairme12"})
	resp, _ := s.dispatch(client, "verify_pairing_code", line)
	valid, ok := resp.(*pairingCodeValidResponse)
	if !ok || !valid.Valid {
		t.Fatalf("got %+v, want valid pairing code", resp)
	}
}

func TestDispatchCreateSessionAfterAuth(t *testing.T) {
	s, client := newTestServer()
	client.MarkAuthenticated()

	line, _ := json.Marshal(createSessionRequest{Type: "create_session", MachineID: "m1", Cols: 80, Rows: 24})
	resp, _ := s.dispatch(client, "create_session", line)
	created, ok := resp.(*sessionCreatedResponse)
	if !ok || created.MachineID != "m1" {
		t.Fatalf("got %+v, want session_created for m1", resp)
	}
}

func TestDispatchCreateSessionMachineNotFound(t *testing.T) {
	s, client := newTestServer()
	client.MarkAuthenticated()

	line, _ := json.Marshal(createSessionRequest{Type: "create_session", MachineID: "ghost", Cols: 80, Rows: 24})
	resp, _ := s.dispatch(client, "create_session", line)
	errResp, ok := resp.(*errorResponse)
	if !ok || errResp.Code != string(kerr.CodeAdmission) {
		t.Fatalf("got %+v, want admission error", resp)
	}
}

func TestDispatchUnknownRequestType(t *testing.T) {
	s, client := newTestServer()
	client.MarkAuthenticated()
	resp, _ := s.dispatch(client, "frobnicate", []byte(`{"type":"frobnicate"}`))
	errResp, ok := resp.(*errorResponse)
	if !ok || errResp.Code != "unknown_request" {
		t.Fatalf("got %+v, want unknown_request error", resp)
	}
}
