package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kterminus/orchestrator/internal/domain"
)

type fakePool struct{ size int }

func (f *fakePool) Size() int { return f.size }

type fakeSessions struct{ sessions []*domain.Session }

func (f *fakeSessions) List() []*domain.Session { return f.sessions }

func TestHealthEndpoint(t *testing.T) {
	s := New(domain.NewEpochID(), time.Now(), &fakePool{}, &fakeSessions{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	epoch := domain.NewEpochID()
	started := time.Now().Add(-5 * time.Second)
	pool := &fakePool{size: 3}
	sessions := &fakeSessions{sessions: []*domain.Session{{}, {}}}

	s := New(epoch, started, pool, sessions)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	var body Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.EpochID != epoch {
		t.Errorf("got epoch %q, want %q", body.EpochID, epoch)
	}
	if body.Connections != 3 {
		t.Errorf("got connections %d, want 3", body.Connections)
	}
	if body.Sessions != 2 {
		t.Errorf("got sessions %d, want 2", body.Sessions)
	}
	if body.UptimeSeconds < 5 {
		t.Errorf("got uptime %v, want >= 5s", body.UptimeSeconds)
	}
}
