package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kterminus/orchestrator/internal/domain"
)

type recordingPublisher struct {
	published []string
}

func (p *recordingPublisher) Publish(kind string, payload any) {
	p.published = append(p.published, kind)
}

func TestAuditingPublisherForwardsAndRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	inner := &recordingPublisher{}
	p := NewAuditingPublisher(inner, log)

	p.Publish(domain.EventMachineConnected, map[string]any{"machine_id": "m-1", "peer_address": "10.0.0.5:1"})

	if len(inner.published) != 1 || inner.published[0] != domain.EventMachineConnected {
		t.Fatalf("got %v, want the event forwarded to the wrapped publisher", inner.published)
	}

	var count int
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		log.db.QueryRow(`SELECT count(*) FROM events`).Scan(&count)
		if count == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if count != 1 {
		t.Fatalf("got %d audit rows, want 1 after the async record completes", count)
	}
}

func TestAuditingPublisherSkipsUnrecognizedKinds(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	inner := &recordingPublisher{}
	p := NewAuditingPublisher(inner, log)

	p.Publish(domain.EventSessionOutput, domain.SessionOutputPayload{SessionID: 1, Bytes: []byte("x")})
	p.Publish(domain.EventOrchestratorStatus, map[string]any{"connections": 0})

	time.Sleep(20 * time.Millisecond)
	var count int
	if err := log.db.QueryRow(`SELECT count(*) FROM events`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 0 {
		t.Fatalf("got %d audit rows, want 0 for non-audited event kinds", count)
	}
}
