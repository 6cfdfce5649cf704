package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kterminus/orchestrator/internal/domain"
)

type fakePool struct {
	mu      sync.Mutex
	conns   map[domain.MachineID]*domain.Connection
	removed []domain.MachineID
}

func newFakePool() *fakePool {
	return &fakePool{conns: make(map[domain.MachineID]*domain.Connection)}
}

func (f *fakePool) add(c *domain.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[c.MachineID] = c
}

func (f *fakePool) List() []*domain.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func (f *fakePool) Remove(machineID domain.MachineID, reason string) *domain.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conns[machineID]
	delete(f.conns, machineID)
	f.removed = append(f.removed, machineID)
	return c
}

type fakeEvents struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeEvents) Publish(kind string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, kind)
}

type fakeSessions struct{}

func (fakeSessions) List() []*domain.Session { return nil }

func TestCycleEvictsDeadConnections(t *testing.T) {
	p := newFakePool()
	events := &fakeEvents{}
	conn := domain.NewConnection("m1", "10.0.0.1:22", 4, func() {})
	conn.LastHeartbeat = time.Now().Add(-100 * time.Second)
	p.add(conn)

	m := New(p, fakeSessions{}, events, time.Second, 90*time.Second, "epoch-1", time.Now())
	m.cycle()

	if len(p.removed) != 1 || p.removed[0] != "m1" {
		t.Fatalf("got removed=%v, want [m1]", p.removed)
	}
	found := false
	for _, k := range events.published {
		if k == domain.EventMachineDisconnected {
			found = true
		}
	}
	if !found {
		t.Errorf("expected MachineDisconnected event, got %v", events.published)
	}
}

func TestCycleProbesLiveConnections(t *testing.T) {
	p := newFakePool()
	events := &fakeEvents{}
	conn := domain.NewConnection("m1", "10.0.0.1:22", 4, func() {})
	p.add(conn)

	m := New(p, fakeSessions{}, events, time.Second, 90*time.Second, "epoch-1", time.Now())
	m.cycle()

	if len(p.removed) != 0 {
		t.Fatalf("expected no removal for a live connection, got %v", p.removed)
	}
	select {
	case env := <-conn.Outbound:
		if env.Type.String() != "Heartbeat" {
			t.Errorf("got frame type %v, want Heartbeat", env.Type)
		}
	default:
		t.Fatal("expected a heartbeat frame to be enqueued")
	}
}

func TestCycleReportsBackpressureOnFullOutbound(t *testing.T) {
	p := newFakePool()
	events := &fakeEvents{}
	conn := domain.NewConnection("m1", "10.0.0.1:22", 0, func() {}) // zero-capacity: always full
	p.add(conn)

	m := New(p, fakeSessions{}, events, time.Second, 90*time.Second, "epoch-1", time.Now())
	m.cycle()

	found := false
	for _, k := range events.published {
		if k == "BackpressureOnHeartbeat" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected BackpressureOnHeartbeat event, got %v", events.published)
	}
}

func TestCyclePublishesOrchestratorStatus(t *testing.T) {
	p := newFakePool()
	events := &fakeEvents{}
	conn := domain.NewConnection("m1", "10.0.0.1:22", 4, func() {})
	p.add(conn)

	m := New(p, fakeSessions{}, events, time.Second, 90*time.Second, "epoch-1", time.Now())
	m.cycle()

	if len(events.published) == 0 || events.published[0] != domain.EventOrchestratorStatus {
		t.Fatalf("got %v, want OrchestratorStatus published first each cycle", events.published)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p := newFakePool()
	events := &fakeEvents{}
	m := New(p, fakeSessions{}, events, 5*time.Millisecond, 90*time.Second, "epoch-1", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
