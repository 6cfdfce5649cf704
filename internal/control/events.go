package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kterminus/orchestrator/internal/domain"
)

// Bus is the orchestrator's single event broadcast bus (spec.md §4.7).
// Every event is stamped with a monotone seq under the current epoch and
// fanned out to every registered client's bounded outbound queue.
type Bus struct {
	epoch domain.EpochID
	seq   atomic.Uint64

	mu      sync.RWMutex
	clients map[domain.ClientID]*domain.ControlClient
}

// NewBus constructs a Bus for one orchestrator run under epoch.
func NewBus(epoch domain.EpochID) *Bus {
	return &Bus{epoch: epoch, clients: make(map[domain.ClientID]*domain.ControlClient)}
}

// Register adds a client to receive future broadcasts.
func (b *Bus) Register(c *domain.ControlClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c.ID] = c
}

// Unregister removes a client from the broadcast set.
func (b *Bus) Unregister(id domain.ClientID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, id)
}

// CurrentSeq returns the last sequence number assigned.
func (b *Bus) CurrentSeq() uint64 {
	return b.seq.Load()
}

// EpochID returns the bus's epoch.
func (b *Bus) EpochID() domain.EpochID {
	return b.epoch
}

// Publish stamps payload with the next seq and fans it out to every
// registered client. This satisfies the EventPublisher interfaces
// expected by internal/health and internal/session.
func (b *Bus) Publish(kind string, payload any) {
	seq := b.seq.Add(1)
	env := &domain.EventEnvelope{
		EpochID:   b.epoch,
		Seq:       seq,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if kind == domain.EventSessionOutput {
		out, ok := payload.(domain.SessionOutputPayload)
		if !ok {
			return
		}
		for _, c := range b.clients {
			if !c.IsSubscribed(out.SessionID) {
				continue
			}
			if !c.TryEnqueueSessionOutput(env) {
				b.notifyDropped(c)
			}
		}
		return
	}
	for _, c := range b.clients {
		if !c.TryEnqueueGeneral(env) {
			b.notifyDropped(c)
		}
	}
}

// notifyDropped sends a synthetic EventsDropped on the client's general
// queue once, summarizing everything missed since the last successful
// delivery (spec.md §4.7, §9 "Broadcast with lossy consumers").
func (b *Bus) notifyDropped(c *domain.ControlClient) {
	general, sessionOut := c.TakeDroppedCounts()
	missed := general + sessionOut
	if missed == 0 {
		return
	}
	seq := b.seq.Add(1)
	env := &domain.EventEnvelope{
		EpochID:   b.epoch,
		Seq:       seq,
		Timestamp: time.Now(),
		Kind:      domain.EventEventsDropped,
		Payload:   map[string]any{"missed": missed},
	}
	// Best-effort: if even the drop notice can't be enqueued, the client's
	// next GetStateSnapshot still recovers correctness; we don't retry here.
	select {
	case c.Outbound <- env:
	default:
	}
}
