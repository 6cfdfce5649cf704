package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kterminus/orchestrator/internal/domain"
)

// Publisher is the minimal event-publishing capability AuditingPublisher
// decorates — the same shape internal/session, internal/sshserver, and
// internal/health already depend on.
type Publisher interface {
	Publish(kind string, payload any)
}

// AuditingPublisher wraps a Publisher, persisting connection and session
// lifecycle events to the audit log before forwarding every event
// unchanged to the wrapped bus. Recording is best-effort: a write failure
// is logged, not propagated, since a broadcast must never block on disk IO.
type AuditingPublisher struct {
	inner Publisher
	log   *Log
}

// NewAuditingPublisher constructs a decorator over inner that also
// persists the subset of event kinds auditKindFor recognizes.
func NewAuditingPublisher(inner Publisher, log *Log) *AuditingPublisher {
	return &AuditingPublisher{inner: inner, log: log}
}

// Publish forwards to the wrapped Publisher, then records a subset of
// event kinds to the audit log asynchronously.
func (p *AuditingPublisher) Publish(kind string, payload any) {
	p.inner.Publish(kind, payload)

	k, ok := auditKindFor(kind)
	if !ok {
		return
	}
	entry := Entry{OccurredAt: time.Now(), Kind: k, Detail: payload}
	if m, ok := payload.(map[string]any); ok {
		entry.MachineID = stringField(m, "machine_id")
		entry.SessionID = stringField(m, "session_id")
		entry.PeerAddress = stringField(m, "peer_address")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.log.Record(ctx, entry); err != nil {
			slog.Warn("audit: record event failed", "kind", kind, "error", err)
		}
	}()
}

func auditKindFor(eventKind string) (Kind, bool) {
	switch eventKind {
	case domain.EventMachineConnected:
		return KindMachineConnected, true
	case domain.EventMachineDisconnected:
		return KindMachineDisconnected, true
	case domain.EventSessionCreated:
		return KindSessionCreated, true
	case domain.EventSessionClosed:
		return KindSessionClosed, true
	default:
		return "", false
	}
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
