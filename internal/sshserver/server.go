// Package sshserver implements the orchestrator-side reverse-tunnel SSH
// server (spec.md §2 component 5, §4.3): it accepts inbound tunnels,
// verifies peer identity before any handshake, and dispatches wire
// frames for each established tunnel into the connection pool and
// session manager.
package sshserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kterminus/orchestrator/internal/domain"
	"github.com/kterminus/orchestrator/internal/identity"
	"github.com/kterminus/orchestrator/internal/kerr"
	"github.com/kterminus/orchestrator/internal/wire"
)

// Pool is the subset of *pool.Pool the SSH server needs.
type Pool interface {
	TryInsert(conn *domain.Connection) (*domain.Connection, error)
	Remove(machineID domain.MachineID, reason string) *domain.Connection
}

// SessionRouter is the subset of *session.Manager the SSH server needs
// to route agent→orchestrator traffic and session lifecycle events.
type SessionRouter interface {
	MarkReady(id domain.SessionID) error
	RouteAgentData(sessionID domain.SessionID, b []byte)
	CloseByAgent(id domain.SessionID, reason string)
}

// EventPublisher is the subset of the control plane's event bus the SSH
// server needs.
type EventPublisher interface {
	Publish(kind string, payload any)
}

// Config holds the SSH server's tunable settings.
type Config struct {
	BindAddress     string
	OutboundBufSize int // per-connection outbound-to-agent channel size, default 256
	ProtocolVersion string
}

// Server accepts inbound agent tunnels.
type Server struct {
	cfg       Config
	verifier  identity.Verifier
	pool      Pool
	sessions  SessionRouter
	events    EventPublisher
	sshConf   *ssh.ServerConfig
	hostKeyFP string
}

// New constructs a Server from an already-loaded host key (see
// internal/authstore for the spec.md §6 load-or-generate convention).
func New(cfg Config, signer ssh.Signer, hostKeyFingerprint string, verifier identity.Verifier, p Pool, sessions SessionRouter, events EventPublisher) (*Server, error) {
	sshConf := &ssh.ServerConfig{NoClientAuth: true}
	sshConf.AddHostKey(signer)

	return &Server{
		cfg:       cfg,
		verifier:  verifier,
		pool:      p,
		sessions:  sessions,
		events:    events,
		sshConf:   sshConf,
		hostKeyFP: hostKeyFingerprint,
	}, nil
}

// Run accepts tunnels until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("sshserver: listen %s: %w", s.cfg.BindAddress, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("ssh server listening", "addr", s.cfg.BindAddress)
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("sshserver: accept: %w", err)
			}
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	peerAddr := nc.RemoteAddr().String()

	result, err := s.verifier.Verify(peerAddr)
	if err != nil {
		slog.Warn("peer verification failed", "peer", peerAddr, "error", err)
		nc.Close()
		return
	}
	if result.Verdict == identity.Rejected {
		slog.Warn("peer rejected", "peer", peerAddr)
		nc.Close()
		return
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.sshConf)
	if err != nil {
		slog.Debug("ssh handshake failed", "peer", peerAddr, "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	var machineID domain.MachineID
	if result.Verdict == identity.Verified {
		machineID = domain.MachineID(result.DeviceName)
	} else {
		machineID = domain.LoopbackMachineID(s.hostKeyFP)
	}

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, chanReqs, err := newChan.Accept()
		if err != nil {
			slog.Warn("failed to accept channel", "peer", peerAddr, "error", err)
			continue
		}
		go ssh.DiscardRequests(chanReqs)
		s.handleTunnel(ctx, machineID, peerAddr, channel)
		return // one tunnel stream per connection; no further channels expected
	}
}

// handleTunnel is the per-connection frame dispatch loop: it reads the
// mandatory first Register frame, admits the connection into the pool,
// then multiplexes inbound Data/SessionReady/SessionClose/Heartbeat
// frames to the session manager while draining the connection's
// outbound channel to the wire.
func (s *Server) handleTunnel(ctx context.Context, verifiedMachineID domain.MachineID, peerAddr string, channel ssh.Channel) {
	defer channel.Close()

	first, err := wire.Decode(channel)
	if err != nil {
		slog.Warn("failed to read Register frame", "peer", peerAddr, "error", err)
		return
	}
	if first.Type != wire.TypeRegister {
		slog.Warn("first frame was not Register", "peer", peerAddr, "type", first.Type)
		return
	}
	env, err := wire.DecodeEnvelope(first)
	if err != nil {
		slog.Warn("malformed Register frame", "peer", peerAddr, "error", err)
		return
	}
	reg := env.Message.(*wire.Register)

	machineID := verifiedMachineID
	if machineID == "" && reg.MachineID != "" {
		machineID = domain.MachineID(reg.MachineID)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := domain.NewConnection(machineID, peerAddr, s.cfg.OutboundBufSize, cancel)
	conn.Hostname, conn.OS, conn.Arch, conn.ProtocolVer = reg.Hostname, reg.OS, reg.Arch, reg.ProtocolVer

	if _, err := s.pool.TryInsert(conn); err != nil {
		s.sendRegisterAck(channel, false, errReason(err))
		return
	}
	defer func() {
		if s.pool.Remove(machineID, "connection_closed") != nil {
			s.events.Publish(domain.EventMachineDisconnected, map[string]any{
				"machine_id": machineID,
				"reason":     "connection_closed",
			})
		}
	}()

	s.sendRegisterAck(channel, true, "")
	s.events.Publish(domain.EventMachineConnected, map[string]any{"machine_id": machineID, "peer_address": peerAddr})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.outboundLoop(connCtx, channel, conn)
	}()

	s.inboundLoop(connCtx, channel, conn)
	cancel()
	<-done
}

func (s *Server) sendRegisterAck(channel ssh.Channel, accepted bool, reason string) {
	env := &wire.Envelope{Type: wire.TypeRegisterAck, Message: &wire.RegisterAck{Accepted: accepted, Reason: reason}}
	frame, err := env.ToFrame()
	if err != nil {
		slog.Error("encode RegisterAck", "error", err)
		return
	}
	if err := frame.Encode(channel); err != nil {
		slog.Debug("write RegisterAck", "error", err)
	}
}

func errReason(err error) string {
	if code, ok := kerr.CodeOf(err); ok {
		return string(code)
	}
	return "error"
}

// outboundLoop drains conn.Outbound to the wire until ctx is canceled.
func (s *Server) outboundLoop(ctx context.Context, channel ssh.Channel, conn *domain.Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-conn.Outbound:
			if !ok {
				return
			}
			frame, err := env.ToFrame()
			if err != nil {
				slog.Error("encode outbound frame", "machine_id", conn.MachineID, "error", err)
				continue
			}
			if err := frame.Encode(channel); err != nil {
				slog.Debug("write outbound frame", "machine_id", conn.MachineID, "error", err)
				return
			}
		}
	}
}

// inboundLoop reads frames from the agent and dispatches them.
func (s *Server) inboundLoop(ctx context.Context, channel ssh.Channel, conn *domain.Connection) {
	for {
		f, err := wire.Decode(channel)
		if err != nil {
			slog.Debug("tunnel read ended", "machine_id", conn.MachineID, "error", err)
			return
		}
		env, err := wire.DecodeEnvelope(f)
		if err != nil {
			slog.Warn("malformed frame", "machine_id", conn.MachineID, "error", err)
			continue
		}
		switch env.Type {
		case wire.TypeHeartbeat, wire.TypeHeartbeatAck:
			conn.MarkHeartbeat(time.Now())
			s.events.Publish(domain.EventMachineUpdated, map[string]any{
				"machine_id":     conn.MachineID,
				"last_heartbeat": conn.LastHeartbeat,
			})
		case wire.TypeSessionReady:
			if err := s.sessions.MarkReady(domain.SessionID(f.SessionID)); err != nil {
				slog.Debug("SessionReady for unknown session", "session_id", f.SessionID, "error", err)
			}
		case wire.TypeData:
			data := env.Message.(*wire.Data)
			s.sessions.RouteAgentData(domain.SessionID(f.SessionID), data.Bytes)
		case wire.TypeSessionClose:
			closeMsg := env.Message.(*wire.SessionClose)
			s.sessions.CloseByAgent(domain.SessionID(f.SessionID), closeMsg.Reason)
		default:
			slog.Debug("unhandled frame type from agent", "type", env.Type)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
