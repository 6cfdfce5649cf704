// Package agent implements the agent-side tunnel contract (spec.md §4.8):
// outbound SSH connect with reconnect backoff, Register-first handshake,
// PTY spawn per SessionCreate, and clean shutdown.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/kterminus/orchestrator/internal/wire"
)

// Config holds the agent's tunnel settings.
type Config struct {
	OrchestratorAddr string
	MachineID        string // empty lets the orchestrator derive it from verified identity
	ProtocolVersion  string
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	BackoffJitter    bool
}

// DefaultConfig returns the reconnect policy from spec.md §4.8: initial
// 1s, x2, capped at 60s, with jitter.
func DefaultConfig(addr string) Config {
	return Config{
		OrchestratorAddr: addr,
		ProtocolVersion:  "1.0",
		BackoffInitial:   time.Second,
		BackoffMax:       60 * time.Second,
		BackoffFactor:    2,
		BackoffJitter:    true,
	}
}

// Tunnel owns one outbound connection to the orchestrator and every PTY
// session multiplexed over it.
type Tunnel struct {
	cfg      Config
	sessions *sessionSet
}

// New constructs a Tunnel.
func New(cfg Config) *Tunnel {
	return &Tunnel{cfg: cfg, sessions: newSessionSet()}
}

// Run connects and reconnects until ctx is canceled. Sessions never
// survive a reconnect: a fresh sessionSet is used on each attempt
// (spec.md §4.8, "does not persist sessions across reconnects").
func (t *Tunnel) Run(ctx context.Context) {
	bo := &backoff.Backoff{
		Min:    t.cfg.BackoffInitial,
		Max:    t.cfg.BackoffMax,
		Factor: t.cfg.BackoffFactor,
		Jitter: t.cfg.BackoffJitter,
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := t.connectOnce(ctx); err != nil {
			slog.Warn("tunnel connection ended", "error", err)
		}
		bo.Attempt() // track the attempt even though Duration() is what we sleep on

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}
	}
}

func (t *Tunnel) connectOnce(ctx context.Context) error {
	nc, err := net.Dial("tcp", t.cfg.OrchestratorAddr)
	if err != nil {
		return fmt.Errorf("agent: dial %s: %w", t.cfg.OrchestratorAddr, err)
	}

	clientConf := &ssh.ClientConfig{
		User:            "agent",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // tunnel trust is established by the mesh verifier, not SSH host keys
		Timeout:         10 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(nc, t.cfg.OrchestratorAddr, clientConf)
	if err != nil {
		nc.Close()
		return fmt.Errorf("agent: ssh handshake: %w", err)
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)
	go discardChannels(chans)

	client := ssh.NewClient(sshConn, chans, reqs)
	channel, reqsCh, err := client.OpenChannel("session", nil)
	if err != nil {
		return fmt.Errorf("agent: open channel: %w", err)
	}
	defer channel.Close()
	go ssh.DiscardRequests(reqsCh)

	if err := t.register(channel); err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.sessions = newSessionSet()

	return t.dispatchLoop(connCtx, channel)
}

func discardChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		nc.Reject(ssh.Prohibited, "agent accepts no inbound channels")
	}
}

func (t *Tunnel) register(channel ssh.Channel) error {
	reg := &wire.Register{
		MachineID:   t.cfg.MachineID,
		Hostname:    hostname(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		ProtocolVer: t.cfg.ProtocolVersion,
	}
	env := &wire.Envelope{Type: wire.TypeRegister, Message: reg}
	frame, err := env.ToFrame()
	if err != nil {
		return fmt.Errorf("agent: encode Register: %w", err)
	}
	if err := frame.Encode(channel); err != nil {
		return fmt.Errorf("agent: send Register: %w", err)
	}

	ackFrame, err := wire.Decode(channel)
	if err != nil {
		return fmt.Errorf("agent: read RegisterAck: %w", err)
	}
	ackEnv, err := wire.DecodeEnvelope(ackFrame)
	if err != nil {
		return fmt.Errorf("agent: decode RegisterAck: %w", err)
	}
	ack, ok := ackEnv.Message.(*wire.RegisterAck)
	if !ok {
		return fmt.Errorf("agent: expected RegisterAck, got %s", ackFrame.Type)
	}
	if !ack.Accepted {
		return fmt.Errorf("agent: registration rejected: %s", ack.Reason)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
