package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"

	"github.com/kterminus/orchestrator/internal/wire"
)

// ptyReaderGrace is the minimum cooperative-cancellation grace window
// before a PTY reader is forcefully torn down (spec.md §4.8: >= 500ms).
const ptyReaderGrace = 500 * time.Millisecond

// dispatchLoop reads frames from channel and drives per-session PTYs
// until ctx is canceled or the channel read fails.
func (t *Tunnel) dispatchLoop(ctx context.Context, channel ssh.Channel) error {
	defer t.teardownAll()

	for {
		f, err := wire.Decode(channel)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("agent: tunnel read: %w", err)
		}
		env, err := wire.DecodeEnvelope(f)
		if err != nil {
			slog.Warn("agent: malformed frame", "error", err)
			continue
		}

		switch env.Type {
		case wire.TypeSessionCreate:
			msg := env.Message.(*wire.SessionCreate)
			t.handleSessionCreate(ctx, channel, f.SessionID, msg)
		case wire.TypeData:
			msg := env.Message.(*wire.Data)
			t.handleData(f.SessionID, msg.Bytes)
		case wire.TypeResize:
			msg := env.Message.(*wire.Resize)
			t.handleResize(f.SessionID, msg)
		case wire.TypeSessionClose:
			t.handleSessionClose(f.SessionID)
		case wire.TypeHeartbeat:
			t.ackHeartbeat(channel)
		case wire.TypeHeartbeatAck:
			// liveness only; nothing to do
		default:
			slog.Debug("agent: unhandled frame type", "type", env.Type)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (t *Tunnel) ackHeartbeat(channel ssh.Channel) {
	env := &wire.Envelope{Type: wire.TypeHeartbeatAck, Message: &wire.HeartbeatAck{SentAtUnixMS: time.Now().UnixMilli()}}
	frame, err := env.ToFrame()
	if err != nil {
		slog.Error("agent: encode HeartbeatAck", "error", err)
		return
	}
	if err := frame.Encode(channel); err != nil {
		slog.Debug("agent: write HeartbeatAck", "error", err)
	}
}

func (t *Tunnel) handleSessionCreate(ctx context.Context, channel ssh.Channel, sessionID uint32, msg *wire.SessionCreate) {
	shell := msg.Command
	if shell == "" {
		shell = defaultShell()
	}
	cmd := exec.Command(shell)
	for k, v := range msg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows})
	if err != nil {
		t.sendSessionReady(channel, sessionID, false, err.Error())
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	ps := &ptySession{id: sessionID, cmd: cmd, master: master, cancel: cancel}
	t.sessions.add(sessionID, ps)

	t.sendSessionReady(channel, sessionID, true, "")
	go t.pumpOutput(sessCtx, channel, ps)
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (t *Tunnel) sendSessionReady(channel ssh.Channel, sessionID uint32, ok bool, errMsg string) {
	env := &wire.Envelope{SessionID: sessionID, Type: wire.TypeSessionReady, Message: &wire.SessionReady{OK: ok, Error: errMsg}}
	frame, err := env.ToFrame()
	if err != nil {
		slog.Error("agent: encode SessionReady", "error", err)
		return
	}
	if err := frame.Encode(channel); err != nil {
		slog.Debug("agent: write SessionReady", "error", err)
	}
}

// pumpOutput streams PTY output as Data frames until EOF, child exit, or
// cooperative cancellation. On PTY EOF or exit, emits SessionClose with
// reason ProcessExited (spec.md §4.8).
func (t *Tunnel) pumpOutput(ctx context.Context, channel ssh.Channel, ps *ptySession) {
	buf := make([]byte, 32*1024)
	readDone := make(chan struct{})
	var readErr error

	go func() {
		defer close(readDone)
		for {
			n, err := ps.master.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				env := &wire.Envelope{SessionID: ps.id, Type: wire.TypeData, Message: &wire.Data{Bytes: chunk}}
				if frame, ferr := env.ToFrame(); ferr == nil {
					if werr := frame.Encode(channel); werr != nil {
						readErr = werr
						return
					}
				}
			}
			if err != nil {
				readErr = err
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	select {
	case <-readDone:
	case <-ctx.Done():
		select {
		case <-readDone:
		case <-time.After(ptyReaderGrace):
			ps.master.Close()
			if ps.cmd.Process != nil {
				ps.cmd.Process.Kill()
			}
			<-readDone
		}
	}

	ps.master.Close()
	ps.cmd.Wait()
	t.sessions.remove(ps.id)

	reason := wire.CloseReasonProcessExited
	if readErr != nil && ctx.Err() != nil {
		reason = wire.CloseReasonConnectionLost
	}
	env := &wire.Envelope{SessionID: ps.id, Type: wire.TypeSessionClose, Message: &wire.SessionClose{Reason: reason}}
	if frame, err := env.ToFrame(); err == nil {
		frame.Encode(channel)
	}
}

func (t *Tunnel) handleData(sessionID uint32, b []byte) {
	ps := t.sessions.get(sessionID)
	if ps == nil {
		return
	}
	if _, err := ps.master.Write(b); err != nil {
		slog.Debug("agent: pty write failed", "session_id", sessionID, "error", err)
	}
}

func (t *Tunnel) handleResize(sessionID uint32, msg *wire.Resize) {
	ps := t.sessions.get(sessionID)
	if ps == nil {
		return
	}
	if err := pty.Setsize(ps.master, &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows}); err != nil {
		slog.Debug("agent: pty resize failed", "session_id", sessionID, "error", err)
	}
}

func (t *Tunnel) handleSessionClose(sessionID uint32) {
	ps := t.sessions.remove(sessionID)
	if ps == nil {
		return
	}
	ps.cancel()
}

// teardownAll cancels every remaining session when the tunnel connection
// ends, so PTY descriptors are never leaked across a reconnect.
func (t *Tunnel) teardownAll() {
	for _, ps := range t.sessions.all() {
		ps.cancel()
	}
}
