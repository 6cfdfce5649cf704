// Package authstore owns the orchestrator's persisted identity state
// (spec.md §6): the SSH host key, the IPC auth token, and the PID file,
// each with the file conventions the spec requires.
package authstore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/kterminus/orchestrator/internal/control"
)

// Store resolves and manages files under a single state directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("authstore: create state dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// HostKey loads the ed25519 host key at <dir>/host_key, generating and
// persisting one with 0600 permissions if absent. Returns the signer and
// its SHA256 fingerprint.
func (s *Store) HostKey() (ssh.Signer, string, error) {
	path := s.path("host_key")

	if data, err := os.ReadFile(path); err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, "", fmt.Errorf("authstore: parse host key: %w", err)
		}
		return signer, ssh.FingerprintSHA256(signer.PublicKey()), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("authstore: generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("authstore: create signer: %w", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, "", fmt.Errorf("authstore: marshal host key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return nil, "", fmt.Errorf("authstore: write host key: %w", err)
	}
	return signer, ssh.FingerprintSHA256(signer.PublicKey()), nil
}

// IPCToken regenerates the control-plane auth token at <dir>/ipc_auth_token
// on every orchestrator start (spec.md §6: tokens do not persist across
// restarts) with 0600 permissions, and returns the new token.
func (s *Store) IPCToken() (string, error) {
	token, err := control.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("authstore: generate ipc auth token: %w", err)
	}
	path := s.path("ipc_auth_token")
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("authstore: write ipc auth token: %w", err)
	}
	return token, nil
}

// WritePID writes the current process's PID to <dir>/orchestrator.pid
// with 0644 permissions, world-readable so other local tools (e.g. the
// CLI) can detect whether an orchestrator is running.
func (s *Store) WritePID(pid int) error {
	path := s.path("orchestrator.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("authstore: write pid file: %w", err)
	}
	return nil
}

// RemovePID removes the PID file, best-effort, on clean shutdown.
func (s *Store) RemovePID() {
	os.Remove(s.path("orchestrator.pid"))
}
