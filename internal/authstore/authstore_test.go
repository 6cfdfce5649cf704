package authstore

import (
	"os"
	"testing"
)

func TestHostKeyCreatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	signer1, fp1, err := s.HostKey()
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	info, err := os.Stat(s.path("host_key"))
	if err != nil {
		t.Fatalf("expected host key file to exist: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("got perm %v, want 0600", info.Mode().Perm())
	}

	signer2, fp2, err := s.HostKey()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("got different fingerprints across loads: %q vs %q, want the persisted key reused", fp1, fp2)
	}
	if string(signer1.PublicKey().Marshal()) != string(signer2.PublicKey().Marshal()) {
		t.Error("expected the same key material to be reloaded, not regenerated")
	}
}

func TestIPCTokenRegeneratesEveryCall(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok1, err := s.IPCToken()
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	tok2, err := s.IPCToken()
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if tok1 == tok2 {
		t.Error("expected a fresh token on each call, tokens do not persist across restarts")
	}
	if len(tok1) == 0 {
		t.Error("expected a non-empty token")
	}

	info, err := os.Stat(s.path("ipc_auth_token"))
	if err != nil {
		t.Fatalf("expected token file to exist: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("got perm %v, want 0600", info.Mode().Perm())
	}
}

func TestWriteAndRemovePID(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.WritePID(1234); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	path := s.path("orchestrator.pid")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected pid file to exist: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("got perm %v, want 0644", info.Mode().Perm())
	}

	s.RemovePID()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected pid file to be removed")
	}
}
