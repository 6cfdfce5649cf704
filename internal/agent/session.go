package agent

import (
	"os"
	"os/exec"
	"sync"
)

// ptySession is one PTY-backed child process, identified by the
// orchestrator-assigned session_id.
type ptySession struct {
	id     uint32
	cmd    *exec.Cmd
	master *os.File
	cancel func()
}

// sessionSet tracks every live session on the current tunnel connection.
// A fresh set is created per connection: sessions never survive a
// reconnect (spec.md §4.8).
type sessionSet struct {
	mu       sync.Mutex
	sessions map[uint32]*ptySession
}

func newSessionSet() *sessionSet {
	return &sessionSet{sessions: make(map[uint32]*ptySession)}
}

func (s *sessionSet) add(id uint32, ps *ptySession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = ps
}

func (s *sessionSet) get(id uint32) *ptySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *sessionSet) remove(id uint32) *ptySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.sessions[id]
	delete(s.sessions, id)
	return ps
}

// all returns a snapshot of every live session, for teardown on tunnel close.
func (s *sessionSet) all() []*ptySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ptySession, 0, len(s.sessions))
	for _, ps := range s.sessions {
		out = append(out, ps)
	}
	return out
}
