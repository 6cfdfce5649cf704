package session

import "sync"

// preReadyBuffer accumulates input sent to a session before its
// SessionReady arrives. Unlike the teacher's CircularBuffer (which
// overwrites the oldest bytes on overflow), this buffer rejects new
// writes once full — SPEC_FULL.md §3.4 resolves the spec's Open Question
// in favor of "buffer, don't silently drop" (spec.md §4.6, §9).
type preReadyBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
}

func newPreReadyBuffer(capacity int) *preReadyBuffer {
	return &preReadyBuffer{capacity: capacity}
}

// tryAppend appends b if doing so would not exceed capacity. Returns
// false if the buffer is already full, without appending anything.
func (p *preReadyBuffer) tryAppend(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.data)+len(b) > p.capacity {
		return false
	}
	p.data = append(p.data, b...)
	return true
}

// drain returns and clears the buffered bytes.
func (p *preReadyBuffer) drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.data
	p.data = nil
	return out
}
