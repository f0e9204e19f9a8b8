package kernel

import (
	"bytes"
	"sync"
)

// shell holds the reusable output buffer behind one sandbox instance. The
// wasm module itself is always freshly instantiated per checkout; pooling
// amortizes allocation, it never carries state between requests.
type shell struct {
	stdout bytes.Buffer
}

func (s *shell) reset() {
	s.stdout.Reset()
}

// shellPool is a bounded free list of instance shells. Each shell is held
// by exactly one request at a time, so the pool carries no cross-request
// synchronization beyond the free-list lock.
type shellPool struct {
	mu   sync.Mutex
	free []*shell
	max  int
}

func newShellPool(max int) *shellPool {
	if max <= 0 {
		max = 64
	}
	return &shellPool{max: max}
}

// get returns a recycled shell when one is available, reporting whether it
// was reused.
func (p *shellPool) get() (*shell, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s, true
	}
	return &shell{}, false
}

func (p *shellPool) put(s *shell) {
	if s == nil {
		return
	}
	s.reset()
	p.mu.Lock()
	if len(p.free) < p.max {
		p.free = append(p.free, s)
	}
	p.mu.Unlock()
}
