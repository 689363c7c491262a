//go:build !linux

package ws

import (
	"net"
	"sync"
)

// loopPoller is the fallback for platforms without epoll: each connection
// gets its own goroutine that blocks reading frames until the connection is
// removed.
type loopPoller struct {
	s *Server

	mu     sync.Mutex
	active map[*Connection]struct{}
	closed bool
}

func newPoller(s *Server) (poller, error) {
	return &loopPoller{s: s, active: make(map[*Connection]struct{})}, nil
}

func (p *loopPoller) Add(c *Connection) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return net.ErrClosed
	}
	p.active[c] = struct{}{}
	p.mu.Unlock()

	go p.loop(c)
	return nil
}

func (p *loopPoller) loop(c *Connection) {
	for p.watching(c) {
		if !p.s.readFrame(c, 0) {
			return
		}
	}
}

func (p *loopPoller) watching(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[c]
	return ok
}

func (p *loopPoller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.active, c)
	p.mu.Unlock()
	return nil
}

func (p *loopPoller) Close() error {
	p.mu.Lock()
	p.closed = true
	p.active = make(map[*Connection]struct{})
	p.mu.Unlock()
	return nil
}

// socketFD is unused without epoll.
func socketFD(net.Conn) int {
	return -1
}
