//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds one epoll_wait so the loop notices shutdown.
const waitTimeoutMs = 200

// errNoFD is returned for connections without a pollable socket, such as
// in-memory pipes.
var errNoFD = errors.New("ws: connection has no file descriptor")

// Epoll reports which registered connections have data to read. Each
// connection is registered by the socket fd captured when it was accepted.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]*Connection
	events []unix.EpollEvent // reused by Wait; Wait is called from one goroutine
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches c for readability and peer hang-up.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errNoFD
	}
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, ev); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", c.Fd, err)
	}

	e.mu.Lock()
	e.byFd[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove stops watching c. A socket already closed has left the interest
// list with its fd, so EBADF and ENOENT are not errors.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.byFd[c.Fd] == c {
		delete(e.byFd, c.Fd)
	}
	e.mu.Unlock()

	if c.Fd < 0 {
		return nil
	}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("ws: epoll remove fd %d: %w", c.Fd, err)
	}
	return nil
}

// Wait blocks up to timeoutMs (-1 forever) and returns the connections
// that are ready. Connections removed meanwhile are skipped.
func (e *Epoll) Wait(timeoutMs int) ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ready := make([]*Connection, 0, n)
	for _, ev := range e.events[:n] {
		if c, ok := e.byFd[int(ev.Fd)]; ok {
			ready = append(ready, c)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll fd.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFd = make(map[int]*Connection)
	return unix.Close(e.fd)
}

// epollPoller watches connections with epoll and hands ready ones to the
// server's bounded worker pool.
type epollPoller struct {
	s     *Server
	epoll *Epoll
}

func newPoller(s *Server) (poller, error) {
	e, err := NewEpoll()
	if err != nil {
		return nil, err
	}
	p := &epollPoller{s: s, epoll: e}
	go p.run()
	return p, nil
}

func (p *epollPoller) Add(c *Connection) error    { return p.epoll.Add(c) }
func (p *epollPoller) Remove(c *Connection) error { return p.epoll.Remove(c) }
func (p *epollPoller) Close() error               { return p.epoll.Close() }

// run is the epoll wait loop. For each batch of ready connections, it
// dispatches each to a worker goroutine (bounded by the worker pool
// semaphore) that reads and processes one WebSocket frame.
func (p *epollPoller) run() {
	s := p.s
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := p.epoll.Wait(waitTimeoutMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.log.Error().Err(err).Msg("epoll wait")
			continue
		}

		for _, c := range ready {
			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(c, s.config.ReadTimeout)
			}()
		}
	}
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
