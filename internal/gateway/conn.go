package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/taskmarket/order-chat/internal/broadcast"
)

// Phase is a connection's position in the protocol state machine.
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseAuthenticated
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ConnState is a snapshot of one connection's protocol state.
type ConnState struct {
	ConnID string
	UserID string
	Role   string
	Phase  Phase
	Rooms  []string // joined order ids
}

// Conn is the gateway side of one socket. Events of a Conn are handled one at
// a time; its context is cancelled on disconnect.
type Conn struct {
	ID     string
	UserID string
	Role   string

	sink   broadcast.Sink
	ctx    context.Context
	cancel context.CancelFunc
	phase  atomic.Int32

	mu    sync.Mutex // held while an event is handled
	rooms map[string]struct{}
}

func newConn(userID, role string, sink broadcast.Sink) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:     sink.ID(),
		UserID: userID,
		Role:   role,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
	c.phase.Store(int32(PhaseConnecting))
	return c
}

// Phase returns the current phase.
func (c *Conn) Phase() Phase { return Phase(c.phase.Load()) }

// Context is cancelled when the connection disconnects.
func (c *Conn) Context() context.Context { return c.ctx }

// State returns a snapshot of the connection.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return ConnState{
		ConnID: c.ID,
		UserID: c.UserID,
		Role:   c.Role,
		Phase:  c.Phase(),
		Rooms:  rooms,
	}
}

func (c *Conn) joined(orderID string) bool {
	_, ok := c.rooms[orderID]
	return ok
}
