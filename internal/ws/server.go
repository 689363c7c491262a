// Package ws is the WebSocket transport of the order chat. It upgrades HTTP
// connections with gobwas/ws, authenticates them during the handshake,
// watches sockets for readable frames (epoll on Linux) and hands each frame
// to the gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/auth"
	"github.com/taskmarket/order-chat/internal/gateway"
	"github.com/taskmarket/order-chat/internal/metrics"
	"github.com/taskmarket/order-chat/internal/protocol"
)

// maxFrameSize bounds an inbound data frame. The largest valid event is an
// edit or send carrying 2000 characters of content.
const maxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// poller reports connections with a readable frame to the server.
type poller interface {
	Add(c *Connection) error
	Remove(c *Connection) error
	Close() error
}

// Server accepts WebSocket connections and feeds their frames to a gateway.
type Server struct {
	config     ServerConfig
	gw         *gateway.Gateway
	log        zerolog.Logger
	poller     poller
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Call Open before serving connections.
func NewServer(config ServerConfig, gw *gateway.Gateway, logger zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		gw:         gw,
		log:        logger.With().Str("component", "ws").Logger(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s
}

// Open starts the poller and the heartbeat monitor.
func (s *Server) Open() error {
	p, err := newPoller(s)
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()
	s.startHeartbeat(s.config.Heartbeat)
	return nil
}

// Handler routes the WebSocket endpoint, the health check and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start opens the server and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the handshake, upgrades the connection and
// registers it with the gateway. A rejected credential still completes the
// upgrade so the client receives an error event before the close frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ReadTimeout)
	identity, authErr := s.gw.Authenticate(ctx, auth.TokenFromRequest(r))
	cancel()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade")
		return
	}

	c := newConnection(uuid.NewString(), conn, s.config.WriteTimeout)

	if authErr != nil {
		s.log.Info().Err(authErr).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		_ = c.Send(protocol.NewErrorMessage("", "", authErr))
		_ = c.WriteClose(ws.StatusPolicyViolation, "unauthorized")
		_ = c.Close()
		return
	}

	s.conns.Add(c)
	c.session = s.gw.Connect(context.Background(), identity, c)

	if err := s.poller.Add(c); err != nil {
		s.log.Error().Err(err).Str("conn_id", c.ID()).Msg("poller add")
		s.RemoveConnection(c)
		return
	}

	s.log.Debug().
		Str("conn_id", c.ID()).
		Str("user_id", identity.UserID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

type healthResponse struct {
	Status      string `json:"status"`
	Registry    string `json:"registry"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

// handleHealth reports liveness. A failing session registry degrades the
// instance but does not fail the check, since sends still persist.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Registry:    "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.gw.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Registry = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// readFrame reads one frame from c and hands data frames to the gateway. A
// positive timeout treats an idle socket as a stale readiness event. It
// reports whether c is still open.
func (s *Server) readFrame(c *Connection, timeout time.Duration) bool {
	// Level-triggered epoll may report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return true
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if timeout > 0 && errors.As(err, &netErr) && netErr.Timeout() {
			// Nothing was readable; the heartbeat handles dead peers.
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	c.touch(time.Now())

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return false
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
			return false
		case ws.OpPing:
			_ = c.write(func() error {
				return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
			})
		}
		return true
	}

	if header.Length > maxFrameSize {
		_ = c.WriteClose(ws.StatusMessageTooBig, "frame too large")
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return false
	}
	if len(data) == 0 || c.session == nil {
		return true
	}

	s.gw.Handle(c.session, data)
	return true
}

// RemoveConnection deregisters c from the poller, the connection manager and
// the gateway, then closes it. It is safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID()) {
		return
	}
	if c.session != nil {
		s.gw.Disconnect(c.session)
	}
	s.log.Debug().Str("conn_id", c.ID()).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections exposes the connection manager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, then disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")

	var shutdownErr error
	s.closeOnce.Do(func() {
		close(s.done)

		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
		}

		for _, c := range s.conns.All() {
			_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
			s.RemoveConnection(c)
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}
	})

	s.log.Info().Msg("stopped")
	return shutdownErr
}
