package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/lan-relay/internal/config"
	"github.com/skypro1111/lan-relay/internal/metrics"
)

// ControlServer accepts control connections and runs one session loop per
// connection
type ControlServer struct {
	listener net.Listener
	config   *config.Config
	logger   *slog.Logger
	hub      *Hub
	metrics  *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Open connections, closed on shutdown
	conns   map[net.Conn]struct{}
	closing bool

	// Counters
	connectionsAccepted   uint64
	registrationsRejected uint64
	framesReceived        uint64
	dispatchErrors        uint64
	framingErrors         uint64
	mu                    sync.RWMutex
}

// NewControlServer creates a new control server instance
func NewControlServer(cfg *config.Config, logger *slog.Logger, hub *Hub, m *metrics.Metrics) *ControlServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &ControlServer{
		config:  cfg,
		logger:  logger,
		hub:     hub,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening for control connections
func (s *ControlServer) Start() error {
	listener, err := net.Listen("tcp", s.config.Server.ControlAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("Control server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_frame_bytes", s.config.Control.MaxFrameBytes),
		slog.Duration("send_timeout", s.config.Control.GetSendTimeout()),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address
func (s *ControlServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for all
// connection goroutines to finish
func (s *ControlServer) Stop() error {
	s.logger.Info("Stopping control server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Error closing control listener", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("Control server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("registrations_rejected", stats.RegistrationsRejected),
		slog.Uint64("frames_received", stats.FramesReceived),
	)

	return nil
}

// acceptLoop is the main connection accepting loop
func (s *ControlServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// track records conn unless shutdown has started
func (s *ControlServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connectionsAccepted++
	s.metrics.RecordConnectionOpened()
	return true
}

func (s *ControlServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.metrics.RecordConnectionClosed()
	}
}

func (s *ControlServer) count(counter *uint64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

// GetStatistics returns current control server statistics
func (s *ControlServer) GetStatistics() ControlStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ControlStatistics{
		ConnectionsAccepted:   s.connectionsAccepted,
		ActiveConnections:     uint64(len(s.conns)),
		RegistrationsRejected: s.registrationsRejected,
		FramesReceived:        s.framesReceived,
		DispatchErrors:        s.dispatchErrors,
		FramingErrors:         s.framingErrors,
	}
}

// ControlStatistics represents control channel counters
type ControlStatistics struct {
	ConnectionsAccepted   uint64 `json:"connections_accepted"`
	ActiveConnections     uint64 `json:"active_connections"`
	RegistrationsRejected uint64 `json:"registrations_rejected"`
	FramesReceived        uint64 `json:"frames_received"`
	DispatchErrors        uint64 `json:"dispatch_errors"`
	FramingErrors         uint64 `json:"framing_errors"`
}
