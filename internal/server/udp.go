package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/skypro1111/lan-relay/internal/config"
	"github.com/skypro1111/lan-relay/internal/metrics"
	"github.com/skypro1111/lan-relay/internal/protocol"
	"github.com/skypro1111/lan-relay/internal/registry"
)

// receiveBufferSize is large enough for any UDP datagram
const receiveBufferSize = 65535

// Drop reasons reported in metrics
const (
	dropMalformed       = "malformed"
	dropOversized       = "oversized"
	dropUnknownIdentity = "unknown_identity"
	dropSourceMismatch  = "source_mismatch"
)

// MediaRelay receives media datagrams and fans each one out, unmodified, to
// every registered participant except the sender
type MediaRelay struct {
	conn     *net.UDPConn
	config   *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Counters
	datagramsReceived uint64
	datagramsDropped  uint64
	copiesSent        uint64
	sendErrors        uint64
	mu                sync.RWMutex
}

// NewMediaRelay creates a new media relay instance
func NewMediaRelay(cfg *config.Config, logger *slog.Logger, reg *registry.Registry, m *metrics.Metrics) *MediaRelay {
	ctx, cancel := context.WithCancel(context.Background())

	return &MediaRelay{
		config:   cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for media datagrams
func (r *MediaRelay) Start() error {
	addr, err := net.ResolveUDPAddr("udp", r.config.Server.MediaAddress())
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	r.conn = conn

	if err := r.conn.SetReadBuffer(r.config.Media.BufferSize); err != nil {
		r.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", r.config.Media.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Info("Media relay started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", r.config.Media.BufferSize),
		slog.Bool("verify_source", r.config.Media.VerifySource),
	)

	r.wg.Add(1)
	go r.receiveLoop()

	return nil
}

// Addr returns the bound UDP address
func (r *MediaRelay) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Stop closes the socket and waits for the receive loop to exit
func (r *MediaRelay) Stop() error {
	r.logger.Info("Stopping media relay...")

	r.cancel()

	if r.conn != nil {
		if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	r.wg.Wait()

	stats := r.GetStatistics()
	r.logger.Info("Media relay stopped",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("datagrams_dropped", stats.DatagramsDropped),
		slog.Uint64("copies_sent", stats.CopiesSent),
	)

	return nil
}

// receiveLoop reads datagrams and relays each before reading the next, so
// the receive buffer can be reused and per-sender ordering is kept.
func (r *MediaRelay) receiveLoop() {
	defer r.wg.Done()

	buffer := make([]byte, receiveBufferSize)

	for {
		n, source, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("Failed to read UDP datagram", slog.String("error", err.Error()))
			continue
		}

		r.relay(buffer[:n], source)
	}
}

// relay forwards one datagram. Malformed datagrams, including identities
// that are not UTF-8, are dropped silently apart from metrics.
func (r *MediaRelay) relay(data []byte, source *net.UDPAddr) {
	r.mu.Lock()
	r.datagramsReceived++
	r.mu.Unlock()

	// Copies could not be sent to IPv4 participants
	if len(data) > protocol.MaxDatagramSize {
		r.drop(dropOversized, source, fmt.Errorf("datagram of %d bytes exceeds %d", len(data), protocol.MaxDatagramSize))
		return
	}

	header, err := protocol.ParseMediaHeader(data)
	if err != nil {
		r.drop(dropMalformed, source, err)
		return
	}
	r.metrics.RecordDatagramReceived(protocol.MediaKindString(header.Kind), len(data))

	if r.config.Media.VerifySource {
		sender, err := r.registry.Lookup(header.Identity)
		if err != nil {
			r.drop(dropUnknownIdentity, source, err)
			return
		}
		if !sender.Address.Equal(source.IP) {
			r.drop(dropSourceMismatch, source, fmt.Errorf("identity %q registered from %s", header.Identity, sender.Address))
			return
		}
	}

	sent, failed := 0, 0
	for _, target := range r.registry.MediaTargets(header.Identity) {
		if _, err := r.conn.WriteToUDP(data, target); err != nil {
			failed++
			r.logger.Debug("Failed to relay datagram",
				slog.String("target", target.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent++
	}

	r.mu.Lock()
	r.copiesSent += uint64(sent)
	r.sendErrors += uint64(failed)
	r.mu.Unlock()
	r.metrics.RecordDatagramRelayed(sent, failed)
}

func (r *MediaRelay) drop(reason string, source *net.UDPAddr, err error) {
	r.mu.Lock()
	r.datagramsDropped++
	r.mu.Unlock()

	r.metrics.RecordDatagramDropped(reason)
	r.logger.Debug("Dropping datagram",
		slog.String("reason", reason),
		slog.String("remote_addr", source.String()),
		slog.String("error", err.Error()),
	)
}

// GetStatistics returns current relay statistics
func (r *MediaRelay) GetStatistics() RelayStatistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RelayStatistics{
		DatagramsReceived: r.datagramsReceived,
		DatagramsDropped:  r.datagramsDropped,
		CopiesSent:        r.copiesSent,
		SendErrors:        r.sendErrors,
	}
}

// RelayStatistics represents media relay counters
type RelayStatistics struct {
	DatagramsReceived uint64 `json:"datagrams_received"`
	DatagramsDropped  uint64 `json:"datagrams_dropped"`
	CopiesSent        uint64 `json:"copies_sent"`
	SendErrors        uint64 `json:"send_errors"`
}
