package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skypro1111/lan-relay/internal/client"
	"github.com/skypro1111/lan-relay/internal/config"
	"github.com/skypro1111/lan-relay/internal/metrics"
	"github.com/skypro1111/lan-relay/internal/protocol"
	"github.com/skypro1111/lan-relay/internal/registry"
	"github.com/skypro1111/lan-relay/internal/session"
)

const receiveTimeout = 2 * time.Second

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.ControlPort = 0
	cfg.Server.MediaPort = 0
	cfg.Control.SendTimeout = 1
	cfg.Control.RegisterTimeout = 2
	return cfg
}

type testRelay struct {
	cfg      *config.Config
	registry *registry.Registry
	state    *session.State
	hub      *Hub
	control  *ControlServer
	media    *MediaRelay
	metrics  *metrics.Metrics
}

// newTestRelay wires the components without starting any listener
func newTestRelay(mutate func(cfg *config.Config)) *testRelay {
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger := newTestLogger()
	m := metrics.NewMetrics(nil)
	reg := registry.New()
	state := session.New()
	hub := NewHub(reg, state, logger, m, HubConfig{
		SendTimeout:            cfg.Control.GetSendTimeout(),
		EnforcePresenterFrames: cfg.Control.EnforcePresenterFrames,
	})

	return &testRelay{
		cfg:      cfg,
		registry: reg,
		state:    state,
		hub:      hub,
		control:  NewControlServer(cfg, logger, hub, m),
		media:    NewMediaRelay(cfg, logger, reg, m),
		metrics:  m,
	}
}

// startRelay starts the control server and media relay on loopback ports
func startRelay(t *testing.T, mutate func(cfg *config.Config)) *testRelay {
	t.Helper()
	relay := newTestRelay(mutate)

	require.NoError(t, relay.control.Start())
	require.NoError(t, relay.media.Start())
	t.Cleanup(func() {
		relay.control.Stop()
		relay.media.Stop()
	})

	return relay
}

func (r *testRelay) dial(t *testing.T) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	c, err := client.Dial(ctx, r.control.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (r *testRelay) join(t *testing.T, identity string, mediaPort int) (*client.Client, *protocol.Registered) {
	t.Helper()
	c := r.dial(t)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(receiveTimeout)))

	registered, err := c.Register(identity, mediaPort)
	require.NoError(t, err)
	return c, registered
}

// receiveAs reads the next message from c and asserts its type
func receiveAs[T protocol.Message](t *testing.T, c *client.Client) T {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(receiveTimeout)))

	msg, err := c.Receive()
	require.NoError(t, err)

	typed, ok := msg.(T)
	require.Truef(t, ok, "expected %T, got %T", *new(T), msg)
	return typed
}

// expectClosed reads until the server closes the connection
func expectClosed(t *testing.T, c *client.Client) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(receiveTimeout)))

	for {
		_, err := c.Receive()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection still open: %v", err)
		}
		var parseErr *protocol.ParseError
		if errors.As(err, &parseErr) || errors.Is(err, protocol.ErrUnknownType) {
			continue
		}
		return
	}
}

// pipeParticipant creates a participant on one end of a pipe and decodes
// everything written to it onto the returned channel
func pipeParticipant(t *testing.T, identity string, mediaPort int) (*registry.Participant, <-chan protocol.Message) {
	t.Helper()
	return pipeParticipantReading(t, identity, mediaPort, nil)
}

// pipeParticipantReading is pipeParticipant with the peer's reads going
// through wrap, to simulate slow readers
func pipeParticipantReading(t *testing.T, identity string, mediaPort int,
	wrap func(io.Reader) io.Reader) (*registry.Participant, <-chan protocol.Message) {
	t.Helper()
	serverConn, peerConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		peerConn.Close()
	})

	var reader io.Reader = peerConn
	if wrap != nil {
		reader = wrap(peerConn)
	}

	messages := make(chan protocol.Message, 64)
	go func() {
		defer close(messages)
		for {
			payload, err := protocol.ReadFrame(reader, protocol.DefaultMaxFrameSize)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(payload)
			if err != nil {
				return
			}
			messages <- msg
		}
	}()

	p := registry.NewParticipant(identity, serverConn, mediaPort)
	p.Address = net.IPv4(127, 0, 0, 1)
	return p, messages
}

// pacedReader returns at most chunk bytes per Read, pausing before each
type pacedReader struct {
	r     io.Reader
	chunk int
	pause time.Duration
}

func (p *pacedReader) Read(b []byte) (int, error) {
	time.Sleep(p.pause)
	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	return p.r.Read(b)
}

// next returns the next message delivered to a pipe participant
func next[T protocol.Message](t *testing.T, messages <-chan protocol.Message) T {
	t.Helper()
	return nextWithin[T](t, messages, receiveTimeout)
}

func nextWithin[T protocol.Message](t *testing.T, messages <-chan protocol.Message, timeout time.Duration) T {
	t.Helper()
	select {
	case msg, ok := <-messages:
		require.True(t, ok, "participant connection closed")
		typed, ok := msg.(T)
		require.Truef(t, ok, "expected %T, got %T", *new(T), msg)
		return typed
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

// expectNothing asserts no message arrives within a short window
func expectNothing(t *testing.T, messages <-chan protocol.Message) {
	t.Helper()
	select {
	case msg, ok := <-messages:
		if ok {
			t.Fatalf("unexpected %T", msg)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// listenMedia opens a loopback UDP socket acting as a participant's media port
func listenMedia(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mediaPort(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func strPtr(s string) *string {
	return &s
}
