package server

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/lan-relay/internal/config"
	"github.com/skypro1111/lan-relay/internal/protocol"
)

// mediaPeer is a registered participant with its own UDP socket
type mediaPeer struct {
	identity string
	conn     *net.UDPConn
}

func addMediaPeer(t *testing.T, relay *testRelay, identity string, address net.IP) *mediaPeer {
	t.Helper()
	conn := listenMedia(t)

	p, _ := pipeParticipant(t, identity, mediaPort(conn))
	p.Address = address
	relay.registry.Register(p)

	return &mediaPeer{identity: identity, conn: conn}
}

func (m *mediaPeer) send(t *testing.T, relay *testRelay, datagram []byte) {
	t.Helper()
	_, err := m.conn.WriteToUDP(datagram, relay.media.Addr().(*net.UDPAddr))
	require.NoError(t, err)
}

func (m *mediaPeer) receive(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, m.conn.SetReadDeadline(time.Now().Add(receiveTimeout)))

	buf := make([]byte, receiveBufferSize)
	n, _, err := m.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func (m *mediaPeer) expectSilence(t *testing.T) {
	t.Helper()
	require.NoError(t, m.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))

	buf := make([]byte, receiveBufferSize)
	_, _, err := m.conn.ReadFromUDP(buf)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected no datagram, got err=%v", err)
}

func buildDatagram(t *testing.T, kind uint8, identity string, payload []byte) []byte {
	t.Helper()
	datagram, err := protocol.BuildMediaDatagram(kind, identity, payload)
	require.NoError(t, err)
	return datagram
}

func TestMediaFanOutWithoutEcho(t *testing.T) {
	relay := startRelay(t, nil)
	loopback := net.IPv4(127, 0, 0, 1)

	alice := addMediaPeer(t, relay, "alice", loopback)
	bob := addMediaPeer(t, relay, "bob", loopback)
	carol := addMediaPeer(t, relay, "carol", loopback)

	datagram := buildDatagram(t, protocol.MediaKindVideo, "alice", []byte{0xFF, 0xD8, 0xFF, 0xE0})
	alice.send(t, relay, datagram)

	require.Equal(t, datagram, bob.receive(t))
	require.Equal(t, datagram, carol.receive(t))
	alice.expectSilence(t)

	require.Eventually(t, func() bool {
		return relay.media.GetStatistics().CopiesSent == 2
	}, receiveTimeout, 10*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(relay.metrics.DatagramsReceived.WithLabelValues("video")))
}

func TestMediaRelayPreservesOrder(t *testing.T) {
	relay := startRelay(t, nil)
	loopback := net.IPv4(127, 0, 0, 1)

	alice := addMediaPeer(t, relay, "alice", loopback)
	bob := addMediaPeer(t, relay, "bob", loopback)

	for i := byte(0); i < 5; i++ {
		alice.send(t, relay, buildDatagram(t, protocol.MediaKindAudio, "alice", []byte{i}))
	}
	for i := byte(0); i < 5; i++ {
		datagram := bob.receive(t)
		require.Equal(t, i, datagram[len(datagram)-1])
	}
}

func TestMediaUnregisteredSenderStillRelayed(t *testing.T) {
	relay := startRelay(t, nil)
	loopback := net.IPv4(127, 0, 0, 1)

	bob := addMediaPeer(t, relay, "bob", loopback)
	stranger := &mediaPeer{identity: "ghost", conn: listenMedia(t)}

	datagram := buildDatagram(t, protocol.MediaKindAudio, "ghost", []byte("pcm"))
	stranger.send(t, relay, datagram)

	require.Equal(t, datagram, bob.receive(t))
}

func TestMediaMalformedDatagramsDropped(t *testing.T) {
	relay := startRelay(t, nil)
	loopback := net.IPv4(127, 0, 0, 1)

	alice := addMediaPeer(t, relay, "alice", loopback)
	bob := addMediaPeer(t, relay, "bob", loopback)

	alice.send(t, relay, []byte{0x01})
	alice.send(t, relay, []byte{0x01, 0x09, 'a', 'l'})
	// Identity bytes that are not UTF-8
	alice.send(t, relay, []byte{0x01, 0x02, 0xC3, 0x28, 0xFF, 0xD8})

	require.Eventually(t, func() bool {
		return relay.media.GetStatistics().DatagramsDropped == 3
	}, receiveTimeout, 10*time.Millisecond)
	bob.expectSilence(t)
	require.Equal(t, 3.0, testutil.ToFloat64(relay.metrics.DatagramsDropped.WithLabelValues(dropMalformed)))
}

func TestMediaOversizedDatagramDropped(t *testing.T) {
	relay := newTestRelay(nil)
	source := &net.UDPAddr{IP: net.IPv6loopback, Port: 40000}

	datagram := make([]byte, protocol.MaxDatagramSize+1)
	datagram[0], datagram[1] = protocol.MediaKindVideo, 0
	relay.media.relay(datagram, source)

	stats := relay.media.GetStatistics()
	require.Equal(t, uint64(1), stats.DatagramsDropped)
	require.Zero(t, stats.CopiesSent)
	require.Equal(t, 1.0, testutil.ToFloat64(relay.metrics.DatagramsDropped.WithLabelValues(dropOversized)))
}

func TestMediaVerifySource(t *testing.T) {
	relay := startRelay(t, func(cfg *config.Config) {
		cfg.Media.VerifySource = true
	})
	loopback := net.IPv4(127, 0, 0, 1)

	remote := addMediaPeer(t, relay, "remote", net.IPv4(10, 1, 2, 3))
	bob := addMediaPeer(t, relay, "bob", loopback)
	carol := addMediaPeer(t, relay, "carol", loopback)

	// Claims an identity registered from another host
	remote.send(t, relay, buildDatagram(t, protocol.MediaKindVideo, "remote", []byte("x")))
	// Claims an identity nobody registered
	remote.send(t, relay, buildDatagram(t, protocol.MediaKindVideo, "ghost", []byte("x")))

	require.Eventually(t, func() bool {
		return relay.media.GetStatistics().DatagramsDropped == 2
	}, receiveTimeout, 10*time.Millisecond)
	bob.expectSilence(t)
	require.Equal(t, 1.0, testutil.ToFloat64(relay.metrics.DatagramsDropped.WithLabelValues(dropSourceMismatch)))
	require.Equal(t, 1.0, testutil.ToFloat64(relay.metrics.DatagramsDropped.WithLabelValues(dropUnknownIdentity)))

	datagram := buildDatagram(t, protocol.MediaKindAudio, "carol", []byte("ok"))
	carol.send(t, relay, datagram)
	require.Equal(t, datagram, bob.receive(t))
}

func TestMediaRelayStop(t *testing.T) {
	relay := newTestRelay(nil)
	require.NoError(t, relay.media.Start())
	require.NoError(t, relay.media.Stop())

	// The port is released once Stop returns
	conn, err := net.ListenUDP("udp", relay.media.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
