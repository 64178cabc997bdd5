package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/lan-relay/internal/protocol"
)

// Outbound write parameters
const (
	// writeChunkSize is the amount of a frame written under one deadline.
	// The deadline is renewed for every chunk, so a peer that keeps reading
	// can receive frames of any size.
	writeChunkSize = 64 << 10

	// outboundQueueSize bounds the frames waiting for one participant
	outboundQueueSize = 256
)

var (
	// ErrQueueFull is returned by Enqueue when the participant has fallen
	// too far behind
	ErrQueueFull = errors.New("outbound queue full")

	// ErrClosed is returned by Enqueue after Close
	ErrClosed = errors.New("participant closed")
)

// DeliveryFunc observes the outcome of every queued frame
type DeliveryFunc func(p *Participant, messageType string, err error)

type outboundFrame struct {
	messageType string
	payload     []byte
}

// Participant is a registered user bound to one control connection
type Participant struct {
	Identity  string
	ConnID    uuid.UUID
	Address   net.IP
	MediaPort int
	JoinedAt  time.Time

	conn    net.Conn
	writeMu sync.Mutex

	queue     chan outboundFrame
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewParticipant binds identity to conn. The participant's address is the
// remote IP of the control connection; media is sent to that IP at mediaPort.
func NewParticipant(identity string, conn net.Conn, mediaPort int) *Participant {
	return &Participant{
		Identity:  identity,
		ConnID:    uuid.New(),
		Address:   remoteIP(conn.RemoteAddr()),
		MediaPort: mediaPort,
		JoinedAt:  time.Now(),
		conn:      conn,
		queue:     make(chan outboundFrame, outboundQueueSize),
		done:      make(chan struct{}),
	}
}

// MediaAddr returns the UDP endpoint relayed datagrams are sent to
func (p *Participant) MediaAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: p.Address, Port: p.MediaPort}
}

// RemoteAddr returns the control connection's peer address
func (p *Participant) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// Start launches the writer that drains the outbound queue. Each frame is
// written with Send using timeout; observe, if set, sees every outcome. The
// first failed write closes the participant. Later calls are no-ops.
func (p *Participant) Start(timeout time.Duration, observe DeliveryFunc) {
	p.startOnce.Do(func() {
		go p.writeLoop(timeout, observe)
	})
}

// Enqueue queues an encoded payload for the writer without blocking
func (p *Participant) Enqueue(messageType string, payload []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.queue <- outboundFrame{messageType: messageType, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Participant) writeLoop(timeout time.Duration, observe DeliveryFunc) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.queue:
			err := p.Send(frame.payload, timeout)
			if observe != nil {
				observe(p, frame.messageType, err)
			}
			if err != nil {
				p.Close()
				return
			}
		}
	}
}

// Send writes one control frame to the participant. Writes are serialized
// per participant so frames never interleave. The frame goes out in chunks,
// each with its own deadline, so timeout bounds a stall rather than the
// whole transfer. A missed deadline may leave a partial frame on the
// stream, so the connection is then closed.
func (p *Participant) Send(payload []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}

	if timeout <= 0 {
		if _, err := p.conn.Write(frame); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		return nil
	}
	defer p.conn.SetWriteDeadline(time.Time{})

	for len(frame) > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}

		n, err := p.conn.Write(frame[:min(len(frame), writeChunkSize)])
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				p.conn.Close()
			}
			return fmt.Errorf("failed to write frame: %w", err)
		}
		frame = frame[n:]
	}
	return nil
}

// Close stops the writer and closes the control connection. Queued frames
// are discarded.
func (p *Participant) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return p.conn.Close()
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
