package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/lan-relay/internal/protocol"
)

// ErrUnexpectedReply is returned when the server answers a register with
// something other than registered
var ErrUnexpectedReply = errors.New("unexpected reply")

// Client is a control channel connection to a relay
type Client struct {
	conn     net.Conn
	maxFrame uint32
	writeMu  sync.Mutex
}

// Dial connects to the relay's control address
func Dial(ctx context.Context, address string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return New(conn), nil
}

// New wraps an established connection
func New(conn net.Conn) *Client {
	return &Client{
		conn:     conn,
		maxFrame: protocol.DefaultMaxFrameSize,
	}
}

// Register sends the register message and waits for the registered reply
func (c *Client) Register(username string, mediaPort int) (*protocol.Registered, error) {
	if err := c.Send(&protocol.Register{Username: username, MediaPort: mediaPort}); err != nil {
		return nil, err
	}

	msg, err := c.Receive()
	if err != nil {
		return nil, fmt.Errorf("failed to read registration reply: %w", err)
	}

	registered, ok := msg.(*protocol.Registered)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, msg.MessageType())
	}
	return registered, nil
}

// Send encodes and writes one message
func (c *Client) Send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes an already encoded payload as one frame
func (c *Client) SendRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return protocol.WriteFrame(c.conn, payload)
}

// Receive reads and decodes the next message. A closed connection yields
// protocol.ErrNoMessage.
func (c *Client) Receive() (protocol.Message, error) {
	payload, err := protocol.ReadFrame(c.conn, c.maxFrame)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(payload)
}

// SetReadDeadline bounds the next Receive
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Conn exposes the underlying connection
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
