package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Media channel constants
const (
	// Media kinds
	MediaKindVideo = 0x01
	MediaKindAudio = 0x02

	// MediaHeaderSize is the fixed prefix: kind (1) + identity length (1)
	MediaHeaderSize = 2

	// MaxIdentityLen is bounded by the one-byte length field
	MaxIdentityLen = 255

	// MaxDatagramSize is the largest UDP payload over IPv4
	MaxDatagramSize = 65507
)

var (
	// ErrDatagramTooShort is returned for datagrams shorter than their header
	ErrDatagramTooShort = errors.New("datagram too short")

	// ErrInvalidIdentity is returned when the sender identity is not UTF-8
	ErrInvalidIdentity = errors.New("invalid sender identity")
)

// MediaHeader represents the prefix of a media datagram
// Layout: [Kind:1][IdentityLen:1][Identity:N][Payload...]
type MediaHeader struct {
	Kind          uint8
	Identity      string
	PayloadOffset int
}

// ParseMediaHeader extracts the kind and sender identity of a datagram.
// The payload is never inspected; unknown kinds are accepted. The identity
// must be valid UTF-8.
func ParseMediaHeader(data []byte) (*MediaHeader, error) {
	if len(data) < MediaHeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrDatagramTooShort, MediaHeaderSize, len(data))
	}

	identityLen := int(data[1])
	end := MediaHeaderSize + identityLen
	if len(data) < end {
		return nil, fmt.Errorf("%w: identity needs %d bytes, got %d",
			ErrDatagramTooShort, end, len(data))
	}

	identity := data[MediaHeaderSize:end]
	if !utf8.Valid(identity) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidIdentity)
	}

	return &MediaHeader{
		Kind:          data[0],
		Identity:      string(identity),
		PayloadOffset: end,
	}, nil
}

// BuildMediaDatagram assembles a datagram as sent by participants
func BuildMediaDatagram(kind uint8, identity string, payload []byte) ([]byte, error) {
	if len(identity) > MaxIdentityLen {
		return nil, fmt.Errorf("identity too long: %d bytes (maximum %d)", len(identity), MaxIdentityLen)
	}
	if size := MediaHeaderSize + len(identity) + len(payload); size > MaxDatagramSize {
		return nil, fmt.Errorf("datagram too large: %d bytes (maximum %d)", size, MaxDatagramSize)
	}

	data := make([]byte, 0, MediaHeaderSize+len(identity)+len(payload))
	data = append(data, kind, byte(len(identity)))
	data = append(data, identity...)
	data = append(data, payload...)
	return data, nil
}

// MediaKindString converts a kind code to a metric-friendly label
func MediaKindString(kind uint8) string {
	switch kind {
	case MediaKindVideo:
		return "video"
	case MediaKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}
