package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Framing constants for the control channel
const (
	// FrameHeaderSize is the size of the big-endian length prefix
	FrameHeaderSize = 4

	// DefaultMaxFrameSize bounds a single control frame (64 MiB). File
	// uploads travel base64 encoded inside one frame.
	DefaultMaxFrameSize = 64 << 20
)

var (
	// ErrNoMessage reports that the stream ended before a complete frame
	// was read. It is a disconnect signal, not a failure.
	ErrNoMessage = errors.New("no message")

	// ErrFrameTooLarge reports a length prefix above the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// EncodeFrame returns payload prefixed with its 4-byte big-endian length
func EncodeFrame(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:FrameHeaderSize], uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes payload as one frame in a single Write call so
// concurrent writers serialized by the caller never interleave partial
// frames.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. EOF before or inside the frame
// yields ErrNoMessage. A maxSize of zero disables the size check.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if isEOF(err) {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if isEOF(err) {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	return payload, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
