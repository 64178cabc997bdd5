package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/skypro1111/lan-relay/internal/protocol"
	"github.com/skypro1111/lan-relay/internal/registry"
)

// registerFrameSize caps the first frame of a connection. A register
// message is a username of at most 255 bytes and a port.
const registerFrameSize uint32 = 4 << 10

// ErrRegistration is returned when a connection's first frame is not a
// valid register message
var ErrRegistration = errors.New("registration failed")

// handleConnection runs the lifecycle of one control connection: register,
// read and dispatch frames until the stream ends, then leave.
func (s *ControlServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))

	p, err := s.register(conn)
	if err != nil {
		s.count(&s.registrationsRejected)
		s.metrics.RecordRegistrationRejected()
		logger.Warn("Closing unregistered connection", slog.String("error", err.Error()))
		return
	}

	s.hub.Join(p)
	defer s.hub.Leave(p)

	s.serve(conn, p, logger.With(slog.String("identity", p.Identity)))
}

// register reads the first frame, which must be a valid register message
func (s *ControlServer) register(conn net.Conn) (*registry.Participant, error) {
	if timeout := s.config.Control.GetRegisterTimeout(); timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("failed to set registration deadline: %w", err)
		}
	}

	payload, err := protocol.ReadFrame(conn, min(registerFrameSize, s.maxFrameSize()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	reg, ok := msg.(*protocol.Register)
	if !ok {
		return nil, fmt.Errorf("%w: first message is %s, expected %s",
			ErrRegistration, msg.MessageType(), protocol.TypeRegister)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear registration deadline: %w", err)
	}

	return registry.NewParticipant(reg.Username, conn, reg.MediaPort), nil
}

// serve reads frames until the connection ends. Undecodable frames are
// ignored; a framing failure ends the connection.
func (s *ControlServer) serve(conn net.Conn, p *registry.Participant, logger *slog.Logger) {
	for {
		payload, err := protocol.ReadFrame(conn, s.maxFrameSize())
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrNoMessage):
				logger.Debug("Peer closed control connection")
			case errors.Is(err, protocol.ErrFrameTooLarge):
				s.count(&s.framingErrors)
				s.metrics.RecordFramingError()
				logger.Warn("Dropping connection after oversized frame", slog.String("error", err.Error()))
			default:
				logger.Debug("Control connection read failed", slog.String("error", err.Error()))
			}
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			s.count(&s.dispatchErrors)
			s.metrics.RecordDispatchError()
			logger.Debug("Ignoring undecodable frame",
				slog.Int("frame_size", len(payload)),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.count(&s.framesReceived)
		s.metrics.RecordFrameReceived(string(msg.MessageType()))
		s.dispatch(p, msg, logger)
	}
}

// dispatch routes a decoded message to the hub. Messages a client has no
// business sending are ignored.
func (s *ControlServer) dispatch(p *registry.Participant, msg protocol.Message, logger *slog.Logger) {
	switch m := msg.(type) {
	case *protocol.Chat:
		s.hub.Chat(p, m.Text())
	case *protocol.StartPresenting:
		s.hub.StartPresenting(p)
	case *protocol.StopPresenting:
		s.hub.StopPresenting(p)
	case *protocol.ScreenFrame:
		s.hub.ScreenFrame(p, m.Frame)
	case *protocol.FileUpload:
		s.hub.UploadFile(p, m.Filename, m.Filedata)
	case *protocol.FileDownload:
		s.hub.Download(p, m.Filename)
	default:
		logger.Debug("Ignoring message", slog.String("type", string(msg.MessageType())))
	}
}

func (s *ControlServer) maxFrameSize() uint32 {
	return uint32(s.config.Control.MaxFrameBytes)
}
