package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/skypro1111/lan-relay/internal/metrics"
	"github.com/skypro1111/lan-relay/internal/protocol"
	"github.com/skypro1111/lan-relay/internal/registry"
	"github.com/skypro1111/lan-relay/internal/session"
)

// HubConfig contains control dispatch parameters
type HubConfig struct {
	SendTimeout            time.Duration
	EnforcePresenterFrames bool
}

// Hub owns the room state. Every state change and the broadcast announcing
// it happen under mu, so all participants observe events in one order and
// a joining participant's history is an exact prefix of what follows.
type Hub struct {
	mu       sync.Mutex
	registry *registry.Registry
	state    *session.State
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   HubConfig
}

// NewHub creates a hub over the given registry and state
func NewHub(reg *registry.Registry, state *session.State, logger *slog.Logger, m *metrics.Metrics, cfg HubConfig) *Hub {
	return &Hub{
		registry: reg,
		state:    state,
		logger:   logger,
		metrics:  m,
		config:   cfg,
	}
}

// Join registers p, welcomes it with the current room state and announces it
// to everyone else. A participant already holding the identity is replaced
// and its connection closed; no user_left is sent for it.
func (h *Hub) Join(p *registry.Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if replaced := h.registry.Register(p); replaced != nil {
		h.metrics.RecordDuplicateRegistration()
		h.logger.Warn("Identity re-registered, closing previous connection",
			slog.String("identity", p.Identity),
			slog.String("previous_addr", replaced.RemoteAddr().String()),
			slog.String("new_addr", p.RemoteAddr().String()),
		)
		replaced.Close()
	}
	h.metrics.SetParticipants(h.registry.Count())
	p.Start(h.config.SendTimeout, h.delivered)

	presenter, held := h.state.Presenter()
	users := h.registry.Snapshot()
	h.send(p, &protocol.Registered{
		Users:       users,
		ChatHistory: historyEntries(h.state.ChatHistory()),
		Presenter:   protocol.StringPtr(presenter, held),
	})

	h.broadcast(&protocol.UserJoined{Username: p.Identity, Users: users}, p.Identity)

	h.logger.Info("Participant joined",
		slog.String("identity", p.Identity),
		slog.String("conn_id", p.ConnID.String()),
		slog.String("media_addr", p.MediaAddr().String()),
		slog.Int("participants", len(users)),
	)
}

// Leave removes p if it still owns its identity, releases the presenter slot
// if p held it and announces the departure.
func (h *Hub) Leave(p *registry.Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p.Close()

	if !h.registry.Unregister(p.Identity, p.ConnID) {
		h.logger.Debug("Stale connection closed",
			slog.String("identity", p.Identity),
			slog.String("conn_id", p.ConnID.String()),
		)
		return
	}
	h.metrics.SetParticipants(h.registry.Count())

	if h.state.StopPresenting(p.Identity) {
		h.metrics.RecordPresenterChange()
	}

	presenter, held := h.state.Presenter()
	users := h.registry.Snapshot()
	h.broadcast(&protocol.UserLeft{
		Username:  p.Identity,
		Users:     users,
		Presenter: protocol.StringPtr(presenter, held),
	}, "")

	h.logger.Info("Participant left",
		slog.String("identity", p.Identity),
		slog.Duration("session_duration", time.Since(p.JoinedAt)),
		slog.Int("participants", len(users)),
	)
}

// Chat appends a message to the history and delivers it to everyone,
// sender included.
func (h *Hub) Chat(p *registry.Participant, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := h.state.AppendChat(p.Identity, text)
	h.metrics.RecordChatMessage()

	h.broadcast(protocol.NewChat(entry.Identity, entry.Text, entry.Timestamp.Format(protocol.TimestampLayout)), "")
}

// StartPresenting grants the presenter slot if vacant. A refused request is
// silent.
func (h *Hub) StartPresenting(p *registry.Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.state.StartPresenting(p.Identity) {
		presenter, _ := h.state.Presenter()
		h.logger.Debug("Presenter slot busy",
			slog.String("identity", p.Identity),
			slog.String("presenter", presenter),
		)
		return
	}
	h.metrics.RecordPresenterChange()

	h.broadcast(&protocol.PresenterChanged{Presenter: protocol.StringPtr(p.Identity, true)}, "")
	h.logger.Info("Presenter started", slog.String("identity", p.Identity))
}

// StopPresenting vacates the slot if p holds it
func (h *Hub) StopPresenting(p *registry.Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.state.StopPresenting(p.Identity) {
		return
	}
	h.metrics.RecordPresenterChange()

	h.broadcast(&protocol.PresenterChanged{Presenter: nil}, "")
	h.logger.Info("Presenter stopped", slog.String("identity", p.Identity))
}

// ScreenFrame forwards a screen image to everyone but the sender. With
// EnforcePresenterFrames set, frames from anyone but the presenter are
// dropped.
func (h *Hub) ScreenFrame(p *registry.Participant, frame string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.EnforcePresenterFrames && !h.state.IsPresenter(p.Identity) {
		h.logger.Debug("Dropping screen frame from non-presenter", slog.String("identity", p.Identity))
		return
	}

	h.broadcast(&protocol.ScreenFrame{Presenter: p.Identity, Frame: frame}, p.Identity)
}

// UploadFile stores a file, overwriting any file of the same name, and
// announces it to everyone.
func (h *Hub) UploadFile(p *registry.Participant, filename string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record := h.state.StoreFile(p.Identity, filename, data)
	h.metrics.RecordFileUploaded(h.state.FileBytes())

	h.broadcast(&protocol.FileAvailable{
		Username:  p.Identity,
		Filename:  record.Filename,
		Filesize:  record.Size(),
		Timestamp: record.UploadedAt.Format(protocol.TimestampLayout),
	}, "")

	h.logger.Info("File uploaded",
		slog.String("identity", p.Identity),
		slog.String("filename", record.Filename),
		slog.String("size", humanize.Bytes(uint64(record.Size()))),
		slog.String("mime_type", record.MIMEType),
	)
}

// Download sends a stored file to p alone. Unknown names get no reply.
func (h *Hub) Download(p *registry.Participant, filename string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record, found := h.state.File(filename)
	h.metrics.RecordFileDownload(found)
	if !found {
		h.logger.Debug("Download of unknown file",
			slog.String("identity", p.Identity),
			slog.String("filename", filename),
		)
		return
	}

	h.send(p, &protocol.FileData{Filename: record.Filename, Filedata: record.Data})
}

// Snapshot returns a consistent view of the room for monitoring
func (h *Hub) Snapshot() RoomSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	presenter, held := h.state.Presenter()
	participants := lo.Map(h.registry.Participants(), func(p *registry.Participant, _ int) ParticipantInfo {
		return ParticipantInfo{
			Identity:   p.Identity,
			ConnID:     p.ConnID.String(),
			RemoteAddr: p.RemoteAddr().String(),
			MediaAddr:  p.MediaAddr().String(),
			JoinedAt:   p.JoinedAt,
		}
	})

	return RoomSnapshot{
		Participants: participants,
		Presenter:    protocol.StringPtr(presenter, held),
		ChatMessages: h.state.ChatLen(),
		Files:        h.state.Files(),
		FileBytes:    h.state.FileBytes(),
	}
}

// RoomSnapshot is the monitoring view of the room
type RoomSnapshot struct {
	Participants []ParticipantInfo  `json:"participants"`
	Presenter    *string            `json:"presenter"`
	ChatMessages int                `json:"chat_messages"`
	Files        []session.FileInfo `json:"files"`
	FileBytes    int64              `json:"file_bytes"`
}

// ParticipantInfo describes one registered participant
type ParticipantInfo struct {
	Identity   string    `json:"identity"`
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	MediaAddr  string    `json:"media_addr"`
	JoinedAt   time.Time `json:"joined_at"`
}

// broadcast encodes msg once and queues it for every participant except
// exclude. Delivery failures are logged and skipped; the failing
// participant's own read loop removes it.
func (h *Hub) broadcast(msg protocol.Message, exclude string) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("Failed to encode broadcast",
			slog.String("type", string(msg.MessageType())),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, p := range h.registry.Participants() {
		if p.Identity == exclude {
			continue
		}
		h.deliver(p, msg.MessageType(), payload)
	}
}

// send encodes and queues msg for a single participant
func (h *Hub) send(p *registry.Participant, msg protocol.Message) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("Failed to encode message",
			slog.String("type", string(msg.MessageType())),
			slog.String("error", err.Error()),
		)
		return
	}
	h.deliver(p, msg.MessageType(), payload)
}

// deliver queues payload for p. A participant whose queue is full has
// stopped keeping up and is disconnected.
func (h *Hub) deliver(p *registry.Participant, messageType protocol.Type, payload []byte) {
	err := p.Enqueue(string(messageType), payload)
	if err == nil {
		return
	}

	h.metrics.RecordDeliveryFailure(string(messageType))
	h.logger.Warn("Failed to queue message",
		slog.String("identity", p.Identity),
		slog.String("type", string(messageType)),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, registry.ErrQueueFull) {
		p.Close()
	}
}

// delivered is called by each participant's writer once a frame is written
// or has failed
func (h *Hub) delivered(p *registry.Participant, messageType string, err error) {
	if err != nil {
		h.metrics.RecordDeliveryFailure(messageType)
		h.logger.Warn("Failed to deliver message",
			slog.String("identity", p.Identity),
			slog.String("type", messageType),
			slog.String("error", err.Error()),
		)
		return
	}
	h.metrics.RecordMessageSent(messageType)
}

func historyEntries(history []session.ChatEntry) []protocol.HistoryEntry {
	return lo.Map(history, func(entry session.ChatEntry, _ int) protocol.HistoryEntry {
		return protocol.HistoryEntry{
			Type:      protocol.TypeChat,
			Username:  entry.Identity,
			Message:   entry.Text,
			Timestamp: entry.Timestamp.Format(protocol.TimestampLayout),
		}
	})
}
