package session

import (
	"sort"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ChatEntry is one accepted chat message
type ChatEntry struct {
	Identity  string    `json:"identity"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// FileRecord is a stored upload. Data is never modified after the record is
// created; an overwrite replaces the whole record.
type FileRecord struct {
	Filename   string
	Uploader   string
	Data       []byte
	MIMEType   string
	UploadedAt time.Time
}

// Size returns the byte length of the stored content
func (f FileRecord) Size() int64 {
	return int64(len(f.Data))
}

// FileInfo describes a stored file without its content
type FileInfo struct {
	Filename   string    `json:"filename"`
	Uploader   string    `json:"uploader"`
	Size       int64     `json:"size"`
	MIMEType   string    `json:"mime_type"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// State holds the room state shared by all participants: chat history, the
// presenter slot and the file store. It is not safe for concurrent use; the
// caller serializes access.
type State struct {
	chat      []ChatEntry
	presenter PresenterSlot
	files     map[string]FileRecord
	fileBytes int64
	now       func() time.Time
}

// Option configures a State
type Option func(*State)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// New creates an empty state
func New(opts ...Option) *State {
	s := &State{
		files: make(map[string]FileRecord),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendChat stamps and stores a chat message
func (s *State) AppendChat(identity, text string) ChatEntry {
	entry := ChatEntry{
		Identity:  identity,
		Text:      text,
		Timestamp: s.now(),
	}
	s.chat = append(s.chat, entry)
	return entry
}

// ChatHistory returns a copy of the chat log, oldest first
func (s *State) ChatHistory() []ChatEntry {
	history := make([]ChatEntry, len(s.chat))
	copy(history, s.chat)
	return history
}

// ChatLen returns the number of stored chat messages
func (s *State) ChatLen() int {
	return len(s.chat)
}

// StartPresenting grants the presenter slot to identity if it is vacant
func (s *State) StartPresenting(identity string) bool {
	return s.presenter.Acquire(identity)
}

// StopPresenting vacates the slot if identity holds it. It is also how the
// slot is released when the presenter disconnects.
func (s *State) StopPresenting(identity string) bool {
	return s.presenter.Release(identity)
}

// Presenter returns the current presenter
func (s *State) Presenter() (string, bool) {
	return s.presenter.Holder()
}

// IsPresenter reports whether identity holds the presenter slot
func (s *State) IsPresenter(identity string) bool {
	return s.presenter.IsHeldBy(identity)
}

// StoreFile stores data under filename, replacing any earlier upload
func (s *State) StoreFile(uploader, filename string, data []byte) FileRecord {
	record := FileRecord{
		Filename:   filename,
		Uploader:   uploader,
		Data:       data,
		MIMEType:   mimetype.Detect(data).String(),
		UploadedAt: s.now(),
	}

	if previous, exists := s.files[filename]; exists {
		s.fileBytes -= previous.Size()
	}
	s.files[filename] = record
	s.fileBytes += record.Size()

	return record
}

// File returns the stored upload for filename
func (s *State) File(filename string) (FileRecord, bool) {
	record, exists := s.files[filename]
	return record, exists
}

// Files lists stored files sorted by name
func (s *State) Files() []FileInfo {
	infos := make([]FileInfo, 0, len(s.files))
	for _, record := range s.files {
		infos = append(infos, FileInfo{
			Filename:   record.Filename,
			Uploader:   record.Uploader,
			Size:       record.Size(),
			MIMEType:   record.MIMEType,
			UploadedAt: record.UploadedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Filename < infos[j].Filename
	})
	return infos
}

// FileBytes returns the total size of stored file content
func (s *State) FileBytes() int64 {
	return s.fileBytes
}
