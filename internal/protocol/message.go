package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Type is the "type" discriminator carried by every control message
type Type string

// Control message types
const (
	TypeRegister         Type = "register"
	TypeRegistered       Type = "registered"
	TypeUserJoined       Type = "user_joined"
	TypeUserLeft         Type = "user_left"
	TypeChat             Type = "chat"
	TypeStartPresenting  Type = "start_presenting"
	TypeStopPresenting   Type = "stop_presenting"
	TypePresenterChanged Type = "presenter_changed"
	TypeScreenFrame      Type = "screen_frame"
	TypeFileUpload       Type = "file_upload"
	TypeFileDownload     Type = "file_download"
	TypeFileAvailable    Type = "file_available"
	TypeFileData         Type = "file_data"
)

// TimestampLayout is the wall-clock format used in chat and file events
const TimestampLayout = "15:04:05"

// ErrUnknownType is returned by Decode for a well-formed payload whose
// type is not part of the protocol.
var ErrUnknownType = errors.New("unknown message type")

// ParseError describes a payload that could not be turned into a message:
// malformed JSON, a missing field or a field with an invalid value.
type ParseError struct {
	Type Type
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("parse message: %v", e.Err)
	}
	return fmt.Sprintf("parse %s message: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Message is implemented by every control message variant
type Message interface {
	MessageType() Type
}

// Register is the mandatory first message on a control connection
type Register struct {
	Username  string `json:"username" validate:"identity"`
	MediaPort int    `json:"udp_port" validate:"required,min=1,max=65535"`
}

// Registered answers a successful Register
type Registered struct {
	Users       []string       `json:"users"`
	ChatHistory []HistoryEntry `json:"chat_history"`
	Presenter   *string        `json:"presenter"`
}

// HistoryEntry is one chat message as replayed in Registered
type HistoryEntry struct {
	Type      Type   `json:"type"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// UserJoined is broadcast to existing participants when someone registers
type UserJoined struct {
	Username string   `json:"username" validate:"required"`
	Users    []string `json:"users"`
}

// UserLeft is broadcast when a participant's connection ends
type UserLeft struct {
	Username  string   `json:"username" validate:"required"`
	Users     []string `json:"users"`
	Presenter *string  `json:"presenter"`
}

// Chat carries a chat line. Clients send only Message; the server fills in
// Username and Timestamp before broadcasting.
type Chat struct {
	Username  string  `json:"username,omitempty"`
	Message   *string `json:"message" validate:"required"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// NewChat builds a chat message
func NewChat(username, message, timestamp string) *Chat {
	return &Chat{Username: username, Message: &message, Timestamp: timestamp}
}

// Text returns the chat line, empty when absent
func (c *Chat) Text() string {
	if c.Message == nil {
		return ""
	}
	return *c.Message
}

// StartPresenting asks for the presenter slot
type StartPresenting struct{}

// StopPresenting gives the presenter slot back
type StopPresenting struct{}

// PresenterChanged announces the new presenter, nil meaning vacant
type PresenterChanged struct {
	Presenter *string `json:"presenter"`
}

// ScreenFrame carries one encoded screen image. The frame is opaque to the
// server and forwarded as received.
type ScreenFrame struct {
	Presenter string `json:"presenter,omitempty"`
	Frame     string `json:"frame" validate:"required"`
}

// FileUpload stores a file on the server. Filedata is base64 on the wire.
type FileUpload struct {
	Filename string `json:"filename" validate:"required"`
	Filesize int64  `json:"filesize" validate:"min=0"`
	Filedata []byte `json:"filedata" validate:"required"`
}

// FileDownload requests a previously uploaded file
type FileDownload struct {
	Filename string `json:"filename" validate:"required"`
}

// FileAvailable announces a stored upload
type FileAvailable struct {
	Username  string `json:"username"`
	Filename  string `json:"filename"`
	Filesize  int64  `json:"filesize"`
	Timestamp string `json:"timestamp"`
}

// FileData answers a FileDownload
type FileData struct {
	Filename string `json:"filename" validate:"required"`
	Filedata []byte `json:"filedata" validate:"required"`
}

func (Register) MessageType() Type         { return TypeRegister }
func (Registered) MessageType() Type       { return TypeRegistered }
func (UserJoined) MessageType() Type       { return TypeUserJoined }
func (UserLeft) MessageType() Type         { return TypeUserLeft }
func (Chat) MessageType() Type             { return TypeChat }
func (StartPresenting) MessageType() Type  { return TypeStartPresenting }
func (StopPresenting) MessageType() Type   { return TypeStopPresenting }
func (PresenterChanged) MessageType() Type { return TypePresenterChanged }
func (ScreenFrame) MessageType() Type      { return TypeScreenFrame }
func (FileUpload) MessageType() Type       { return TypeFileUpload }
func (FileDownload) MessageType() Type     { return TypeFileDownload }
func (FileAvailable) MessageType() Type    { return TypeFileAvailable }
func (FileData) MessageType() Type         { return TypeFileData }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Identities must fit the one-byte length field of the media header.
	_ = v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return IsValidIdentity(fl.Field().String())
	})
	return v
}

// IsValidIdentity reports whether s can be used as a participant identity
func IsValidIdentity(s string) bool {
	return s != "" && len(s) <= MaxIdentityLen && utf8.ValidString(s)
}

// newMessage allocates the variant for t
func newMessage(t Type) (Message, bool) {
	switch t {
	case TypeRegister:
		return &Register{}, true
	case TypeRegistered:
		return &Registered{}, true
	case TypeUserJoined:
		return &UserJoined{}, true
	case TypeUserLeft:
		return &UserLeft{}, true
	case TypeChat:
		return &Chat{}, true
	case TypeStartPresenting:
		return &StartPresenting{}, true
	case TypeStopPresenting:
		return &StopPresenting{}, true
	case TypePresenterChanged:
		return &PresenterChanged{}, true
	case TypeScreenFrame:
		return &ScreenFrame{}, true
	case TypeFileUpload:
		return &FileUpload{}, true
	case TypeFileDownload:
		return &FileDownload{}, true
	case TypeFileAvailable:
		return &FileAvailable{}, true
	case TypeFileData:
		return &FileData{}, true
	default:
		return nil, false
	}
}

// Decode parses and validates a control payload. It returns a pointer to
// the concrete variant, a *ParseError, or an error wrapping ErrUnknownType.
func Decode(payload []byte) (Message, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &ParseError{Err: err}
	}

	msg, ok := newMessage(envelope.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, &ParseError{Type: envelope.Type, Err: err}
	}
	if err := validate.Struct(msg); err != nil {
		return nil, &ParseError{Type: envelope.Type, Err: err}
	}

	return msg, nil
}

// Encode serializes msg with its type discriminator
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}

	// body is always a JSON object; the discriminator goes in front of its fields
	prefix := `{"type":"` + string(msg.MessageType()) + `"`
	buf := make([]byte, 0, len(prefix)+len(body)+1)
	buf = append(buf, prefix...)
	if len(body) > 2 {
		buf = append(buf, ',')
		buf = append(buf, body[1:]...)
	} else {
		buf = append(buf, '}')
	}

	return buf, nil
}

// StringPtr returns a pointer to s, or nil when ok is false. It builds the
// nullable presenter fields.
func StringPtr(s string, ok bool) *string {
	if !ok {
		return nil
	}
	return &s
}
