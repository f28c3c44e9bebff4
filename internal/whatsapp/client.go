// Package whatsapp is the boundary to the WhatsApp protocol. The rest of the
// application only sees Client, Factory and the Event stream; the whatsmeow
// implementation lives behind them.
package whatsapp

import (
	"context"
	"time"
)

type EventKind int

const (
	EventQR EventKind = iota + 1
	EventOpened
	EventMessage
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type CloseReason string

const (
	ReasonTransport CloseReason = "transport"
	ReasonLoggedOut CloseReason = "logged_out"
	ReasonQRTimeout CloseReason = "qr_timeout"
	ReasonReplaced  CloseReason = "replaced"
)

// Event is emitted on the channel returned by Client.Connect. The channel is
// closed right after an EventClosed.
type Event struct {
	Kind    EventKind
	QR      string
	Message *Message
	Reason  CloseReason
	Err     error
}

type Media struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	ID         string
	From       string
	Chat       string
	Text       string
	Media      *Media
	Timestamp  time.Time
	GroupName  string
	SenderName string
}

type Receipt struct {
	ID        string
	Timestamp time.Time
}

type Client interface {
	// Connect opens the connection and returns its event stream. A new
	// stream is returned for every call.
	Connect(ctx context.Context) (<-chan Event, error)
	Send(ctx context.Context, to string, content Content) (Receipt, error)
	SendPresence(ctx context.Context) error
	Logout(ctx context.Context) error
	// Close drops the connection and releases the credential store. It
	// does not log out.
	Close() error
}

type Factory interface {
	New(ctx context.Context, sessionID string) (Client, error)
	// Stored lists session ids that have credentials on disk.
	Stored() ([]string, error)
	// Remove wipes the credentials of a session.
	Remove(sessionID string) error
}
