package ws

import "time"

const (
	EventStatus             = "status"
	EventQRCode             = "qr_code"
	EventNewMessage         = "new_message"
	EventNewOutgoingMessage = "new_outgoing_message"
	EventBroadcastProgress  = "broadcast_progress"
)

// WsEvent is the frame pushed to dashboard clients.
type WsEvent struct {
	Event     string    `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type StatusData struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type QRCodeData struct {
	QR      string `json:"qr"`
	DataURL string `json:"dataUrl,omitempty"`
}

// RealtimePublisher is what services hold instead of the Hub itself.
type RealtimePublisher interface {
	Publish(event WsEvent)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(WsEvent) {}
