package model

import (
	"sync"
	"time"

	"whatsapp-dashboard/internal/whatsapp"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusWaitingForQR Status = "waiting_for_qr"
	StatusConnected    Status = "connected"
	StatusLoggedOut    Status = "logged_out"
)

// Session is the supervisor's record of one WhatsApp connection.
type Session struct {
	ID string

	mu          sync.RWMutex
	status      Status
	qr          string
	client      whatsapp.Client
	closing     bool
	createdAt   time.Time
	connectedAt time.Time

	inbound  *Ring[InboundMessage]
	outbound *Ring[OutboundMessage]
}

type SessionSummary struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	HasQR       bool       `json:"hasQr"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
}

func NewSession(id string, client whatsapp.Client) *Session {
	return &Session{
		ID:        id,
		status:    StatusConnecting,
		client:    client,
		createdAt: time.Now(),
		inbound:   NewRing[InboundMessage](MessageLogCapacity),
		outbound:  NewRing[OutboundMessage](MessageLogCapacity),
	}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the status and clears the QR payload when it no longer
// applies. Returns the previous status.
func (s *Session) SetStatus(status Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.status
	s.status = status
	if status != StatusWaitingForQR {
		s.qr = ""
	}
	if status == StatusConnected && prev != StatusConnected {
		s.connectedAt = time.Now()
	}
	return prev
}

func (s *Session) QR() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr
}

// SetQR stores a pairing payload and moves the session to waiting_for_qr.
func (s *Session) SetQR(qr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qr = qr
	s.status = StatusWaitingForQR
}

func (s *Session) Client() whatsapp.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// MarkClosing flags the session for teardown. It reports false if the
// session was already closing.
func (s *Session) MarkClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.closing = true
	return true
}

func (s *Session) Closing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

func (s *Session) AddInbound(m InboundMessage)   { s.inbound.Push(m) }
func (s *Session) AddOutbound(m OutboundMessage) { s.outbound.Push(m) }

func (s *Session) Inbound() []InboundMessage   { return s.inbound.Items() }
func (s *Session) Outbound() []OutboundMessage { return s.outbound.Items() }

func (s *Session) Summary() SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := SessionSummary{
		ID:        s.ID,
		Status:    s.status,
		HasQR:     s.qr != "",
		CreatedAt: s.createdAt,
	}
	if s.status == StatusConnected && !s.connectedAt.IsZero() {
		at := s.connectedAt
		sum.ConnectedAt = &at
	}
	return sum
}
