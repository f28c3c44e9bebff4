package model

import "time"

const MessageLogCapacity = 100

type MediaInfo struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type InboundMessage struct {
	ID         string     `json:"id"`
	From       string     `json:"from"`
	Chat       string     `json:"chat"`
	Text       string     `json:"text"`
	Media      *MediaInfo `json:"media,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	GroupName  string     `json:"groupName,omitempty"`
	SenderName string     `json:"senderName,omitempty"`
}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

type OutboundMessage struct {
	ID        string         `json:"id,omitempty"`
	To        string         `json:"to"`
	Text      string         `json:"text"`
	File      string         `json:"file,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
}
