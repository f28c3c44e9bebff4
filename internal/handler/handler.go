package handler

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	customMiddleware "whatsapp-dashboard/internal/middleware"
	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/service"
	"whatsapp-dashboard/internal/whatsapp"
	"whatsapp-dashboard/internal/ws"
)

// Sessions is the part of the Supervisor the API exposes.
type Sessions interface {
	Start(id string) (*model.Session, error)
	Disconnect(ctx context.Context, id string) error
	DisconnectAll(ctx context.Context) error
	Send(ctx context.Context, id, to string, content whatsapp.Content) (model.OutboundMessage, error)
	Status(id string) model.Status
	QR(id string) string
	Messages(id string) []model.InboundMessage
	OutgoingMessages(id string) []model.OutboundMessage
	Exists(id string) bool
	List() []model.SessionSummary
}

type Broadcasts interface {
	Run(ctx context.Context, req service.BroadcastRequest) (model.BroadcastReport, error)
	Start(req service.BroadcastRequest) (model.BroadcastReport, error)
	Job(id string) (model.BroadcastReport, error)
	Cancel(id string) (model.BroadcastReport, error)
}

type WebhookSettings interface {
	WebhookConfig(ctx context.Context) (model.WebhookConfig, error)
	Update(ctx context.Context, cfg model.WebhookConfig) (model.WebhookConfig, error)
}

type Contacts interface {
	Add(ctx context.Context, name, phone string) (*model.Contact, error)
	AddMany(ctx context.Context, contacts []model.Contact) (int, error)
	List(ctx context.Context, query string) ([]model.Contact, error)
	Delete(ctx context.Context, id int64) error
}

// Handler holds everything the HTTP API talks to.
type Handler struct {
	Sessions   Sessions
	Broadcasts Broadcasts
	Webhook    WebhookSettings
	Contacts   Contacts
	Hub        *ws.Hub
	// nil disables authentication
	Auth *service.AuthService

	DefaultCountryCode string
	AllowedOrigins     []string
	Version            string
	Log                zerolog.Logger
}

// Register mounts every route on e.
func (h *Handler) Register(e *echo.Echo) {
	e.HTTPErrorHandler = h.HTTPErrorHandler
	e.GET("/", h.Health)
	e.POST("/auth/login", h.LoginAdmin)

	var auth []echo.MiddlewareFunc
	if h.Auth != nil {
		auth = append(auth, customMiddleware.JWTAuthMiddleware(h.Auth))
	}

	if h.Hub != nil {
		e.GET("/ws", h.WebSocket, auth...)
	}

	api := e.Group("/api", auth...)

	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions", h.StartSession)
	api.DELETE("/sessions", h.DisconnectAll)
	api.DELETE("/sessions/:sessionId", h.DisconnectSession)
	api.GET("/sessions/:sessionId/status", h.GetStatus)
	api.GET("/sessions/:sessionId/qr", h.GetQR)
	api.GET("/sessions/:sessionId/messages", h.GetMessages)
	api.GET("/sessions/:sessionId/messages/outgoing", h.GetOutgoingMessages)
	api.POST("/sessions/:sessionId/send", h.SendMessage)
	api.POST("/sessions/:sessionId/broadcast", h.Broadcast)
	api.POST("/sessions/:sessionId/broadcast/file", h.BroadcastFromFile)

	api.GET("/broadcasts/:jobId", h.GetBroadcast)
	api.DELETE("/broadcasts/:jobId", h.CancelBroadcast)

	api.GET("/webhook", h.GetWebhookConfig)
	api.POST("/webhook", h.SetWebhookConfig)

	if h.Contacts != nil {
		// static paths before :id
		api.POST("/contacts/import", h.ImportContacts)
		api.GET("/contacts/export", h.ExportContacts)
		api.GET("/contacts", h.ListContacts)
		api.POST("/contacts", h.CreateContact)
		api.DELETE("/contacts/:id", h.DeleteContact)
	}
}
