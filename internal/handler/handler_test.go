package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"whatsapp-dashboard/database"
	"whatsapp-dashboard/internal/helper"
	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/service"
	"whatsapp-dashboard/internal/whatsapp"
)

type stubSessions struct {
	mu           sync.Mutex
	sessions     map[string]*model.Session
	qr           map[string]string
	sendErr      error
	sent         []whatsapp.Content
	disconnected []string
}

func newStubSessions() *stubSessions {
	return &stubSessions{sessions: make(map[string]*model.Session), qr: make(map[string]string)}
}

func (s *stubSessions) Start(id string) (*model.Session, error) {
	if !whatsapp.ValidSessionID(id) {
		return nil, &service.ValidationError{Field: "sessionId", Reason: "invalid"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	sess := model.NewSession(id, nil)
	s.sessions[id] = sess
	return sess, nil
}

func (s *stubSessions) Disconnect(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return service.ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.disconnected = append(s.disconnected, id)
	return nil
}

func (s *stubSessions) DisconnectAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		delete(s.sessions, id)
	}
	return nil
}

func (s *stubSessions) Send(ctx context.Context, id, to string, content whatsapp.Content) (model.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status() != model.StatusConnected {
		return model.OutboundMessage{}, service.ErrNotConnected
	}
	if s.sendErr != nil {
		return model.OutboundMessage{}, s.sendErr
	}
	s.sent = append(s.sent, content)
	return model.OutboundMessage{ID: "MSG1", To: to + "@s.whatsapp.net", Status: model.DeliverySent, Timestamp: time.Now()}, nil
}

func (s *stubSessions) Status(id string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Status()
	}
	return model.StatusDisconnected
}

func (s *stubSessions) QR(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr[id]
}

func (s *stubSessions) Messages(id string) []model.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Inbound()
	}
	return []model.InboundMessage{}
}

func (s *stubSessions) OutgoingMessages(id string) []model.OutboundMessage {
	return []model.OutboundMessage{}
}

func (s *stubSessions) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *stubSessions) List() []model.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Summary())
	}
	return out
}

func (s *stubSessions) connect(id string) {
	sess, _ := s.Start(id)
	sess.SetStatus(model.StatusConnected)
}

type stubBroadcasts struct {
	mu   sync.Mutex
	reqs []service.BroadcastRequest
}

func (b *stubBroadcasts) Run(ctx context.Context, req service.BroadcastRequest) (model.BroadcastReport, error) {
	if len(req.Recipients) == 0 {
		return model.BroadcastReport{}, &service.ValidationError{Field: "numbers", Reason: "at least one recipient is required"}
	}
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	return model.BroadcastReport{ID: "job-1", SessionID: req.SessionID, Status: model.BroadcastCompleted, Total: len(req.Recipients), Sent: len(req.Recipients)}, nil
}

func (b *stubBroadcasts) Start(req service.BroadcastRequest) (model.BroadcastReport, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	return model.BroadcastReport{ID: "job-2", SessionID: req.SessionID, Status: model.BroadcastRunning, Total: len(req.Recipients)}, nil
}

func (b *stubBroadcasts) Job(id string) (model.BroadcastReport, error) {
	if id != "job-1" {
		return model.BroadcastReport{}, service.ErrBroadcastNotFound
	}
	return model.BroadcastReport{ID: id, Status: model.BroadcastCompleted}, nil
}

func (b *stubBroadcasts) Cancel(id string) (model.BroadcastReport, error) {
	return b.Job(id)
}

func (b *stubBroadcasts) last() service.BroadcastRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reqs[len(b.reqs)-1]
}

type testServer struct {
	e          *echo.Echo
	sessions   *stubSessions
	broadcasts *stubBroadcasts
}

func newTestServer(t *testing.T, auth *service.AuthService) *testServer {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	ts := &testServer{sessions: newStubSessions(), broadcasts: &stubBroadcasts{}}
	h := &Handler{
		Sessions:   ts.sessions,
		Broadcasts: ts.broadcasts,
		Webhook:    service.NewWebhookSettings(model.NewSettingsStore(db)),
		Contacts:   model.NewContactStore(db),
		Auth:       auth,
		Version:    "test",
		Log:        zerolog.Nop(),
	}
	ts.e = echo.New()
	h.Register(ts.e)
	return ts
}

func (ts *testServer) do(method, target string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(target, field, fileName string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile(field, fileName)
	_, _ = part.Write(data)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestStartSessionIsIdempotent(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/sessions", map[string]string{"sessionId": "s1"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/sessions", map[string]string{"sessionId": "s1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.sessions.List(), 1)

	rec = ts.do(http.MethodPost, "/api/sessions", map[string]string{"sessionId": "bad id!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, rec).Error.Code)
}

func TestStatusOfUnknownSession(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/sessions/ghost/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Status    string `json:"status"`
		Connected bool   `json:"connected"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &data))
	assert.Equal(t, "disconnected", data.Status)
	assert.False(t, data.Connected)

	rec = ts.do(http.MethodGet, "/api/sessions/ghost/messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
}

func TestGetQR(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/sessions/s1/qr", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.sessions.qr["s1"] = "2@pairing"
	rec = ts.do(http.MethodGet, "/api/sessions/s1/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data:image/png;base64,")
}

func TestDisconnectSession(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.connect("s1")

	rec := ts.do(http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decode(t, rec).Error.Code)
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/sessions/s1/send", map[string]string{"number": "628123", "message": "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_CONNECTED", decode(t, rec).Error.Code)

	ts.sessions.connect("s1")
	rec = ts.do(http.MethodPost, "/api/sessions/s1/send", map[string]string{"number": "628123", "message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messageId":"MSG1"`)

	rec = ts.do(http.MethodPost, "/api/sessions/s1/send", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.sessions.sendErr = &service.TransportError{Op: "send", Err: fmt.Errorf("socket closed")}
	rec = ts.do(http.MethodPost, "/api/sessions/s1/send", map[string]string{"number": "628123", "message": "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "SEND_FAILED", decode(t, rec).Error.Code)
}

func TestSendMessageWithFile(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.connect("s1")

	body := map[string]any{
		"number":  "628123",
		"message": "report",
		"file": map[string]string{
			"base64": base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 test")),
			"type":   "application/pdf",
			"name":   "report.pdf",
		},
	}
	rec := ts.do(http.MethodPost, "/api/sessions/s1/send", body)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, ts.sessions.sent, 1)
	doc, ok := ts.sessions.sent[0].(whatsapp.Document)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", doc.FileName)
	assert.Equal(t, "report", doc.Caption)
}

func TestBroadcastEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/sessions/s1/broadcast", map[string]any{"numbers": []string{}, "message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/sessions/s1/broadcast", map[string]any{
		"numbers": []string{"a", "b"}, "message": "hi", "delaySeconds": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), ts.broadcasts.last().DelaySeconds)

	rec = ts.do(http.MethodPost, "/api/sessions/s1/broadcast", map[string]any{
		"numbers": []string{"a"}, "message": "hi", "async": true,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(defaultBroadcastDelay), ts.broadcasts.last().DelaySeconds)

	rec = ts.do(http.MethodGet, "/api/broadcasts/job-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodDelete, "/api/broadcasts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBroadcastFromFile(t *testing.T) {
	ts := newTestServer(t, nil)

	csv := []byte("phone,name\n628111,Alice\n628222,Bob\n")
	rec := ts.upload("/api/sessions/s1/broadcast/file", "file", "list.csv", csv, map[string]string{
		"message":      "promo",
		"delaySeconds": "1.5",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	req := ts.broadcasts.last()
	assert.Equal(t, []string{"628111", "628222"}, req.Recipients)
	assert.Equal(t, 1.5, req.DelaySeconds)
	assert.Equal(t, whatsapp.Text{Body: "promo"}, req.Content)
}

func TestWebhookConfigEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/webhook", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"timeoutMs":10000`)

	rec = ts.do(http.MethodPost, "/api/webhook", map[string]any{"url": "ftp://nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/webhook", map[string]any{"url": "https://example.com/hook", "timeoutMs": 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/webhook", map[string]any{
		"url": "https://example.com/hook", "timeoutMs": 2000, "retries": 1, "secret": "s",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/webhook", nil)
	body := rec.Body.String()
	assert.Contains(t, body, `"url":"https://example.com/hook"`)
	assert.Contains(t, body, `"retries":1`)
	assert.Contains(t, body, `"hasSecret":true`)
	assert.NotContains(t, body, `"secret"`)
}

func TestContactsCRUDAndImport(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/contacts", map[string]string{"name": "Alice", "phone": "+62 811-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.Contact
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &created))
	assert.Equal(t, "628111", created.Phone)

	rec = ts.do(http.MethodPost, "/api/contacts", map[string]string{"name": "Dup", "phone": "628111"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.upload("/api/contacts/import", "file", "contacts.csv", []byte("name,phone\nBob,628222\nAlice,628111\nBad,abc\n"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Imported   int `json:"imported"`
		Duplicates int `json:"duplicates"`
		Invalid    int `json:"invalid"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &result))
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 1, result.Invalid)

	rec = ts.do(http.MethodGet, "/api/contacts?q=bob", nil)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = ts.do(http.MethodDelete, fmt.Sprintf("/api/contacts/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodDelete, fmt.Sprintf("/api/contacts/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportContacts(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodPost, "/api/contacts", map[string]string{"name": "Alice", "phone": "628111"})

	rec := ts.do(http.MethodGet, "/api/contacts/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentDisposition), "attachment;"))

	records, err := helper.ReadSheet("export.xlsx", rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "628111", records[0].Phone)
	assert.Equal(t, "Alice", records[0].Name)

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Contacts"}, f.GetSheetList())
}

func TestAuthProtectsAPI(t *testing.T) {
	hash, err := helper.HashPassword("correct horse")
	require.NoError(t, err)
	ts := newTestServer(t, service.NewAuthService("secret", "admin", hash, time.Hour))

	rec := ts.do(http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/auth/login", map[string]string{"username": "admin", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/auth/login", map[string]string{"username": "admin", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &login))
	require.NotEmpty(t, login.AccessToken)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+login.AccessToken)
	out := httptest.NewRecorder()
	ts.e.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decode(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

type brokenContacts struct{ err error }

func (b brokenContacts) Add(context.Context, string, string) (*model.Contact, error) { return nil, b.err }
func (b brokenContacts) AddMany(context.Context, []model.Contact) (int, error) { return 0, b.err }
func (b brokenContacts) List(context.Context, string) ([]model.Contact, error) { return nil, b.err }
func (b brokenContacts) Delete(context.Context, int64) error { return b.err }

func TestUnexpectedErrorsAreLogged(t *testing.T) {
	var logs bytes.Buffer
	h := &Handler{
		Sessions:   newStubSessions(),
		Broadcasts: &stubBroadcasts{},
		Contacts:   brokenContacts{err: fmt.Errorf("query contacts: %w", errors.New("database is locked"))},
		Log:        zerolog.New(&logs),
	}
	e := echo.New()
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/api/contacts?q=ann", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "query contacts: database is locked", entry["error"])
	assert.Equal(t, "/api/contacts?q=ann", entry["uri"])
}
