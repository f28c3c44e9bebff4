package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whatsapp-dashboard/internal/helper"
	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/whatsapp"
	"whatsapp-dashboard/internal/ws"
)

type SupervisorConfig struct {
	LogoutTimeout        time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	DefaultCountryCode   string
	// PublishIncoming pushes inbound messages to websocket clients.
	PublishIncoming bool
	PrintQRTerminal bool
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		LogoutTimeout:      10 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  time.Minute,
		PublishIncoming:    true,
	}
}

// InboundNotifier receives every inbound message, e.g. the webhook dispatcher.
type InboundNotifier interface {
	Notify(sessionID string, msg model.InboundMessage)
}

// Supervisor owns every session: its record, its client and the goroutine
// that drives its connection.
type Supervisor struct {
	factory  whatsapp.Factory
	realtime ws.RealtimePublisher
	notifier InboundNotifier
	cfg      SupervisorConfig
	log      zerolog.Logger

	startMu  sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool

	baseCtx context.Context
	stop    context.CancelFunc
}

// entry is the supervisor-private side of a session.
type entry struct {
	session  *model.Session
	cancel   context.CancelFunc
	done     chan struct{}
	teardown sync.Once
	// closed once release has removed the entry
	released chan struct{}
}

func NewSupervisor(factory whatsapp.Factory, realtime ws.RealtimePublisher, notifier InboundNotifier, cfg SupervisorConfig, log zerolog.Logger) *Supervisor {
	if realtime == nil {
		realtime = ws.NopPublisher{}
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 10 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		factory:  factory,
		realtime: realtime,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*entry),
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Start creates the session if it does not exist and begins connecting in
// the background. Starting an existing session returns its record. A
// session that is being torn down is waited out and then created afresh.
func (s *Supervisor) Start(id string) (*model.Session, error) {
	if !whatsapp.ValidSessionID(id) {
		return nil, newValidationError("sessionId", "must be 1-64 characters of letters, digits, '-' or '_'")
	}

	for {
		sess, releasing, err := s.start(id)
		if releasing == nil {
			return sess, err
		}
		select {
		case <-releasing:
		case <-s.baseCtx.Done():
			return nil, ErrShuttingDown
		}
	}
}

// start returns the released channel of an entry still in teardown instead
// of reusing it.
func (s *Supervisor) start(id string) (*model.Session, <-chan struct{}, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.RLock()
	e, ok := s.sessions[id]
	closed := s.closed
	s.mu.RUnlock()
	if ok {
		if e.session.Closing() {
			return nil, e.released, nil
		}
		return e.session, nil, nil
	}
	if closed {
		return nil, nil, ErrShuttingDown
	}

	client, err := s.factory.New(s.baseCtx, id)
	if err != nil {
		return nil, nil, &TransportError{Op: "create client", Err: err}
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	e = &entry{
		session:  model.NewSession(id, client),
		cancel:   cancel,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	s.log.Info().Str("session", id).Msg("session started")
	s.publishStatus(e.session, "")
	go s.run(ctx, e)

	return e.session, nil, nil
}

// Disconnect logs the session out, wipes its credentials and forgets it.
// Logout failures are logged; local cleanup always happens.
func (s *Supervisor) Disconnect(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return ErrSessionNotFound
	}
	return s.release(ctx, e, releaseOptions{logout: true, wipe: true, final: model.StatusDisconnected, wait: true})
}

// DisconnectAll disconnects every session concurrently. One failing
// session does not stop the others; failures are joined.
func (s *Supervisor) DisconnectAll(ctx context.Context) error {
	entries := s.snapshot()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		g.Go(func() error {
			err := s.release(ctx, e, releaseOptions{logout: true, wipe: true, final: model.StatusDisconnected, wait: true})
			if err != nil {
				s.log.Warn().Err(err).Str("session", e.session.ID).Msg("disconnect failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.session.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info().Int("sessions", len(entries)).Int("failed", len(errs)).Msg("all sessions disconnected")
	return errors.Join(errs...)
}

// Shutdown stops every session without logging out so they can be
// restored on the next boot.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range s.snapshot() {
		g.Go(func() error {
			return s.release(gctx, e, releaseOptions{final: model.StatusDisconnected, wait: true})
		})
	}
	err := g.Wait()
	s.stop()
	return err
}

// Restore starts a session for every set of stored credentials.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	ids, err := s.factory.Stored()
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var (
		mu       sync.Mutex
		restored int
	)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if _, err := s.Start(id); err != nil {
				s.log.Warn().Err(err).Str("session", id).Msg("failed to restore session")
				return nil
			}
			mu.Lock()
			restored++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return restored, nil
}

// Send delivers content on a connected session and records the outcome.
func (s *Supervisor) Send(ctx context.Context, id, to string, content whatsapp.Content) (model.OutboundMessage, error) {
	e := s.lookup(id)
	if e == nil || e.session.Status() != model.StatusConnected {
		return model.OutboundMessage{}, ErrNotConnected
	}

	jid, err := helper.NormalizeRecipient(to, s.cfg.DefaultCountryCode)
	if err != nil {
		return model.OutboundMessage{}, newValidationError("to", err.Error())
	}
	if err := whatsapp.Validate(content); err != nil {
		return model.OutboundMessage{}, newValidationError("content", err.Error())
	}

	rec := model.OutboundMessage{
		To:   jid,
		Text: content.Summary(),
		File: whatsapp.FileName(content),
	}

	receipt, sendErr := e.session.Client().Send(ctx, jid, content)
	if sendErr != nil {
		rec.Status = model.DeliveryFailed
		rec.Error = sendErr.Error()
		rec.Timestamp = time.Now()
	} else {
		rec.Status = model.DeliverySent
		rec.ID = receipt.ID
		rec.Timestamp = receipt.Timestamp
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
	}

	e.session.AddOutbound(rec)
	s.realtime.Publish(ws.WsEvent{Event: ws.EventNewOutgoingMessage, SessionID: id, Data: rec})

	if sendErr != nil {
		s.log.Warn().Err(sendErr).Str("session", id).Str("to", jid).Msg("send failed")
		return rec, &TransportError{Op: "send", Err: sendErr}
	}
	return rec, nil
}

// Status returns disconnected for unknown sessions.
func (s *Supervisor) Status(id string) model.Status {
	if e := s.lookup(id); e != nil {
		return e.session.Status()
	}
	return model.StatusDisconnected
}

// QR returns the pending pairing payload, empty if there is none.
func (s *Supervisor) QR(id string) string {
	if e := s.lookup(id); e != nil {
		return e.session.QR()
	}
	return ""
}

func (s *Supervisor) Messages(id string) []model.InboundMessage {
	if e := s.lookup(id); e != nil {
		return e.session.Inbound()
	}
	return []model.InboundMessage{}
}

func (s *Supervisor) OutgoingMessages(id string) []model.OutboundMessage {
	if e := s.lookup(id); e != nil {
		return e.session.Outbound()
	}
	return []model.OutboundMessage{}
}

func (s *Supervisor) Exists(id string) bool {
	return s.lookup(id) != nil
}

func (s *Supervisor) List() []model.SessionSummary {
	entries := s.snapshot()
	out := make([]model.SessionSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heartbeat announces presence on every connected session.
func (s *Supervisor) Heartbeat(ctx context.Context) int {
	sent := 0
	for _, e := range s.snapshot() {
		if e.session.Status() != model.StatusConnected {
			continue
		}
		if err := e.session.Client().SendPresence(ctx); err != nil {
			s.log.Debug().Err(err).Str("session", e.session.ID).Msg("presence failed")
			continue
		}
		sent++
	}
	return sent
}

func (s *Supervisor) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *Supervisor) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	return out
}

type releaseOptions struct {
	logout bool
	wipe   bool
	final  model.Status
	// wait for the session goroutine to exit; false when called from it
	wait bool
}

// release tears a session down exactly once.
func (s *Supervisor) release(ctx context.Context, e *entry, opts releaseOptions) error {
	var err error
	e.teardown.Do(func() {
		id := e.session.ID
		log := s.log.With().Str("session", id).Logger()

		e.session.MarkClosing()
		e.cancel()
		client := e.session.Client()

		if opts.logout {
			lctx, cancel := context.WithTimeout(ctx, s.cfg.LogoutTimeout)
			if lerr := client.Logout(lctx); lerr != nil && !errors.Is(lerr, whatsapp.ErrNotLoggedIn) {
				log.Warn().Err(lerr).Msg("logout failed, removing session locally")
			}
			cancel()
		}
		if cerr := client.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("close client")
		}
		if opts.wait {
			select {
			case <-e.done:
			case <-ctx.Done():
				log.Warn().Msg("session goroutine did not stop in time")
			}
		}
		if opts.wipe {
			if werr := s.factory.Remove(id); werr != nil && !errors.Is(werr, os.ErrNotExist) {
				err = werr
			}
		}

		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && cur == e {
			delete(s.sessions, id)
		}
		s.mu.Unlock()

		e.session.SetStatus(opts.final)
		s.publishStatus(e.session, "")
		log.Info().Str("status", string(opts.final)).Msg("session removed")
		close(e.released)
	})
	return err
}

func (s *Supervisor) publishStatus(sess *model.Session, reason string) {
	s.realtime.Publish(ws.WsEvent{
		Event:     ws.EventStatus,
		SessionID: sess.ID,
		Data:      ws.StatusData{Status: string(sess.Status()), Reason: reason},
	})
}
