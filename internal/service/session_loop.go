package service

import (
	"context"
	"math/rand/v2"
	"os"
	"time"

	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/whatsapp"
	"whatsapp-dashboard/internal/ws"
)

type trigger string

const (
	triggerConnect   trigger = "connect"
	triggerQR        trigger = "qr"
	triggerOpened    trigger = "opened"
	triggerClosed    trigger = "closed"
	triggerLoggedOut trigger = "logged_out"
)

// transitions lists every allowed status change. logged_out has no
// outgoing edges.
var transitions = map[model.Status]map[trigger]model.Status{
	model.StatusDisconnected: {
		triggerConnect:   model.StatusConnecting,
		triggerClosed:    model.StatusDisconnected,
		triggerLoggedOut: model.StatusLoggedOut,
	},
	model.StatusConnecting: {
		triggerQR:        model.StatusWaitingForQR,
		triggerOpened:    model.StatusConnected,
		triggerClosed:    model.StatusDisconnected,
		triggerLoggedOut: model.StatusLoggedOut,
	},
	model.StatusWaitingForQR: {
		triggerQR:        model.StatusWaitingForQR,
		triggerOpened:    model.StatusConnected,
		triggerClosed:    model.StatusDisconnected,
		triggerLoggedOut: model.StatusLoggedOut,
	},
	model.StatusConnected: {
		triggerOpened:    model.StatusConnected,
		triggerClosed:    model.StatusDisconnected,
		triggerLoggedOut: model.StatusLoggedOut,
	},
}

func nextStatus(from model.Status, t trigger) (model.Status, bool) {
	to, ok := transitions[from][t]
	return to, ok
}

type loopExit int

const (
	exitStopped loopExit = iota
	exitLoggedOut
	exitGaveUp
)

// run drives one session until it is released, logged out, or runs out of
// reconnect attempts.
func (s *Supervisor) run(ctx context.Context, e *entry) {
	defer close(e.done)
	log := s.log.With().Str("session", e.session.ID).Logger()

	switch s.drive(ctx, e) {
	case exitLoggedOut:
		log.Info().Msg("logged out from phone, removing session")
		_ = s.release(context.Background(), e, releaseOptions{wipe: true, final: model.StatusLoggedOut})
	case exitGaveUp:
		log.Warn().Int("attempts", s.cfg.ReconnectMaxAttempts).Msg("reconnect attempts exhausted, session left disconnected")
	}
}

func (s *Supervisor) drive(ctx context.Context, e *entry) loopExit {
	log := s.log.With().Str("session", e.session.ID).Logger()
	client := e.session.Client()
	backoff := s.cfg.ReconnectBaseDelay
	failures := 0

	for {
		if ctx.Err() != nil || e.session.Closing() {
			return exitStopped
		}
		s.apply(e, triggerConnect, "")

		events, err := client.Connect(ctx)
		opened := false
		if err != nil {
			log.Warn().Err(err).Msg("connect failed")
			s.apply(e, triggerClosed, string(whatsapp.ReasonTransport))
		} else {
			var reason whatsapp.CloseReason
			reason, opened = s.consume(ctx, e, events)
			if ctx.Err() != nil || e.session.Closing() {
				return exitStopped
			}
			if reason == whatsapp.ReasonLoggedOut {
				s.apply(e, triggerLoggedOut, string(reason))
				return exitLoggedOut
			}
			s.apply(e, triggerClosed, string(reason))
		}

		if opened {
			backoff = s.cfg.ReconnectBaseDelay
			failures = 0
		}
		failures++
		if s.cfg.ReconnectMaxAttempts > 0 && failures > s.cfg.ReconnectMaxAttempts {
			return exitGaveUp
		}

		delay := jitter(backoff)
		log.Info().Dur("delay", delay).Int("attempt", failures).Msg("reconnecting")
		if !sleepWithContext(ctx, delay) {
			return exitStopped
		}
		backoff = nextBackoff(backoff, s.cfg.ReconnectMaxDelay)
	}
}

// consume handles one connection's events until it closes.
func (s *Supervisor) consume(ctx context.Context, e *entry, events <-chan whatsapp.Event) (whatsapp.CloseReason, bool) {
	log := s.log.With().Str("session", e.session.ID).Logger()
	opened := false
	for {
		select {
		case <-ctx.Done():
			return whatsapp.ReasonTransport, opened
		case ev, ok := <-events:
			if !ok {
				return whatsapp.ReasonTransport, opened
			}
			switch ev.Kind {
			case whatsapp.EventQR:
				s.onQR(e, ev.QR)
			case whatsapp.EventOpened:
				opened = true
				s.apply(e, triggerOpened, "")
				log.Info().Msg("connected")
			case whatsapp.EventMessage:
				if ev.Message != nil {
					s.onMessage(e, ev.Message)
				}
			case whatsapp.EventClosed:
				if ev.Err != nil {
					log.Warn().Err(ev.Err).Str("reason", string(ev.Reason)).Msg("connection closed")
				} else {
					log.Info().Str("reason", string(ev.Reason)).Msg("connection closed")
				}
				return ev.Reason, opened
			}
		}
	}
}

// apply moves the session along the transition table and publishes the
// new status. Disallowed triggers are ignored.
func (s *Supervisor) apply(e *entry, t trigger, reason string) {
	from := e.session.Status()
	to, ok := nextStatus(from, t)
	if !ok {
		s.log.Debug().Str("session", e.session.ID).Str("from", string(from)).Str("trigger", string(t)).Msg("ignored transition")
		return
	}
	e.session.SetStatus(to)
	if from != to {
		s.publishStatus(e.session, reason)
	}
}

func (s *Supervisor) onQR(e *entry, code string) {
	if _, ok := nextStatus(e.session.Status(), triggerQR); !ok {
		return
	}
	e.session.SetQR(code)

	dataURL, err := QRDataURL(code)
	if err != nil {
		s.log.Warn().Err(err).Str("session", e.session.ID).Msg("qr render failed")
	}
	s.publishStatus(e.session, "")
	s.realtime.Publish(ws.WsEvent{
		Event:     ws.EventQRCode,
		SessionID: e.session.ID,
		Data:      ws.QRCodeData{QR: code, DataURL: dataURL},
	})
	if s.cfg.PrintQRTerminal {
		s.log.Info().Str("session", e.session.ID).Msg("scan the QR code below to pair")
		PrintQR(os.Stdout, code)
	}
}

func (s *Supervisor) onMessage(e *entry, m *whatsapp.Message) {
	msg := model.InboundMessage{
		ID:         m.ID,
		From:       m.From,
		Chat:       m.Chat,
		Text:       m.Text,
		Timestamp:  m.Timestamp,
		GroupName:  m.GroupName,
		SenderName: m.SenderName,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if m.Media != nil {
		msg.Media = &model.MediaInfo{Kind: m.Media.Kind, MimeType: m.Media.MimeType, FileName: m.Media.FileName}
	}

	e.session.AddInbound(msg)
	if s.cfg.PublishIncoming {
		s.realtime.Publish(ws.WsEvent{Event: ws.EventNewMessage, SessionID: e.session.ID, Data: msg})
	}
	if s.notifier != nil {
		s.notifier.Notify(e.session.ID, msg)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// jitter spreads reconnects of many sessions over [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
