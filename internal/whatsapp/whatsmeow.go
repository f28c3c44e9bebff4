package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"whatsapp-dashboard/internal/helper"
)

const groupInfoTimeout = 5 * time.Second

var ErrNotLoggedIn = errors.New("device is not paired")

// wmClient adapts a whatsmeow client to Client. One wmClient owns one
// device store.
type wmClient struct {
	wa        *whatsmeow.Client
	container *sqlstore.Container
	log       zerolog.Logger

	// whatsmeow allows concurrent SendMessage calls, but per-chat ordering
	// is only guaranteed if sends for a session do not interleave.
	sendMu sync.Mutex

	mu        sync.Mutex
	stream    *eventStream
	handlerID uint32

	groupMu    sync.Mutex
	groupNames map[types.JID]string
}

const (
	streamBuffer = 256
	// how long emit waits for a stalled consumer before dropping an event
	messageWait = 2 * time.Second
	closeWait   = 15 * time.Second
)

// eventStream is the channel handed out by one Connect call. Every stream
// ends with exactly one EventClosed unless its consumer has gone away.
type eventStream struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped int

	quit     chan struct{}
	quitOnce sync.Once

	wait      time.Duration
	closeWait time.Duration
	log       zerolog.Logger
}

func newEventStream(log zerolog.Logger) *eventStream {
	return &eventStream{
		ch:        make(chan Event, streamBuffer),
		quit:      make(chan struct{}),
		wait:      messageWait,
		closeWait: closeWait,
		log:       log,
	}
}

// abandon stops emit from waiting on a consumer that no longer reads.
func (s *eventStream) abandon() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *eventStream) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	wait := s.wait
	if ev.Kind == EventClosed {
		wait = s.closeWait
	}
	if !s.send(ev, wait) {
		if ev.Kind == EventClosed {
			s.log.Warn().Str("reason", string(ev.Reason)).Msg("close event not delivered, consumer is gone")
		} else {
			s.dropped++
			s.log.Warn().Str("event", ev.Kind.String()).Int("dropped", s.dropped).Msg("event stream full, event dropped")
		}
	}

	if ev.Kind == EventClosed {
		s.closed = true
		close(s.ch)
	}
}

func (s *eventStream) send(ev Event, wait time.Duration) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-s.quit:
		return false
	case <-timer.C:
		return false
	}
}

func (c *wmClient) Connect(ctx context.Context) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wa.IsConnected() {
		return nil, errors.New("already connected")
	}
	if c.handlerID != 0 {
		c.wa.RemoveEventHandler(c.handlerID)
	}

	stream := newEventStream(c.log)
	c.stream = stream
	context.AfterFunc(ctx, stream.abandon)
	c.handlerID = c.wa.AddEventHandler(func(raw any) { c.handleEvent(stream, raw) })

	if c.wa.Store.ID == nil {
		qrChan, err := c.wa.GetQRChannel(ctx)
		if err != nil {
			c.wa.RemoveEventHandler(c.handlerID)
			c.handlerID = 0
			stream.abandon()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		go c.pumpQR(stream, qrChan)
	}

	if err := c.wa.Connect(); err != nil {
		c.wa.RemoveEventHandler(c.handlerID)
		c.handlerID = 0
		stream.abandon()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return stream.ch, nil
}

func (c *wmClient) pumpQR(stream *eventStream, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch {
		case item.Event == whatsmeow.QRChannelEventCode:
			stream.emit(Event{Kind: EventQR, QR: item.Code})
		case item == whatsmeow.QRChannelSuccess:
			// events.Connected follows once the paired device reconnects
		case item == whatsmeow.QRChannelTimeout:
			c.wa.Disconnect()
			stream.emit(Event{Kind: EventClosed, Reason: ReasonQRTimeout})
		case item.Event == whatsmeow.QRChannelEventError || strings.HasPrefix(item.Event, "err"):
			c.wa.Disconnect()
			stream.emit(Event{Kind: EventClosed, Reason: ReasonTransport, Err: fmt.Errorf("pairing failed: %s: %v", item.Event, item.Error)})
		}
	}
}

func (c *wmClient) handleEvent(stream *eventStream, raw any) {
	switch evt := raw.(type) {
	case *events.Connected:
		stream.emit(Event{Kind: EventOpened})

	case *events.Message:
		if msg := c.convertMessage(evt); msg != nil {
			stream.emit(Event{Kind: EventMessage, Message: msg})
		}

	case *events.LoggedOut:
		stream.emit(Event{Kind: EventClosed, Reason: ReasonLoggedOut})

	case *events.StreamReplaced:
		stream.emit(Event{Kind: EventClosed, Reason: ReasonReplaced})

	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			stream.emit(Event{Kind: EventClosed, Reason: ReasonLoggedOut})
			return
		}
		stream.emit(Event{Kind: EventClosed, Reason: ReasonTransport, Err: fmt.Errorf("connect failure: %s", evt.Reason)})

	case *events.TemporaryBan:
		stream.emit(Event{Kind: EventClosed, Reason: ReasonTransport, Err: fmt.Errorf("temporary ban: %s", evt.String())})

	case *events.ClientOutdated:
		stream.emit(Event{Kind: EventClosed, Reason: ReasonTransport, Err: errors.New("client outdated")})

	case *events.Disconnected:
		stream.emit(Event{Kind: EventClosed, Reason: ReasonTransport})
	}
}

func (c *wmClient) convertMessage(evt *events.Message) *Message {
	info := evt.Info
	if info.IsFromMe || info.Chat == types.StatusBroadcastJID {
		return nil
	}

	msg := &Message{
		ID:         string(info.ID),
		From:       info.Sender.ToNonAD().String(),
		Chat:       info.Chat.String(),
		Timestamp:  info.Timestamp,
		SenderName: info.PushName,
	}

	m := evt.Message
	switch {
	case m.GetConversation() != "":
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		msg.Text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		msg.Text = img.GetCaption()
		msg.Media = &Media{Kind: "image", MimeType: img.GetMimetype()}
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		msg.Text = vid.GetCaption()
		msg.Media = &Media{Kind: "video", MimeType: vid.GetMimetype()}
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		msg.Text = doc.GetCaption()
		msg.Media = &Media{Kind: "document", MimeType: doc.GetMimetype(), FileName: doc.GetFileName()}
	case m.GetAudioMessage() != nil:
		msg.Media = &Media{Kind: "audio", MimeType: m.GetAudioMessage().GetMimetype()}
	case m.GetStickerMessage() != nil:
		msg.Media = &Media{Kind: "sticker", MimeType: m.GetStickerMessage().GetMimetype()}
	default:
		// reactions, protocol messages, receipts...
		return nil
	}

	if info.IsGroup {
		msg.GroupName = c.groupName(info.Chat)
	}
	return msg
}

func (c *wmClient) groupName(chat types.JID) string {
	c.groupMu.Lock()
	name, ok := c.groupNames[chat]
	c.groupMu.Unlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(context.Background(), groupInfoTimeout)
	defer cancel()
	info, err := c.wa.GetGroupInfo(ctx, chat)
	if err != nil {
		c.log.Debug().Err(err).Str("chat", chat.String()).Msg("group info lookup failed")
		return ""
	}

	c.groupMu.Lock()
	c.groupNames[chat] = info.Name
	c.groupMu.Unlock()
	return info.Name
}

func (c *wmClient) Send(ctx context.Context, to string, content Content) (Receipt, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse recipient %q: %w", to, err)
	}

	msg, err := c.buildMessage(ctx, content)
	if err != nil {
		return Receipt{}, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (c *wmClient) buildMessage(ctx context.Context, content Content) (*waE2E.Message, error) {
	switch v := content.(type) {
	case Text:
		return &waE2E.Message{Conversation: proto.String(v.Body)}, nil

	case Image:
		img, err := helper.PrepareImage(v.Data, v.MimeType)
		if err != nil {
			return nil, err
		}
		up, err := c.wa.Upload(ctx, img.Data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("upload image: %w", err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(v.Caption),
			Mimetype:      proto.String(img.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			JPEGThumbnail: img.Thumbnail,
			Width:         proto.Uint32(uint32(img.Width)),
			Height:        proto.Uint32(uint32(img.Height)),
		}}, nil

	case Document:
		up, err := c.wa.Upload(ctx, v.Data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("upload document: %w", err)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(v.FileName),
			FileName:      proto.String(v.FileName),
			Caption:       proto.String(v.Caption),
			Mimetype:      proto.String(v.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	default:
		return nil, fmt.Errorf("unsupported content %T", content)
	}
}

func (c *wmClient) SendPresence(ctx context.Context) error {
	if c.wa.Store.PushName == "" {
		// whatsmeow refuses presence without a push name
		return nil
	}
	return c.wa.SendPresence(ctx, types.PresenceAvailable)
}

func (c *wmClient) Logout(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return ErrNotLoggedIn
	}
	return c.wa.Logout(ctx)
}

func (c *wmClient) Close() error {
	c.mu.Lock()
	if c.handlerID != 0 {
		c.wa.RemoveEventHandler(c.handlerID)
		c.handlerID = 0
	}
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.wa.Disconnect()
	if stream != nil {
		stream.abandon()
		stream.emit(Event{Kind: EventClosed, Reason: ReasonTransport})
	}
	return c.container.Close()
}
