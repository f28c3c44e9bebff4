package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/whatsapp"
	"whatsapp-dashboard/internal/ws"
)

type sentMessage struct {
	To      string
	Content whatsapp.Content
}

type fakeClient struct {
	mu         sync.Mutex
	connects   int
	stream     chan whatsapp.Event
	open       bool
	connectErr error
	sendErr    func(to string) error
	sent       []sentMessage
	logoutErr  error
	logoutHang bool
	loggedOut  bool
	closed     bool
	presence   int
	nextID     int
}

func (c *fakeClient) Connect(ctx context.Context) (<-chan whatsapp.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	c.stream = make(chan whatsapp.Event, 256)
	c.open = true
	return c.stream, nil
}

func (c *fakeClient) emit(ev whatsapp.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.stream <- ev
	if ev.Kind == whatsapp.EventClosed {
		close(c.stream)
		c.open = false
	}
	return true
}

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeClient) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Send(ctx context.Context, to string, content whatsapp.Content) (whatsapp.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		if err := c.sendErr(to); err != nil {
			return whatsapp.Receipt{}, err
		}
	}
	c.sent = append(c.sent, sentMessage{To: to, Content: content})
	c.nextID++
	return whatsapp.Receipt{ID: fmt.Sprintf("MSG%d", c.nextID), Timestamp: time.Now()}, nil
}

func (c *fakeClient) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeClient) SendPresence(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence++
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	hang, err := c.logoutHang, c.logoutErr
	c.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	c.loggedOut = err == nil
	c.mu.Unlock()
	return err
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.open {
		c.stream <- whatsapp.Event{Kind: whatsapp.EventClosed, Reason: whatsapp.ReasonTransport}
		close(c.stream)
		c.open = false
	}
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	clients   map[string]*fakeClient
	created   int
	newErr    error
	stored    []string
	removed   []string
	removeErr map[string]error
	prepare   func(id string, c *fakeClient)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[string]*fakeClient), removeErr: make(map[string]error)}
}

func (f *fakeFactory) New(ctx context.Context, id string) (whatsapp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	c := &fakeClient{}
	if f.prepare != nil {
		f.prepare(id, c)
	}
	f.clients[id] = c
	f.created++
	return c, nil
}

func (f *fakeFactory) client(id string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id]
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeFactory) Stored() ([]string, error) {
	return f.stored, nil
}

func (f *fakeFactory) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[id]; err != nil {
		return err
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeFactory) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []model.InboundMessage
}

func (n *fakeNotifier) Notify(sessionID string, msg model.InboundMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ws.WsEvent
}

func (p *recordingPublisher) Publish(ev ws.WsEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) byName(name string) []ws.WsEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ws.WsEvent
	for _, ev := range p.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

var errBoom = errors.New("boom")
