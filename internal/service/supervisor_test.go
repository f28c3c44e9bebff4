package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/whatsapp"
	"whatsapp-dashboard/internal/ws"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type supervisorFixture struct {
	sup      *Supervisor
	factory  *fakeFactory
	notifier *fakeNotifier
	pub      *recordingPublisher
}

func newFixture(t *testing.T, tweak func(*SupervisorConfig)) *supervisorFixture {
	t.Helper()
	cfg := DefaultSupervisorConfig()
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.LogoutTimeout = 200 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	f := &supervisorFixture{
		factory:  newFakeFactory(),
		notifier: &fakeNotifier{},
		pub:      &recordingPublisher{},
	}
	f.sup = NewSupervisor(f.factory, f.pub, f.notifier, cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = f.sup.Shutdown(ctx)
	})
	return f
}

// emit waits for the session's current connection to be open, then emits.
func (f *supervisorFixture) emit(t *testing.T, id string, ev whatsapp.Event) {
	t.Helper()
	require.Eventually(t, func() bool {
		c := f.factory.client(id)
		return c != nil && c.emit(ev)
	}, waitFor, tick)
}

func (f *supervisorFixture) connect(t *testing.T, id string) {
	t.Helper()
	_, err := f.sup.Start(id)
	require.NoError(t, err)
	f.emit(t, id, whatsapp.Event{Kind: whatsapp.EventOpened})
	require.Eventually(t, func() bool { return f.sup.Status(id) == model.StatusConnected }, waitFor, tick)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.sup.Start("s1")
	require.NoError(t, err)
	second, err := f.sup.Start("s1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.factory.created)
	assert.Len(t, f.sup.List(), 1)
}

func TestStartRejectsInvalidID(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.sup.Start("../escape")
	assert.True(t, IsValidation(err))
	assert.Zero(t, f.factory.created)
}

func TestStartFactoryFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.newErr = errBoom

	_, err := f.sup.Start("s1")
	assert.True(t, IsTransport(err))
	assert.False(t, f.sup.Exists("s1"))
}

func TestLifecycleQRThenConnected(t *testing.T) {
	f := newFixture(t, nil)

	sess, err := f.sup.Start("s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnecting, sess.Status())

	f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventQR, QR: "pair-1"})
	require.Eventually(t, func() bool { return f.sup.QR("s1") == "pair-1" }, waitFor, tick)
	assert.Equal(t, model.StatusWaitingForQR, f.sup.Status("s1"))

	f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventQR, QR: "pair-2"})
	require.Eventually(t, func() bool { return f.sup.QR("s1") == "pair-2" }, waitFor, tick)

	f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventOpened})
	require.Eventually(t, func() bool { return f.sup.Status("s1") == model.StatusConnected }, waitFor, tick)
	assert.Empty(t, f.sup.QR("s1"))

	qrEvents := f.pub.byName(ws.EventQRCode)
	require.Len(t, qrEvents, 2)
	data := qrEvents[0].Data.(ws.QRCodeData)
	assert.Equal(t, "pair-1", data.QR)
	assert.Contains(t, data.DataURL, "data:image/png;base64,")
}

func TestReadsOnUnknownSession(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, model.StatusDisconnected, f.sup.Status("ghost"))
	assert.Empty(t, f.sup.QR("ghost"))
	assert.NotNil(t, f.sup.Messages("ghost"))
	assert.Empty(t, f.sup.Messages("ghost"))
	assert.Empty(t, f.sup.OutgoingMessages("ghost"))
}

func TestSendRequiresConnectedSession(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.sup.Send(context.Background(), "ghost", "628123", whatsapp.Text{Body: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = f.sup.Start("s1")
	require.NoError(t, err)
	_, err = f.sup.Send(context.Background(), "s1", "628123", whatsapp.Text{Body: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.sup.OutgoingMessages("s1"))
}

func TestSendRecordsOutbound(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "s1")

	rec, err := f.sup.Send(context.Background(), "s1", "628123", whatsapp.Text{Body: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "628123@s.whatsapp.net", rec.To)
	assert.Equal(t, model.DeliverySent, rec.Status)
	assert.NotEmpty(t, rec.ID)

	out := f.sup.OutgoingMessages("s1")
	require.Len(t, out, 1)
	assert.Equal(t, "hi", out[0].Text)

	sent := f.factory.client("s1").sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "628123@s.whatsapp.net", sent[0].To)
	assert.Len(t, f.pub.byName(ws.EventNewOutgoingMessage), 1)
}

func TestSendTransportFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "s1")
	f.factory.client("s1").mu.Lock()
	f.factory.client("s1").sendErr = func(string) error { return errBoom }
	f.factory.client("s1").mu.Unlock()

	rec, err := f.sup.Send(context.Background(), "s1", "628123", whatsapp.Text{Body: "hi"})
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, model.DeliveryFailed, rec.Status)

	out := f.sup.OutgoingMessages("s1")
	require.Len(t, out, 1)
	assert.Equal(t, "boom", out[0].Error)
}

func TestSendValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "s1")

	_, err := f.sup.Send(context.Background(), "s1", "   ", whatsapp.Text{Body: "hi"})
	assert.True(t, IsValidation(err))

	_, err = f.sup.Send(context.Background(), "s1", "628123", whatsapp.Text{})
	assert.True(t, IsValidation(err))
	assert.Empty(t, f.sup.OutgoingMessages("s1"))
}

func TestInboundMessagesAreBoundedAndNotified(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "s1")

	for i := 0; i < 105; i++ {
		f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventMessage, Message: &whatsapp.Message{
			ID:   fmt.Sprintf("m%d", i),
			From: "628999@s.whatsapp.net",
			Text: "hello",
		}})
	}

	require.Eventually(t, func() bool { return f.notifier.count() == 105 }, waitFor, tick)
	msgs := f.sup.Messages("s1")
	require.Len(t, msgs, model.MessageLogCapacity)
	assert.Equal(t, "m104", msgs[0].ID)
	assert.Equal(t, "m5", msgs[99].ID)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestReconnectsAfterTransportClose(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "s1")

	f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventClosed, Reason: whatsapp.ReasonTransport})

	client := f.factory.client("s1")
	require.Eventually(t, func() bool { return client.connectCount() == 2 }, waitFor, tick)

	f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventOpened})
	require.Eventually(t, func() bool { return f.sup.Status("s1") == model.StatusConnected }, waitFor, tick)

	var statuses []string
	for _, ev := range f.pub.byName(ws.EventStatus) {
		statuses = append(statuses, ev.Data.(ws.StatusData).Status)
	}
	assert.Contains(t, statuses, string(model.StatusDisconnected))
}

func TestLoggedOutIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "s1")
	client := f.factory.client("s1")

	f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventClosed, Reason: whatsapp.ReasonLoggedOut})

	require.Eventually(t, func() bool { return !f.sup.Exists("s1") }, waitFor, tick)
	assert.Equal(t, []string{"s1"}, f.factory.removedIDs())
	assert.True(t, client.isClosed())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.connectCount())
	assert.Equal(t, model.StatusDisconnected, f.sup.Status("s1"))
}

func TestReconnectAttemptsAreBounded(t *testing.T) {
	f := newFixture(t, func(c *SupervisorConfig) { c.ReconnectMaxAttempts = 2 })
	f.factory.prepare = func(id string, c *fakeClient) { c.connectErr = errBoom }

	_, err := f.sup.Start("s1")
	require.NoError(t, err)

	client := f.factory.client("s1")
	require.Eventually(t, func() bool { return client.connectCount() == 3 }, waitFor, tick)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 3, client.connectCount())
	assert.Equal(t, model.StatusDisconnected, f.sup.Status("s1"))
	assert.True(t, f.sup.Exists("s1"))

	require.NoError(t, f.sup.Disconnect(context.Background(), "s1"))
	assert.False(t, f.sup.Exists("s1"))
}

func TestDisconnectSurvivesLogoutFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.prepare = func(id string, c *fakeClient) { c.logoutErr = errBoom }
	f.connect(t, "s1")
	client := f.factory.client("s1")

	require.NoError(t, f.sup.Disconnect(context.Background(), "s1"))

	assert.False(t, f.sup.Exists("s1"))
	assert.True(t, client.isClosed())
	assert.Equal(t, []string{"s1"}, f.factory.removedIDs())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.connectCount())
}

func TestStartDuringTeardownCreatesFreshSession(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.prepare = func(id string, c *fakeClient) {
		// only the first client hangs on logout
		c.logoutHang = f.factory.created == 0
	}
	f.connect(t, "s1")
	old := f.factory.client("s1")

	disconnected := make(chan error, 1)
	go func() { disconnected <- f.sup.Disconnect(context.Background(), "s1") }()
	require.Eventually(t, func() bool {
		e := f.sup.lookup("s1")
		return e != nil && e.session.Closing()
	}, waitFor, tick)

	sess, err := f.sup.Start("s1")
	require.NoError(t, err)
	require.NoError(t, <-disconnected)

	assert.False(t, sess.Closing())
	assert.True(t, f.sup.Exists("s1"))
	assert.Equal(t, 2, f.factory.createdCount())
	assert.NotSame(t, old, f.factory.client("s1"))
	assert.True(t, old.isClosed())

	f.emit(t, "s1", whatsapp.Event{Kind: whatsapp.EventOpened})
	require.Eventually(t, func() bool { return f.sup.Status("s1") == model.StatusConnected }, waitFor, tick)
}

func TestStartDuringShutdownTeardownFails(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.prepare = func(id string, c *fakeClient) { c.logoutHang = true }
	f.connect(t, "s1")

	go func() { _ = f.sup.Disconnect(context.Background(), "s1") }()
	require.Eventually(t, func() bool {
		e := f.sup.lookup("s1")
		return e != nil && e.session.Closing()
	}, waitFor, tick)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = f.sup.Shutdown(ctx)
	}()

	_, err := f.sup.Start("s1")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 1, f.factory.createdCount())
}

func TestDisconnectUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.sup.Disconnect(context.Background(), "ghost"), ErrSessionNotFound)
}

func TestDisconnectAllIsolatesFailures(t *testing.T) {
	f := newFixture(t, func(c *SupervisorConfig) { c.LogoutTimeout = 50 * time.Millisecond })
	f.factory.prepare = func(id string, c *fakeClient) {
		if id == "hung" {
			c.logoutHang = true
		}
	}
	f.factory.removeErr["broken"] = errBoom

	for _, id := range []string{"a", "broken", "hung"} {
		f.connect(t, id)
	}

	start := time.Now()
	err := f.sup.DisconnectAll(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "broken")
	assert.Less(t, elapsed, time.Second)
	assert.Empty(t, f.sup.List())
	assert.ElementsMatch(t, []string{"a", "hung"}, f.factory.removedIDs())
}

func TestRestoreStartsStoredSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.stored = []string{"b", "a"}

	n, err := f.sup.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list := f.sup.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestHeartbeatOnlyConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "on")
	_, err := f.sup.Start("off")
	require.NoError(t, err)

	assert.Equal(t, 1, f.sup.Heartbeat(context.Background()))
}

func TestShutdownKeepsCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "s1")
	client := f.factory.client("s1")

	require.NoError(t, f.sup.Shutdown(context.Background()))

	assert.True(t, client.isClosed())
	assert.Empty(t, f.factory.removedIDs())
	client.mu.Lock()
	assert.False(t, client.loggedOut)
	client.mu.Unlock()

	_, err := f.sup.Start("s2")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestTransitionTable(t *testing.T) {
	to, ok := nextStatus(model.StatusConnecting, triggerQR)
	assert.True(t, ok)
	assert.Equal(t, model.StatusWaitingForQR, to)

	_, ok = nextStatus(model.StatusConnected, triggerQR)
	assert.False(t, ok)

	for _, tr := range []trigger{triggerConnect, triggerQR, triggerOpened, triggerClosed, triggerLoggedOut} {
		_, ok := nextStatus(model.StatusLoggedOut, tr)
		assert.False(t, ok, "logged_out must be terminal for %s", tr)
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextBackoff(40*time.Second, time.Minute))

	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
