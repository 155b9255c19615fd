package conn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/protocol"
	"github.com/matheus3301/imclient/internal/status"
	"github.com/matheus3301/imclient/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectOpens(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bus.Subscribe("conn.", 16)
	defer unsub()

	h.open(t)

	require.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, "ws://localhost:8081/ws?token=abc", h.dialer.urls[0])

	var seen []status.State
	for len(events) > 0 {
		evt := <-events
		seen = append(seen, evt.Payload.(status.StatusChange).To)
	}
	assert.Equal(t, []status.State{status.Connecting, status.Open}, seen)
	assert.False(t, h.m.Stats().ConnectedSince.IsZero())
}

func TestConnectIsIdempotentWhileOpen(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, status.Open, h.m.State())
}

func TestConnectWithoutCredential(t *testing.T) {
	h := newHarness(t)
	h.creds.Set("")

	err := h.m.Connect(context.Background())
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, 0, h.dialer.Dials())
	assert.Equal(t, status.Idle, h.m.State())
}

func TestConnectDialFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.dialer.SetFail(true)

	err := h.m.Connect(context.Background())
	require.ErrorIs(t, err, errRefused)
	assert.Equal(t, status.Reconnecting, h.m.State())
	assert.Equal(t, 1, h.clock.Pending())

	h.dialer.SetFail(false)
	assert.Equal(t, time.Second, h.fireNext(t))
	assert.Equal(t, status.Open, h.m.State())
	assert.Equal(t, 2, h.dialer.Dials())
	assert.Equal(t, 0, h.m.Stats().ReconnectAttempts)
}

func TestReconnectExhaustion(t *testing.T) {
	h := newHarness(t)
	offline, unsub := h.bus.Subscribe(bus.KindConnOffline, 1)
	defer unsub()

	c := h.open(t)
	h.dialer.SetFail(true)
	c.serverClose(transport.StatusAbnormalClosure)
	h.waitState(t, status.Reconnecting)

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delays = append(delays, h.fireNext(t))
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)
	assert.Equal(t, 6, h.dialer.Dials(), "initial dial plus five retries")
	assert.Equal(t, status.Closed, h.m.State())
	assert.True(t, h.m.Offline())
	assert.Equal(t, 0, h.clock.Pending(), "no retry may remain scheduled")

	select {
	case evt := <-offline:
		assert.Equal(t, 5, evt.Payload.(Offline).Attempts)
	default:
		t.Fatal("conn.offline not published")
	}

	h.clock.Advance(time.Hour)
	assert.Equal(t, 6, h.dialer.Dials())
}

func TestConnectAfterExhaustionRearms(t *testing.T) {
	h := newHarness(t)
	h.m.cfg.MaxReconnectAttempts = 0
	h.dialer.SetFail(true)

	require.Error(t, h.m.Connect(context.Background()))
	require.True(t, h.m.Offline())
	require.Equal(t, status.Closed, h.m.State())

	h.dialer.SetFail(false)
	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, status.Open, h.m.State())
	assert.False(t, h.m.Offline())
}

func TestHeartbeatTimeoutLeavesOpen(t *testing.T) {
	h := newHarness(t)
	c := h.open(t)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, []string{protocol.PingText}, c.Written())
	assert.Equal(t, status.Open, h.m.State())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, status.Reconnecting, h.m.State())

	require.Eventually(t, func() bool {
		code, closed := c.CloseCode()
		return closed && code == transport.StatusHeartbeatTimeout
	}, time.Second, 5*time.Millisecond)

	// Only the retry timer survives; the old monitor is gone.
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, time.Second, h.fireNext(t))
	assert.Equal(t, status.Open, h.m.State())
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestHeartbeatAckKeepsOpen(t *testing.T) {
	h := newHarness(t)
	c := h.open(t)

	for round := 1; round <= 3; round++ {
		h.fireNext(t)
		c.inbox <- []byte("pong")
		require.Eventually(t, func() bool { return h.m.Stats().Pongs == uint64(round) }, time.Second, 5*time.Millisecond)
		h.clock.Advance(10 * time.Second)
		require.Equal(t, status.Open, h.m.State(), "round %d", round)
	}
	assert.Len(t, c.Written(), 3)
	assert.Empty(t, h.disp.Frames(), "acks are not routed")
}

func TestFramesAreDispatched(t *testing.T) {
	h := newHarness(t)
	c := h.open(t)

	c.inbox <- []byte(`{"action":"newMessage","messageId":1}`)
	c.inbox <- []byte(`{"action":"pong"}`)
	c.inbox <- []byte(`{"action":"messageAck","messageId":1,"status":2}`)

	require.Eventually(t, func() bool { return len(h.disp.Frames()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.Contains(h.disp.Frames()[1], "messageAck"))
	assert.EqualValues(t, 2, h.m.Stats().FramesReceived)
}

func TestSendRequiresOpen(t *testing.T) {
	h := newHarness(t)
	frame := protocol.NewSendMessage(1, 2, "text", "hi", "l-1")

	require.ErrorIs(t, h.m.Send(context.Background(), frame), ErrNotConnected)

	c := h.open(t)
	require.NoError(t, h.m.Send(context.Background(), frame))
	require.Len(t, c.Written(), 1)
	assert.Contains(t, c.Written()[0], `"action":"sendMessage"`)

	h.dialer.SetFail(true)
	c.serverClose(transport.StatusAbnormalClosure)
	h.waitState(t, status.Reconnecting)

	require.ErrorIs(t, h.m.Send(context.Background(), frame), ErrNotConnected)
	assert.Len(t, c.Written(), 1)
}

func TestNormalServerCloseDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	c := h.open(t)

	c.serverClose(transport.StatusNormalClosure)
	h.waitState(t, status.Closed)
	assert.Equal(t, 0, h.clock.Pending())
	assert.False(t, h.m.Offline())
}

func TestDisconnectFromOpen(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bus.Subscribe("conn.", 16)
	defer unsub()
	c := h.open(t)

	h.m.Disconnect()
	assert.Equal(t, status.Closed, h.m.State())
	assert.Equal(t, 0, h.clock.Pending())

	require.Eventually(t, func() bool {
		code, closed := c.CloseCode()
		return closed && code == transport.StatusNormalClosure
	}, time.Second, 5*time.Millisecond)

	var seen []status.State
	for len(events) > 0 {
		evt := <-events
		seen = append(seen, evt.Payload.(status.StatusChange).To)
	}
	assert.Equal(t, []status.State{status.Connecting, status.Open, status.Closing, status.Closed}, seen)

	h.m.Disconnect()
	assert.Equal(t, status.Closed, h.m.State())
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	c := h.open(t)
	c.serverClose(transport.StatusGoingAway)
	h.waitState(t, status.Reconnecting)
	require.Equal(t, 1, h.clock.Pending())

	h.m.Disconnect()
	assert.Equal(t, status.Closed, h.m.State())
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, status.Closed, h.m.State())
}

func TestDisconnectFromIdle(t *testing.T) {
	h := newHarness(t)
	h.m.Disconnect()
	assert.Equal(t, status.Closed, h.m.State())
}

func TestRetryRevalidatesCredential(t *testing.T) {
	h := newHarness(t)
	c := h.open(t)
	c.serverClose(transport.StatusAbnormalClosure)
	h.waitState(t, status.Reconnecting)

	h.creds.Set("")
	h.fireNext(t)

	assert.Equal(t, status.Closed, h.m.State())
	assert.True(t, h.m.Offline())
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestConnectDuringBackoffDialsImmediately(t *testing.T) {
	h := newHarness(t)
	c := h.open(t)
	h.dialer.SetFail(true)
	c.serverClose(transport.StatusAbnormalClosure)
	h.waitState(t, status.Reconnecting)

	h.dialer.SetFail(false)
	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, status.Open, h.m.State())
	assert.Equal(t, 2, h.dialer.Dials())

	// The cancelled retry never fires; only the new heartbeat is pending.
	h.clock.Advance(29 * time.Second)
	assert.Equal(t, 2, h.dialer.Dials())
}
