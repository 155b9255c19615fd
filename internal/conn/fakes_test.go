package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/clock"
	"github.com/matheus3301/imclient/internal/status"
	"github.com/matheus3301/imclient/internal/transport"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	mu        sync.Mutex
	written   []string
	closed    bool
	closeCode int
	inbox     chan []byte
	errs      chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), errs: make(chan error, 1)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case err := <-c.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.closed = true
	c.closeCode = code
	select {
	case c.errs <- &transport.CloseError{Code: code, Reason: reason}:
	default:
	}
	return nil
}

// serverClose simulates the peer closing with code.
func (c *fakeConn) serverClose(code int) {
	c.errs <- &transport.CloseError{Code: code}
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) CloseCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) SetFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeCreds struct {
	mu    sync.Mutex
	token string
}

func (c *fakeCreds) Credential() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

func (c *fakeCreds) Set(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type recordingDispatcher struct {
	mu     sync.Mutex
	frames []string
}

func (d *recordingDispatcher) Dispatch(data []byte) {
	d.mu.Lock()
	d.frames = append(d.frames, string(data))
	d.mu.Unlock()
}

func (d *recordingDispatcher) Frames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.frames...)
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	creds  *fakeCreds
	disp   *recordingDispatcher
	clock  *clock.Mock
	bus    *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		creds:  &fakeCreds{token: "abc"},
		disp:   &recordingDispatcher{},
		clock:  clock.NewMock(time.Unix(1_700_000_000, 0)),
		bus:    bus.New(),
	}
	cfg := DefaultConfig("ws://localhost:8081/ws")
	h.m = NewManager(cfg, h.dialer, h.creds, h.disp, status.NewMachine(h.bus), h.clock, h.bus, nil)
	t.Cleanup(h.m.Disconnect)
	return h
}

func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.m.Connect(context.Background()))
	require.Equal(t, status.Open, h.m.State())
	return h.dialer.Last()
}

// fireNext advances the clock to the earliest pending timer and returns how
// far it moved.
func (h *harness) fireNext(t *testing.T) time.Duration {
	t.Helper()
	when, ok := h.clock.NextDeadline()
	require.True(t, ok, "no pending timer")
	d := when.Sub(h.clock.Now())
	h.clock.Advance(d)
	return d
}

func (h *harness) waitState(t *testing.T, want status.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, time.Second, 5*time.Millisecond,
		"waiting for state %s", want)
}
