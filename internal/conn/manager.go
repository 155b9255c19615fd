// Package conn owns the lifecycle of the real-time connection: dialing,
// heartbeat supervision, bounded reconnection and outbound sends.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/clock"
	"github.com/matheus3301/imclient/internal/protocol"
	"github.com/matheus3301/imclient/internal/status"
	"github.com/matheus3301/imclient/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrNotConnected      = errors.New("not connected")
	// ErrAborted is returned by Connect when Disconnect raced the dial.
	ErrAborted = errors.New("connect aborted")
)

// CredentialSource supplies the session token. It is read on every dial.
type CredentialSource interface {
	Credential() (string, bool)
}

// Dispatcher receives every inbound frame that is not a heartbeat ack.
type Dispatcher interface {
	Dispatch(data []byte)
}

// Offline is the payload of conn.offline events.
type Offline struct {
	Attempts  int
	LastError string
}

// Stats is a point-in-time view of the connection.
type Stats struct {
	State             status.State
	Offline           bool
	ReconnectAttempts int
	FramesSent        uint64
	FramesReceived    uint64
	Pongs             uint64
	ConnectedSince    time.Time
	LastError         string
}

// Manager keeps at most one live transport and drives the connection state
// machine. Every dial starts a new generation; timers, dials and read loops
// from an older generation are ignored when they complete.
type Manager struct {
	cfg        Config
	dialer     transport.Dialer
	creds      CredentialSource
	dispatcher Dispatcher
	machine    *status.Machine
	clock      clock.Clock
	bus        *bus.Bus
	logger     *zap.Logger

	mu          sync.Mutex
	gen         uint64
	attempts    int
	stopped     bool
	offline     bool
	retry       clock.Timer
	dialCancel  context.CancelFunc
	conn        transport.Conn
	heartbeat   *Heartbeat
	connectedAt time.Time
	lastErr     error
	sent        uint64
	received    uint64
	pongs       uint64
}

// NewManager creates a manager in the machine's current (normally Idle) state.
func NewManager(cfg Config, dialer transport.Dialer, creds CredentialSource, dispatcher Dispatcher, machine *status.Machine, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		creds:      creds,
		dispatcher: dispatcher,
		machine:    machine,
		clock:      clk,
		bus:        b,
		logger:     logger.Named("conn"),
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Offline reports whether the reconnect budget ran out. Only Connect clears it.
func (m *Manager) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Stats returns connection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		State:             m.machine.Current(),
		Offline:           m.offline,
		ReconnectAttempts: m.attempts,
		FramesSent:        m.sent,
		FramesReceived:    m.received,
		Pongs:             m.pongs,
	}
	if m.conn != nil {
		s.ConnectedSince = m.connectedAt
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Connect opens the connection and blocks until it is OPEN or the dial fails.
// It is a no-op while CONNECTING or OPEN. A failed dial hands over to the
// reconnection policy and returns the dial error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.machine.Current() {
	case status.Connecting, status.Open:
		m.mu.Unlock()
		return nil
	}
	token, ok := m.creds.Credential()
	if !ok {
		m.mu.Unlock()
		return ErrMissingCredential
	}
	m.stopped = false
	m.offline = false
	m.attempts = 0
	m.cancelRetryLocked()
	gen, dialCtx := m.beginDialLocked(ctx)
	m.mu.Unlock()

	return m.dial(dialCtx, gen, token)
}

// Disconnect closes the connection and cancels every pending retry. It never
// blocks on the network and has no effect when already CLOSED.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.machine.Current()
	if current == status.Closed {
		return
	}
	m.stopped = true
	m.gen++
	m.cancelRetryLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.stopHeartbeatLocked()

	c := m.conn
	m.conn = nil
	if current == status.Open {
		m.transitionLocked(status.Closing)
	}
	m.transitionLocked(status.Closed)
	m.logger.Info("disconnected")

	if c != nil {
		go m.closeConn(c, transport.StatusNormalClosure, "client disconnect")
	}
}

// Send writes one frame. It fails with ErrNotConnected unless the connection
// is OPEN; frames are never queued.
func (m *Manager) Send(ctx context.Context, frame any) error {
	m.mu.Lock()
	c := m.conn
	open := m.machine.Current() == status.Open
	m.mu.Unlock()
	if !open || c == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	if err := m.write(ctx, c, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	return nil
}

func (m *Manager) write(ctx context.Context, c transport.Conn, data []byte) error {
	if m.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}
	return c.Write(ctx, data)
}

// beginDialLocked moves to CONNECTING and opens a new generation. The dial
// context follows ctx only until the dial completes.
func (m *Manager) beginDialLocked(ctx context.Context) (uint64, context.Context) {
	m.gen++
	m.transitionLocked(status.Connecting)

	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if m.cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(context.Background())
	}
	stop := context.AfterFunc(ctx, cancel)
	m.dialCancel = func() {
		stop()
		cancel()
	}
	return m.gen, dialCtx
}

func (m *Manager) dial(ctx context.Context, gen uint64, token string) error {
	url, err := endpoint(m.cfg.URL, token)
	var c transport.Conn
	if err == nil {
		m.logger.Info("dialing", zap.String("url", m.cfg.URL), zap.Uint64("gen", gen))
		c, err = m.dialer.Dial(ctx, url)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.stopped {
		if c != nil {
			go m.closeConn(c, transport.StatusNormalClosure, "superseded")
		}
		return ErrAborted
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	if err != nil {
		m.lastErr = err
		m.logger.Warn("dial failed", zap.Error(err), zap.Int("attempt", m.attempts))
		m.transitionLocked(status.Closed)
		m.scheduleReconnectLocked()
		return fmt.Errorf("dial: %w", err)
	}

	m.conn = c
	m.attempts = 0
	m.offline = false
	m.connectedAt = m.clock.Now()
	m.transitionLocked(status.Open)
	m.logger.Info("connected", zap.Uint64("gen", gen))

	m.heartbeat = NewHeartbeat(m.cfg.HeartbeatInterval, m.cfg.HeartbeatTimeout, m.clock,
		func() error {
			return m.write(context.Background(), c, []byte(protocol.PingText))
		},
		func() { m.heartbeatDead(gen) },
	)
	m.heartbeat.Start()

	go m.readLoop(gen, c)
	return nil
}

func (m *Manager) readLoop(gen uint64, c transport.Conn) {
	for {
		data, err := c.Read(context.Background())
		if err != nil {
			m.connClosed(gen, c, err)
			return
		}
		if protocol.IsHeartbeatAck(data) {
			m.mu.Lock()
			if gen == m.gen && m.heartbeat != nil {
				m.heartbeat.Ack()
				m.pongs++
			}
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		current := gen == m.gen
		if current {
			m.received++
		}
		m.mu.Unlock()
		if current && m.dispatcher != nil {
			m.dispatcher.Dispatch(data)
		}
	}
}

func (m *Manager) connClosed(gen uint64, c transport.Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.conn != c {
		return
	}
	m.conn = nil
	m.lastErr = err
	m.stopHeartbeatLocked()

	code := transport.CloseCode(err)
	if code == transport.StatusNormalClosure {
		m.logger.Info("server closed connection")
		m.transitionLocked(status.Closed)
		return
	}
	m.logger.Warn("connection lost", zap.Int("code", code), zap.Error(err))
	m.scheduleReconnectLocked()
}

func (m *Manager) heartbeatDead(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.conn == nil {
		return
	}
	c := m.conn
	m.conn = nil
	m.heartbeat = nil
	m.gen++
	m.lastErr = errors.New("heartbeat timeout")
	m.logger.Warn("heartbeat timeout", zap.Duration("timeout", m.cfg.HeartbeatTimeout))
	m.scheduleReconnectLocked()
	go m.closeConn(c, transport.StatusHeartbeatTimeout, "heartbeat timeout")
}

// scheduleReconnectLocked consumes one attempt and arms the retry timer, or
// settles in CLOSED once the budget is spent.
func (m *Manager) scheduleReconnectLocked() {
	if m.stopped {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.offline = true
		if m.machine.Current() != status.Closed {
			m.transitionLocked(status.Closed)
		}
		lastErr := ""
		if m.lastErr != nil {
			lastErr = m.lastErr.Error()
		}
		m.logger.Warn("reconnect attempts exhausted, offline", zap.Int("attempts", m.attempts))
		m.bus.Publish(bus.NewEvent(bus.KindConnOffline, Offline{Attempts: m.attempts, LastError: lastErr}))
		return
	}

	delay := Backoff(m.cfg.BackoffBase, m.cfg.BackoffCap, m.attempts)
	m.attempts++
	gen := m.gen
	m.retry = m.clock.AfterFunc(delay, func() { m.retryFire(gen) })
	if m.machine.Current() != status.Reconnecting {
		m.transitionLocked(status.Reconnecting)
	}
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempts))
}

func (m *Manager) retryFire(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen || m.machine.Current() != status.Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil

	token, ok := m.creds.Credential()
	if !ok {
		m.offline = true
		m.lastErr = ErrMissingCredential
		m.transitionLocked(status.Closed)
		m.logger.Warn("credential gone, not reconnecting")
		m.bus.Publish(bus.NewEvent(bus.KindConnOffline, Offline{Attempts: m.attempts, LastError: ErrMissingCredential.Error()}))
		m.mu.Unlock()
		return
	}
	newGen, dialCtx := m.beginDialLocked(context.Background())
	m.mu.Unlock()

	_ = m.dial(dialCtx, newGen, token)
}

func (m *Manager) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) transitionLocked(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Error("state transition rejected", zap.Error(err))
	}
}

func (m *Manager) closeConn(c transport.Conn, code int, reason string) {
	if err := c.Close(code, reason); err != nil {
		m.logger.Debug("close transport", zap.Error(err), zap.Int("code", code))
	}
}
