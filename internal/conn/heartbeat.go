package conn

import (
	"sync"
	"time"

	"github.com/matheus3301/imclient/internal/clock"
)

// Heartbeat probes an open connection every interval and reports it dead
// when a probe goes unanswered for timeout.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	probe    func() error
	onDead   func()

	mu       sync.Mutex
	stopped  bool
	tick     clock.Timer
	deadline clock.Timer
	lastAck  time.Time
}

// NewHeartbeat creates a stopped monitor. probe writes one ping; onDead is
// called at most once, without any monitor lock held.
func NewHeartbeat(interval, timeout time.Duration, clk clock.Clock, probe func() error, onDead func()) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		timeout:  timeout,
		clock:    clk,
		probe:    probe,
		onDead:   onDead,
	}
}

// Start schedules the first probe one interval from now.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.interval <= 0 {
		return
	}
	h.tick = h.clock.AfterFunc(h.interval, h.fire)
}

// Ack records that the peer answered.
func (h *Heartbeat) Ack() {
	h.mu.Lock()
	h.lastAck = h.clock.Now()
	h.mu.Unlock()
}

// Stop cancels both timers. The monitor cannot be restarted.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	h.stopped = true
	if h.tick != nil {
		h.tick.Stop()
		h.tick = nil
	}
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
}

func (h *Heartbeat) fire() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	// An armed deadline already covers an older unanswered probe.
	if h.deadline == nil {
		sentAt := h.clock.Now()
		h.deadline = h.clock.AfterFunc(h.timeout, func() { h.check(sentAt) })
	}
	h.tick = h.clock.AfterFunc(h.interval, h.fire)
	h.mu.Unlock()

	// A failed write is caught by the deadline.
	_ = h.probe()
}

func (h *Heartbeat) check(sentAt time.Time) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.deadline = nil
	if !h.lastAck.Before(sentAt) {
		h.mu.Unlock()
		return
	}
	h.stopLocked()
	h.mu.Unlock()
	h.onDead()
}
