package clock

import (
	"sync"
	"time"
)

// Mock is a manually advanced Clock. Callbacks run synchronously on the
// goroutine calling Advance, in deadline order.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*mockTimer
}

type mockTimer struct {
	m    *Mock
	id   uint64
	when time.Time
	f    func()
}

// NewMock creates a mock clock set to start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start, timers: make(map[uint64]*mockTimer)}
}

// Now returns the mock time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has been advanced by d.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &mockTimer{m: m, id: m.seq, when: m.now.Add(d), f: f}
	m.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due,
// including timers scheduled by callbacks fired along the way.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		delete(m.timers, next.id)
		if next.when.After(m.now) {
			m.now = next.when
		}
		m.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of scheduled, unfired timers.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// NextDeadline returns the earliest scheduled deadline.
func (m *Mock) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *mockTimer
	for _, t := range m.timers {
		if next == nil || earlier(t, next) {
			next = t
		}
	}
	if next == nil {
		return time.Time{}, false
	}
	return next.when, true
}

func (m *Mock) nextDueLocked(target time.Time) *mockTimer {
	var next *mockTimer
	for _, t := range m.timers {
		if t.when.After(target) {
			continue
		}
		if next == nil || earlier(t, next) {
			next = t
		}
	}
	return next
}

func earlier(a, b *mockTimer) bool {
	if a.when.Equal(b.when) {
		return a.id < b.id
	}
	return a.when.Before(b.when)
}

func (t *mockTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.timers[t.id]; !ok {
		return false
	}
	delete(t.m.timers, t.id)
	return true
}
