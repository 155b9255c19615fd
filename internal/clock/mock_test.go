package clock

import (
	"testing"
	"time"
)

func TestMockFiresInDeadlineOrder(t *testing.T) {
	m := NewMock(time.Unix(0, 0))
	var order []string
	m.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	m.AfterFunc(time.Second, func() { order = append(order, "a") })
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	m.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
	if m.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", m.Pending())
	}
	if got := m.Now(); !got.Equal(time.Unix(2, 0)) {
		t.Errorf("Now() = %v, want 2s", got)
	}
}

func TestMockStop(t *testing.T) {
	m := NewMock(time.Unix(0, 0))
	fired := false
	tm := m.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop() = false on pending timer")
	}
	if tm.Stop() {
		t.Error("second Stop() = true")
	}
	m.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestMockChainedTimers(t *testing.T) {
	m := NewMock(time.Unix(0, 0))
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(5 * time.Second)
	if ticks != 5 {
		t.Errorf("ticks = %d, want 5", ticks)
	}
	when, ok := m.NextDeadline()
	if !ok || !when.Equal(time.Unix(6, 0)) {
		t.Errorf("NextDeadline() = %v, %v; want 6s", when, ok)
	}
}
