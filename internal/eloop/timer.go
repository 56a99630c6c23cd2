package eloop

import "time"

// Timer is a one-shot timer dispatched from the owning loop.
type Timer struct {
	loop     *Loop
	cb       func()
	deadline time.Time
	armed    bool
}

// NewTimer registers a disarmed one-shot timer on the loop.
func (l *Loop) NewTimer(cb func()) *Timer {
	t := &Timer{loop: l, cb: cb}
	l.timers = append(l.timers, t)
	return t
}

// Arm schedules the timer d from now, replacing any earlier schedule.
func (t *Timer) Arm(d time.Duration) {
	t.deadline = t.loop.clk.Now().Add(d)
	t.armed = true
	t.loop.Wakeup()
}

// Stop disarms the timer without removing it from the loop.
func (t *Timer) Stop() {
	t.armed = false
}

// Drop disarms the timer and detaches it from the loop.
func (t *Timer) Drop() {
	t.armed = false
	timers := t.loop.timers
	for i, other := range timers {
		if other == t {
			t.loop.timers = append(timers[:i], timers[i+1:]...)
			return
		}
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	var (
		best time.Time
		ok   bool
	)
	for _, t := range l.timers {
		if t.armed && (!ok || t.deadline.Before(best)) {
			best = t.deadline
			ok = true
		}
	}
	return best, ok
}

func (l *Loop) fireTimers() {
	now := l.clk.Now()
	// snapshot: a callback may arm, stop or drop timers
	due := make([]*Timer, 0, 4)
	for _, t := range l.timers {
		if t.armed && !t.deadline.After(now) {
			t.armed = false
			due = append(due, t)
		}
	}
	for _, t := range due {
		t.cb()
	}
}
