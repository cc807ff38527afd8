package login

import "time"

// timerHandle wraps the single outstanding timer a Login may have armed.
// The original carries a raw Login pointer through the kernel's sigevent;
// here the callback instead receives the Login's stable TimerKey (its
// UID), looked up again in the registry on the synchronous side, so no
// pointer crosses the signal/timer boundary.
type timerHandle struct {
	t *time.Timer
}

// TimerFunc is invoked when a Login's timer fires. Implementations must
// not touch Registry state directly from this callback: the callback
// runs on its own goroutine; wire it to write a record to the
// supervisor's self-pipe instead, so the event loop processes it in turn.
type TimerFunc func(uid uint32)

// ArmTimer starts a single-shot timer after timeout, keyed to l.TimerKey.
// Double-arming is forbidden; callers must Disarm first (arm_timer in the
// original returns false on timer_create failure, but time.AfterFunc
// cannot fail, so the only error path here is a caller bug).
func (l *Login) ArmTimer(timeout time.Duration, fire TimerFunc) {
	if l.TimerArmed {
		panic("login: timer already armed")
	}
	key := l.TimerKey
	l.timer = &timerHandle{t: time.AfterFunc(timeout, func() { fire(key) })}
	l.TimerArmed = true
}

// DisarmTimer cancels an armed timer. A no-op if no timer is armed.
func (l *Login) DisarmTimer() {
	if !l.TimerArmed {
		return
	}
	l.timer.t.Stop()
	l.timer = nil
	l.TimerArmed = false
}
