package call

import (
	"fmt"
	"time"
)

// Timer is a scheduled callback that can be stopped before it fires
type Timer interface {
	Stop() bool
}

// Scheduler creates timers. The callback runs on a scheduler-owned
// goroutine and must only hand the expiry off to the call's executor.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules timers on the runtime timer heap
type SystemScheduler struct{}

// AfterFunc wraps time.AfterFunc
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type timerKind uint8

const (
	timerFlywheel timerKind = iota + 1
	timerRetransmit
)

func (k timerKind) String() string {
	switch k {
	case timerFlywheel:
		return "flywheel"
	case timerRetransmit:
		return "retransmit"
	default:
		return "unknown"
	}
}

// TimerHandle identifies one arming of a processor timer. Every arming
// gets a fresh generation, so an expiry that was queued before its timer
// was canceled or re-armed no longer matches the armed handle.
type TimerHandle struct {
	kind timerKind
	gen  uint64
}

// String returns e.g. "flywheel#12"
func (h TimerHandle) String() string {
	return fmt.Sprintf("%s#%d", h.kind, h.gen)
}

// armedTimer pairs the live timer with the handle it will report and the
// time it is due
type armedTimer struct {
	handle   TimerHandle
	timer    Timer
	deadline time.Time
}

func (a *armedTimer) active() bool {
	return a.timer != nil
}

func (a *armedTimer) matches(h TimerHandle) bool {
	return a.timer != nil && a.handle == h
}

// cancel stops the timer and clears the slot. Safe on an empty slot.
func (a *armedTimer) cancel() {
	if a.timer != nil {
		a.timer.Stop()
	}
	*a = armedTimer{}
}
