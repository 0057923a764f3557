package quicstream

import "time"

// Cancellable is a scheduled action that may still be cancelled.
type Cancellable interface {
	// Cancel prevents the action from running; it reports false when the action
	// already ran or was cancelled.
	Cancel() bool
}

// Scheduler runs functions after a delay. Endpoints use it for idle timeouts.
type Scheduler interface {
	Schedule(d time.Duration, f func()) Cancellable
}

type timerScheduler struct{}

type timerTask struct{ t *time.Timer }

func (t timerTask) Cancel() bool { return t.t.Stop() }

// NewTimerScheduler returns a Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) Schedule(d time.Duration, f func()) Cancellable {
	return timerTask{t: time.AfterFunc(d, f)}
}
