package transfer

import "time"

// stallTimer fires when no frame arrives for timeout. A zero timeout never fires.
type stallTimer struct {
	timer   *time.Timer
	timeout time.Duration
}

func newStallTimer(timeout time.Duration) *stallTimer {
	t := &stallTimer{timeout: timeout}
	if timeout > 0 {
		t.timer = time.NewTimer(timeout)
	}
	return t
}

func (t *stallTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (t *stallTimer) Reset() {
	if t.timer != nil {
		t.timer.Reset(t.timeout)
	}
}

func (t *stallTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
