package main

import (
	"errors"
	"time"
)

var errShutdownTimeout = errors.New("farm: tick loop did not stop in time")

// tickLoop drives the unit from the gobot ticker goroutine. Shutdown is
// handed to that goroutine too, so the unit only ever runs on one.
type tickLoop struct {
	u    *unit
	quit chan struct{}
	done chan struct{}

	stopped bool
}

func newTickLoop(u *unit) *tickLoop {
	return &tickLoop{u: u, quit: make(chan struct{}), done: make(chan struct{})}
}

// tick is the gobot.Every callback.
func (l *tickLoop) tick() {
	if l.stopped {
		return
	}
	select {
	case <-l.quit:
		l.stopped = true
		l.u.stop()
		close(l.done)
		return
	default:
	}
	l.u.tick(time.Now())
}

// shutdown asks the next tick to switch the unit off and waits for it.
// The ticker must still be running.
func (l *tickLoop) shutdown(timeout time.Duration) error {
	close(l.quit)
	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return errShutdownTimeout
	}
}
