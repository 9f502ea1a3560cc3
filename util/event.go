package util

import (
	"context"
	"sync"
	"time"
)

// Event is a one-shot broadcast. Once notified, every current and future
// waiter is released.
type Event struct {
	once sync.Once
	c    chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

func (e *Event) Notify() {
	e.once.Do(func() { close(e.c) })
}

// Done returns a channel which is closed once the event has been notified.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

func (e *Event) Wait() {
	<-e.c
}

// WaitTimeout waits for the event for at most d, returning whether the event
// was notified. It also gives up early if ctx is cancelled.
func (e *Event) WaitTimeout(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.c:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	return e.HasBeenNotified()
}

func (e *Event) HasBeenNotified() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}
