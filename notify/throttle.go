package notify

import (
	"sync"
	"time"
)

// DefaultChannel is the throttle channel used when alerts are not split per
// label.
const DefaultChannel = "default"

// Throttle limits how often an alert may fire. The zero lastFiredAt is treated
// as the far past, so the first detection always fires.
type Throttle struct {
	l           sync.Mutex
	minInterval time.Duration
	lastFiredAt time.Time
}

func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{minInterval: minInterval}
}

// ShouldFire reports whether an alert should be sent at now. When it returns
// true the fire time is recorded, so of any number of concurrent callers at
// most one observes true per interval.
func (t *Throttle) ShouldFire(now time.Time, hasDetection bool) bool {
	if !hasDetection {
		return false
	}
	t.l.Lock()
	defer t.l.Unlock()
	if !t.lastFiredAt.IsZero() && now.Sub(t.lastFiredAt) <= t.minInterval {
		return false
	}
	t.lastFiredAt = now
	return true
}

func (t *Throttle) SetMinInterval(d time.Duration) {
	t.l.Lock()
	defer t.l.Unlock()
	t.minInterval = d
}

func (t *Throttle) MinInterval() time.Duration {
	t.l.Lock()
	defer t.l.Unlock()
	return t.minInterval
}

func (t *Throttle) LastFiredAt() time.Time {
	t.l.Lock()
	defer t.l.Unlock()
	return t.lastFiredAt
}

// ThrottleGroup owns one Throttle per alert channel, all sharing an interval.
type ThrottleGroup struct {
	l           sync.Mutex
	minInterval time.Duration
	m           map[string]*Throttle
}

func NewThrottleGroup(minInterval time.Duration) *ThrottleGroup {
	return &ThrottleGroup{
		minInterval: minInterval,
		m:           make(map[string]*Throttle),
	}
}

// For returns the throttle for channel, creating it on first use.
func (g *ThrottleGroup) For(channel string) *Throttle {
	g.l.Lock()
	defer g.l.Unlock()
	t, ok := g.m[channel]
	if !ok {
		t = NewThrottle(g.minInterval)
		g.m[channel] = t
	}
	return t
}

// SetMinInterval changes the interval of every current and future channel.
func (g *ThrottleGroup) SetMinInterval(d time.Duration) {
	g.l.Lock()
	defer g.l.Unlock()
	g.minInterval = d
	for _, t := range g.m {
		t.SetMinInterval(d)
	}
}
