// Package clock abstracts the time source used by the scheduler so poll loops
// and recurrence math can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the minimal time source the scheduler depends on.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. The loop suspends on it between ticks.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a clock that only moves when told to.
// Pending After channels fire as soon as Set/Advance reaches their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: at, ch: ch})
	return ch
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	t := m.now.Add(d)
	m.mu.Unlock()
	m.Set(t)
}

// Set moves the clock to t and releases every waiter whose deadline is <= t,
// earliest first. Moving backwards is allowed and releases nothing.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	var fire []waiter
	keep := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.at.After(t) {
			fire = append(fire, w)
			continue
		}
		keep = append(keep, w)
	}
	m.waiters = keep
	m.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].at.Before(fire[j].at) })
	for _, w := range fire {
		w.ch <- t
	}
}

// Waiters reports how many After calls are still pending.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
