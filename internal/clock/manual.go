package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual only moves when Advance is called. Timers created by After fire in
// deadline order once the clock reaches them.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After fires immediately for d <= 0.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: m.now.Add(d), ch: ch})
	return ch
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d (negative values are ignored) and
// returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	slices.SortStableFunc(m.waiters, func(a, b waiter) int {
		return a.deadline.Compare(b.deadline)
	})
	fired := 0
	for _, w := range m.waiters {
		if w.deadline.After(m.now) {
			break
		}
		w.ch <- m.now
		fired++
	}
	m.waiters = slices.Delete(m.waiters, 0, fired)
	return m.now
}

// Pending reports how many After channels have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
