// Package clock lets storage, lock and watch code run against a fake time
// source in tests.
package clock

import "time"

// Clock is the time source used for lock expiry, poll loops and backoff.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock. Now is always UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }
