// Package system provides the clocks the scheduler reads time from.
package system

import "time"

// Clock reads the wall clock in UTC.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always reports the same instant. Schedule previews use it to
// evaluate recurrence at a caller-chosen time.
type Fixed struct {
	at time.Time
}

// At returns a clock frozen at t, normalized to UTC.
func At(t time.Time) Fixed {
	return Fixed{at: t.UTC()}
}

// Now returns the frozen instant.
func (f Fixed) Now() time.Time {
	return f.at
}
