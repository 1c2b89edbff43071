// Package system provides the wall clock used to stamp job status.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC at microsecond precision,
// which is what Postgres timestamptz stores, so a status read back from the
// job_status table compares equal to the one written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
