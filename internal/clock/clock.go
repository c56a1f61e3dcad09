// Package clock abstracts time so window and TTL boundaries can be tested
// deterministically without real sleeps.
package clock

import "time"

// Clock provides the current time to components that compare timestamps.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock.
type System struct{}

// Now returns the current system time.
func (System) Now() time.Time {
	return time.Now()
}
