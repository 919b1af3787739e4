// Package backoff provides the pure retry-delay policy shared by both links.
package backoff

import "time"

const (
	DefaultMin = 2 * time.Second
	DefaultMax = 60 * time.Second
)

// Policy computes exponential retry delays bounded by Min and Max. It is
// pure: the current delay lives with the caller (each link tracks its own),
// so the two links back off on independent clocks.
type Policy struct {
	Min time.Duration
	Max time.Duration
}

// Default returns the 2s..60s policy the bridge ships with.
func Default() Policy {
	return Policy{Min: DefaultMin, Max: DefaultMax}
}

// Next returns the delay to use after a failure at the current delay:
// double, capped at Max. A non-positive current delay restarts at Min.
func (p Policy) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return p.Min
	}
	next := current * 2
	if next > p.Max {
		return p.Max
	}
	return next
}

// Reset returns the delay to use after a successful connect.
func (p Policy) Reset() time.Duration {
	return p.Min
}
