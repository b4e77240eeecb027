// Package clock re-exports clockwork as the single time source used by
// the heartbeat tickers, Job/JobTracker monotonic stamps, and the
// Agent's reconnect backoff, so tests can fast-forward time instead of
// sleeping.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source interface used throughout controller and
// agent code instead of calling the time package directly.
type Clock = clockwork.Clock

// New returns the real wall-clock implementation, used by cmd/ entrypoints.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a controllable clock for tests.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}

// monoBase anchors MonotonicMicros; with the real clock, Since against
// this time.Now() reading uses Go's monotonic clock.
var monoBase = time.Now()

// MonotonicMicros returns a monotonic microsecond timestamp suitable for
// Job.start/end stamps (spec §3): microseconds since monoBase, only
// meaningful as a difference between two stamps.
func MonotonicMicros(c Clock) int64 {
	return c.Since(monoBase).Microseconds()
}
