package utils

import (
	"math"
	"time"
)

// InfiniteTimeout makes a wait block until its condition holds
const InfiniteTimeout = time.Duration(math.MaxInt64)

// PollUntil calls done until it reports true or timeout elapses, sleeping interval between calls.
// It reports whether done succeeded. A zero timeout checks exactly once.
func PollUntil(timeout time.Duration, interval time.Duration, done func() bool) bool {
	if done() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	var deadline time.Time
	if timeout != InfiniteTimeout {
		deadline = time.Now().Add(timeout)
	}

	for {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return done()
		}

		if interval > 0 {
			time.Sleep(interval)
		}
		if done() {
			return true
		}
	}
}
