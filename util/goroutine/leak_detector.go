package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks registers a cleanup that fails the test if the goroutine
// count has not returned to its starting baseline by the end of the test.
// Call it first, before launching anything.
func AssertNoLeaks(t *testing.T) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 50*time.Millisecond)
}

// AssertNoLeaksWithTimeout is AssertNoLeaks with explicit settle timeout and
// polling interval.
func AssertNoLeaksWithTimeout(t *testing.T, timeout, pollInterval time.Duration) {
	t.Helper()
	baseline := runtime.NumGoroutine()

	t.Cleanup(func() {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if runtime.NumGoroutine() <= baseline {
				return
			}
			time.Sleep(pollInterval)
		}

		current := runtime.NumGoroutine()
		if current > baseline {
			t.Errorf("goroutine leak: %d at start, %d after cleanup", baseline, current)
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			t.Logf("active goroutines:\n%s", buf[:n])
		}
	})
}

// WaitForGoroutineCount polls until the goroutine count drops to target or
// the timeout expires. Returns whether the target was reached.
func WaitForGoroutineCount(target int, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= target {
			return true
		}
		time.Sleep(pollInterval)
	}
	return false
}
