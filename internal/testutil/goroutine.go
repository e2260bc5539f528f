package testutil

import (
	"runtime"
	"testing"
	"time"
)

// WaitForGoroutines fails the test unless the goroutine count settles
// back to at most baseline+margin. Callers record the baseline before
// starting the code under test; a small margin absorbs runtime noise.
func WaitForGoroutines(t *testing.T, baseline, margin int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		current := runtime.NumGoroutine()
		if current <= baseline+margin {
			return
		}
		if time.Now().After(deadline) {
			t.Errorf("goroutines did not settle: baseline=%d current=%d margin=%d", baseline, current, margin)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Eventually polls cond until it returns true or the deadline passes.
func Eventually(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", d)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
