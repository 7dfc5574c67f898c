package endpoint

import (
	"testing"
	"time"
)

const testTimeout = time.Second
const testTick = 5 * time.Millisecond

func timeoutCh() <-chan time.Time { return time.After(testTimeout) }

func waitResult(t *testing.T, ch chan GatherResult) GatherResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-timeoutCh():
		t.Fatal("timed out waiting for gather result")
		return GatherResult{}
	}
}

// assertNever polls cond for a short window and fails if it ever becomes
// true, used to check a negative (e.g. a mismatched binding never
// establishes).
func assertNever(t *testing.T, cond func() bool) {
	t.Helper()
	var deadline = time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatal("condition unexpectedly became true")
		}
		time.Sleep(testTick)
	}
}
