package proxy

import (
	"testing"
	"time"
)

func TestDedupCache_RecordThenConsumeWithinWindow(t *testing.T) {
	c := newDedupCache()
	t0 := time.Now()
	c.record("b1", 42, t0)

	if !c.testAndConsume("b1", 42, t0.Add(100*time.Millisecond)) {
		t.Fatal("expected echo within window to be consumed")
	}
	// Consumed exactly once: a second test should not find it.
	if c.testAndConsume("b1", 42, t0.Add(150*time.Millisecond)) {
		t.Fatal("expected second test to find no entry after consumption")
	}
}

func TestDedupCache_ExpiresAfterWindow(t *testing.T) {
	c := newDedupCache()
	t0 := time.Now()
	c.record("b1", 7, t0)

	if c.testAndConsume("b1", 7, t0.Add(500*time.Millisecond)) {
		t.Fatal("expected entry to have expired at exactly the window boundary")
	}
}

func TestDedupCache_DistinctBrokersIndependent(t *testing.T) {
	c := newDedupCache()
	t0 := time.Now()
	c.record("b1", 1, t0)

	if c.testAndConsume("b2", 1, t0) {
		t.Fatal("expected dedup state to be independent per broker id")
	}
}

func TestDedupCache_RapidRepeatPassesAfterEchoAbsorbed(t *testing.T) {
	c := newDedupCache()
	t0 := time.Now()
	c.record("b1", 9, t0)

	// First test_and_consume absorbs the echo.
	if !c.testAndConsume("b1", 9, t0.Add(10*time.Millisecond)) {
		t.Fatal("expected first occurrence to be absorbed as echo")
	}
	// A second, legitimate occurrence of the same hash is not in the cache
	// anymore, so it is not mistaken for an echo.
	if c.testAndConsume("b1", 9, t0.Add(20*time.Millisecond)) {
		t.Fatal("expected legitimate repeat to not be treated as an echo")
	}
}
