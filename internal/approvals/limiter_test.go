package approvals

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLimiterTrack(t *testing.T) {
	l := NewAutoApplyLimiter(2)

	if !l.Track("ses-1") || !l.Track("ses-1") {
		t.Fatal("first two tracks must succeed")
	}
	if l.Track("ses-1") {
		t.Error("third track must fail once the cap is reached")
	}

	// Sessions are budgeted independently.
	if !l.Track("ses-2") {
		t.Error("fresh session should have a full budget")
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewAutoApplyLimiter(1)

	if !l.Track("ses-1") {
		t.Fatal("track failed")
	}
	if l.Track("ses-1") {
		t.Fatal("expected exhausted budget")
	}

	l.Reset("ses-1")
	if !l.Track("ses-1") {
		t.Error("expected budget restored after reset")
	}
}

func TestLimiterSetCap(t *testing.T) {
	l := NewAutoApplyLimiter(1)

	if !l.Track("ses-1") {
		t.Fatal("track failed")
	}
	if l.Track("ses-1") {
		t.Fatal("expected exhausted budget")
	}

	l.SetCap(3)
	if !l.Track("ses-1") || !l.Track("ses-1") {
		t.Error("raising the cap should free more slots without a reset")
	}
	if l.Track("ses-1") {
		t.Error("new cap must still bound the session")
	}
}

func TestLimiterConcurrentTrack(t *testing.T) {
	const limit = 10
	const workers = 50

	l := NewAutoApplyLimiter(limit)

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Track("ses-1") {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted %d slots, want %d", granted, limit)
	}
}
