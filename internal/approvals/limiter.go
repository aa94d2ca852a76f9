package approvals

import "sync"

// AutoApplyLimiter caps how many proposals may be auto-approved per session
// without human review. Counters are in-memory only; a process restart resets
// every session's budget.
type AutoApplyLimiter struct {
	mu     sync.Mutex
	cap    int
	counts map[string]int
}

func NewAutoApplyLimiter(limit int) *AutoApplyLimiter {
	return &AutoApplyLimiter{
		cap:    limit,
		counts: make(map[string]int),
	}
}

// Track consumes one auto-apply slot for the session. It returns false once
// the session has exhausted its cap; the caller must then force human review.
func (l *AutoApplyLimiter) Track(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[sessionID] >= l.cap {
		return false
	}
	l.counts[sessionID]++
	return true
}

// Reset restarts the session's counter from zero.
func (l *AutoApplyLimiter) Reset(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, sessionID)
}

// SetCap updates the cap for all sessions.
func (l *AutoApplyLimiter) SetCap(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cap = n
}
