package relay

import (
	"sync"
	"time"

	"github.com/quorumchat/voicemesh/internal/domain"
)

// PublishLimiter caps signal publishes per user over a sliding window.
type PublishLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewPublishLimiter(limit int, interval time.Duration) *PublishLimiter {
	return &PublishLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *PublishLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[uid] = fresh

	return true
}

// Forget drops a user's window on disconnect.
func (rl *PublishLimiter) Forget(uid domain.UserID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, uid)
}
