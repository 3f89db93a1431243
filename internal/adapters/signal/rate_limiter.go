package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Babel/internal/domain"
)

type limiterKey struct {
	room domain.RoomID
	user domain.UserID
}

// RoomRateLimiter is a sliding-window limiter keyed by room and user.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[limiterKey][]time.Time
	limit    int
	interval time.Duration
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[limiterKey][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RoomRateLimiter) Allow(room domain.RoomID, uid domain.UserID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := limiterKey{room: room, user: uid}
	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}

	rl.history[key] = append(fresh, now)
	return true
}

// Forget drops the user's history in room.
func (rl *RoomRateLimiter) Forget(room domain.RoomID, uid domain.UserID) {
	rl.mu.Lock()
	delete(rl.history, limiterKey{room: room, user: uid})
	rl.mu.Unlock()
}
