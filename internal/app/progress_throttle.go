package app

import (
	"sync/atomic"
	"time"
)

const progressLogInterval = time.Second

// shouldLogProgress reports whether progressLogInterval has passed since the
// last time it returned true for last. Only one concurrent caller wins.
func shouldLogProgress(last *atomic.Int64) bool {
	now := time.Now().UnixNano()
	prev := last.Load()
	if now-prev < int64(progressLogInterval) {
		return false
	}
	return last.CompareAndSwap(prev, now)
}
