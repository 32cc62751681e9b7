// Package testutil holds shared helpers for the storage core's tests:
// a tempdir helper, a test-tuned config, and a limiter for fan-out
// concurrency tests.
package testutil

import (
	"sync/atomic"
	"testing"

	"github.com/gabrielelanaro/wrongo/storage/config"
)

// TempDir creates a fresh database directory for a test, removed on
// cleanup. t.TempDir() already does this; this wrapper exists so
// storage-core tests share one spelling.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// FastConfig returns a config.Config tuned for test speed: small
// pages (to exercise splits quickly) and synchronous WAL commits (so
// assertions don't race the group-commit flusher).
func FastConfig(pageSize int) config.Config {
	cfg := config.Default()
	cfg.PageSize = pageSize
	cfg.WALSyncIntervalMS = 0
	return cfg
}

// ConcurrencyLimiter caps how many goroutines a concurrency test lets
// run at once: a plain slot count for fan-out session tests.
type ConcurrencyLimiter struct {
	max int64
	cur atomic.Int64
}

// NewConcurrencyLimiter returns a limiter allowing at most max
// concurrent holders.
func NewConcurrencyLimiter(max int64) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{max: max}
}

// Acquire reports whether a slot was available; callers that get
// false are expected to retry or skip. Accept-or-reject rather than a
// blocking semaphore.
func (l *ConcurrencyLimiter) Acquire() bool {
	if l.cur.Add(1) > l.max {
		l.cur.Add(-1)
		return false
	}
	return true
}

// Release frees a previously acquired slot.
func (l *ConcurrencyLimiter) Release() {
	l.cur.Add(-1)
}
