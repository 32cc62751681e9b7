// Package lockstats implements wait/hold instrumentation for the
// core's lock kinds, with explicit enable/disable/reset/snapshot
// operations. There is no process-wide registry: each Connection
// creates its own Registry, and pagecache.New creates a private one
// when given nil.
package lockstats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Name identifies one of the instrumented lock kinds.
type Name string

const (
	Table      Name = "table"
	WAL        Name = "wal"
	MVCCShard  Name = "mvcc_shard"
	Checkpoint Name = "checkpoint"
)

type counters struct {
	waitCount atomic.Int64
	waitNanos atomic.Int64
	holdCount atomic.Int64
	holdNanos atomic.Int64
}

// Snapshot is a point-in-time read of one lock kind's counters.
type Snapshot struct {
	Name      Name
	WaitCount int64
	WaitTime  time.Duration
	HoldCount int64
	HoldTime  time.Duration
}

// Registry collects wait/hold counters across every lock kind. The
// zero value is usable; counters simply accumulate without being
// read. Disabling the registry makes Record* calls no-ops so that
// `lock_stats_enabled: false` carries no per-lock overhead beyond one
// atomic load.
type Registry struct {
	enabled atomic.Bool
	mu      sync.Mutex
	byName  map[Name]*counters
}

// NewRegistry returns a disabled registry; call SetEnabled(true) or
// construct a Connection with lock_stats_enabled to turn it on.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[Name]*counters)}
}

func (r *Registry) SetEnabled(enabled bool) { r.enabled.Store(enabled) }
func (r *Registry) Enabled() bool           { return r.enabled.Load() }

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[Name]*counters)
}

func (r *Registry) entry(name Name) *counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName == nil {
		r.byName = make(map[Name]*counters)
	}
	c, ok := r.byName[name]
	if !ok {
		c = &counters{}
		r.byName[name] = c
	}
	return c
}

// RecordWait records that a goroutine waited `d` to acquire `name`.
func (r *Registry) RecordWait(name Name, d time.Duration) {
	if !r.enabled.Load() {
		return
	}
	c := r.entry(name)
	c.waitCount.Add(1)
	c.waitNanos.Add(int64(d))
}

// RecordHold records that a lock of kind `name` was held for `d`.
func (r *Registry) RecordHold(name Name, d time.Duration) {
	if !r.enabled.Load() {
		return
	}
	c := r.entry(name)
	c.holdCount.Add(1)
	c.holdNanos.Add(int64(d))
}

// Track wraps the acquire/release pair of a lock, returning a release
// func that records hold time. Usage:
//
//	release := registry.Track(lockstats.Table, waitStart)
//	defer release()
func (r *Registry) Track(name Name, waitStart time.Time) func() {
	r.RecordWait(name, time.Since(waitStart))
	if !r.enabled.Load() {
		return func() {}
	}
	holdStart := time.Now()
	return func() {
		r.RecordHold(name, time.Since(holdStart))
	}
}

// Snapshot returns the current counters for every lock kind seen so far.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.byName))
	for name, c := range r.byName {
		out = append(out, Snapshot{
			Name:      name,
			WaitCount: c.waitCount.Load(),
			WaitTime:  time.Duration(c.waitNanos.Load()),
			HoldCount: c.holdCount.Load(),
			HoldTime:  time.Duration(c.holdNanos.Load()),
		})
	}
	return out
}
