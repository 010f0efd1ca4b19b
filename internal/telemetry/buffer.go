// Package telemetry implements the edge agent's in-memory metric
// aggregator. It is owned by the orchestrator, whose Ingest may be called
// from other goroutines and increments a counter here, so the map is guarded
// by a mutex.
package telemetry

import (
	"sync"
	"time"
)

// Clock returns the current wall-clock time. Production code uses
// time.Now; tests inject a fixed or stepping clock.
type Clock func() time.Time

// Buffer is a keyed scalar aggregator. Increment adds to the current value
// (0 if absent); Gauge overwrites. Snapshot and Flush return a copy of the
// current values with a "timestamp" key merged in; Flush also clears every
// entry.
type Buffer struct {
	now Clock

	mu        sync.Mutex
	values    map[string]float64
	lastFlush time.Time
}

// New creates a Buffer. If clock is nil, time.Now is used.
func New(clock Clock) *Buffer {
	if clock == nil {
		clock = time.Now
	}
	b := &Buffer{
		now:    clock,
		values: make(map[string]float64),
	}
	b.lastFlush = clock()
	return b
}

// Increment adds delta to key's current value, starting from 0 if absent.
func (b *Buffer) Increment(key string, delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] += delta
}

// Gauge overwrites key's value.
func (b *Buffer) Gauge(key string, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
}

// Snapshot returns a copy of the current values plus a "timestamp" field
// (unix seconds). It does not modify the buffer.
func (b *Buffer) Snapshot() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Buffer) snapshotLocked() map[string]float64 {
	out := make(map[string]float64, len(b.values)+1)
	for k, v := range b.values {
		out[k] = v
	}
	out["timestamp"] = float64(b.now().Unix())
	return out
}

// Flush returns Snapshot() and clears every entry, resetting the
// seconds-since-flush clock. After Flush returns, the buffer has no keys;
// the next Increment starts from 0.
func (b *Buffer) Flush() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := b.snapshotLocked()
	b.values = make(map[string]float64)
	b.lastFlush = b.now()
	return snap
}

// SecondsSinceFlush reports how long it has been since the last Flush call
// (or since the Buffer was created, if Flush has never been called).
func (b *Buffer) SecondsSinceFlush() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Sub(b.lastFlush).Seconds()
}

// IsEmptySnapshot reports whether a snapshot map carries nothing but the
// "timestamp" field, i.e. it is not worth posting.
func IsEmptySnapshot(snap map[string]float64) bool {
	if len(snap) == 0 {
		return true
	}
	if len(snap) == 1 {
		_, onlyTimestamp := snap["timestamp"]
		return onlyTimestamp
	}
	return false
}
