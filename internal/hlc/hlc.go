// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

// Package hlc implements a hybrid logical clock: a timestamp that pairs a
// physical wall-clock component with a logical tie-breaker, used to order
// events across nodes without a hard dependency on synchronized clocks.
package hlc

import (
	"fmt"
	"time"

	"github.com/ridgedb/ridge/internal/syncutil"
)

// Timestamp is a hybrid logical timestamp. The zero value is the minimum
// timestamp and compares less than any timestamp with a positive
// WallTime.
type Timestamp struct {
	WallTime int64
	Logical  int32
}

// IsEmpty reports whether ts is the zero Timestamp.
func (ts Timestamp) IsEmpty() bool {
	return ts.WallTime == 0 && ts.Logical == 0
}

// Less reports whether ts happened strictly before other.
func (ts Timestamp) Less(other Timestamp) bool {
	return ts.WallTime < other.WallTime ||
		(ts.WallTime == other.WallTime && ts.Logical < other.Logical)
}

// String renders the timestamp in the conventional "wall.logical" form.
func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%010d", ts.WallTime, ts.Logical)
}

// wireLogicalBits is the number of low bits ToUint64 reserves for the
// logical counter; the remaining 44 bits hold wall time in
// milliseconds, which does not run out until the year 2527. A full
// int64 nanosecond WallTime does not fit in a 64-bit word alongside
// any logical bits at all, so the wire form trades wall-time
// resolution (millisecond, not nanosecond) for a fixed, non-truncating
// bit budget; ties within the same millisecond still order correctly
// on the logical counter.
const (
	wireLogicalBits = 20
	wireLogicalMask = 1<<wireLogicalBits - 1
)

// ToUint64 packs the timestamp into a single monotonically comparable
// uint64, matching the on-wire representation consumers stamp into a
// replicated message. See wireLogicalBits for the bit budget.
func (ts Timestamp) ToUint64() uint64 {
	wallMillis := uint64(ts.WallTime / int64(time.Millisecond))
	return wallMillis<<wireLogicalBits | (uint64(uint32(ts.Logical)) & wireLogicalMask)
}

// Clock produces hybrid timestamps that are monotonic with respect to
// both the local wall clock and any timestamp observed from a remote
// node via Update. It is safe for concurrent use. The wall component
// of a Timestamp carries full nanosecond resolution, which cannot be
// packed losslessly into a single atomically-CAS'd word alongside a
// logical counter; a mutex guards the pair instead, the same
// discipline the driver itself uses for its own compound state.
type Clock struct {
	physicalClock func() int64
	maxOffset     time.Duration

	mu struct {
		syncutil.Mutex
		last Timestamp
	}
}

// NewClock returns a Clock driven by physicalClock (typically
// time.Now().UnixNano, injectable for tests).
func NewClock(physicalClock func() int64, maxOffset time.Duration) *Clock {
	return &Clock{physicalClock: physicalClock, maxOffset: maxOffset}
}

// NewClockForTesting returns a Clock with a fixed physical time source,
// useful for deterministic driver tests that only need monotonic, not
// wall-accurate, timestamps.
func NewClockForTesting(nowNanos int64) *Clock {
	return NewClock(func() int64 { return nowNanos }, 0)
}

// Now returns a new hybrid timestamp, guaranteed to be greater than any
// timestamp previously returned by Now or passed to Update.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physicalClock()
	var next Timestamp
	if phys > c.mu.last.WallTime {
		next = Timestamp{WallTime: phys}
	} else {
		next = Timestamp{WallTime: c.mu.last.WallTime, Logical: c.mu.last.Logical + 1}
	}
	c.mu.last = next
	return next
}

// Update folds a timestamp observed from a remote node into the clock so
// that subsequent calls to Now happen after it.
func (c *Clock) Update(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.mu.last
	if next.Less(remote) {
		next = remote
	}
	phys := c.physicalClock()
	if phys > next.WallTime {
		next = Timestamp{WallTime: phys}
	}
	if next != c.mu.last {
		c.mu.last = next
	}
}

// PhysicalMicros returns the clock's raw physical reading in
// microseconds, used by callers (e.g. a prepare-time stamp for order
// verification) that need a monotonic instant but not a full hybrid
// timestamp.
func (c *Clock) PhysicalMicros() int64 {
	return c.physicalClock() / int64(time.Microsecond)
}
