// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import (
	"sync/atomic"
	"time"
)

// Config collects the knobs that affect driver behavior but are not
// part of any single operation's payload.
type Config struct {
	// TestDelay, if non-zero, is injected as a sleep in ExecuteAsync for
	// non-empty-tablet write operations. It exists to let tests exercise
	// races between ExecuteAsync and concurrent Abort/ReplicationFinished
	// calls; see testingDelayExecuteAsync.
	TestDelay time.Duration

	// EmptyTabletID is the sentinel tablet id exempted from TestDelay, so
	// tests that construct an operation without a real tablet identity
	// are never slowed down.
	EmptyTabletID string
}

// DefaultConfig returns a Config with no injected delay and the
// conventional all-zero empty-tablet sentinel.
func DefaultConfig() Config {
	return Config{EmptyTabletID: "00000000000000000000000000000000"}
}

// testingDelayExecuteAsync is a process-wide override for Config.TestDelay,
// letting test harnesses inject a delay without threading a Config
// through every driver under test. Store holds milliseconds; 0 disables
// the delay.
var testingDelayExecuteAsync atomic.Int64

// SetTestingDelayExecuteAsync installs a process-wide ExecuteAsync delay
// for non-empty-tablet write operations, for use by tests only.
func SetTestingDelayExecuteAsync(d time.Duration) {
	testingDelayExecuteAsync.Store(d.Milliseconds())
}
