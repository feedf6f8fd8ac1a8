// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// OrderVerifier asserts the invariant that binds Raft log order to
// tablet apply order: Apply must be invoked in non-decreasing log-index
// order, and the physical time captured at Prepare must be
// non-decreasing across Applies of the same tablet.
type OrderVerifier interface {
	// CheckApply is called by a Driver immediately before running its
	// apply-layer callback. index is the operation's assigned Raft log
	// index; preparePhysicalTimeMicros is the physical microsecond
	// timestamp captured when the operation was prepared. Violations
	// are reported as an error rather than a panic so callers can
	// choose how to react (the driver treats it as fatal, per its
	// contract-violation policy).
	CheckApply(index int64, preparePhysicalTimeMicros int64) error
}

// SequentialOrderVerifier is the reference OrderVerifier for a single
// tablet: it tracks the last-seen index and prepare time and rejects
// any Apply that would move either one backwards.
type SequentialOrderVerifier struct {
	mu struct {
		sync.Mutex
		lastIndex             int64
		lastPreparePhysicalUs int64
		seenAny               bool
	}
}

// NewSequentialOrderVerifier returns an OrderVerifier with no history.
func NewSequentialOrderVerifier() *SequentialOrderVerifier {
	return &SequentialOrderVerifier{}
}

// CheckApply implements OrderVerifier.
func (v *SequentialOrderVerifier) CheckApply(index int64, preparePhysicalTimeMicros int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.mu.seenAny {
		if index < v.mu.lastIndex {
			return errors.AssertionFailedf(
				"order verifier: apply index %d went backwards from %d", index, v.mu.lastIndex)
		}
		if preparePhysicalTimeMicros < v.mu.lastPreparePhysicalUs {
			return errors.AssertionFailedf(
				"order verifier: prepare physical time %d went backwards from %d",
				preparePhysicalTimeMicros, v.mu.lastPreparePhysicalUs)
		}
	}
	v.mu.lastIndex = index
	v.mu.lastPreparePhysicalUs = preparePhysicalTimeMicros
	v.mu.seenAny = true
	return nil
}
