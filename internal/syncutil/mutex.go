// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

// Package syncutil provides small wrappers around the standard sync
// primitives that let callers assert locking discipline in tests without
// pulling in a race detector or a mocking framework.
package syncutil

import (
	"sync"
	"sync/atomic"
)

// Mutex is a sync.Mutex that additionally tracks whether it is currently
// held, so that code documenting a locking precondition (e.g. "caller
// must hold d.mu") can check it instead of merely commenting it.
type Mutex struct {
	mu   sync.Mutex
	held atomic.Bool
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	m.mu.Lock()
	m.held.Store(true)
}

// Unlock releases the mutex. It is a programming error to call Unlock on
// an unlocked Mutex, exactly as with sync.Mutex.
func (m *Mutex) Unlock() {
	m.held.Store(false)
	m.mu.Unlock()
}

// AssertHeld panics if the mutex is not currently locked by some
// goroutine. It does not require the calling goroutine to be the holder,
// matching the semantics callers rely on when documenting cross-goroutine
// locking preconditions.
func (m *Mutex) AssertHeld() {
	if !m.held.Load() {
		panic("syncutil: mutex is not locked")
	}
}
