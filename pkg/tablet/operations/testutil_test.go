// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import (
	"sync"

	"github.com/ridgedb/ridge/internal/hlc"
	"github.com/ridgedb/ridge/pkg/consensus"
	"github.com/ridgedb/ridge/pkg/tablet"
)

// recordingOperation is a fake Operation that records every hook
// invocation, in order, for assertion. It is not safe for concurrent
// calls to the same recorded slot (e.g. two concurrent Prepare calls),
// which the driver's contract forbids anyway.
type recordingOperation struct {
	mu struct {
		sync.Mutex
		calls []string
	}

	kind  OperationKind
	state State

	prepareErr error
	replicatedErr error

	abortedStatus    error
	replicatedTerm   int64
	replicatedCalled int
	abortedCalled    int
	startCalled      int
}

func newRecordingOperation(kind OperationKind) *recordingOperation {
	return &recordingOperation{kind: kind}
}

func (o *recordingOperation) record(s string) {
	o.mu.Lock()
	o.mu.calls = append(o.mu.calls, s)
	o.mu.Unlock()
}

func (o *recordingOperation) calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.mu.calls))
	copy(out, o.mu.calls)
	return out
}

func (o *recordingOperation) Kind() OperationKind { return o.kind }
func (o *recordingOperation) State() *State       { return &o.state }

func (o *recordingOperation) Prepare() error {
	o.record("Prepare")
	return o.prepareErr
}

func (o *recordingOperation) Start() {
	o.record("Start")
	o.startCalled++
}

func (o *recordingOperation) Replicated(leaderTerm int64) error {
	o.record("Replicated")
	o.replicatedCalled++
	o.replicatedTerm = leaderTerm
	return o.replicatedErr
}

func (o *recordingOperation) Aborted(status error) {
	o.record("Aborted")
	o.abortedCalled++
	o.abortedStatus = status
}

func (o *recordingOperation) String() string { return "recordingOperation(" + o.kind.String() + ")" }

// recordingTracker is a fake Tracker recording Add/Release calls.
type recordingTracker struct {
	mu struct {
		sync.Mutex
		added    int
		released int
	}
	admitErr error
}

func (t *recordingTracker) Add(driverHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.admitErr != nil {
		return t.admitErr
	}
	t.mu.added++
	return nil
}

func (t *recordingTracker) Release(driverHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.released++
}

func (t *recordingTracker) NumRunning() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.added - t.mu.released
}

func (t *recordingTracker) counts() (added, released int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.added, t.mu.released
}

// recordingOrderVerifier records every CheckApply call and can be told
// to reject the next one.
type recordingOrderVerifier struct {
	mu struct {
		sync.Mutex
		indexes []int64
	}
	rejectErr error
}

func (v *recordingOrderVerifier) CheckApply(index int64, _ int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mu.indexes = append(v.mu.indexes, index)
	return v.rejectErr
}

func (v *recordingOrderVerifier) seen() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, len(v.mu.indexes))
	copy(out, v.mu.indexes)
	return out
}

func newTestDeps(tracker Tracker, cons consensus.Consensus, verifier OrderVerifier) Deps {
	return Deps{
		Tracker:       tracker,
		Consensus:     cons,
		Preparer:      InlinePreparer{},
		OrderVerifier: verifier,
		Clock:         hlc.NewClockForTesting(1),
	}
}

func followerOperation(kind OperationKind, term, index int64) *recordingOperation {
	op := newRecordingOperation(kind)
	op.state.OpID = consensus.OpID{Term: term, Index: index}
	op.state.HybridTime = hlc.Timestamp{WallTime: 1}
	op.state.HasHybridTime = true
	op.state.Tablet = tablet.New("t1")
	return op
}

func leaderOperation(kind OperationKind) *recordingOperation {
	op := newRecordingOperation(kind)
	op.state.Tablet = tablet.New("t1")
	return op
}
