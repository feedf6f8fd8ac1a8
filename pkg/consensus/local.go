// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package consensus

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Local is a single-node, in-memory Consensus used by driver tests and
// the demo command. It "replicates" a round by assigning it the next
// sequential index at the round's bound term and immediately reporting
// success on the goroutine that called Replicate, after invoking the
// round's append callback — mirroring the append-then-commit ordering a real
// consensus module guarantees, without any of the actual replication.
type Local struct {
	tabletID string
	peerUUID string

	mu struct {
		sync.Mutex
		term       int64
		nextIndex  int64
		failNext   error
		failAlways bool
	}
}

// NewLocal returns a Local consensus stand-in for tabletID/peerUUID,
// starting at term 1 with the log empty.
func NewLocal(tabletID, peerUUID string) *Local {
	l := &Local{tabletID: tabletID, peerUUID: peerUUID}
	l.mu.term = 1
	l.mu.nextIndex = 1
	return l
}

// TabletID implements Consensus.
func (l *Local) TabletID() string { return l.tabletID }

// PeerUUID implements Consensus.
func (l *Local) PeerUUID() string { return l.peerUUID }

// FailNextRound arranges for the next round created by NewRound to fail
// replication with err instead of succeeding, once.
func (l *Local) FailNextRound(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.failNext = err
}

// SetCurrentTerm updates the term new rounds are bound to, simulating a
// leadership change observed by the local peer.
func (l *Local) SetCurrentTerm(term int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.term = term
}

// NextIndexForTesting reports the index most recently assigned to a
// round replicated on l (0 if none has been), without consuming one. It
// exists for tests asserting that a failed operation never reached
// consensus.
func (l *Local) NextIndexForTesting() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mu.nextIndex - 1
}

// NewRound implements Consensus.
func (l *Local) NewRound(msg *ReplicateMsg, cb ReplicationCallback) Round {
	l.mu.Lock()
	term := l.mu.term
	var failWith error
	if l.mu.failNext != nil {
		failWith = l.mu.failNext
		l.mu.failNext = nil
	}
	l.mu.Unlock()

	return &localRound{
		local:   l,
		msg:     msg,
		cb:      cb,
		term:    term,
		failWith: failWith,
	}
}

type localRound struct {
	local *Local
	msg   *ReplicateMsg
	cb    ReplicationCallback

	mu struct {
		sync.Mutex
		appendCB AppendCallback
		id       OpID
	}

	term     int64
	failWith error
}

func (r *localRound) BindToTerm(term int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.term = term
}

func (r *localRound) SetAppendCallback(cb AppendCallback) {
	r.mu.Lock()
	r.mu.appendCB = cb
	r.mu.Unlock()
}

func (r *localRound) ReplicateMsg() *ReplicateMsg { return r.msg }

func (r *localRound) ID() OpID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.id
}

// Replicate drives this round through append and commit synchronously.
// A real consensus module does this asynchronously across an RPC fanout;
// Local inlines it so tests can control interleaving explicitly by
// choosing when to call Replicate.
func (r *localRound) Replicate() {
	r.mu.Lock()
	appendCB := r.mu.appendCB
	r.mu.Unlock()

	if appendCB != nil {
		if err := appendCB.HandleConsensusAppend(); err != nil {
			r.cb(errors.Wrap(err, "consensus append callback"), r.term)
			return
		}
	}

	if r.failWith != nil {
		r.cb(r.failWith, r.term)
		return
	}

	l := r.local
	l.mu.Lock()
	id := OpID{Term: r.term, Index: l.mu.nextIndex}
	l.mu.nextIndex++
	l.mu.Unlock()

	r.mu.Lock()
	r.mu.id = id
	r.mu.Unlock()

	r.cb(nil, r.term)
}
