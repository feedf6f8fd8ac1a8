// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

// Package consensus defines the driver's view of the replication layer:
// rounds, op-ids, and the append/commit callbacks a driver registers.
// The concrete Raft implementation lives outside this module; Local (in
// local.go) is a single-node in-memory stand-in used by tests and the
// demo command.
package consensus

// UnknownTerm marks an operation that already carries an assigned op-id
// (the follower path) rather than one originating a new round on this
// node (the leader path).
const UnknownTerm int64 = -1

// OpID identifies a position in the replicated log.
type OpID struct {
	Term  int64
	Index int64
}

// IsInitialized reports whether the OpID has been assigned a log
// position. The zero value is never a valid assigned position because
// terms and indexes are 1-based in a running log.
func (id OpID) IsInitialized() bool {
	return id.Term > 0 && id.Index > 0
}

func (id OpID) String() string {
	return itoa(id.Term) + "." + itoa(id.Index)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Less orders OpIDs by (term, index), the order in which a well-formed
// Raft log assigns them.
func (id OpID) Less(other OpID) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

// ReplicateMsg is the payload handed to consensus for replication. Only
// the fields the driver itself touches are modeled; the wire format of
// the rest of the message is out of scope for this module.
type ReplicateMsg struct {
	HybridTime       uint64
	HasHybridTime    bool
	MonotonicCounter int64
}

// AppendCallback is notified immediately before consensus appends a
// round's message to the local log, giving the driver a chance to stamp
// fields (hybrid-time, monotonic counter) that must be present in the
// durable bytes.
type AppendCallback interface {
	HandleConsensusAppend() error
}

// ReplicationCallback is invoked exactly once when a round's outcome is
// known: either replicated successfully (status nil, with the final
// leader term) or failed.
type ReplicationCallback func(status error, leaderTerm int64)

// Round is the bookkeeping object consensus uses to drive one message
// through replication to a final, immutable op-id.
type Round interface {
	// BindToTerm associates the round with the leader term that
	// originated it. Called once, before replication begins.
	BindToTerm(term int64)
	// SetAppendCallback registers the callback consensus invokes just
	// before appending this round's message to the log.
	SetAppendCallback(cb AppendCallback)
	// ReplicateMsg returns the message this round will replicate,
	// mutable until the append callback fires.
	ReplicateMsg() *ReplicateMsg
	// ID returns the round's final op-id. Only valid after the
	// replication callback has fired with a nil status.
	ID() OpID
	// Replicate submits the round to the replication subsystem. The
	// caller is responsible for invoking it only after the round has
	// been bound and its append callback registered; on the leader path
	// the driver does so from its SubmitReplication method, which the
	// Preparer calls after preparation.
	Replicate()
}

// Consensus is the driver's view of the replication subsystem: it can
// mint a new round for a message originating on this node, and it
// identifies the local tablet/peer for diagnostics.
type Consensus interface {
	// NewRound allocates a Round wrapping msg, wiring cb to fire when
	// the round's outcome is known.
	NewRound(msg *ReplicateMsg, cb ReplicationCallback) Round
	// TabletID identifies the tablet this consensus instance serves.
	TabletID() string
	// PeerUUID identifies the local peer within that tablet's raft
	// group.
	PeerUUID() string
}
