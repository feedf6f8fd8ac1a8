// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

// Package operations implements the operation driver: the per-operation
// state machine that sequences a replicated tablet command through
// prepare, start, replicate, and apply.
package operations

import (
	"github.com/ridgedb/ridge/internal/hlc"
	"github.com/ridgedb/ridge/pkg/consensus"
	"github.com/ridgedb/ridge/pkg/tablet"
)

// OperationKind tags the concrete kind of a replicated command. The
// driver is generic over it; only the apply layer (outside this module)
// interprets it.
type OperationKind int

const (
	KindWrite OperationKind = iota
	KindChangeMetadata
	KindSnapshot
	KindEmpty
)

func (k OperationKind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindChangeMetadata:
		return "change-metadata"
	case KindSnapshot:
		return "snapshot"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// State is the mutable state a driver publishes into and reads back
// from an Operation: the fields that must be visible to the consensus
// round and, eventually, to the apply layer.
type State struct {
	OpID            consensus.OpID
	HybridTime      hlc.Timestamp
	HasHybridTime   bool
	ConsensusRound  consensus.Round
	Tablet          *tablet.Tablet
	replicateMsg    *consensus.ReplicateMsg
}

// NewReplicateMsg builds the message this operation will hand to
// consensus for replication when originating on the leader path. It is
// called at most once, from Init.
func (s *State) NewReplicateMsg() *consensus.ReplicateMsg {
	if s.replicateMsg == nil {
		s.replicateMsg = &consensus.ReplicateMsg{}
	}
	return s.replicateMsg
}

// Operation is the unit of work a Driver sequences through prepare,
// start, replicate, and apply. Implementations own their payload;
// Prepare/Start/Replicated are invoked by the driver at most once each,
// in that order. Aborted is invoked at most once and excludes
// Replicated (and vice versa); it is not ordered against Prepare and
// Start, so an abort that completes first does not prevent a later
// Prepare or Start call.
type Operation interface {
	// Kind reports the concrete kind of this operation, for the apply
	// layer and for diagnostics.
	Kind() OperationKind

	// State returns the operation's mutable driver-visible state.
	State() *State

	// Prepare performs the operation's local, pre-replication work
	// (e.g. evaluating a write against current tablet state). Called
	// on the preparer's worker.
	Prepare() error

	// Start is called once the operation's hybrid-time and (if
	// applicable) op-id are final, before the message reaches the
	// log. Never called more than once.
	Start()

	// Replicated is called after successful replication and
	// application ordering has been enforced; leaderTerm is the term
	// under which the entry committed. Mutually exclusive with
	// Aborted.
	Replicated(leaderTerm int64) error

	// Aborted is called if the operation will never be applied,
	// either because it failed before replication began or because
	// replication itself failed. Mutually exclusive with Replicated.
	Aborted(status error)

	// String renders a short diagnostic description of the operation.
	String() string
}
