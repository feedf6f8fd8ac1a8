// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	opentracing "github.com/opentracing/opentracing-go"

	"github.com/ridgedb/ridge/internal/hlc"
	"github.com/ridgedb/ridge/internal/log"
	"github.com/ridgedb/ridge/internal/syncutil"
	"github.com/ridgedb/ridge/pkg/consensus"
	"github.com/ridgedb/ridge/pkg/tablet"
)

// ReplicationState is the driver's view of where a command stands with
// respect to consensus.
type ReplicationState int

const (
	NotReplicating ReplicationState = iota
	Replicating
	ReplicationFailedState
	Replicated
)

func (s ReplicationState) abbrev() string {
	switch s {
	case NotReplicating:
		return "NR"
	case Replicating:
		return "R"
	case ReplicationFailedState:
		return "RF"
	case Replicated:
		return "RD"
	default:
		return "?"
	}
}

// PrepareState is the driver's view of local, pre-replication readiness.
type PrepareState int

const (
	NotPrepared PrepareState = iota
	Prepared
)

func (s PrepareState) abbrev() string {
	if s == Prepared {
		return "P"
	}
	return "NP"
}

func stateString(repl ReplicationState, prep PrepareState) string {
	return repl.abbrev() + "-" + prep.abbrev()
}

// Deps bundles a Driver's collaborators. All fields are non-owning and
// must remain valid for the driver's lifetime; Consensus may be nil in
// tests that never exercise the leader path.
type Deps struct {
	Tracker       Tracker
	Consensus     consensus.Consensus
	Preparer      Preparer
	OrderVerifier OrderVerifier
	Clock         *hlc.Clock
	Log           *log.Logger
	Metrics       *Metrics
	Tracer        opentracing.Tracer
}

// Driver orchestrates one Operation through prepare, start, replicate,
// and apply. Exactly one Driver owns an Operation for its entire
// lifetime, from Init through tracker release.
//
// A Driver is safe for concurrent use by its various callers: the
// submitting caller, the preparer worker, consensus's append and
// commit/reply threads, and the apply pipeline.
type Driver struct {
	log       *log.Logger
	tracer    opentracing.Tracer
	metrics   *Metrics
	cfg       Config

	tracker       Tracker
	consensus     consensus.Consensus
	preparer      Preparer
	orderVerifier OrderVerifier
	clock         *hlc.Clock

	tableType tablet.TableType
	startTime time.Time

	ctx   context.Context
	span  opentracing.Span

	operation Operation // nil only once moved back to the caller by Init; kept after release

	mu struct {
		syncutil.Mutex
		replicationState     ReplicationState
		prepareState         PrepareState
		operationStatus      error
		replicationSubmitted bool
		failureDispatched    bool
		leaderTerm           int64
	}

	opIDMu struct {
		syncutil.Mutex
		opID consensus.OpID
	}

	preparePhysicalHybridTimeUs int64
	propagatedSafeTime          hlc.Timestamp
	hasPropagatedSafeTime       bool
}

// NewDriver constructs a Driver bound to deps. ctx supplies the ambient
// trace, if any, that the driver's own trace becomes a child of; it is
// not otherwise used for cancellation, since the driver's lifetime is
// governed by tracker admission and release, not by ctx.
func NewDriver(ctx context.Context, deps Deps, cfg Config, tableType tablet.TableType) *Driver {
	l := deps.Log
	if l == nil {
		l = log.New(nil)
	}
	m := deps.Metrics
	if m == nil {
		m = noopMetrics
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}

	d := &Driver{
		log:           l,
		tracer:        tracer,
		metrics:       m,
		cfg:           cfg,
		tracker:       deps.Tracker,
		consensus:     deps.Consensus,
		preparer:      deps.Preparer,
		orderVerifier: deps.OrderVerifier,
		clock:         deps.Clock,
		tableType:     tableType,
		startTime:     time.Now(),
	}
	d.mu.replicationState = NotReplicating
	d.mu.prepareState = NotPrepared

	span, spanCtx := opentracing.StartSpanFromContextWithTracer(ctx, tracer, "operation")
	d.span = span
	d.ctx = spanCtx
	return d
}

// Init registers d with the tracker and, on the leader path, allocates
// a consensus round for op. On the follower path (term ==
// consensus.UnknownTerm) op already carries an assigned op-id, received
// via replication, and replication_state moves straight to Replicating.
//
// If tracker admission fails, Init returns op unchanged so the caller
// can retry or dispose of it; the Driver keeps no reference to it.
func (d *Driver) Init(op Operation, term int64) (Operation, error) {
	d.operation = op
	st := op.State()

	if term == consensus.UnknownTerm {
		d.opIDMu.Lock()
		d.opIDMu.opID = st.OpID
		d.opIDMu.Unlock()
		if !st.OpID.IsInitialized() {
			return nil, errors.AssertionFailedf("Init: follower operation missing an assigned op-id")
		}

		d.mu.Lock()
		d.mu.replicationState = Replicating
		d.mu.Unlock()
	} else {
		if !st.HasHybridTime {
			if d.clock != nil {
				st.HybridTime = d.clock.Now()
			}
			st.HasHybridTime = true
		}
		if d.consensus != nil {
			round := d.consensus.NewRound(st.NewReplicateMsg(), d.ReplicationFinished)
			round.BindToTerm(term)
			round.SetAppendCallback(d)
			st.ConsensusRound = round
		}
	}

	if err := d.tracker.Add(d); err != nil {
		d.operation = nil
		return op, err
	}
	return nil, nil
}

// GetOpID returns the driver's current op-id snapshot. Safe to call
// concurrently with the state machine; it takes only the low-contention
// opIDMu lock.
func (d *Driver) GetOpID() consensus.OpID {
	d.opIDMu.Lock()
	defer d.opIDMu.Unlock()
	return d.opIDMu.opID
}

// String implements fmt.Stringer.
func (d *Driver) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stringLocked()
}

func (d *Driver) stringLocked() string {
	d.mu.AssertHeld()
	s := stateString(d.mu.replicationState, d.mu.prepareState)
	if d.operation != nil {
		s += " " + d.operation.String()
	} else {
		s += " [unknown operation]"
	}
	return s
}

// LogPrefix renders the conventional "T <tablet> P <peer> S <state> Ts
// <hybrid-time>: " prefix used to tag every log line this driver emits.
func (d *Driver) LogPrefix() string {
	d.mu.Lock()
	repl, prep := d.mu.replicationState, d.mu.prepareState
	var ts string
	if d.operation != nil && d.operation.State().HasHybridTime {
		ts = d.operation.State().HybridTime.String()
	} else {
		ts = "No hybrid_time"
	}
	d.mu.Unlock()

	tabletID, peerUUID := "(unknown)", "(unknown)"
	if d.consensus != nil {
		tabletID = d.consensus.TabletID()
		peerUUID = d.consensus.PeerUUID()
	}
	return fmt.Sprintf("T %s P %s S %s Ts %s: ", tabletID, peerUUID, stateString(repl, prep), ts)
}

// ExecuteAsync submits d to the preparer. If submission fails, d is
// routed directly to the failure path with the returned status.
func (d *Driver) ExecuteAsync() {
	d.span.LogKV("event", "ExecuteAsync")

	delayMs := testingDelayExecuteAsync.Load()
	if delayMs == 0 {
		delayMs = d.cfg.TestDelay.Milliseconds()
	}
	if delayMs != 0 {
		op := d.operation
		if op != nil && op.Kind() == KindWrite && op.State().Tablet != nil &&
			op.State().Tablet.ID() != d.cfg.EmptyTabletID {
			d.log.Infof(d.ctx, "%sdebug sleep for %s before ExecuteAsync", d.LogPrefix(), time.Duration(delayMs)*time.Millisecond)
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
		}
	}

	if err := d.preparer.Submit(d); err != nil {
		d.HandleFailure(err)
	}
}

// HandleConsensusAppend implements consensus.AppendCallback. It is
// called by consensus immediately before it appends this driver's
// replicate message to the log.
func (d *Driver) HandleConsensusAppend() error {
	if !d.startOperation() {
		return nil
	}

	st := d.operation.State()
	round := st.ConsensusRound
	if round == nil {
		d.log.Fatalf(d.ctx, "%sHandleConsensusAppend: no consensus round bound", d.LogPrefix())
		return nil
	}
	msg := round.ReplicateMsg()
	if msg.HasHybridTime {
		d.log.Fatalf(d.ctx, "%sHandleConsensusAppend: replicate message already has a hybrid_time", d.LogPrefix())
		return nil
	}
	msg.HybridTime = st.HybridTime.ToUint64()
	msg.HasHybridTime = true
	if st.Tablet != nil {
		msg.MonotonicCounter = st.Tablet.NextMonotonicCounter()
	}
	return nil
}

// SetPropagatedSafeTime stashes a follower-side MVCC safe-time value to
// be pushed alongside Start. It must be called before ExecuteAsync
// triggers prepareAndStart; there is no synchronization protecting a
// concurrent call with startOperation.
func (d *Driver) SetPropagatedSafeTime(ts hlc.Timestamp) {
	d.propagatedSafeTime = ts
	d.hasPropagatedSafeTime = true
}

// startOperation invokes Operation.Start at most once, pushing any
// stashed follower-side safe-time propagation alongside it. It reports
// false if d no longer holds an operation, in which case it releases d
// from the tracker itself.
func (d *Driver) startOperation() bool {
	if d.operation != nil {
		d.operation.Start()
	}
	if d.hasPropagatedSafeTime && d.clock != nil {
		// A real deployment would push propagatedSafeTime to the
		// follower-side MVCC subsystem here; that subsystem is out of
		// scope for this module (see spec §1), so the driver only
		// folds it into its own clock to keep GetOpID/LogPrefix
		// timestamps consistent with what was propagated.
		d.clock.Update(d.propagatedSafeTime)
	}
	if d.operation == nil {
		d.tracker.Release(d)
		return false
	}
	return true
}

// PrepareAndStartTask is invoked by the preparer worker. It runs
// prepareAndStart and routes any failure to HandleFailure.
func (d *Driver) PrepareAndStartTask() {
	if err := d.prepareAndStart(); err != nil {
		d.HandleFailure(err)
	}
}

// prepareAndStart runs Operation.Prepare, then performs its half of the
// two-phase rendezvous with ReplicationFinished: it snapshots
// replication_state, calls Start if replication is already under way
// (follower path), marks prepare_state PREPARED, and re-reads
// replication_state to decide whether this call is responsible for
// firing Apply.
func (d *Driver) prepareAndStart() error {
	if d.clock != nil {
		d.preparePhysicalHybridTimeUs = d.clock.PhysicalMicros()
	} else {
		d.preparePhysicalHybridTimeUs = time.Now().UnixMicro()
	}

	if d.operation != nil {
		if err := d.operation.Prepare(); err != nil {
			return err
		}
	}
	if d.metrics != nil {
		d.metrics.PrepareLatency.Observe(time.Since(d.startTime).Seconds())
	}

	d.mu.Lock()
	if d.mu.prepareState != NotPrepared {
		d.mu.Unlock()
		return errors.AssertionFailedf("prepareAndStart: called more than once")
	}
	replStateSnapshot := d.mu.replicationState
	d.mu.Unlock()

	if replStateSnapshot != NotReplicating {
		// The operation already has its hybrid-time (and, on the
		// follower path, its op-id) assigned, so Start can and should
		// run as soon as possible.
		if !d.startOperation() {
			return nil
		}
	}

	d.mu.Lock()
	if d.mu.prepareState != NotPrepared {
		d.mu.Unlock()
		return errors.AssertionFailedf("prepareAndStart: prepare_state changed concurrently")
	}
	d.mu.prepareState = Prepared
	// replication_state may have moved from NOT_REPLICATING to
	// REPLICATING, or all the way to REPLICATED/REPLICATION_FAILED,
	// since we read it above. Re-read under the same critical section
	// that sets prepare_state so that whichever of this call and
	// ReplicationFinished observes PREPARED, and REPLICATED (or
	// REPLICATION_FAILED), is the one responsible for firing Apply.
	replStateSnapshot = d.mu.replicationState
	// A concurrent Abort/HandleFailure may already have claimed the
	// pre-replication failure path (see failureDispatched) while
	// replication_state was still NotReplicating; check that claim in
	// the same critical section as the transition below so the two
	// paths cannot both leave NotReplicating.
	if replStateSnapshot == NotReplicating && !d.mu.failureDispatched {
		d.mu.replicationState = Replicating
	}
	d.mu.Unlock()

	switch replStateSnapshot {
	case NotReplicating:
		// Either this call just moved replication_state to Replicating
		// above, in which case it is the Preparer's responsibility to
		// submit this driver's round to consensus once prepareAndStart
		// has returned (see SubmitReplication); or a concurrent Abort
		// already claimed this driver for the failure path and left
		// replication_state untouched, in which case that call owns
		// Aborted/Release and there is nothing further to do here.
		return nil
	case Replicating:
		return nil
	case ReplicationFailedState, Replicated:
		return d.applyOperation(consensus.UnknownTerm)
	default:
		return errors.AssertionFailedf("prepareAndStart: invalid replication state %d", replStateSnapshot)
	}
}

// SubmitReplication hands d's bound consensus round to consensus for
// replication, if this driver originated one (the leader path) and
// prepareAndStart has already moved replication_state to Replicating.
// It is idempotent: only the first call after the state reaches
// Replicating actually submits. Called by the Preparer immediately
// after PrepareAndStartTask: submitting the round to consensus is the
// caller's responsibility, not prepareAndStart's own.
func (d *Driver) SubmitReplication() {
	d.mu.Lock()
	if d.mu.replicationSubmitted || d.mu.replicationState != Replicating {
		d.mu.Unlock()
		return
	}
	d.mu.replicationSubmitted = true
	d.mu.Unlock()

	if d.operation == nil {
		return
	}
	round := d.operation.State().ConsensusRound
	if round == nil {
		return
	}
	round.Replicate()
}

// ReplicationFailed transitions replication_state to
// ReplicationFailedState (a no-op if it is already there) and routes
// the failure through HandleFailure. It is a contract violation to call
// this when replication_state is anything other than Replicating or
// ReplicationFailedState.
func (d *Driver) ReplicationFailed(status error) {
	if status == nil {
		panic(errors.AssertionFailedf("ReplicationFailed: status must be non-nil"))
	}

	d.mu.Lock()
	if d.mu.replicationState == ReplicationFailedState {
		d.mu.Unlock()
		return
	}
	if d.mu.replicationState != Replicating {
		state := d.mu.replicationState
		d.mu.Unlock()
		d.log.Fatalf(d.ctx, "%sReplicationFailed called with replication_state=%d, want Replicating", d.LogPrefix(), state)
		return
	}
	d.mu.operationStatus = firstNonNil(d.mu.operationStatus, status)
	d.mu.replicationState = ReplicationFailedState
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ReplicationErr.Inc()
	}
	d.HandleFailure(nil)
}

// HandleFailure records status as the sticky operation_status (a second
// non-nil status recorded here is a fatal contract violation) and
// dispatches based on the current replication_state: operations that
// have not begun replicating, or whose replication has already failed,
// are aborted and released; operations that are mid- or
// post-replication can no longer be cancelled, and reaching this branch
// for one of them is itself a contract violation. Dispatch happens at
// most once per driver: a second call arriving after the first has
// already aborted and released (e.g. a caller invoking Abort twice) is
// a silent no-op rather than a double Aborted/Release.
func (d *Driver) HandleFailure(status error) {
	d.mu.Lock()
	if status != nil {
		if d.mu.operationStatus != nil {
			existing := d.mu.operationStatus
			d.mu.Unlock()
			d.log.Fatalf(d.ctx, "%sHandleFailure: operation already failed with %v, new status: %v", d.LogPrefix(), existing, status)
			return
		}
		d.mu.operationStatus = status
	} else {
		status = d.mu.operationStatus
	}
	replStateSnapshot := d.mu.replicationState
	alreadyDispatched := d.mu.failureDispatched
	if !alreadyDispatched && (replStateSnapshot == NotReplicating || replStateSnapshot == ReplicationFailedState) {
		d.mu.failureDispatched = true
	}
	d.mu.Unlock()

	if status == nil {
		panic(errors.AssertionFailedf("HandleFailure: no status recorded"))
	}

	switch replStateSnapshot {
	case NotReplicating, ReplicationFailedState:
		if alreadyDispatched {
			return
		}
		d.dispatchAborted(status)
	case Replicating, Replicated:
		d.log.Fatalf(d.ctx, "%scannot cancel an operation that has already replicated: %v", d.LogPrefix(), status)
	default:
		d.log.Fatalf(d.ctx, "%sHandleFailure: invalid replication state %d", d.LogPrefix(), replStateSnapshot)
	}
}

// dispatchAborted runs the operation's Aborted callback and releases d
// from the tracker. Callers must already hold the failureDispatched
// claim (see HandleFailure and Abort) guaranteeing this runs at most
// once per driver.
func (d *Driver) dispatchAborted(status error) {
	d.log.Infof(d.ctx, "%sfailed operation: %v", d.LogPrefix(), status)
	if d.operation != nil {
		d.operation.Aborted(status)
	}
	if d.metrics != nil {
		d.metrics.Aborted.Inc()
	}
	d.tracker.Release(d)
}

// ReplicationFinished is consensus's callback for the outcome of this
// driver's round. It publishes the round's final op-id, transitions
// replication_state to Replicated or ReplicationFailedState, and — if
// prepare_state is already Prepared — is responsible for firing Apply
// (or the failure path).
func (d *Driver) ReplicationFinished(status error, leaderTerm int64) {
	var opID consensus.OpID
	d.opIDMu.Lock()
	if d.operation != nil && d.operation.State().ConsensusRound != nil {
		opID = d.operation.State().ConsensusRound.ID()
		d.opIDMu.opID = opID
	} else {
		opID = d.opIDMu.opID
	}
	d.opIDMu.Unlock()

	d.mu.Lock()
	if d.operation != nil {
		d.operation.State().OpID = opID
	}
	if d.mu.replicationState != Replicating {
		state := d.mu.replicationState
		d.mu.Unlock()
		d.log.Fatalf(d.ctx, "%sReplicationFinished called with replication_state=%d, want Replicating", d.LogPrefix(), state)
		return
	}
	if status == nil {
		d.mu.replicationState = Replicated
	} else {
		d.mu.replicationState = ReplicationFailedState
		d.mu.operationStatus = firstNonNil(d.mu.operationStatus, status)
	}
	d.mu.leaderTerm = leaderTerm
	prepareStateSnapshot := d.mu.prepareState
	d.mu.Unlock()

	if prepareStateSnapshot == Prepared {
		if err := d.applyOperation(leaderTerm); err != nil {
			d.log.Fatalf(d.ctx, "%sapplyOperation failed from ReplicationFinished: %v", d.LogPrefix(), err)
		}
	}
}

// Abort is an externally callable cancellation request. It claims the
// pre-replication failure path and dispatches immediately only if
// replication_state is still NotReplicating at the moment it acquires
// d.mu and no other caller has already claimed that path; the claim and
// the read of replication_state happen atomically so a concurrent
// prepareAndStart transitioning out of NotReplicating cannot race past
// this check. In any other state, or when the claim is lost, Abort is a
// no-op: the operation runs to completion, and the recorded status is
// still observable via operation_status by an operation implementation
// that chooses to inspect it, but the driver will not interrupt an
// in-flight or completed replication.
func (d *Driver) Abort(status error) {
	if status == nil {
		panic(errors.AssertionFailedf("Abort: status must be non-nil"))
	}

	d.mu.Lock()
	if d.mu.operationStatus == nil {
		d.mu.operationStatus = status
	}
	claimed := false
	if d.mu.replicationState == NotReplicating && !d.mu.failureDispatched {
		d.mu.failureDispatched = true
		claimed = true
	}
	finalStatus := d.mu.operationStatus
	d.mu.Unlock()

	if claimed {
		d.dispatchAborted(finalStatus)
	}
}

// applyOperation is the serialized post-rendezvous step, run by
// whichever of prepareAndStart / ReplicationFinished observes the
// (Prepared, Replicated-or-ReplicationFailedState) pair. On success it
// enforces per-tablet apply ordering and hands off to applyTask; on
// failure it dispatches to HandleFailure instead, and Apply is never
// invoked.
//
// The branch taken is driven by replication_state, not by
// operation_status: a pre-replication Abort may have recorded a sticky
// operation_status while replication went on to succeed, since Abort
// while a round is in flight is a documented no-op on that round.
// replication_state is the fact of what consensus actually did;
// operation_status is diagnostic content an operation
// implementation can choose to inspect from within Replicated. Treating
// operation_status as authoritative here would route a successfully
// replicated command into the abort path merely because it had been
// asked (and refused) to cancel, which is the wrong outcome.
func (d *Driver) applyOperation(leaderTerm int64) error {
	d.mu.Lock()
	if d.mu.prepareState != Prepared {
		state := d.mu.prepareState
		d.mu.Unlock()
		return errors.AssertionFailedf("applyOperation: prepare_state=%d, want Prepared", state)
	}
	replState := d.mu.replicationState
	if leaderTerm == consensus.UnknownTerm {
		// Called from prepareAndStart's own re-read, which won this
		// race against ReplicationFinished: the leader term ReplicationFinished
		// established is only available from the state it already recorded.
		leaderTerm = d.mu.leaderTerm
	}
	d.mu.Unlock()

	switch replState {
	case Replicated:
		opID := d.GetOpID()
		if d.orderVerifier != nil {
			if err := d.orderVerifier.CheckApply(opID.Index, d.preparePhysicalHybridTimeUs); err != nil {
				d.log.Fatalf(d.ctx, "%sorder verifier rejected apply: %v", d.LogPrefix(), err)
				return nil
			}
		}
		d.applyTask(leaderTerm)
		return nil
	case ReplicationFailedState:
		d.HandleFailure(nil)
		return nil
	default:
		return errors.AssertionFailedf("applyOperation: replication_state=%d, want Replicated or ReplicationFailedState", replState)
	}
}

// applyTask runs the operation's Replicated callback and releases d
// from the tracker. It takes a local strong reference to d for the
// duration of the call because Replicated may synchronously drive the
// operation to a final commit that releases the tracker's own
// reference; without this, d could be freed out from under the call.
func (d *Driver) applyTask(leaderTerm int64) {
	ref := d // local strong reference; see doc comment above.

	start := ref.startTime
	if err := ref.operation.Replicated(leaderTerm); err != nil {
		ref.log.Fatalf(ref.ctx, "%soperation.Replicated returned an error: %v", ref.LogPrefix(), err)
	}
	if ref.metrics != nil {
		ref.metrics.Applied.Inc()
		ref.metrics.ApplyLatency.Observe(time.Since(start).Seconds())
	}
	ref.span.Finish()
	ref.tracker.Release(ref)
}

func firstNonNil(existing, incoming error) error {
	if existing != nil {
		return existing
	}
	return incoming
}
