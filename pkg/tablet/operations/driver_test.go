// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ridgedb/ridge/internal/log"
	"github.com/ridgedb/ridge/pkg/consensus"
)

// fatalCapture installs a logger fatal hook that records the message
// instead of exiting the process, letting a test assert that a
// contract violation was detected.
type fatalCapture struct {
	mu       sync.Mutex
	messages []string
}

func (f *fatalCapture) hook(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fatalCapture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func newDriverWithLog(t *testing.T, deps Deps) (*Driver, *log.Logger, *fatalCapture) {
	t.Helper()
	logger := log.New(nil)
	fc := &fatalCapture{}
	logger.SetFatalHookForTesting(fc.hook)
	deps.Log = logger
	d := NewDriver(context.Background(), deps, DefaultConfig(), 0)
	return d, logger, fc
}

// S1 - leader happy path.
func TestDriver_LeaderHappyPath(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	cons.SetCurrentTerm(7)
	verifier := &recordingOrderVerifier{}
	deps := newTestDeps(tracker, cons, verifier)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	leftover, err := d.Init(op, 7)
	require.NoError(t, err)
	require.Nil(t, leftover)

	d.ExecuteAsync()

	require.Equal(t, []string{"Prepare", "Start", "Replicated"}, op.calls())
	require.Equal(t, 1, op.replicatedCalled)
	require.Equal(t, int64(7), op.replicatedTerm)
	require.Equal(t, 0, op.abortedCalled)

	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released)

	opID := d.GetOpID()
	require.Equal(t, consensus.OpID{Term: 7, Index: 1}, opID)
	require.Equal(t, opID, op.state.OpID)
	require.Equal(t, []int64{1}, verifier.seen())
	require.Equal(t, 0, fc.count())
}

// S2 - follower happy path: op already carries an assigned op-id.
func TestDriver_FollowerHappyPath(t *testing.T) {
	tracker := &recordingTracker{}
	verifier := &recordingOrderVerifier{}
	deps := newTestDeps(tracker, nil, verifier)
	d, _, fc := newDriverWithLog(t, deps)

	op := followerOperation(KindWrite, 5, 100)
	leftover, err := d.Init(op, consensus.UnknownTerm)
	require.NoError(t, err)
	require.Nil(t, leftover)

	d.ExecuteAsync()

	require.Equal(t, []string{"Prepare", "Start"}, op.calls())

	d.ReplicationFinished(nil, 5)

	require.Equal(t, []string{"Prepare", "Start", "Replicated"}, op.calls())

	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released)
	require.Equal(t, consensus.OpID{Term: 5, Index: 100}, d.GetOpID())
	require.Equal(t, 0, fc.count())
}

// Follower happy path where ReplicationFinished races ahead of
// ExecuteAsync/PrepareAndStart entirely: Init already set
// replication_state=Replicating, so ReplicationFinished can complete
// before Prepare even runs, and Apply must wait for prepareAndStart.
func TestDriver_FollowerReplicationFinishesBeforePrepare(t *testing.T) {
	tracker := &recordingTracker{}
	verifier := &recordingOrderVerifier{}
	deps := newTestDeps(tracker, nil, verifier)
	d, _, _ := newDriverWithLog(t, deps)

	op := followerOperation(KindWrite, 5, 100)
	_, err := d.Init(op, consensus.UnknownTerm)
	require.NoError(t, err)

	d.ReplicationFinished(nil, 5)
	require.Equal(t, 0, op.replicatedCalled)

	d.ExecuteAsync()

	require.Equal(t, 1, op.replicatedCalled)
	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released)
}

// S3 - replication fails before prepare completes: ReplicationFinished
// arrives with an error while prepare_state is still NOT_PREPARED, so
// it records REPLICATION_FAILED and returns without dispatching;
// Prepare's own completion is what routes into HandleFailure.
func TestDriver_ReplicationFailsBeforePrepareCompletes(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	cons.SetCurrentTerm(7)
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 7)
	require.NoError(t, err)

	// Simulate replication racing ahead of the preparer worker and
	// failing before Prepare has even started.
	d.mu.Lock()
	d.mu.replicationState = Replicating
	d.mu.Unlock()

	d.ReplicationFinished(errCanceled("IOError"), 7)
	require.Equal(t, 0, op.abortedCalled, "HandleFailure must wait for prepare_state to reach Prepared")

	d.PrepareAndStartTask()

	require.Equal(t, 1, op.abortedCalled)
	require.Equal(t, 0, op.replicatedCalled)
	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released)
	require.Equal(t, 0, fc.count())
}

// ReplicationFailed, unlike ReplicationFinished, dispatches to
// HandleFailure unconditionally: it models a synchronous consensus
// rejection that need not wait for Prepare, since the abort path never
// requires Start to have run.
func TestDriver_ReplicationFailedDispatchesImmediately(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	cons.SetCurrentTerm(7)
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 7)
	require.NoError(t, err)

	d.mu.Lock()
	d.mu.replicationState = Replicating
	d.mu.Unlock()

	d.ReplicationFailed(errCanceled("IOError"))
	require.Equal(t, 1, op.abortedCalled)

	// Prepare subsequently completing must not double-dispatch.
	d.PrepareAndStartTask()
	require.Equal(t, 1, op.abortedCalled)

	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released)
	require.Equal(t, 0, fc.count())
}

// S4 - prepare fails, replication not yet started.
func TestDriver_PrepareFailsBeforeReplication(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	op.prepareErr = errCanceled("InvalidArgument")
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	d.PrepareAndStartTask()

	require.Equal(t, 1, op.abortedCalled)
	require.Equal(t, op.prepareErr, op.abortedStatus)
	require.Equal(t, 0, op.replicatedCalled)
	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released)
	require.Equal(t, 0, fc.count())
	require.Equal(t, int64(0), cons.NextIndexForTesting())
}

// S5 - external abort before submission.
func TestDriver_AbortBeforeSubmission(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	d.Abort(errCanceled("Cancelled"))

	require.Equal(t, 1, op.abortedCalled)
	require.Equal(t, 0, op.replicatedCalled)
	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released)
	require.Equal(t, 0, fc.count())
}

// S6 - abort during replication is a no-op: replication proceeds to
// success and Apply still runs exactly once.
func TestDriver_AbortDuringReplicationIsNoOp(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	cons.SetCurrentTerm(3)
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 3)
	require.NoError(t, err)

	// PrepareAndStartTask alone moves replication_state to Replicating
	// (Init leaves it NotReplicating on the leader path) without yet
	// invoking Start, which only happens when the round is actually
	// submitted: replication is under way but has not completed.
	d.PrepareAndStartTask()
	require.Equal(t, []string{"Prepare"}, op.calls())

	d.Abort(errCanceled("Cancelled"))
	require.Equal(t, 0, op.abortedCalled, "Abort during Replicating must not fire Aborted immediately")

	d.SubmitReplication()

	require.Equal(t, []string{"Prepare", "Start", "Replicated"}, op.calls())
	require.Equal(t, 1, op.replicatedCalled, "Apply must still run despite the pending abort status")
	require.Equal(t, 0, op.abortedCalled)
	added, released := tracker.counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, released, "tracker must be released exactly once")
	require.Equal(t, 0, fc.count())
}

// Invariant 3: a second non-OK operation_status recorded after
// replication has begun is a fatal contract violation, not a silent
// overwrite.
func TestDriver_DoubleFailureIsFatal(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	d.mu.Lock()
	d.mu.replicationState = Replicating
	d.mu.Unlock()

	d.ReplicationFailed(errCanceled("first"))
	assert.Equal(t, 0, fc.count())

	d.HandleFailure(errCanceled("second"))
	assert.Equal(t, 1, fc.count(), "recording a second failure status must be fatal")
}

// Invariant: calling HandleFailure once replication has reached
// Replicating without a prior ReplicationFailed transition is a
// contract violation (cannot cancel a replicating operation directly).
func TestDriver_HandleFailureAfterReplicatingIsFatal(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	d.mu.Lock()
	d.mu.replicationState = Replicating
	d.mu.Unlock()

	d.HandleFailure(errCanceled("late"))
	assert.Equal(t, 1, fc.count())
}

// Invariant 5 / idempotence: repeated Abort calls after a terminal
// state produce no additional Aborted/Release calls.
func TestDriver_AbortAfterTerminalIsIdempotent(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	deps := newTestDeps(tracker, cons, nil)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	d.Abort(errCanceled("Cancelled"))
	require.Equal(t, 1, op.abortedCalled)

	// A second Abort after the driver has already reached a terminal
	// state and released must not call Aborted or Release again; the
	// driver still holds its operation at this point, so this exercises
	// Abort's failureDispatched guard against operating twice on the
	// same driver.
	d.Abort(errCanceled("Cancelled again"))
	require.Equal(t, 1, op.abortedCalled)

	_, released := tracker.counts()
	require.Equal(t, 1, released)
	require.Equal(t, 0, fc.count())
}

// Invariant 4: apply order is enforced through the order verifier; a
// verifier rejection at apply time is a fatal contract violation, not
// a silently accepted apply.
func TestDriver_OrderVerifierRejectionIsFatal(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	cons.SetCurrentTerm(1)
	verifier := &recordingOrderVerifier{rejectErr: errCanceled("out of order")}
	deps := newTestDeps(tracker, cons, verifier)
	d, _, fc := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	d.ExecuteAsync()

	require.Equal(t, 0, op.replicatedCalled, "Replicated must not run when the order verifier rejects the apply")
	require.Equal(t, 1, fc.count())
	require.Equal(t, []int64{1}, verifier.seen())
}

// SequentialOrderVerifier itself rejects both a backwards index move
// and a backwards prepare-physical-time move.
func TestSequentialOrderVerifier_RejectsBackwardsMoves(t *testing.T) {
	v := NewSequentialOrderVerifier()
	require.NoError(t, v.CheckApply(5, 1000))
	require.NoError(t, v.CheckApply(6, 1001))

	err := v.CheckApply(4, 1002)
	require.Error(t, err, "index moving backwards must be rejected")

	err = v.CheckApply(7, 500)
	require.Error(t, err, "prepare physical time moving backwards must be rejected")
}

// LogPrefix format sanity: hyphenated state abbreviation pair plus
// tablet/peer identity.
func TestDriver_LogPrefixFormat(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-9", "peer-2")
	deps := newTestDeps(tracker, cons, nil)
	d, _, _ := newDriverWithLog(t, deps)

	op := leaderOperation(KindWrite)
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	prefix := d.LogPrefix()
	require.Contains(t, prefix, "T tablet-9")
	require.Contains(t, prefix, "P peer-2")
	require.Contains(t, prefix, "S NR-NP")
}

// ExecuteAsync's injected test delay only applies to non-empty-tablet
// write operations.
func TestDriver_TestDelaySkipsEmptyTablet(t *testing.T) {
	tracker := &recordingTracker{}
	cons := consensus.NewLocal("tablet-1", "peer-1")
	cfg := DefaultConfig()
	cfg.TestDelay = 50 * time.Millisecond

	deps := newTestDeps(tracker, cons, nil)
	logger := log.New(nil)
	deps.Log = logger
	d := NewDriver(context.Background(), deps, cfg, 0)

	op := leaderOperation(KindWrite)
	op.state.Tablet = nil // no tablet identity: ExecuteAsync skips the delay for an operation without a tablet
	_, err := d.Init(op, 1)
	require.NoError(t, err)

	start := time.Now()
	d.ExecuteAsync()
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestDriver_ConcurrentPrepareAndReplicationRace runs prepareAndStart and
// ReplicationFinished on two genuinely separate goroutines, synchronized
// only by a shared start signal, for a batch of independent drivers. A
// real consensus module reports round completion from its own thread,
// concurrently with whatever goroutine the preparer runs on; this
// exercises that race directly instead of the driver's other tests,
// which set replication_state under lock and call methods sequentially
// on one goroutine. Every driver must reach Replicated exactly once, in
// Prepare-Start-Replicated order, and release the tracker exactly once,
// regardless of which goroutine wins the race.
func TestDriver_ConcurrentPrepareAndReplicationRace(t *testing.T) {
	const numOps = 200

	var group errgroup.Group
	for i := 0; i < numOps; i++ {
		i := i
		group.Go(func() error {
			tracker := &recordingTracker{}
			verifier := &recordingOrderVerifier{}
			deps := newTestDeps(tracker, nil, verifier)
			d, _, fc := newDriverWithLog(t, deps)

			op := followerOperation(KindWrite, 9, int64(i+1))
			if _, err := d.Init(op, consensus.UnknownTerm); err != nil {
				return errors.Wrapf(err, "op %d: Init", i)
			}

			start := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				d.PrepareAndStartTask()
			}()
			go func() {
				defer wg.Done()
				<-start
				d.ReplicationFinished(nil, 9)
			}()
			close(start)
			wg.Wait()

			if fc.count() != 0 {
				return errors.Newf("op %d: unexpected fatal contract violation", i)
			}
			if op.replicatedCalled != 1 {
				return errors.Newf("op %d: Replicated called %d times, want 1", i, op.replicatedCalled)
			}
			if op.abortedCalled != 0 {
				return errors.Newf("op %d: Aborted called %d times, want 0", i, op.abortedCalled)
			}
			calls := op.calls()
			if len(calls) != 3 || calls[0] != "Prepare" || calls[1] != "Start" || calls[2] != "Replicated" {
				return errors.Newf("op %d: unexpected call order %v", i, calls)
			}
			added, released := tracker.counts()
			if added != 1 || released != 1 {
				return errors.Newf("op %d: tracker added=%d released=%d, want 1/1", i, added, released)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

// TestDriver_WorkerPreparerConcurrentAbortRace drives operations through
// a real WorkerPreparer pool while an external caller concurrently calls
// Abort, racing the worker goroutine that runs
// PrepareAndStartTask/SubmitReplication against the goroutine issuing the
// cancellation. Whichever wins, each operation must reach exactly one of
// Replicated or Aborted and release the tracker exactly once; this is
// invariant 1 (exactly-once Apply) checked under genuine, race-detector
// visible concurrency rather than a manually forced interleaving.
func TestDriver_WorkerPreparerConcurrentAbortRace(t *testing.T) {
	const numOps = 200

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	preparer := NewWorkerPreparer(ctx, 8, numOps)
	defer preparer.Close()

	var group errgroup.Group
	for i := 0; i < numOps; i++ {
		i := i
		group.Go(func() error {
			tracker := &recordingTracker{}
			cons := consensus.NewLocal("tablet-1", "peer-1")
			cons.SetCurrentTerm(int64(i + 1))
			deps := newTestDeps(tracker, cons, &recordingOrderVerifier{})
			deps.Preparer = preparer
			d, _, fc := newDriverWithLog(t, deps)

			op := leaderOperation(KindWrite)
			if _, err := d.Init(op, int64(i+1)); err != nil {
				return errors.Wrapf(err, "op %d: Init", i)
			}

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				d.ExecuteAsync()
			}()
			go func() {
				defer wg.Done()
				d.Abort(errCanceled("racing cancel"))
			}()
			wg.Wait()

			deadline := time.Now().Add(2 * time.Second)
			for {
				if _, released := tracker.counts(); released == 1 {
					break
				}
				if time.Now().After(deadline) {
					return errors.Newf("op %d: driver never reached a terminal state", i)
				}
				time.Sleep(time.Millisecond)
			}

			if fc.count() != 0 {
				return errors.Newf("op %d: unexpected fatal contract violation", i)
			}
			if op.replicatedCalled+op.abortedCalled != 1 {
				return errors.Newf("op %d: terminal calls replicated=%d aborted=%d, want exactly one", i, op.replicatedCalled, op.abortedCalled)
			}
			added, released := tracker.counts()
			if added != 1 || released != 1 {
				return errors.Newf("op %d: tracker added=%d released=%d, want 1/1", i, added, released)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

// errCanceled is a tiny helper avoiding a dependency on any particular
// error taxonomy for test status values.
func errCanceled(msg string) error {
	return &testError{msg: msg}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
