// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// preparable is the narrow view of a Driver the Preparer needs. The two
// methods are always invoked in sequence: PrepareAndStartTask first,
// then SubmitReplication, splitting the preparation task from the
// caller's responsibility to hand the bound round to consensus.
type preparable interface {
	PrepareAndStartTask()
	SubmitReplication()
}

// Preparer is a batching submission queue: callers Submit a driver and
// the preparer eventually invokes PrepareAndStartTask on it from one of
// its worker goroutines. The reference implementation here is a bounded
// worker pool over a buffered channel; a production preparer would
// additionally coalesce same-tablet submissions into batches before
// handing them to workers, which is outside this module's scope.
type Preparer interface {
	// Submit enqueues driver for preparation, returning an error if the
	// preparer cannot accept more work (e.g. shutting down, queue
	// full).
	Submit(driver preparable) error
}

// WorkerPreparer is a fixed-size worker pool Preparer.
type WorkerPreparer struct {
	queue chan preparable

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewWorkerPreparer starts a WorkerPreparer with numWorkers goroutines
// draining a queue of the given capacity.
func NewWorkerPreparer(ctx context.Context, numWorkers, queueCapacity int) *WorkerPreparer {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1
	}
	p := &WorkerPreparer{
		queue:  make(chan preparable, queueCapacity),
		closed: make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *WorkerPreparer) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case d, ok := <-p.queue:
			if !ok {
				return
			}
			d.PrepareAndStartTask()
			d.SubmitReplication()
		}
	}
}

// ErrPreparerClosed is returned by Submit after Close has been called.
var ErrPreparerClosed = errors.New("preparer: closed")

// ErrPreparerQueueFull is returned by Submit when the queue is at
// capacity, mirroring the batching submitter rejecting overload rather
// than growing without bound.
var ErrPreparerQueueFull = errors.New("preparer: queue full")

// Submit implements Preparer.
func (p *WorkerPreparer) Submit(driver preparable) error {
	select {
	case <-p.closed:
		return ErrPreparerClosed
	default:
	}
	select {
	case p.queue <- driver:
		return nil
	default:
		return ErrPreparerQueueFull
	}
}

// Close stops accepting new work and waits for in-flight workers to
// drain their current item.
func (p *WorkerPreparer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}

// InlinePreparer runs PrepareAndStartTask synchronously on the calling
// goroutine. It is useful for tests that want full control over
// interleaving without the nondeterminism of a worker pool.
type InlinePreparer struct{}

// Submit implements Preparer by running the task immediately.
func (InlinePreparer) Submit(driver preparable) error {
	driver.PrepareAndStartTask()
	driver.SubmitReplication()
	return nil
}
