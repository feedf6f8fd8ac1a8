// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// driverHandle is the narrow view of a Driver the Tracker needs: enough
// to identify and describe it, without importing the Driver type and
// creating an import cycle between tracker and driver.
type driverHandle interface {
	String() string
}

// Tracker is a registry of in-flight drivers. It anchors their lifetime:
// a driver stays reachable (and, by convention, alive) for as long as it
// is tracked. The reference implementation here enforces a configurable
// admission ceiling in place of the real memory-pressure heuristics a
// production tracker would use.
type Tracker interface {
	// Add admits driver to the tracker, returning an error if the
	// tracker refuses admission (e.g. too many in-flight operations).
	Add(driver driverHandle) error
	// Release removes driver from the tracker. Releasing a driver that
	// was never added, or releasing twice, is a contract violation.
	Release(driver driverHandle)
	// NumRunning reports the number of currently tracked drivers.
	NumRunning() int
}

// MemTracker is an in-memory Tracker suitable for tests and the demo
// command. maxRunning <= 0 means unbounded.
type MemTracker struct {
	maxRunning int
	metrics    *trackerMetrics

	mu struct {
		sync.Mutex
		running map[driverHandle]struct{}
	}
}

type trackerMetrics struct {
	numRunning prometheus.Gauge
	admitted   prometheus.Counter
	rejected   prometheus.Counter
	released   prometheus.Counter
}

// NewMemTracker returns a Tracker admitting at most maxRunning
// concurrent drivers (unbounded if maxRunning <= 0), publishing its
// state through the supplied Prometheus registerer.
func NewMemTracker(maxRunning int, reg prometheus.Registerer) *MemTracker {
	t := &MemTracker{maxRunning: maxRunning}
	t.mu.running = make(map[driverHandle]struct{})
	if reg != nil {
		t.metrics = &trackerMetrics{
			numRunning: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ridge_tablet_operations_running",
				Help: "Number of operations currently tracked in-flight.",
			}),
			admitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ridge_tablet_operations_admitted_total",
				Help: "Total number of operations admitted to the tracker.",
			}),
			rejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ridge_tablet_operations_rejected_total",
				Help: "Total number of operations rejected by the tracker.",
			}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ridge_tablet_operations_released_total",
				Help: "Total number of operations released from the tracker.",
			}),
		}
		reg.MustRegister(t.metrics.numRunning, t.metrics.admitted, t.metrics.rejected, t.metrics.released)
	}
	return t
}

// ErrTooManyOperations is returned by Add when the tracker is at its
// admission ceiling.
var ErrTooManyOperations = errors.New("tracker: too many in-flight operations")

// Add implements Tracker.
func (t *MemTracker) Add(driver driverHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxRunning > 0 && len(t.mu.running) >= t.maxRunning {
		if t.metrics != nil {
			t.metrics.rejected.Inc()
		}
		return ErrTooManyOperations
	}
	if _, ok := t.mu.running[driver]; ok {
		return errors.AssertionFailedf("tracker: driver %s already tracked", driver.String())
	}
	t.mu.running[driver] = struct{}{}
	if t.metrics != nil {
		t.metrics.admitted.Inc()
		t.metrics.numRunning.Set(float64(len(t.mu.running)))
	}
	return nil
}

// Release implements Tracker.
func (t *MemTracker) Release(driver driverHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mu.running[driver]; !ok {
		panic(errors.AssertionFailedf("tracker: releasing untracked driver %s", driver.String()))
	}
	delete(t.mu.running, driver)
	if t.metrics != nil {
		t.metrics.released.Inc()
		t.metrics.numRunning.Set(float64(len(t.mu.running)))
	}
}

// NumRunning implements Tracker.
func (t *MemTracker) NumRunning() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mu.running)
}
