// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

package operations

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and histograms a Driver publishes over
// its lifetime. NewDriver falls back to an unregistered noop Metrics
// when none is supplied, so recording sites never need a nil check.
type Metrics struct {
	Applied        prometheus.Counter
	Aborted        prometheus.Counter
	ReplicationErr prometheus.Counter
	ApplyLatency   prometheus.Histogram
	PrepareLatency prometheus.Histogram
}

// NewMetrics constructs and registers a Metrics set with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Applied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_tablet_operations_applied_total",
			Help: "Total number of operations successfully applied.",
		}),
		Aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_tablet_operations_aborted_total",
			Help: "Total number of operations aborted without being applied.",
		}),
		ReplicationErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_tablet_operations_replication_errors_total",
			Help: "Total number of operations that failed replication.",
		}),
		ApplyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ridge_tablet_operations_apply_latency_seconds",
			Help:    "Latency from driver construction to Apply completion.",
			Buckets: prometheus.DefBuckets,
		}),
		PrepareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ridge_tablet_operations_prepare_latency_seconds",
			Help:    "Latency from driver construction to Prepare completion.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Applied, m.Aborted, m.ReplicationErr, m.ApplyLatency, m.PrepareLatency)
	}
	return m
}

// noopMetrics is used by drivers constructed without an explicit
// registry, so recording sites never need a nil check.
var noopMetrics = &Metrics{
	Applied:        prometheus.NewCounter(prometheus.CounterOpts{Name: "ridge_noop_applied"}),
	Aborted:        prometheus.NewCounter(prometheus.CounterOpts{Name: "ridge_noop_aborted"}),
	ReplicationErr: prometheus.NewCounter(prometheus.CounterOpts{Name: "ridge_noop_repl_err"}),
	ApplyLatency:   prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ridge_noop_apply_latency"}),
	PrepareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ridge_noop_prepare_latency"}),
}
