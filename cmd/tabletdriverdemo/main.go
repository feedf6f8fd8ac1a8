// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

// Command tabletdriverdemo drives a batch of synthetic write operations
// through the operation driver against an in-memory, single-node
// consensus stand-in, to exercise the full prepare/start/replicate/apply
// pipeline outside of any real storage or network layer.
package main

import (
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ridgedb/ridge/internal/hlc"
	"github.com/ridgedb/ridge/internal/log"
	"github.com/ridgedb/ridge/pkg/consensus"
	"github.com/ridgedb/ridge/pkg/tablet"
	"github.com/ridgedb/ridge/pkg/tablet/operations"
)

var (
	numOps      int
	numWorkers  int
	failEvery   int
	tabletID    string
	metricsAddr string
	testDelay   time.Duration
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tabletdriverdemo",
		Short: "Drives synthetic operations through the operation driver",
		RunE:  runDemo,
	}

	var f *pflag.FlagSet = cmd.Flags()
	f.IntVar(&numOps, "num-ops", 100, "Number of operations to submit.")
	f.IntVar(&numWorkers, "num-workers", 4, "Preparer worker pool size.")
	f.IntVar(&failEvery, "fail-every", 0, "Fail Prepare for every Nth operation (0 disables).")
	f.StringVar(&tabletID, "tablet-id", "demo-tablet", "Tablet identifier tag for log lines.")
	f.StringVar(&metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address until the run completes.")
	f.DurationVar(&testDelay, "execute-delay", 0, "Artificial delay injected in ExecuteAsync, for demonstrating race windows.")

	return cmd
}

func runDemo(cmd *cobra.Command, args []string) error {
	if numOps <= 0 {
		return errors.Newf("--num-ops must be positive, got %d", numOps)
	}

	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		defer srv.Close()
	}

	logger := log.New(os.Stdout)
	tracker := operations.NewMemTracker(numWorkers*4, reg)
	metrics := operations.NewMetrics(reg)
	verifier := operations.NewSequentialOrderVerifier()
	clock := hlc.NewClock(func() int64 { return time.Now().UnixNano() }, 500*time.Millisecond)
	cons := consensus.NewLocal(tabletID, "demo-peer")
	cons.SetCurrentTerm(1)
	tab := tablet.New(tabletID)

	preparer := operations.NewWorkerPreparer(cmd.Context(), numWorkers, numOps)
	defer preparer.Close()

	cfg := operations.DefaultConfig()
	cfg.TestDelay = testDelay

	deps := operations.Deps{
		Tracker:       tracker,
		Consensus:     cons,
		Preparer:      preparer,
		OrderVerifier: verifier,
		Clock:         clock,
		Log:           logger,
		Metrics:       metrics,
	}

	var applied, aborted int64
	var group errgroup.Group

	for i := 0; i < numOps; i++ {
		i := i
		group.Go(func() error {
			op := newDemoOperation(i, tab)
			if failEvery > 0 && (i+1)%failEvery == 0 {
				op.prepareErr = errors.Newf("synthetic prepare failure for op %d", i)
			}

			d := operations.NewDriver(cmd.Context(), deps, cfg, tablet.UserTable)
			leftover, err := d.Init(op, 1)
			if err != nil {
				return errors.Wrapf(err, "Init(op=%d)", i)
			}
			if leftover != nil {
				return errors.Newf("op %d rejected by tracker", i)
			}

			d.ExecuteAsync()

			select {
			case <-op.done:
			case <-time.After(5 * time.Second):
				return errors.Newf("op %d did not complete in time", i)
			}

			if op.applied {
				atomic.AddInt64(&applied, 1)
			} else {
				atomic.AddInt64(&aborted, 1)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	fmt.Printf("applied=%d aborted=%d running=%d\n", applied, aborted, tracker.NumRunning())
	return nil
}

// demoOperation is a minimal write operation whose Replicated/Aborted
// hooks signal completion over a channel, so the demo's caller can wait
// for each submitted operation without polling the tracker.
type demoOperation struct {
	index int
	state operations.State

	prepareErr error

	done    chan struct{}
	applied bool
}

func newDemoOperation(index int, tab *tablet.Tablet) *demoOperation {
	op := &demoOperation{index: index, done: make(chan struct{})}
	op.state.Tablet = tab
	return op
}

func (o *demoOperation) Kind() operations.OperationKind { return operations.KindWrite }
func (o *demoOperation) State() *operations.State       { return &o.state }

func (o *demoOperation) Prepare() error {
	return o.prepareErr
}

func (o *demoOperation) Start() {}

func (o *demoOperation) Replicated(leaderTerm int64) error {
	o.applied = true
	close(o.done)
	return nil
}

func (o *demoOperation) Aborted(status error) {
	o.applied = false
	close(o.done)
}

func (o *demoOperation) String() string {
	return fmt.Sprintf("demo-op(%d)", o.index)
}
