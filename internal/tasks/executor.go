// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
)

// Executor runs graphs, settles them through their continuations and
// records their outcome.
type Executor struct {
	mon Monitor
	// Tracks running graphs so callers can drain before shutdown.
	wg sync.WaitGroup
}

func NewExecutor(mon Monitor) *Executor {
	return &Executor{mon: mon}
}

// Run executes the graph to completion: the main work, then exactly
// one of the continuations. The returned error is the main failure
// (continuation failures are logged and folded in only when the main
// work succeeded).
func (e *Executor) Run(ctx context.Context, g Graph) error {
	timer := e.mon.started(g.Name)
	defer timer()

	err := g.Main(ctx)
	if err == nil {
		if g.OnSuccess != nil {
			err = g.OnSuccess(ctx)
		}
		if err != nil {
			slog.Error("operation succeeded but could not be settled",
				"operation", g.Name, "error", err)
			e.mon.failed(g.Name, backenderr.KindOf(err))
		}
		return err
	}

	slog.Error("operation failed", "operation", g.Name, "error", err)
	e.mon.failed(g.Name, backenderr.KindOf(err))
	if g.OnFailure != nil {
		if settleErr := g.OnFailure(ctx, err); settleErr != nil {
			slog.Error("failure continuation failed",
				"operation", g.Name, "error", settleErr)
		}
	}
	return err
}

// Go runs the graph on its own goroutine, for trigger endpoints that
// return as soon as the operation is scheduled.
func (e *Executor) Go(ctx context.Context, g Graph) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.Run(ctx, g) //nolint:errcheck // settled by the continuations
	}()
}

// Drain blocks until all graphs started with Go have settled.
func (e *Executor) Drain() {
	e.wg.Wait()
}
