// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package tasks builds and runs the graphs of backend calls that make
// up one orchestration operation: sequential chains, parallel groups,
// polling steps, and the success/failure continuations that settle the
// resource afterwards.
package tasks

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// A single unit of work in a graph.
type Step func(ctx context.Context) error

// Chain runs the steps in order and stops at the first failure.
func Chain(steps ...Step) Step {
	return func(ctx context.Context) error {
		for _, step := range steps {
			if err := step(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Group runs all steps concurrently. The join waits until every member
// has settled, even when one of them has already failed, so no member
// is abandoned with its backend call half done. The first error wins.
func Group(steps ...Step) Step {
	return func(ctx context.Context) error {
		var group errgroup.Group
		for _, step := range steps {
			group.Go(func() error { return step(ctx) })
		}
		return group.Wait()
	}
}

// Noop is a Step that does nothing, for graphs built conditionally.
func Noop(context.Context) error { return nil }

// A Graph is one operation's main work plus the continuations that
// settle the resource. Exactly one continuation runs: OnSuccess when
// Main returns nil, OnFailure otherwise.
type Graph struct {
	// Name labels logs and metrics for this operation.
	Name string
	// The work itself.
	Main Step
	// Persists the final state after Main succeeded.
	OnSuccess func(ctx context.Context) error
	// Settles the resource after Main failed. Receives the failure.
	OnFailure func(ctx context.Context, cause error) error
}
