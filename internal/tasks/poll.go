// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"time"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/conf"
)

// Poll watches a resource's runtime state until it reaches one of the
// success states, one of the erred states, or the attempt budget runs
// out. Erred states produce a RuntimeStateError, an exhausted budget a
// Timeout.
func Poll(budget conf.PollBudget, op string, fetch func(ctx context.Context) (string, error), success, erred []string) Step {
	return func(ctx context.Context) error {
		interval := time.Duration(budget.IntervalSeconds) * time.Second
		for attempt := 0; attempt < budget.MaxAttempts; attempt++ {
			if attempt > 0 {
				if err := sleep(ctx, interval); err != nil {
					return err
				}
			}
			state, err := fetch(ctx)
			if err != nil {
				return err
			}
			for _, s := range success {
				if state == s {
					return nil
				}
			}
			for _, s := range erred {
				if state == s {
					return backenderr.New(backenderr.KindRuntimeStateError, op,
						"resource reached state %q", state)
				}
			}
		}
		return backenderr.New(backenderr.KindTimeout, op,
			"not settled after %d attempts", budget.MaxAttempts)
	}
}

// PollGone waits until the backend no longer knows the resource, for
// delete operations that only return once the object has been removed.
func PollGone(budget conf.PollBudget, op string, gone func(ctx context.Context) (bool, error)) Step {
	return func(ctx context.Context) error {
		interval := time.Duration(budget.IntervalSeconds) * time.Second
		for attempt := 0; attempt < budget.MaxAttempts; attempt++ {
			if attempt > 0 {
				if err := sleep(ctx, interval); err != nil {
					return err
				}
			}
			isGone, err := gone(ctx)
			if err != nil {
				return err
			}
			if isGone {
				return nil
			}
		}
		return backenderr.New(backenderr.KindTimeout, op,
			"still present after %d attempts", budget.MaxAttempts)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
