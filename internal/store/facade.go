// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("transformd.store")

const (
	deadlockAttempts = 5
	deadlockUnit     = time.Minute
)

// Facade wraps a Repository, retrying the transactional write path when
// the database reports a deadlock. Reads pass through untouched.
type Facade struct {
	Repository
	clock clock.Clock
}

// NewFacade returns a facade over repo using clk for the retry sleeps.
func NewFacade(repo Repository, clk clock.Clock) *Facade {
	return &Facade{Repository: repo, clock: clk}
}

// AddTransformOutputs commits the bundle, making up to five attempts while
// the database reports a deadlock, with a widening backoff between them
// (2, 4, 6, 8 minutes). On exhaustion the
// last deadlock error is surfaced for the caller's parameter-only
// fallback writeback.
func (f *Facade) AddTransformOutputs(ctx context.Context, args OutputsArgs) ([]int64, []int64, error) {
	var newIDs, updatedIDs []int64
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			newIDs, updatedIDs, err = f.Repository.AddTransformOutputs(ctx, args)
			return err
		},
		IsFatalError: func(err error) bool {
			return !IsDeadlock(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warningf("deadlock detected adding transform outputs (attempt %d): %v", attempt, lastError)
		},
		Attempts: deadlockAttempts,
		Delay:    2 * deadlockUnit,
		BackoffFunc: func(_ time.Duration, retryCount int) time.Duration {
			return time.Duration(retryCount) * 2 * deadlockUnit
		},
		Clock: f.clock,
		Stop:  ctx.Done(),
	})
	if err != nil {
		return nil, nil, errors.Trace(lastRetryError(err))
	}
	return newIDs, updatedIDs, nil
}

func lastRetryError(err error) error {
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}
