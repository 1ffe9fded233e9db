// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"context"

	"github.com/dataforge/transformd/core/events"
	"github.com/dataforge/transformd/core/transform"
	"github.com/dataforge/transformd/internal/store"
)

// getNewTransforms claims transforms awaiting their first
// materialisation and publishes a NewTransform event per row. Storage
// errors are logged, not fatal: the rows stay claimable for the next
// sweep.
func (t *Transformer) getNewTransforms(ctx context.Context) {
	if !t.okToRunMore() {
		return
	}
	t.showQueueSize()

	nextPollAt := t.config.Clock.Now().UTC().Add(t.config.PollTimePeriod)
	claimed, err := t.config.Store.TransformsByStatus(
		ctx, transform.NewStatuses(), nextPollAt, t.config.RetrieveBulkSize)
	if err != nil {
		if store.IsDeadlock(err) {
			logger.Warningf("deadlock detected claiming new transforms")
		} else {
			logger.Errorf("claiming new transforms: %v", err)
		}
		return
	}
	logger.Debugf("main thread got %d New+Ready+Extend transforms to process", len(claimed))
	if len(claimed) > 0 {
		logger.Infof("main thread got %d New+Ready+Extend transforms to process", len(claimed))
	}
	for _, tf := range claimed {
		t.publish(events.NewTransform{Publisher: t.config.PublisherID, TransformID: tf.TransformID})
	}
}

// getRunningTransforms claims transforms in flight (including pending
// operator requests) and publishes an UpdateTransform event per row.
func (t *Transformer) getRunningTransforms(ctx context.Context) {
	if !t.okToRunMore() {
		return
	}
	t.showQueueSize()

	nextPollAt := t.config.Clock.Now().UTC().Add(t.config.PollTimePeriod)
	claimed, err := t.config.Store.TransformsByStatus(
		ctx, transform.RunningStatuses(), nextPollAt, t.config.RetrieveBulkSize)
	if err != nil {
		if store.IsDeadlock(err) {
			logger.Warningf("deadlock detected claiming running transforms")
		} else {
			logger.Errorf("claiming running transforms: %v", err)
		}
		return
	}
	logger.Debugf("main thread got %d transforming transforms to process", len(claimed))
	if len(claimed) > 0 {
		logger.Infof("main thread got %d transforming transforms to process", len(claimed))
	}
	for _, tf := range claimed {
		t.publish(events.UpdateTransform{Publisher: t.config.PublisherID, TransformID: tf.TransformID})
	}
}

// cleanLocks clears locking flags older than the configured threshold,
// recovering rows orphaned by a crashed worker.
func (t *Transformer) cleanLocks(ctx context.Context) {
	logger.Infof("clean locking")
	if err := t.config.Store.CleanLocking(ctx, t.config.CleanLockingThreshold); err != nil {
		logger.Errorf("cleaning locks: %v", err)
	}
}
