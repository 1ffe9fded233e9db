// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/dataforge/transformd/core/events"
	"github.com/dataforge/transformd/core/transform"
	"github.com/dataforge/transformd/internal/store"
)

// processNewTransform handles a NewTransform event: claim the row,
// materialise the initial contents and processing, and persist the
// bundle.
func (t *Transformer) processNewTransform(ctx context.Context, ev events.Event) error {
	event, ok := ev.(events.NewTransform)
	if !ok {
		return errors.Errorf("unexpected event %T", ev)
	}
	tf, err := t.config.Store.TransformByIDStatus(ctx, event.TransformID, transform.NewStatuses(), true)
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	args := t.handleNewTransform(ctx, tf)
	newIDs, updatedIDs := t.updateTransform(ctx, args)
	t.publishProcessingEvents(newIDs, updatedIDs)
	return nil
}

func (t *Transformer) publishProcessingEvents(newIDs, updatedIDs []int64) {
	for _, id := range newIDs {
		t.publish(events.NewProcessing{Publisher: t.config.PublisherID, ProcessingID: id})
	}
	for _, id := range updatedIDs {
		t.publish(events.UpdateProcessing{Publisher: t.config.PublisherID, ProcessingID: id})
	}
}

// handleNewTransform contains the failure policy around the real
// handler: errors bump the retry counter with a widening backoff, and
// fail the transform past the limit.
func (t *Transformer) handleNewTransform(ctx context.Context, tf *transform.Transform) store.OutputsArgs {
	args, err := t.handleNewTransformReal(ctx, tf)
	if err == nil {
		return args
	}
	logger.Errorf("handling new transform %d: %v", tf.TransformID, err)
	return t.failureArgs(tf)
}

// failureArgs is the parameter-only bundle written when a handler
// fails: keep Transforming under the retry limit, back off harder the
// more often it fails, and always release the lock.
func (t *Transformer) failureArgs(tf *transform.Transform) store.OutputsArgs {
	status := transform.StatusTransforming
	if tf.Retries > t.config.RetriesLimit {
		status = transform.StatusFailed
	}
	waitTimes := tf.Retries
	if waitTimes < 4 {
		waitTimes = 4
	}
	nextPollAt := t.config.Clock.Now().UTC().Add(t.config.PollTimePeriod * time.Duration(waitTimes))
	retries := tf.Retries + 1
	return store.OutputsArgs{
		Transform: tf,
		Parameters: transform.Update{
			Status:     &status,
			Locking:    transform.LockingIdle,
			NextPollAt: &nextPollAt,
			Retries:    &retries,
		},
	}
}

// handleNewTransformReal performs the initial materialisation.
func (t *Transformer) handleNewTransformReal(ctx context.Context, tf *transform.Transform) (store.OutputsArgs, error) {
	logger.Infof("handle new transform: transform_id: %d", tf.TransformID)

	w := tf.Metadata.Work
	if w == nil {
		return store.OutputsArgs{}, errors.NotValidf("transform %d without work descriptor", tf.TransformID)
	}
	w.SetWorkID(tf.TransformID)
	w.SetAgentAttributes(t.config.AgentAttributes, tf)

	nameToColl, err := t.config.Store.WorkNameToCollMap(ctx, tf.RequestID)
	if err != nil {
		return store.OutputsArgs{}, errors.Trace(err)
	}
	w.SetWorkNameToCollMap(nameToColl)

	newMaps := w.NewInputOutputMaps(nil)
	newInputs, newOutputs, newLogs, newDeps := newContents(tf, newMaps)
	var allNew []*transform.Content
	allNew = append(allNew, newInputs...)
	allNew = append(allNew, newOutputs...)
	allNew = append(allNew, newLogs...)
	allNew = append(allNew, newDeps...)

	var newProcessing *transform.Processing
	proc := w.Processing(newMaps, false)
	logger.Debugf("work processing with creating: %+v", proc)
	if proc != nil && proc.ProcessingID == 0 {
		newProcessing = t.newProcessingModel(tf, w, proc)
	}

	logger.Infof("generate message: %d", tf.TransformID)
	var msgs []*transform.Message
	if len(newInputs) > 0 {
		msgs = append(msgs, fileMessage(tf, newInputs, "input"))
	}
	if len(newOutputs) > 0 {
		msgs = append(msgs, fileMessage(tf, newOutputs, "output"))
	}

	if len(allNew) > 0 {
		w.HasNewUpdates()
	}

	status := transform.StatusTransforming
	nextPollAt := t.config.Clock.Now().UTC().Add(t.config.PollTimePeriod)
	return store.OutputsArgs{
		Transform: tf,
		Parameters: transform.Update{
			Status:     &status,
			Locking:    transform.LockingIdle,
			WorkloadID: &tf.WorkloadID,
			NextPollAt: &nextPollAt,
			Metadata:   &tf.Metadata,
		},
		NewContents:     allNew,
		Messages:        msgs,
		NewProcessing:   newProcessing,
		MessageBulkSize: t.config.MessageBulkSize,
	}, nil
}

// newProcessingModel builds the row for a processing the work wants
// created. The embedded descriptor is a cleaned deep copy so the
// persisted form stays a tree.
func (t *Transformer) newProcessingModel(tf *transform.Transform, w transform.Work, proc *transform.ProcessingRef) *transform.Processing {
	proc.Work = w.CloneClean()
	return &transform.Processing{
		TransformID: tf.TransformID,
		RequestID:   tf.RequestID,
		WorkloadID:  tf.WorkloadID,
		Status:      transform.ProcessingStatusNew,
		ExpiredAt:   tf.ExpiredAt,
		Metadata:    transform.ProcessingMetadata{Processing: proc},
	}
}

// updateTransform commits the bundle through the facade. If even the
// retried write fails, a parameter-only writeback releases the row
// lock with a bumped retry counter.
func (t *Transformer) updateTransform(ctx context.Context, args store.OutputsArgs) ([]int64, []int64) {
	logger.Infof("main thread finishing processing transform: %d", args.Transform.TransformID)
	newIDs, updatedIDs, err := t.config.Store.AddTransformOutputs(ctx, args)
	if err == nil {
		return newIDs, updatedIDs
	}
	logger.Errorf("adding transform outputs for %d: %v", args.Transform.TransformID, err)

	status := transform.StatusTransforming
	nextPollAt := t.config.Clock.Now().UTC().Add(t.config.PollTimePeriod)
	retries := args.Transform.Retries + 1
	_, _, err = t.config.Store.AddTransformOutputs(ctx, store.OutputsArgs{
		Transform: args.Transform,
		Parameters: transform.Update{
			Status:     &status,
			Locking:    transform.LockingIdle,
			NextPollAt: &nextPollAt,
			Retries:    &retries,
		},
	})
	if err != nil {
		logger.Errorf("parameter-only writeback for %d: %v", args.Transform.TransformID, err)
	}
	return nil, nil
}
