// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"context"

	"github.com/juju/errors"

	"github.com/dataforge/transformd/core/events"
	"github.com/dataforge/transformd/core/transform"
	"github.com/dataforge/transformd/internal/store"
)

// processAbortTransform handles an operator abort. Already-terminal
// transforms are refused with an informative error on the row; live
// ones go to Cancelling and the abort is forwarded to the processing
// agent when a processing exists.
func (t *Transformer) processAbortTransform(ctx context.Context, ev events.Event) error {
	event, ok := ev.(events.AbortTransform)
	if !ok {
		return errors.Errorf("unexpected event %T", ev)
	}
	tf, err := t.config.Store.TransformByIDStatus(ctx, event.TransformID, nil, true)
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	if tf.Status.IsTerminal() {
		t.updateTransform(ctx, t.refusalArgs(tf, "Transform is already terminated. Cannot be aborted"))
		return nil
	}

	t.updateTransform(ctx, t.handleAbortTransform(tf))

	w := tf.Metadata.Work
	if w == nil {
		return nil
	}
	w.SetWorkID(tf.TransformID)
	w.SetAgentAttributes(t.config.AgentAttributes, tf)
	if proc := w.Processing(nil, true); proc != nil && proc.ProcessingID != 0 {
		t.publish(events.AbortProcessing{Publisher: t.config.PublisherID, ProcessingID: proc.ProcessingID})
	} else {
		t.publish(events.UpdateTransform{Publisher: t.config.PublisherID, TransformID: tf.TransformID})
	}
	return nil
}

// refusalArgs releases the lock and records why the operation was not
// applied, preserving any earlier error message on the row.
func (t *Transformer) refusalArgs(tf *transform.Transform, extraMsg string) store.OutputsArgs {
	errs := map[string]string{"extra_msg": extraMsg}
	if msg, ok := tf.Errors["msg"]; ok {
		errs["msg"] = msg
	}
	return store.OutputsArgs{
		Transform: tf,
		Parameters: transform.Update{
			Locking: transform.LockingIdle,
			Errors:  errs,
		},
	}
}

func (t *Transformer) handleAbortTransform(tf *transform.Transform) store.OutputsArgs {
	if w := tf.Metadata.Work; w != nil {
		w.Flags().ToCancel = true
	}
	status := transform.StatusCancelling
	nextPollAt := t.config.Clock.Now().UTC().Add(t.config.PollOperationTimePeriod)
	return store.OutputsArgs{
		Transform: tf,
		Parameters: transform.Update{
			Status:     &status,
			Locking:    transform.LockingIdle,
			NextPollAt: &nextPollAt,
			Metadata:   &tf.Metadata,
		},
	}
}

// processResumeTransform handles an operator resume. Only finished
// transforms are refused; everything else has its contents reactivated
// and the resume forwarded to the processing agent when a processing
// exists.
func (t *Transformer) processResumeTransform(ctx context.Context, ev events.Event) error {
	event, ok := ev.(events.ResumeTransform)
	if !ok {
		return errors.Errorf("unexpected event %T", ev)
	}
	tf, err := t.config.Store.TransformByIDStatus(ctx, event.TransformID, nil, true)
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	if tf.Status == transform.StatusFinished {
		t.updateTransform(ctx, t.refusalArgs(tf, "Transform is already finished. Cannot be resumed"))
		return nil
	}

	args, err := t.handleResumeTransform(ctx, tf)
	if err != nil {
		logger.Errorf("handling resume transform %d: %v", tf.TransformID, err)
		t.updateTransform(ctx, t.failureArgs(tf))
		return nil
	}
	t.updateTransform(ctx, args)

	w := tf.Metadata.Work
	if w == nil {
		return nil
	}
	if proc := w.Processing(nil, true); proc != nil && proc.ProcessingID != 0 {
		t.publish(events.ResumeProcessing{Publisher: t.config.PublisherID, ProcessingID: proc.ProcessingID})
	} else {
		t.publish(events.UpdateTransform{Publisher: t.config.PublisherID, TransformID: tf.TransformID})
	}
	return nil
}

// handleResumeTransform reactivates every undelivered map and reopens
// the collections, putting the transform into Resuming with a clean
// retry counter.
func (t *Transformer) handleResumeTransform(ctx context.Context, tf *transform.Transform) (store.OutputsArgs, error) {
	w := tf.Metadata.Work
	if w == nil {
		return store.OutputsArgs{}, errors.NotValidf("transform %d without work descriptor", tf.TransformID)
	}
	w.SetWorkID(tf.TransformID)
	w.SetAgentAttributes(t.config.AgentAttributes, tf)

	inputColls := w.InputCollections()
	outputColls := w.OutputCollections()
	logColls := w.LogCollections()
	for _, refs := range [][]*transform.CollectionRef{inputColls, outputColls, logColls} {
		for _, ref := range refs {
			model, err := t.config.Store.Collection(ctx, ref.CollID)
			if err != nil {
				return store.OutputsArgs{}, errors.Trace(err)
			}
			ref.Model = model
			ref.Model.Status = transform.CollectionStatusOpen
		}
	}

	registered, err := t.config.Store.TransformInputOutputMaps(
		ctx, tf.TransformID, collIDs(inputColls), collIDs(outputColls), collIDs(logColls))
	if err != nil {
		return store.OutputsArgs{}, errors.Trace(err)
	}

	w.Flags().ToResume = true
	reactivated := reactiveContents(registered)

	status := transform.StatusResuming
	retries := 0
	nextPollAt := t.config.Clock.Now().UTC().Add(t.config.PollOperationTimePeriod)
	return store.OutputsArgs{
		Transform: tf,
		Parameters: transform.Update{
			Status:     &status,
			Locking:    transform.LockingIdle,
			NextPollAt: &nextPollAt,
			Retries:    &retries,
			Metadata:   &tf.Metadata,
		},
		UpdateInputCollections:  collModels(inputColls),
		UpdateOutputCollections: collModels(outputColls),
		UpdateLogCollections:    collModels(logColls),
		UpdateContents:          reactivated,
	}, nil
}
