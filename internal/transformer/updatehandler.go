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

// processUpdateTransform handles an UpdateTransform event: claim the
// row, run one reconciliation tick, persist the bundle and fan out the
// outcome events.
func (t *Transformer) processUpdateTransform(ctx context.Context, ev events.Event) error {
	event, ok := ev.(events.UpdateTransform)
	if !ok {
		return errors.Errorf("unexpected event %T", ev)
	}
	tf, err := t.config.Store.TransformByIDStatus(ctx, event.TransformID, transform.RunningStatuses(), true)
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	args := t.handleUpdateTransform(ctx, tf)
	t.publish(events.UpdateRequest{Publisher: t.config.PublisherID, RequestID: tf.RequestID})
	newIDs, updatedIDs := t.updateTransform(ctx, args)
	t.publishProcessingEvents(newIDs, updatedIDs)
	return nil
}

// handleUpdateTransform runs the operator command path when a pending
// message exists, the full reconciliation otherwise. Failures follow
// the shared retry policy.
func (t *Transformer) handleUpdateTransform(ctx context.Context, tf *transform.Transform) store.OutputsArgs {
	msgs, err := t.config.Store.TransformMessages(ctx, tf.TransformID, 1)
	if err != nil {
		logger.Errorf("fetching operator messages for %d: %v", tf.TransformID, err)
		return t.failureArgs(tf)
	}
	if len(msgs) > 0 {
		logger.Infof("main thread processing running transform %d with message", tf.TransformID)
		return t.processRunningTransformMessage(tf, msgs[0])
	}
	logger.Infof("main thread processing running transform %d", tf.TransformID)
	args, err := t.handleUpdateTransformReal(ctx, tf)
	if err != nil {
		logger.Errorf("handling running transform %d: %v", tf.TransformID, err)
		return t.failureArgs(tf)
	}
	return args
}

// processRunningTransformMessage is the operator's escape hatch: an
// update_transform command applies its parameters directly, bypassing
// the state machine; anything else fails the message and leaves the
// transform untouched.
func (t *Transformer) processRunningTransformMessage(tf *transform.Transform, msg *transform.Message) store.OutputsArgs {
	command, _ := msg.Content["command"].(string)
	if command != "update_transform" {
		logger.Errorf("unknown operator message %d for transform %d: %q", msg.MsgID, tf.TransformID, command)
		return store.OutputsArgs{
			Transform:  tf,
			Parameters: transform.Update{Locking: transform.LockingIdle},
			UpdateMessages: []transform.MessageUpdate{{
				MsgID:  msg.MsgID,
				Status: transform.MessageStatusFailed,
			}},
		}
	}
	rawParams, _ := msg.Content["parameters"].(map[string]any)
	params := updateFromMap(rawParams)
	params.Locking = transform.LockingIdle
	return store.OutputsArgs{
		Transform:  tf,
		Parameters: params,
		UpdateMessages: []transform.MessageUpdate{{
			MsgID:  msg.MsgID,
			Status: transform.MessageStatusDelivered,
		}},
	}
}

// updateFromMap decodes the loosely-typed parameters of an operator
// command message.
func updateFromMap(raw map[string]any) transform.Update {
	var u transform.Update
	if v, ok := asInt64(raw["status"]); ok {
		status := transform.Status(v)
		u.Status = &status
	}
	if v, ok := asInt64(raw["workload_id"]); ok {
		u.WorkloadID = &v
	}
	if v, ok := asInt64(raw["retries"]); ok {
		retries := int(v)
		u.Retries = &retries
	}
	if s, ok := raw["next_poll_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339, s); err == nil {
			u.NextPollAt = &at
		}
	}
	return u
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// terminalRule maps a work terminal predicate onto the transform and
// collection statuses it selects. Order matters: the first matching
// predicate wins.
type terminalRule struct {
	matches    func() bool
	status     transform.Status
	collStatus transform.CollectionStatus
}

func terminalRules(w transform.Work) []terminalRule {
	return []terminalRule{
		{w.IsFinished, transform.StatusFinished, transform.CollectionStatusClosed},
		{w.IsSubFinished, transform.StatusSubFinished, transform.CollectionStatusSubClosed},
		{w.IsFailed, transform.StatusFailed, transform.CollectionStatusFailed},
		{w.IsExpired, transform.StatusExpired, transform.CollectionStatusSubClosed},
		{w.IsCancelled, transform.StatusCancelled, transform.CollectionStatusCancelled},
		{w.IsSuspended, transform.StatusSuspended, transform.CollectionStatusSuspended},
	}
}

// handleUpdateTransformReal performs one reconciliation tick over a
// running transform under its row lock.
func (t *Transformer) handleUpdateTransformReal(ctx context.Context, tf *transform.Transform) (store.OutputsArgs, error) {
	logger.Infof("handle update transform: transform_id: %d", tf.TransformID)

	isOperation := tf.Status.IsOperation()
	operationProcStatus, hasOperationProcStatus := operationProcessingStatus(tf.Status)

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
		}
	}

	registered, err := t.config.Store.TransformInputOutputMaps(
		ctx, tf.TransformID, collIDs(inputColls), collIDs(outputColls), collIDs(logColls))
	if err != nil {
		return store.OutputsArgs{}, errors.Trace(err)
	}

	nameToColl, err := t.config.Store.WorkNameToCollMap(ctx, tf.RequestID)
	if err != nil {
		return store.OutputsArgs{}, errors.Trace(err)
	}
	w.SetWorkNameToCollMap(nameToColl)

	// Sync the persisted processing into the descriptor.
	proc := w.Processing(nil, true)
	logger.Debugf("work processing: %+v", proc)
	if proc != nil && proc.ProcessingID != 0 {
		procModel, err := t.config.Store.Processing(ctx, proc.ProcessingID)
		if err != nil {
			return store.OutputsArgs{}, errors.Trace(err)
		}
		w.SyncProcessing(proc, procModel)
		if len(procModel.Metadata.Errors) > 0 {
			w.SetTerminatedMsg(procModel.Metadata.Errors)
		}
		w.SetOutputData(proc.OutputData)
		tf.WorkloadID = procModel.WorkloadID
	}

	// Discover contents not yet registered.
	newMaps := w.NewInputOutputMaps(registered)
	newInputs, newOutputs, newLogs, newDeps := newContents(tf, newMaps)
	var allNew []*transform.Content
	allNew = append(allNew, newInputs...)
	allNew = append(allNew, newOutputs...)
	allNew = append(allNew, newLogs...)
	allNew = append(allNew, newDeps...)

	// Create a processing if the descriptor still has none.
	var newProcessing *transform.Processing
	if proc == nil {
		proc = w.Processing(newMaps, false)
		logger.Debugf("work processing with creating: %+v", proc)
	}
	if proc != nil && proc.ProcessingID == 0 {
		newProcessing = t.newProcessingModel(tf, w, proc)
		if hasOperationProcStatus {
			newProcessing.Status = operationProcStatus
		}
	}

	// Dependency evaluation and input release.
	var updated []transform.ContentUpdate
	var updatedInputsFull, updatedOutputsFull []*transform.Content
	var released []transform.ContentUpdate
	if w.ShouldReleaseInputs(proc, t.config.PollOperationTimePeriod) {
		logger.Infof("get updated contents for transform %d", tf.TransformID)
		updated, updatedInputsFull, updatedOutputsFull = updatedContents(registered)
		if w.UseDependencyToReleaseJobs() {
			logger.Infof("trigger release inputs: %d", tf.TransformID)
			released, err = t.triggerReleaseInputs(ctx, registered, false)
			if err != nil {
				return store.OutputsArgs{}, errors.Trace(err)
			}
			if len(released) == 0 {
				released, err = t.pollInputsDependency(ctx, registered)
				if err != nil {
					return store.OutputsArgs{}, errors.Trace(err)
				}
			}
		}
	}

	logger.Infof("generate message: %d", tf.TransformID)
	var msgs []*transform.Message
	if len(newInputs) > 0 {
		msgs = append(msgs, fileMessage(tf, newInputs, "input"))
	}
	if len(newOutputs) > 0 {
		msgs = append(msgs, fileMessage(tf, newOutputs, "output"))
	}
	if len(updatedInputsFull) > 0 {
		msgs = append(msgs, fileMessage(tf, updatedInputsFull, "input"))
	}
	if len(updatedOutputsFull) > 0 {
		msgs = append(msgs, fileMessage(tf, updatedOutputsFull, "output"))
	}

	logger.Infof("sync collection status: %d", tf.TransformID)
	allUpdatesFlushed, outputStatistics := syncCollectionStatus(inputColls, outputColls, logColls, registered)

	logger.Infof("sync work status: %d, transform status: %s", tf.TransformID, tf.Status)
	w.SyncWorkStatus(registered, allUpdatesFlushed, outputStatistics, released)
	if w.IsTerminated() && w.UseDependencyToReleaseJobs() {
		logger.Infof("transform %d work terminated, trigger final release", tf.TransformID)
		finalReleased, err := t.triggerReleaseInputs(ctx, registered, true)
		if err != nil {
			return store.OutputsArgs{}, errors.Trace(err)
		}
		released = append(released, finalReleased...)
	}

	// State transition.
	toResume := false
	var reactivated []transform.ContentUpdate
	switch tf.Status {
	case transform.StatusToCancel:
		tf.Status = transform.StatusCancelling
		w.Flags().ToCancel = true
	case transform.StatusToSuspend:
		tf.Status = transform.StatusSuspending
		w.Flags().ToSuspend = true
	case transform.StatusToResume:
		tf.Status = transform.StatusResuming
		tf.Retries = 0
		w.Flags().ToResume = true
		toResume = true
		reactivated = reactiveContents(registered)
		for _, refs := range [][]*transform.CollectionRef{inputColls, outputColls, logColls} {
			for _, ref := range refs {
				if ref.Model != nil {
					ref.Model.Status = transform.CollectionStatusOpen
				}
			}
		}
	case transform.StatusToExpire:
		tf.Status = transform.StatusExpiring
		w.Flags().ToExpire = true
	case transform.StatusToFinish:
		tf.Status = transform.StatusTransforming
		w.Flags().ToFinish = true
	case transform.StatusToForceFinish:
		tf.Status = transform.StatusTransforming
		w.Flags().ToForceFinish = true
	default:
		tf.Status = transform.StatusTransforming
		for _, rule := range terminalRules(w) {
			if !rule.matches() {
				continue
			}
			tf.Status = rule.status
			msgs = append(msgs, workMessage(tf, w))
			for _, ref := range inputColls {
				if ref.Model != nil {
					ref.Model.Status = rule.collStatus
					msgs = append(msgs, collectionMessage(tf, w, ref.Model, "input"))
				}
			}
			for _, ref := range outputColls {
				if ref.Model != nil {
					ref.Model.Status = rule.collStatus
					msgs = append(msgs, collectionMessage(tf, w, ref.Model, "output"))
				}
			}
			for _, ref := range logColls {
				if ref.Model != nil {
					ref.Model.Status = rule.collStatus
					msgs = append(msgs, collectionMessage(tf, w, ref.Model, "log"))
				}
			}
			break
		}
	}

	// Poll backoff: operator requests get the short spacing, resumes a
	// little extra to let the processing agent catch up first.
	var nextPollAt time.Time
	now := t.config.Clock.Now().UTC()
	if !isOperation {
		nextPollAt = now.Add(t.config.PollTimePeriod)
	} else if toResume {
		nextPollAt = now.Add(t.config.PollOperationTimePeriod * 5)
	} else {
		nextPollAt = now.Add(t.config.PollOperationTimePeriod)
	}

	tf.Retries = 0
	retries := 0

	if len(allNew) > 0 || len(updated) > 0 || len(released) > 0 {
		w.HasNewUpdates()
	}

	var updateContents []transform.ContentUpdate
	updateContents = append(updateContents, updated...)
	updateContents = append(updateContents, released...)
	updateContents = append(updateContents, reactivated...)

	return store.OutputsArgs{
		Transform: tf,
		Parameters: transform.Update{
			Status:     &tf.Status,
			Locking:    transform.LockingIdle,
			WorkloadID: &tf.WorkloadID,
			NextPollAt: &nextPollAt,
			Retries:    &retries,
			Metadata:   &tf.Metadata,
		},
		UpdateInputCollections:  collModels(inputColls),
		UpdateOutputCollections: collModels(outputColls),
		UpdateLogCollections:    collModels(logColls),
		NewContents:             allNew,
		UpdateContents:          updateContents,
		Messages:                msgs,
		NewProcessing:           newProcessing,
		MessageBulkSize:         t.config.MessageBulkSize,
	}, nil
}
