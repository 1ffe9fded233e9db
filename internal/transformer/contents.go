// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"context"

	"github.com/juju/errors"

	"github.com/dataforge/transformd/core/transform"
)

// newContents flattens the work-provided maps into the four content
// lists, filling identity and defaults. Inputs and dependencies keep a
// status the descriptor set; outputs and logs always start New. Missing
// min/max ids coerce to zero.
func newContents(tf *transform.Transform, maps transform.IOMaps) (inputs, outputs, logs, deps []*transform.Content) {
	flatten := func(c *transform.Content, mapID int64, relation transform.ContentRelationType, keepStatus bool) *transform.Content {
		out := *c
		out.TransformID = tf.TransformID
		out.RequestID = tf.RequestID
		out.WorkloadID = tf.WorkloadID
		out.MapID = mapID
		out.RelationType = relation
		if out.MinID < 0 {
			out.MinID = 0
		}
		if out.MaxID < 0 {
			out.MaxID = 0
		}
		if keepStatus {
			if out.Status == transform.ContentStatusUnknown {
				out.Status = transform.ContentStatusNew
			}
			if out.Substatus == transform.ContentStatusUnknown {
				out.Substatus = transform.ContentStatusNew
			}
		} else {
			out.Status = transform.ContentStatusNew
			out.Substatus = transform.ContentStatusNew
		}
		return &out
	}
	for mapID, m := range maps {
		for _, c := range m.Inputs {
			inputs = append(inputs, flatten(c, mapID, transform.RelationInput, true))
		}
		for _, c := range m.InputsDependency {
			deps = append(deps, flatten(c, mapID, transform.RelationInputDependency, true))
		}
		for _, c := range m.Outputs {
			outputs = append(outputs, flatten(c, mapID, transform.RelationOutput, false))
		}
		for _, c := range m.Logs {
			logs = append(logs, flatten(c, mapID, transform.RelationLog, false))
		}
	}
	return inputs, outputs, logs, deps
}

// allDependencyAvailable reports whether every dependency has been
// delivered, fakes included.
func allDependencyAvailable(deps []*transform.Content) bool {
	for _, c := range deps {
		if !c.Status.Available() {
			return false
		}
	}
	return true
}

// allDependencyTerminated reports whether every dependency has reached
// a final state, successful or not.
func allDependencyTerminated(deps []*transform.Content) bool {
	for _, c := range deps {
		if !c.Status.Terminated() {
			return false
		}
	}
	return true
}

// updatedContents runs the per-map dependency evaluation over the
// registered maps. Inputs whose dependencies are all available advance
// to Available; maps fully terminated without full availability push
// their inputs and outputs to Missing. Independently, any output with
// an unflushed substatus is flushed. Mutations are applied to the
// in-memory contents and reported as updates.
func updatedContents(registered transform.IOMaps) (updates []transform.ContentUpdate, inputsFull, outputsFull []*transform.Content) {
	flush := func(c *transform.Content, to transform.ContentStatus, withSub bool) transform.ContentUpdate {
		c.Substatus = to
		update := transform.ContentUpdate{ContentID: c.ContentID, Status: to}
		if withSub {
			sub := to
			update.Substatus = &sub
		}
		c.Status = to
		return update
	}
	for _, m := range registered {
		switch {
		case allDependencyAvailable(m.InputsDependency):
			for _, c := range m.Inputs {
				c.Substatus = transform.ContentStatusAvailable
				if c.Status != c.Substatus {
					updates = append(updates, flush(c, transform.ContentStatusAvailable, true))
					inputsFull = append(inputsFull, c)
				}
			}
		case allDependencyTerminated(m.InputsDependency):
			for _, c := range m.Inputs {
				c.Substatus = transform.ContentStatusMissing
				if c.Status != c.Substatus {
					updates = append(updates, flush(c, transform.ContentStatusMissing, true))
					inputsFull = append(inputsFull, c)
				}
			}
			for _, c := range m.Outputs {
				c.Substatus = transform.ContentStatusMissing
				if c.Status != c.Substatus {
					updates = append(updates, flush(c, transform.ContentStatusMissing, true))
					outputsFull = append(outputsFull, c)
				}
			}
		}
		for _, c := range m.Outputs {
			if c.Status != c.Substatus {
				sub := c.Substatus
				c.Status = sub
				updates = append(updates, transform.ContentUpdate{ContentID: c.ContentID, Status: sub})
				outputsFull = append(outputsFull, c)
			}
		}
	}
	return updates, inputsFull, outputsFull
}

// triggerReleaseInputs hands every settled output, grouped by
// collection, to the release operation. final is set only on terminal
// releases.
func (t *Transformer) triggerReleaseInputs(ctx context.Context, maps transform.IOMaps, final bool) ([]transform.ContentUpdate, error) {
	toRelease := make(map[int64][]*transform.Content)
	for _, m := range maps {
		for _, c := range m.Outputs {
			if c.Status.Terminated() || c.Substatus.Terminated() {
				toRelease[c.CollID] = append(toRelease[c.CollID], c)
			}
		}
	}
	if len(toRelease) == 0 {
		return nil, nil
	}
	updates, err := t.config.Store.ReleaseInputsByCollection(ctx, toRelease, final)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("trigger release inputs: %d updates", len(updates))
	return updates, nil
}

// pollInputsDependency is the fallback when a release pass yielded
// nothing: dependencies still pending on both status and substatus are
// checked against their producing outputs.
func (t *Transformer) pollInputsDependency(ctx context.Context, maps transform.IOMaps) ([]transform.ContentUpdate, error) {
	unfinished := make(map[int64][]*transform.Content)
	for _, m := range maps {
		for _, c := range m.InputsDependency {
			if !c.Status.Terminated() && !c.Substatus.Terminated() {
				unfinished[c.CollID] = append(unfinished[c.CollID], c)
			}
		}
	}
	if len(unfinished) == 0 {
		return nil, nil
	}
	updates, err := t.config.Store.PollInputsDependencyByCollection(ctx, unfinished)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("poll inputs dependency: %d updates", len(updates))
	return updates, nil
}

// reactiveContents resets the contents of every map that has not fully
// delivered its outputs back to New, dependencies included unless
// already Available. Maps whose outputs are all Available keep their
// results.
func reactiveContents(maps transform.IOMaps) []transform.ContentUpdate {
	var updates []transform.ContentUpdate
	reset := func(c *transform.Content) {
		sub := transform.ContentStatusNew
		updates = append(updates, transform.ContentUpdate{
			ContentID: c.ContentID,
			Status:    transform.ContentStatusNew,
			Substatus: &sub,
		})
	}
	for _, m := range maps {
		allAvailable := true
		for _, c := range m.Outputs {
			if c.Status != transform.ContentStatusAvailable {
				allAvailable = false
				break
			}
		}
		if allAvailable {
			continue
		}
		for _, c := range m.Inputs {
			reset(c)
		}
		for _, c := range m.Outputs {
			reset(c)
		}
		for _, c := range m.InputsDependency {
			if c.Status != transform.ContentStatusAvailable {
				reset(c)
			}
		}
	}
	return updates
}
