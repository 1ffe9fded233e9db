// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/dataforge/transformd/core/events"
	"github.com/dataforge/transformd/core/transform"
)

type UpdateHandlerSuite struct {
	testing.IsolationSuite

	repo  *fakeRepo
	clock *testclock.Clock
	bus   *events.Bus
	agent *Transformer
}

var _ = gc.Suite(&UpdateHandlerSuite{})

func (s *UpdateHandlerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.repo = newFakeRepo()
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s.bus = events.NewBus()
	s.agent = newTestAgent(s.repo, s.clock, s.bus)
}

// collWork returns a stub descriptor declaring one input, one output
// and one log collection, hydrated from the fake store.
func (s *UpdateHandlerSuite) collWork() *stubWork {
	w := &stubWork{}
	w.InputColls = []*transform.CollectionRef{{CollID: 1, Scope: "mc16", Name: "in"}}
	w.OutputColls = []*transform.CollectionRef{{CollID: 2, Scope: "mc16", Name: "out"}}
	w.LogColls = []*transform.CollectionRef{{CollID: 3, Scope: "mc16", Name: "log"}}
	s.repo.collections[1] = &transform.Collection{CollID: 1, Scope: "mc16", Name: "in", Status: transform.CollectionStatusOpen}
	s.repo.collections[2] = &transform.Collection{CollID: 2, Scope: "mc16", Name: "out", Status: transform.CollectionStatusOpen}
	s.repo.collections[3] = &transform.Collection{CollID: 3, Scope: "mc16", Name: "log", Status: transform.CollectionStatusOpen}
	return w
}

func (s *UpdateHandlerSuite) runningTransform(status transform.Status, w transform.Work) *transform.Transform {
	tf := testTransform()
	tf.Status = status
	tf.ExpiredAt = s.clock.Now().UTC().Add(24 * time.Hour)
	tf.Metadata.Work = w
	s.repo.transforms[tf.TransformID] = tf
	return tf
}

func (s *UpdateHandlerSuite) process(c *gc.C, tf *transform.Transform) {
	err := s.agent.processUpdateTransform(context.Background(), events.UpdateTransform{TransformID: tf.TransformID})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.repo.outputCount() > 0, jc.IsTrue)
}

func (s *UpdateHandlerSuite) TestDependencySatisfiedReleasesInputs(c *gc.C) {
	w := s.collWork()
	w.DependencyRelease = true
	tf := s.runningTransform(transform.StatusTransforming, w)

	input := &transform.Content{
		ContentID: 1, CollID: 1, Scope: "mc16", Name: "i1",
		Status: transform.ContentStatusNew, Substatus: transform.ContentStatusNew,
		RelationType: transform.RelationInput,
	}
	s.repo.registered = transform.IOMaps{
		1: {
			Inputs: []*transform.Content{input},
			InputsDependency: []*transform.Content{
				{ContentID: 2, CollID: 5, Status: transform.ContentStatusAvailable},
				{ContentID: 3, CollID: 5, Status: transform.ContentStatusFakeAvailable},
			},
			Outputs: []*transform.Content{{
				ContentID: 4, CollID: 2, Scope: "mc16", Name: "o1",
				Status: transform.ContentStatusNew, Substatus: transform.ContentStatusAvailable,
			}},
		},
		2: {
			// Keeps the transform running: this map has not produced
			// anything yet.
			Outputs: []*transform.Content{{
				ContentID: 5, CollID: 2, Scope: "mc16", Name: "o2",
				Status: transform.ContentStatusNew, Substatus: transform.ContentStatusNew,
			}},
			InputsDependency: []*transform.Content{
				{ContentID: 6, CollID: 5, Status: transform.ContentStatusAvailable},
			},
		},
	}
	released := transform.ContentStatusAvailable
	s.repo.releaseResult = []transform.ContentUpdate{
		{ContentID: 99, Status: transform.ContentStatusAvailable, Substatus: &released},
	}

	requestEvents := capture(s.bus, events.KindUpdateRequest)
	s.process(c, tf)

	args := s.repo.lastOutput()
	// The input advanced to Available and the downstream release is in
	// the same update batch.
	c.Check(input.Status, gc.Equals, transform.ContentStatusAvailable)
	ids := make(map[int64]bool)
	for _, u := range args.UpdateContents {
		ids[u.ContentID] = true
	}
	c.Check(ids[1], jc.IsTrue)
	c.Check(ids[99], jc.IsTrue)

	// An input file message was emitted for the released content.
	foundInputMsg := false
	for _, msg := range args.Messages {
		if msg.Content["relation_type"] == "input" && msg.Content["files"] != nil {
			foundInputMsg = true
		}
	}
	c.Check(foundInputMsg, jc.IsTrue)

	s.repo.CheckCallNames(c,
		"TransformByIDStatus", "TransformMessages", "Collection", "Collection", "Collection",
		"TransformInputOutputMaps", "WorkNameToCollMap", "ReleaseInputsByCollection",
		"AddTransformOutputs")

	select {
	case <-requestEvents:
	case <-time.After(testing.LongWait):
		c.Fatalf("no UpdateRequest event published")
	}
}

func (s *UpdateHandlerSuite) TestDependencyFatalMarksMissing(c *gc.C) {
	w := s.collWork()
	tf := s.runningTransform(transform.StatusTransforming, w)

	input := &transform.Content{
		ContentID: 1, CollID: 1, Scope: "mc16", Name: "i1",
		Status: transform.ContentStatusNew, Substatus: transform.ContentStatusNew,
	}
	output := &transform.Content{
		ContentID: 4, CollID: 2, Scope: "mc16", Name: "o1",
		Status: transform.ContentStatusNew, Substatus: transform.ContentStatusNew,
	}
	s.repo.registered = transform.IOMaps{
		1: {
			Inputs:  []*transform.Content{input},
			Outputs: []*transform.Content{output},
			InputsDependency: []*transform.Content{
				{ContentID: 2, Status: transform.ContentStatusFinalFailed},
				{ContentID: 3, Status: transform.ContentStatusMissing},
			},
		},
	}

	s.process(c, tf)
	args := s.repo.lastOutput()

	c.Check(input.Status, gc.Equals, transform.ContentStatusMissing)
	c.Check(output.Status, gc.Equals, transform.ContentStatusMissing)

	// Both surfaces appear in file messages.
	relations := make(map[string]bool)
	for _, msg := range args.Messages {
		if msg.Content["files"] != nil {
			relations[msg.Content["relation_type"].(string)] = true
		}
	}
	c.Check(relations["input"], jc.IsTrue)
	c.Check(relations["output"], jc.IsTrue)

	// Every output terminated without success: the default work policy
	// fails the transform and the collections.
	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusFailed)
	for _, coll := range args.UpdateOutputCollections {
		c.Check(coll.Status, gc.Equals, transform.CollectionStatusFailed)
	}
}

func (s *UpdateHandlerSuite) TestOperatorCancel(c *gc.C) {
	w := s.collWork()
	tf := s.runningTransform(transform.StatusToCancel, w)

	s.process(c, tf)
	args := s.repo.lastOutput()

	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusCancelling)
	c.Check(w.Flags().ToCancel, jc.IsTrue)
	// Operator spacing, not the long poll period.
	c.Check(*args.Parameters.NextPollAt, gc.Equals, s.clock.Now().UTC().Add(120*time.Second))
	// A processing created while the cancel is pending starts in
	// ToCancel.
	c.Assert(args.NewProcessing, gc.NotNil)
	c.Check(args.NewProcessing.Status, gc.Equals, transform.ProcessingStatusToCancel)
}

func (s *UpdateHandlerSuite) TestResumeReactivatesContents(c *gc.C) {
	w := s.collWork()
	tf := s.runningTransform(transform.StatusToResume, w)
	tf.Retries = 7

	// Map 1: all outputs available (kept). Map 2: mixed. Map 3: none.
	settled := func(id, collID int64, status transform.ContentStatus) *transform.Content {
		return &transform.Content{ContentID: id, CollID: collID, Status: status, Substatus: status}
	}
	s.repo.registered = transform.IOMaps{
		1: {
			Inputs:  []*transform.Content{settled(10, 1, transform.ContentStatusAvailable)},
			Outputs: []*transform.Content{settled(11, 2, transform.ContentStatusAvailable)},
		},
		2: {
			Inputs: []*transform.Content{settled(20, 1, transform.ContentStatusAvailable)},
			Outputs: []*transform.Content{
				settled(21, 2, transform.ContentStatusAvailable),
				settled(22, 2, transform.ContentStatusFinalFailed),
			},
		},
		3: {
			Inputs:  []*transform.Content{settled(30, 1, transform.ContentStatusMissing)},
			Outputs: []*transform.Content{settled(31, 2, transform.ContentStatusNew)},
		},
	}

	s.process(c, tf)
	args := s.repo.lastOutput()

	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusResuming)
	c.Assert(args.Parameters.Retries, gc.NotNil)
	c.Check(*args.Parameters.Retries, gc.Equals, 0)
	c.Check(w.Flags().ToResume, jc.IsTrue)

	reset := make(map[int64]bool)
	for _, u := range args.UpdateContents {
		if u.Status == transform.ContentStatusNew {
			reset[u.ContentID] = true
		}
	}
	c.Check(reset[10], jc.IsFalse)
	c.Check(reset[11], jc.IsFalse)
	for _, id := range []int64{20, 21, 22, 30, 31} {
		c.Check(reset[id], jc.IsTrue, gc.Commentf("content %d", id))
	}

	// All collections reopened.
	for _, colls := range [][]*transform.Collection{
		args.UpdateInputCollections, args.UpdateOutputCollections, args.UpdateLogCollections,
	} {
		for _, coll := range colls {
			c.Check(coll.Status, gc.Equals, transform.CollectionStatusOpen)
		}
	}

	// Resume waits five operator periods before the next look.
	c.Check(*args.Parameters.NextPollAt, gc.Equals, s.clock.Now().UTC().Add(5*120*time.Second))
}

func (s *UpdateHandlerSuite) TestTerminalFinishedEmitsMessages(c *gc.C) {
	w := s.collWork()
	tf := s.runningTransform(transform.StatusTransforming, w)

	s.repo.registered = transform.IOMaps{
		1: {
			Inputs: []*transform.Content{{ContentID: 1, CollID: 1, Status: transform.ContentStatusAvailable, Substatus: transform.ContentStatusAvailable}},
			Outputs: []*transform.Content{
				{ContentID: 2, CollID: 2, Status: transform.ContentStatusAvailable, Substatus: transform.ContentStatusAvailable},
			},
		},
	}

	s.process(c, tf)
	args := s.repo.lastOutput()

	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusFinished)

	var workMsgs, collMsgs int
	for _, msg := range args.Messages {
		if msg.Content["collections"] != nil {
			collMsgs++
		} else if msg.Content["files"] == nil {
			workMsgs++
		}
	}
	// Exactly one work message, one collection message per collection.
	c.Check(workMsgs, gc.Equals, 1)
	c.Check(collMsgs, gc.Equals, 3)
	for _, coll := range args.UpdateInputCollections {
		c.Check(coll.Status, gc.Equals, transform.CollectionStatusClosed)
	}
	for _, coll := range args.UpdateOutputCollections {
		c.Check(coll.Status, gc.Equals, transform.CollectionStatusClosed)
	}

	// Success resets the retry counter.
	c.Assert(args.Parameters.Retries, gc.NotNil)
	c.Check(*args.Parameters.Retries, gc.Equals, 0)
}

func (s *UpdateHandlerSuite) TestOperatorMessageApplied(c *gc.C) {
	w := s.collWork()
	tf := s.runningTransform(transform.StatusTransforming, w)
	s.repo.operatorMsgs = []*transform.Message{{
		MsgID: 7,
		Content: map[string]any{
			"command": "update_transform",
			"parameters": map[string]any{
				"status":  float64(transform.StatusToCancel),
				"retries": float64(1),
			},
		},
	}}

	s.process(c, tf)
	args := s.repo.lastOutput()

	c.Assert(args.Parameters.Status, gc.NotNil)
	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusToCancel)
	c.Check(args.Parameters.Locking, gc.Equals, transform.LockingIdle)
	c.Assert(args.UpdateMessages, gc.HasLen, 1)
	c.Check(args.UpdateMessages[0].MsgID, gc.Equals, int64(7))
	c.Check(args.UpdateMessages[0].Status, gc.Equals, transform.MessageStatusDelivered)

	// The normal reconciliation was bypassed.
	c.Check(args.NewProcessing, gc.IsNil)
	c.Check(args.UpdateContents, gc.HasLen, 0)
}

func (s *UpdateHandlerSuite) TestUnknownOperatorCommandFails(c *gc.C) {
	w := s.collWork()
	tf := s.runningTransform(transform.StatusTransforming, w)
	s.repo.operatorMsgs = []*transform.Message{{
		MsgID:   8,
		Content: map[string]any{"command": "explode"},
	}}

	s.process(c, tf)
	args := s.repo.lastOutput()

	c.Check(args.Parameters.Status, gc.IsNil)
	c.Check(args.Parameters.Locking, gc.Equals, transform.LockingIdle)
	c.Assert(args.UpdateMessages, gc.HasLen, 1)
	c.Check(args.UpdateMessages[0].Status, gc.Equals, transform.MessageStatusFailed)
}

func (s *UpdateHandlerSuite) TestWorkloadIDPropagatedFromProcessing(c *gc.C) {
	w := s.collWork()
	tf := s.runningTransform(transform.StatusTransforming, w)
	w.Proc = &transform.ProcessingRef{ProcessingID: 55}
	s.repo.processings[55] = &transform.Processing{
		ProcessingID: 55,
		WorkloadID:   777,
		Status:       transform.ProcessingStatusRunning,
		Metadata:     transform.ProcessingMetadata{},
	}

	s.process(c, tf)
	args := s.repo.lastOutput()

	c.Assert(args.Parameters.WorkloadID, gc.NotNil)
	c.Check(*args.Parameters.WorkloadID, gc.Equals, int64(777))
	// No second processing is created while one exists.
	c.Check(args.NewProcessing, gc.IsNil)
}
