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

type NewHandlerSuite struct {
	testing.IsolationSuite

	repo  *fakeRepo
	clock *testclock.Clock
	bus   *events.Bus
	agent *Transformer
}

var _ = gc.Suite(&NewHandlerSuite{})

func (s *NewHandlerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.repo = newFakeRepo()
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s.bus = events.NewBus()
	s.agent = newTestAgent(s.repo, s.clock, s.bus)
}

func (s *NewHandlerSuite) newTransform(status transform.Status, w transform.Work) *transform.Transform {
	tf := testTransform()
	tf.Status = status
	tf.ExpiredAt = s.clock.Now().UTC().Add(24 * time.Hour)
	tf.Metadata.Work = w
	s.repo.transforms[tf.TransformID] = tf
	return tf
}

func (s *NewHandlerSuite) TestFreshAdmission(c *gc.C) {
	w := &stubWork{pendingMaps: transform.IOMaps{
		1: {
			Inputs:  []*transform.Content{{CollID: 1, Scope: "mc16", Name: "i1", Bytes: 10}},
			Outputs: []*transform.Content{{CollID: 2, Scope: "mc16", Name: "o1"}},
		},
	}}
	tf := s.newTransform(transform.StatusNew, w)

	processingEvents := capture(s.bus, events.KindNewProcessing)

	err := s.agent.processNewTransform(context.Background(), events.NewTransform{TransformID: tf.TransformID})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.repo.outputCount(), gc.Equals, 1)
	args := s.repo.lastOutput()

	// Two contents persisted, both New.
	c.Assert(args.NewContents, gc.HasLen, 2)
	for _, content := range args.NewContents {
		c.Check(content.Status, gc.Equals, transform.ContentStatusNew)
		c.Check(content.TransformID, gc.Equals, tf.TransformID)
	}

	// One processing created, New, expiry inherited, cleaned work
	// embedded.
	c.Assert(args.NewProcessing, gc.NotNil)
	c.Check(args.NewProcessing.Status, gc.Equals, transform.ProcessingStatusNew)
	c.Check(args.NewProcessing.ExpiredAt, gc.Equals, tf.ExpiredAt)
	c.Assert(args.NewProcessing.Metadata.Processing, gc.NotNil)
	c.Assert(args.NewProcessing.Metadata.Processing.Work, gc.NotNil)
	embedded := args.NewProcessing.Metadata.Processing.Work.(*stubWork)
	c.Check(embedded.Proc, gc.IsNil)

	// Two file messages: input and output.
	c.Assert(args.Messages, gc.HasLen, 2)
	c.Check(args.Messages[0].Content["relation_type"], gc.Equals, "input")
	c.Check(args.Messages[1].Content["relation_type"], gc.Equals, "output")

	// Parameters: Transforming, lock released, poll pushed out.
	c.Assert(args.Parameters.Status, gc.NotNil)
	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusTransforming)
	c.Check(args.Parameters.Locking, gc.Equals, transform.LockingIdle)
	c.Assert(args.Parameters.NextPollAt, gc.NotNil)
	c.Check(*args.Parameters.NextPollAt, gc.Equals, s.clock.Now().UTC().Add(1800*time.Second))

	// The new processing id is fanned out as an event.
	select {
	case ev := <-processingEvents:
		c.Check(ev.(events.NewProcessing).ProcessingID, gc.Equals, int64(101))
	case <-time.After(testing.LongWait):
		c.Fatalf("no NewProcessing event published")
	}
}

func (s *NewHandlerSuite) TestMissingTransformIsSkipped(c *gc.C) {
	err := s.agent.processNewTransform(context.Background(), events.NewTransform{TransformID: 404})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.repo.outputCount(), gc.Equals, 0)
}

func (s *NewHandlerSuite) TestHandlerFailureBacksOff(c *gc.C) {
	// No work descriptor: the real handler fails, the failure policy
	// keeps the transform Transforming with a bumped retry counter and
	// a widened backoff.
	tf := s.newTransform(transform.StatusNew, nil)
	tf.Retries = 2

	err := s.agent.processNewTransform(context.Background(), events.NewTransform{TransformID: tf.TransformID})
	c.Assert(err, jc.ErrorIsNil)

	args := s.repo.lastOutput()
	c.Assert(args.Parameters.Status, gc.NotNil)
	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusTransforming)
	c.Assert(args.Parameters.Retries, gc.NotNil)
	c.Check(*args.Parameters.Retries, gc.Equals, 3)
	// Backoff floor is four poll periods.
	c.Check(*args.Parameters.NextPollAt, gc.Equals, s.clock.Now().UTC().Add(4*1800*time.Second))
}

func (s *NewHandlerSuite) TestHandlerFailurePastLimitFails(c *gc.C) {
	tf := s.newTransform(transform.StatusNew, nil)
	tf.Retries = 101

	err := s.agent.processNewTransform(context.Background(), events.NewTransform{TransformID: tf.TransformID})
	c.Assert(err, jc.ErrorIsNil)

	args := s.repo.lastOutput()
	c.Check(*args.Parameters.Status, gc.Equals, transform.StatusFailed)
}
