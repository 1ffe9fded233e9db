// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform_test

import (
	"encoding/json"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/dataforge/transformd/core/transform"
)

type StatusSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&StatusSuite{})

func (s *StatusSuite) TestOperationStatuses(c *gc.C) {
	for _, status := range []transform.Status{
		transform.StatusToCancel, transform.StatusToSuspend,
		transform.StatusToResume, transform.StatusToExpire,
		transform.StatusToFinish, transform.StatusToForceFinish,
	} {
		c.Check(status.IsOperation(), jc.IsTrue, gc.Commentf("%s", status))
		c.Check(status.IsTerminal(), jc.IsFalse, gc.Commentf("%s", status))
	}
	c.Check(transform.StatusTransforming.IsOperation(), jc.IsFalse)
}

func (s *StatusSuite) TestTerminalStatuses(c *gc.C) {
	for _, status := range []transform.Status{
		transform.StatusFinished, transform.StatusSubFinished,
		transform.StatusFailed, transform.StatusCancelled,
		transform.StatusSuspended, transform.StatusExpired,
	} {
		c.Check(status.IsTerminal(), jc.IsTrue, gc.Commentf("%s", status))
	}
	c.Check(transform.StatusResuming.IsTerminal(), jc.IsFalse)
}

func (s *StatusSuite) TestStatusClassMembership(c *gc.C) {
	c.Check(transform.NewStatuses(), gc.HasLen, 3)
	running := transform.RunningStatuses()
	c.Check(running, gc.HasLen, 11)
	for _, status := range running {
		c.Check(status.IsTerminal(), jc.IsFalse, gc.Commentf("%s", status))
	}
}

func (s *StatusSuite) TestContentStatusPredicates(c *gc.C) {
	c.Check(transform.ContentStatusAvailable.Available(), jc.IsTrue)
	c.Check(transform.ContentStatusFakeAvailable.Available(), jc.IsTrue)
	c.Check(transform.ContentStatusMissing.Available(), jc.IsFalse)

	for _, status := range []transform.ContentStatus{
		transform.ContentStatusAvailable, transform.ContentStatusFakeAvailable,
		transform.ContentStatusFinalFailed, transform.ContentStatusMissing,
	} {
		c.Check(status.Terminated(), jc.IsTrue, gc.Commentf("%s", status))
	}
	c.Check(transform.ContentStatusNew.Terminated(), jc.IsFalse)
	c.Check(transform.ContentStatusProcessing.Terminated(), jc.IsFalse)
}

func (s *StatusSuite) TestProcessingRefSerialisesWithoutWork(c *gc.C) {
	ref := transform.ProcessingRef{
		ProcessingID: 42,
		OutputData:   map[string]any{"points": 3.0},
		Work:         nil,
	}
	data, err := json.Marshal(ref)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Not(gc.Matches), `.*"work".*`)

	var back transform.ProcessingRef
	err = json.Unmarshal(data, &back)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(back.ProcessingID, gc.Equals, int64(42))
}
