// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package work_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/dataforge/transformd/core/transform"
)

type BaseWorkSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&BaseWorkSuite{})

func (s *BaseWorkSuite) TestProcessingCreatedOnDemand(c *gc.C) {
	w := &stageWork{}
	c.Check(w.Processing(nil, true), gc.IsNil)

	proc := w.Processing(nil, false)
	c.Assert(proc, gc.NotNil)
	c.Check(proc.ProcessingID, gc.Equals, int64(0))

	// Same handle on every later call.
	c.Check(w.Processing(nil, true), gc.Equals, proc)
}

func (s *BaseWorkSuite) TestSyncProcessing(c *gc.C) {
	w := &stageWork{}
	ref := w.Processing(nil, false)
	w.SyncProcessing(ref, &transform.Processing{
		ProcessingID:   9,
		Status:         transform.ProcessingStatusFinished,
		OutputMetadata: map[string]any{"best_point": 1.0},
	})
	c.Check(ref.ProcessingID, gc.Equals, int64(9))
	c.Check(w.IsFinished(), jc.IsTrue)
	c.Check(ref.OutputData, gc.NotNil)
}

func (s *BaseWorkSuite) TestSyncWorkStatusAllAvailable(c *gc.C) {
	w := &stageWork{}
	maps := transform.IOMaps{
		1: {Outputs: []*transform.Content{
			{Status: transform.ContentStatusAvailable, Substatus: transform.ContentStatusAvailable},
			{Status: transform.ContentStatusFakeAvailable, Substatus: transform.ContentStatusFakeAvailable},
		}},
	}
	w.SyncWorkStatus(maps, true, nil, nil)
	c.Check(w.IsFinished(), jc.IsTrue)
	c.Check(w.IsTerminated(), jc.IsTrue)
}

func (s *BaseWorkSuite) TestSyncWorkStatusPartial(c *gc.C) {
	w := &stageWork{}
	maps := transform.IOMaps{
		1: {Outputs: []*transform.Content{
			{Status: transform.ContentStatusAvailable, Substatus: transform.ContentStatusAvailable},
			{Status: transform.ContentStatusMissing, Substatus: transform.ContentStatusMissing},
		}},
	}
	w.SyncWorkStatus(maps, true, nil, nil)
	c.Check(w.IsSubFinished(), jc.IsTrue)
}

func (s *BaseWorkSuite) TestSyncWorkStatusAllFailed(c *gc.C) {
	w := &stageWork{}
	maps := transform.IOMaps{
		1: {Outputs: []*transform.Content{
			{Status: transform.ContentStatusFinalFailed, Substatus: transform.ContentStatusFinalFailed},
		}},
	}
	w.SyncWorkStatus(maps, true, nil, nil)
	c.Check(w.IsFailed(), jc.IsTrue)
}

func (s *BaseWorkSuite) TestSyncWorkStatusUnflushedStaysRunning(c *gc.C) {
	w := &stageWork{}
	maps := transform.IOMaps{
		1: {Outputs: []*transform.Content{
			{Status: transform.ContentStatusNew, Substatus: transform.ContentStatusAvailable},
		}},
	}
	w.SyncWorkStatus(maps, false, nil, nil)
	c.Check(w.IsTerminated(), jc.IsFalse)
}

func (s *BaseWorkSuite) TestOperatorFlagsWin(c *gc.C) {
	w := &stageWork{}
	w.Flags().ToCancel = true
	w.SyncWorkStatus(nil, false, nil, nil)
	c.Check(w.IsCancelled(), jc.IsTrue)

	w = &stageWork{}
	w.Flags().ToForceFinish = true
	w.SyncWorkStatus(nil, false, nil, nil)
	c.Check(w.IsFinished(), jc.IsTrue)
}

func (s *BaseWorkSuite) TestCloneBaseCleansBackReferences(c *gc.C) {
	w := &stageWork{SourceScope: "mc16"}
	w.InputColls = []*transform.CollectionRef{{
		CollID: 1, Scope: "mc16", Name: "in",
		Model: &transform.Collection{CollID: 1},
	}}
	w.SetAgentAttributes(map[string]any{"site": "cern"}, nil)
	w.SetWorkNameToCollMap(map[string][]*transform.Collection{"w1": nil})
	w.Processing(nil, false)

	cleaned := w.CloneClean().(*stageWork)
	c.Check(cleaned.Proc, gc.IsNil)
	c.Check(cleaned.Attrs, gc.IsNil)
	c.Check(cleaned.NameToColl, gc.IsNil)
	c.Assert(cleaned.InputColls, gc.HasLen, 1)
	c.Check(cleaned.InputColls[0].Model, gc.IsNil)
	c.Check(cleaned.SourceScope, gc.Equals, "mc16")

	// The original keeps its handles.
	c.Check(w.Proc, gc.NotNil)
	c.Check(w.InputColls[0].Model, gc.NotNil)
}
