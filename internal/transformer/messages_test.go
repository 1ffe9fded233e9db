// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"github.com/juju/testing"
	gc "gopkg.in/check.v1"

	"github.com/dataforge/transformd/core/transform"
)

type MessagesSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&MessagesSuite{})

func (s *MessagesSuite) TestMessageTypeMatrix(c *gc.C) {
	c.Check(messageType(transform.KindStageIn, shapeFile), gc.Equals, transform.MessageTypeStageInFile)
	c.Check(messageType(transform.KindStageIn, shapeWork), gc.Equals, transform.MessageTypeStageInWork)
	c.Check(messageType(transform.KindActiveLearning, shapeCollection), gc.Equals, transform.MessageTypeActiveLearningCollection)
	c.Check(messageType(transform.KindHyperParameterOpt, shapeWork), gc.Equals, transform.MessageTypeHyperParameterOptWork)
	c.Check(messageType(transform.KindProcessing, shapeFile), gc.Equals, transform.MessageTypeProcessingFile)
	c.Check(messageType(transform.Kind(99), shapeFile), gc.Equals, transform.MessageTypeUnknownFile)
	c.Check(messageType(transform.Kind(99), shapeWork), gc.Equals, transform.MessageTypeUnknownWork)
}

func (s *MessagesSuite) TestFileMessage(c *gc.C) {
	tf := testTransform()
	files := []*transform.Content{
		{Scope: "mc16", Name: "a", Path: "/a", Status: transform.ContentStatusAvailable},
		{Scope: "mc16", Name: "b", Path: "/b", Status: transform.ContentStatusFakeAvailable},
	}
	msg := fileMessage(tf, files, "output")
	c.Assert(msg, gc.NotNil)
	c.Check(msg.MsgType, gc.Equals, transform.MessageTypeStageInFile)
	c.Check(msg.Status, gc.Equals, transform.MessageStatusNew)
	c.Check(msg.Source, gc.Equals, transform.MessageSourceTransformer)
	c.Check(msg.Destination, gc.Equals, transform.MessageDestinationOutside)
	c.Check(msg.NumContents, gc.Equals, 2)

	fileList := msg.Content["files"].([]map[string]any)
	c.Assert(fileList, gc.HasLen, 2)
	// FakeAvailable is presented as Available.
	c.Check(fileList[1]["status"], gc.Equals, "Available")
	c.Check(msg.Content["relation_type"], gc.Equals, "output")
}

func (s *MessagesSuite) TestFileMessageEmpty(c *gc.C) {
	c.Check(fileMessage(testTransform(), nil, "input"), gc.IsNil)
}

func (s *MessagesSuite) TestCollectionMessageStripsLegacySuffix(c *gc.C) {
	tf := testTransform()
	w := &stubWork{}
	coll := &transform.Collection{
		Scope:  "mc16",
		Name:   "dataset.idds.stagein",
		Status: transform.CollectionStatusClosed,
	}
	msg := collectionMessage(tf, w, coll, "input")
	c.Assert(msg, gc.NotNil)
	c.Check(msg.NumContents, gc.Equals, 1)
	colls := msg.Content["collections"].([]map[string]any)
	c.Assert(colls, gc.HasLen, 1)
	c.Check(colls[0]["name"], gc.Equals, "dataset")
	c.Check(colls[0]["status"], gc.Equals, "Closed")
}

func (s *MessagesSuite) TestWorkMessage(c *gc.C) {
	tf := testTransform()
	tf.Status = transform.StatusFinished
	w := &stubWork{}
	w.SetOutputData(map[string]any{"best": 42.0})
	w.SetTerminatedMsg(map[string]any{"msg": "done"})

	msg := workMessage(tf, w)
	c.Assert(msg, gc.NotNil)
	c.Check(msg.MsgType, gc.Equals, transform.MessageTypeStageInWork)
	c.Check(msg.NumContents, gc.Equals, 1)
	c.Check(msg.Content["status"], gc.Equals, "Finished")
	c.Check(msg.Content["output"], gc.NotNil)
	c.Check(msg.Content["error"], gc.NotNil)
	c.Check(msg.Content["msg_type"], gc.Equals, "work_stagein")
}

func (s *MessagesSuite) TestWorkMessageNilWork(c *gc.C) {
	c.Check(workMessage(testTransform(), nil), gc.IsNil)
}
