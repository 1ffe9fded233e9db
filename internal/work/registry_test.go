// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package work_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/dataforge/transformd/core/transform"
	"github.com/dataforge/transformd/internal/work"
)

// stageWork is a minimal concrete descriptor used across the package
// tests.
type stageWork struct {
	work.BaseWork
	SourceScope string `json:"source_scope,omitempty"`
}

func (w *stageWork) Kind() string { return "stagein" }

func (w *stageWork) CloneClean() transform.Work {
	return &stageWork{BaseWork: w.CloneBase(), SourceScope: w.SourceScope}
}

func newTestRegistry(c *gc.C) *work.Registry {
	registry := work.NewRegistry()
	err := registry.Register("stagein", func() transform.Work { return &stageWork{} })
	c.Assert(err, jc.ErrorIsNil)
	return registry
}

type RegistrySuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&RegistrySuite{})

func (s *RegistrySuite) TestRegisterTwice(c *gc.C) {
	registry := newTestRegistry(c)
	err := registry.Register("stagein", func() transform.Work { return &stageWork{} })
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *RegistrySuite) TestWorkRoundTrip(c *gc.C) {
	registry := newTestRegistry(c)
	w := &stageWork{SourceScope: "mc16"}
	w.WorkID = 11
	w.DependencyRelease = true

	data, err := registry.MarshalWork(w)
	c.Assert(err, jc.ErrorIsNil)
	back, err := registry.UnmarshalWork(data)
	c.Assert(err, jc.ErrorIsNil)

	sw, ok := back.(*stageWork)
	c.Assert(ok, jc.IsTrue)
	c.Check(sw.SourceScope, gc.Equals, "mc16")
	c.Check(sw.WorkID, gc.Equals, int64(11))
	c.Check(sw.UseDependencyToReleaseJobs(), jc.IsTrue)
}

func (s *RegistrySuite) TestUnmarshalUnknownKind(c *gc.C) {
	registry := newTestRegistry(c)
	_, err := registry.UnmarshalWork([]byte(`{"kind":"mystery","payload":{}}`))
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *RegistrySuite) TestMetadataRoundTrip(c *gc.C) {
	registry := newTestRegistry(c)
	w := &stageWork{SourceScope: "data18"}
	data, err := registry.MarshalMetadata(transform.Metadata{Work: w})
	c.Assert(err, jc.ErrorIsNil)

	meta, err := registry.UnmarshalMetadata(data)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(meta.Work, gc.NotNil)
	c.Check(meta.Work.(*stageWork).SourceScope, gc.Equals, "data18")
}

func (s *RegistrySuite) TestMetadataWithoutWork(c *gc.C) {
	registry := newTestRegistry(c)
	data, err := registry.MarshalMetadata(transform.Metadata{})
	c.Assert(err, jc.ErrorIsNil)
	meta, err := registry.UnmarshalMetadata(data)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(meta.Work, gc.IsNil)
}

func (s *RegistrySuite) TestProcessingMetadataRoundTrip(c *gc.C) {
	registry := newTestRegistry(c)
	w := &stageWork{SourceScope: "valid1"}
	cleaned := w.CloneClean()
	meta := transform.ProcessingMetadata{
		Processing: &transform.ProcessingRef{
			ProcessingID: 5,
			OutputData:   map[string]any{"loss": 0.25},
			Work:         cleaned,
		},
		Errors: map[string]any{"msg": "boom"},
	}
	data, err := registry.MarshalProcessingMetadata(meta)
	c.Assert(err, jc.ErrorIsNil)

	back, err := registry.UnmarshalProcessingMetadata(data)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(back.Processing, gc.NotNil)
	c.Check(back.Processing.ProcessingID, gc.Equals, int64(5))
	c.Assert(back.Processing.Work, gc.NotNil)
	c.Check(back.Processing.Work.(*stageWork).SourceScope, gc.Equals, "valid1")
	c.Check(back.Errors["msg"], gc.Equals, "boom")
}
