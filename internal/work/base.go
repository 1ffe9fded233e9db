// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package work

import (
	"time"

	"github.com/mohae/deepcopy"

	"github.com/dataforge/transformd/core/transform"
)

// State is the descriptor-internal lifecycle state, settled by
// SyncWorkStatus and read by the terminal predicates.
type State int

const (
	StateNew State = iota
	StateRunning
	StateFinished
	StateSubFinished
	StateFailed
	StateExpired
	StateCancelled
	StateSuspended
)

// BaseWork is the scaffold concrete descriptors embed. It carries the
// common bookkeeping (identity, collections, processing handle, flags)
// and a conservative default status policy. Embedders must implement
// Kind and CloneClean; everything else, NewInputOutputMaps included,
// has a default and is optional to override.
//
// Fields are exported so the whole descriptor round-trips through the
// registry envelope.
type BaseWork struct {
	WorkID int64 `json:"work_id"`
	State  State `json:"state"`

	Ops transform.OperationFlags `json:"operation_flags"`

	InputColls  []*transform.CollectionRef `json:"input_collections,omitempty"`
	OutputColls []*transform.CollectionRef `json:"output_collections,omitempty"`
	LogColls    []*transform.CollectionRef `json:"log_collections,omitempty"`

	Proc   *transform.ProcessingRef `json:"processing,omitempty"`
	Output any                      `json:"output_data,omitempty"`

	TerminatedErrors map[string]any `json:"terminated_errors,omitempty"`

	// DependencyRelease gates the per-map input release machinery.
	DependencyRelease bool `json:"dependency_release,omitempty"`

	PendingUpdates bool `json:"pending_updates,omitempty"`

	// Re-injected every tick, never persisted.
	Attrs      map[string]any                     `json:"-"`
	NameToColl map[string][]*transform.Collection `json:"-"`
}

func (w *BaseWork) SetWorkID(id int64) { w.WorkID = id }

func (w *BaseWork) SetAgentAttributes(attrs map[string]any, _ *transform.Transform) {
	w.Attrs = attrs
}

func (w *BaseWork) SetWorkNameToCollMap(m map[string][]*transform.Collection) {
	w.NameToColl = m
}

func (w *BaseWork) InputCollections() []*transform.CollectionRef  { return w.InputColls }
func (w *BaseWork) OutputCollections() []*transform.CollectionRef { return w.OutputColls }
func (w *BaseWork) LogCollections() []*transform.CollectionRef    { return w.LogColls }

// NewInputOutputMaps returns nothing; descriptors that derive content
// maps override it.
func (w *BaseWork) NewInputOutputMaps(_ transform.IOMaps) transform.IOMaps {
	return nil
}

// Processing returns the descriptor's processing handle, creating one
// on demand unless withoutCreating is set.
func (w *BaseWork) Processing(_ transform.IOMaps, withoutCreating bool) *transform.ProcessingRef {
	if w.Proc != nil {
		return w.Proc
	}
	if withoutCreating {
		return nil
	}
	w.Proc = &transform.ProcessingRef{}
	return w.Proc
}

// SyncProcessing merges the persisted processing row into the handle
// and settles the descriptor state from the processing status.
func (w *BaseWork) SyncProcessing(ref *transform.ProcessingRef, model *transform.Processing) {
	if ref == nil || model == nil {
		return
	}
	ref.ProcessingID = model.ProcessingID
	if model.OutputMetadata != nil {
		ref.OutputData = model.OutputMetadata
	}
	switch model.Status {
	case transform.ProcessingStatusFinished:
		w.State = StateFinished
	case transform.ProcessingStatusSubFinished:
		w.State = StateSubFinished
	case transform.ProcessingStatusFailed:
		w.State = StateFailed
	case transform.ProcessingStatusCancelled:
		w.State = StateCancelled
	case transform.ProcessingStatusSuspended:
		w.State = StateSuspended
	case transform.ProcessingStatusExpired, transform.ProcessingStatusTimeOut:
		w.State = StateExpired
	default:
		if w.State == StateNew {
			w.State = StateRunning
		}
	}
}

func (w *BaseWork) SetOutputData(data any) { w.Output = data }
func (w *BaseWork) OutputData() any        { return w.Output }

func (w *BaseWork) SetTerminatedMsg(errs map[string]any) { w.TerminatedErrors = errs }
func (w *BaseWork) TerminatedMsg() any {
	if w.TerminatedErrors == nil {
		return nil
	}
	return w.TerminatedErrors
}

func (w *BaseWork) UseDependencyToReleaseJobs() bool { return w.DependencyRelease }

// ShouldReleaseInputs defaults to releasing on every tick. Descriptors
// that want to rate-limit on the processing poll period override it.
func (w *BaseWork) ShouldReleaseInputs(_ *transform.ProcessingRef, _ time.Duration) bool {
	return true
}

// SyncWorkStatus settles the descriptor state from the registered maps
// and the operator flags. Operator requests win over observed content
// state; content state only becomes terminal once every output update
// has been flushed.
func (w *BaseWork) SyncWorkStatus(registered transform.IOMaps, allUpdatesFlushed bool, _ map[string]int, _ []transform.ContentUpdate) {
	switch {
	case w.Ops.ToForceFinish:
		w.State = StateFinished
		return
	case w.Ops.ToCancel:
		w.State = StateCancelled
		return
	case w.Ops.ToSuspend:
		w.State = StateSuspended
		return
	case w.Ops.ToExpire:
		w.State = StateExpired
		return
	}

	var total, available, terminated int
	for _, m := range registered {
		for _, c := range m.Outputs {
			total++
			if c.Status.Available() {
				available++
			}
			if c.Status.Terminated() {
				terminated++
			}
		}
	}
	if total == 0 || !allUpdatesFlushed || terminated < total {
		if w.State == StateNew {
			w.State = StateRunning
		}
		return
	}
	switch {
	case available == total:
		w.State = StateFinished
	case available > 0:
		w.State = StateSubFinished
	default:
		w.State = StateFailed
	}
}

func (w *BaseWork) HasNewUpdates() { w.PendingUpdates = true }

func (w *BaseWork) IsFinished() bool    { return w.State == StateFinished }
func (w *BaseWork) IsSubFinished() bool { return w.State == StateSubFinished }
func (w *BaseWork) IsFailed() bool      { return w.State == StateFailed }
func (w *BaseWork) IsExpired() bool     { return w.State == StateExpired }
func (w *BaseWork) IsCancelled() bool   { return w.State == StateCancelled }
func (w *BaseWork) IsSuspended() bool   { return w.State == StateSuspended }

func (w *BaseWork) IsTerminated() bool {
	switch w.State {
	case StateFinished, StateSubFinished, StateFailed,
		StateExpired, StateCancelled, StateSuspended:
		return true
	}
	return false
}

func (w *BaseWork) Flags() *transform.OperationFlags { return &w.Ops }

// CloneBase deep-copies the scaffold with the back-references nulled:
// no processing handle, no hydrated collection models, no request
// scoped maps. The result is safe to embed in a processing row.
func (w *BaseWork) CloneBase() BaseWork {
	cp := deepcopy.Copy(*w).(BaseWork)
	cp.Attrs = nil
	cp.NameToColl = nil
	cp.Proc = nil
	for _, colls := range [][]*transform.CollectionRef{cp.InputColls, cp.OutputColls, cp.LogColls} {
		for _, ref := range colls {
			ref.Model = nil
		}
	}
	return cp
}
