// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

import "time"

// OperationFlags are the operator mutation requests carried by a work
// descriptor. The agent sets them when honouring To* statuses; the
// descriptor folds them into its terminal predicates.
type OperationFlags struct {
	ToCancel      bool `json:"to_cancel,omitempty"`
	ToSuspend     bool `json:"to_suspend,omitempty"`
	ToResume      bool `json:"to_resume,omitempty"`
	ToExpire      bool `json:"to_expire,omitempty"`
	ToFinish      bool `json:"to_finish,omitempty"`
	ToForceFinish bool `json:"to_force_finish,omitempty"`
}

// Work is the capability contract a pluggable work descriptor must
// satisfy. Descriptors compute derived content maps, own a processing
// handle, and evaluate their own terminal status; the agent never
// inspects their internals.
//
// A descriptor is borrowed from the transform metadata and mutated in
// place. CloneClean produces the deep copy embedded in a new processing,
// with back-references nulled so the persisted form is a tree.
type Work interface {
	// Kind is the registry tag used to reconstruct the descriptor
	// from its serialised envelope.
	Kind() string

	SetWorkID(id int64)
	SetAgentAttributes(attrs map[string]any, t *Transform)
	SetWorkNameToCollMap(m map[string][]*Collection)

	InputCollections() []*CollectionRef
	OutputCollections() []*CollectionRef
	LogCollections() []*CollectionRef

	// NewInputOutputMaps returns the maps not present in the
	// registered set. Contents in the result are seeds: the agent
	// fills identity, relation type and status defaults.
	NewInputOutputMaps(registered IOMaps) IOMaps

	// Processing returns the descriptor's processing handle. With
	// withoutCreating false a handle is created on demand.
	Processing(maps IOMaps, withoutCreating bool) *ProcessingRef
	SyncProcessing(ref *ProcessingRef, model *Processing)

	SetOutputData(data any)
	OutputData() any
	SetTerminatedMsg(errs map[string]any)
	TerminatedMsg() any

	UseDependencyToReleaseJobs() bool
	ShouldReleaseInputs(p *ProcessingRef, operationPeriod time.Duration) bool

	// SyncWorkStatus hands the descriptor everything it needs to
	// settle its own status: the registered maps, whether every
	// output update has been flushed, per-status output counts, and
	// the contents released this tick.
	SyncWorkStatus(registered IOMaps, allUpdatesFlushed bool, outputStatistics map[string]int, released []ContentUpdate)
	HasNewUpdates()

	IsFinished() bool
	IsSubFinished() bool
	IsFailed() bool
	IsExpired() bool
	IsCancelled() bool
	IsSuspended() bool
	IsTerminated() bool

	Flags() *OperationFlags

	CloneClean() Work
}
