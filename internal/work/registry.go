// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package work implements the pluggable work descriptor machinery: the
// kind registry that reconstructs descriptors from their persisted
// envelopes, and a BaseWork scaffold concrete descriptors embed.
package work

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	"github.com/dataforge/transformd/core/transform"
)

// Factory constructs an empty descriptor of one kind, ready to be
// unmarshalled into.
type Factory func() transform.Work

// Registry maps descriptor kinds to constructors. Registration happens
// at plugin init time; lookups are read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a descriptor kind. Registering the same kind twice is a
// programming error.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return errors.AlreadyExistsf("work kind %q", kind)
	}
	r.factories[kind] = f
	return nil
}

// envelope is the persisted tagged-variant form of a descriptor.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalWork serialises a descriptor into its envelope.
func (r *Registry) MarshalWork(w transform.Work) ([]byte, error) {
	payload, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Annotatef(err, "marshalling work kind %q", w.Kind())
	}
	return json.Marshal(envelope{Kind: w.Kind(), Payload: payload})
}

// UnmarshalWork reconstructs a descriptor from its envelope.
func (r *Registry) UnmarshalWork(data []byte) (transform.Work, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Trace(err)
	}
	r.mu.RLock()
	f, ok := r.factories[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFoundf("work kind %q", env.Kind)
	}
	w := f()
	if err := json.Unmarshal(env.Payload, w); err != nil {
		return nil, errors.Annotatef(err, "unmarshalling work kind %q", env.Kind)
	}
	return w, nil
}

// MarshalMetadata serialises transform metadata, replacing the work
// descriptor with its envelope.
func (r *Registry) MarshalMetadata(m transform.Metadata) ([]byte, error) {
	var workRaw json.RawMessage
	if m.Work != nil {
		var err error
		workRaw, err = r.MarshalWork(m.Work)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return json.Marshal(struct {
		Work json.RawMessage `json:"work,omitempty"`
	}{Work: workRaw})
}

// UnmarshalMetadata is the inverse of MarshalMetadata.
func (r *Registry) UnmarshalMetadata(data []byte) (transform.Metadata, error) {
	var raw struct {
		Work json.RawMessage `json:"work,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return transform.Metadata{}, errors.Trace(err)
	}
	var m transform.Metadata
	if len(raw.Work) > 0 {
		w, err := r.UnmarshalWork(raw.Work)
		if err != nil {
			return transform.Metadata{}, errors.Trace(err)
		}
		m.Work = w
	}
	return m, nil
}

// processingRefRaw mirrors transform.ProcessingRef with the work
// descriptor in envelope form.
type processingRefRaw struct {
	ProcessingID int64           `json:"processing_id"`
	OutputData   any             `json:"output_data,omitempty"`
	Work         json.RawMessage `json:"work,omitempty"`
}

// MarshalProcessingMetadata serialises processing metadata, enveloping
// the embedded cleaned work descriptor.
func (r *Registry) MarshalProcessingMetadata(m transform.ProcessingMetadata) ([]byte, error) {
	var ref *processingRefRaw
	if m.Processing != nil {
		ref = &processingRefRaw{
			ProcessingID: m.Processing.ProcessingID,
			OutputData:   m.Processing.OutputData,
		}
		if m.Processing.Work != nil {
			workRaw, err := r.MarshalWork(m.Processing.Work)
			if err != nil {
				return nil, errors.Trace(err)
			}
			ref.Work = workRaw
		}
	}
	return json.Marshal(struct {
		Processing *processingRefRaw `json:"processing,omitempty"`
		Errors     map[string]any    `json:"errors,omitempty"`
	}{Processing: ref, Errors: m.Errors})
}

// UnmarshalProcessingMetadata is the inverse of
// MarshalProcessingMetadata.
func (r *Registry) UnmarshalProcessingMetadata(data []byte) (transform.ProcessingMetadata, error) {
	var raw struct {
		Processing *processingRefRaw `json:"processing,omitempty"`
		Errors     map[string]any    `json:"errors,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return transform.ProcessingMetadata{}, errors.Trace(err)
	}
	m := transform.ProcessingMetadata{Errors: raw.Errors}
	if raw.Processing != nil {
		ref := &transform.ProcessingRef{
			ProcessingID: raw.Processing.ProcessingID,
			OutputData:   raw.Processing.OutputData,
		}
		if len(raw.Processing.Work) > 0 {
			w, err := r.UnmarshalWork(raw.Processing.Work)
			if err != nil {
				return transform.ProcessingMetadata{}, errors.Trace(err)
			}
			ref.Work = w
		}
		m.Processing = ref
	}
	return m, nil
}
