// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package events defines the typed events exchanged between the
// platform agents and a small bus over juju/pubsub for in-process
// delivery.
package events

// Kind names an event type. Kinds double as pubsub topics.
type Kind string

const (
	KindNewTransform     Kind = "transform.new"
	KindUpdateTransform  Kind = "transform.update"
	KindAbortTransform   Kind = "transform.abort"
	KindResumeTransform  Kind = "transform.resume"
	KindNewProcessing    Kind = "processing.new"
	KindUpdateProcessing Kind = "processing.update"
	KindAbortProcessing  Kind = "processing.abort"
	KindResumeProcessing Kind = "processing.resume"
	KindUpdateRequest    Kind = "request.update"
)

// Event is implemented by every event value.
type Event interface {
	Kind() Kind
}

// PublisherID tags events with the emitting agent instance.
type PublisherID string

type NewTransform struct {
	Publisher   PublisherID
	TransformID int64
}

func (NewTransform) Kind() Kind { return KindNewTransform }

type UpdateTransform struct {
	Publisher   PublisherID
	TransformID int64
}

func (UpdateTransform) Kind() Kind { return KindUpdateTransform }

type AbortTransform struct {
	Publisher   PublisherID
	TransformID int64
}

func (AbortTransform) Kind() Kind { return KindAbortTransform }

type ResumeTransform struct {
	Publisher   PublisherID
	TransformID int64
}

func (ResumeTransform) Kind() Kind { return KindResumeTransform }

type NewProcessing struct {
	Publisher    PublisherID
	ProcessingID int64
}

func (NewProcessing) Kind() Kind { return KindNewProcessing }

type UpdateProcessing struct {
	Publisher    PublisherID
	ProcessingID int64
}

func (UpdateProcessing) Kind() Kind { return KindUpdateProcessing }

type AbortProcessing struct {
	Publisher    PublisherID
	ProcessingID int64
}

func (AbortProcessing) Kind() Kind { return KindAbortProcessing }

type ResumeProcessing struct {
	Publisher    PublisherID
	ProcessingID int64
}

func (ResumeProcessing) Kind() Kind { return KindResumeProcessing }

type UpdateRequest struct {
	Publisher PublisherID
	RequestID int64
}

func (UpdateRequest) Kind() Kind { return KindUpdateRequest }
