// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transform holds the domain model driven by the transform
// orchestration agent: transforms, their contents and collections, the
// processings they spawn, and the outbound messages they emit.
package transform

import "time"

// Transform is the persisted unit of declarative work processed by the
// agent.
type Transform struct {
	TransformID int64     `json:"transform_id"`
	RequestID   int64     `json:"request_id"`
	WorkloadID  int64     `json:"workload_id"`
	Kind        Kind      `json:"transform_type"`
	Status      Status    `json:"status"`
	Locking     Locking   `json:"locking"`
	Retries     int       `json:"retries"`
	NextPollAt  time.Time `json:"next_poll_at"`
	ExpiredAt   time.Time `json:"expired_at"`
	Errors      map[string]string `json:"errors,omitempty"`
	Metadata    Metadata  `json:"transform_metadata"`
}

// Metadata is the opaque bag persisted with the transform. The work
// descriptor inside is borrowed and mutated in place by the agent; the
// store reserialises it on write-back.
type Metadata struct {
	Work Work `json:"work"`
}

// Update carries the parameter mutations written back to a transform
// row. Nil fields leave the row untouched; Locking is always written so
// that a parameter-only update still releases the row lock.
type Update struct {
	Status     *Status           `json:"status,omitempty"`
	Locking    Locking           `json:"locking"`
	WorkloadID *int64            `json:"workload_id,omitempty"`
	NextPollAt *time.Time        `json:"next_poll_at,omitempty"`
	Retries    *int              `json:"retries,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
	Metadata   *Metadata         `json:"transform_metadata,omitempty"`
}
