// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

import (
	"encoding/json"
	"time"
)

// ProcessingStatus is the lifecycle state of a downstream processing.
// This agent only creates processings and mirrors status back; the
// processing agent owns the rest of the transitions.
type ProcessingStatus int

const (
	ProcessingStatusUnknown ProcessingStatus = iota
	ProcessingStatusNew
	ProcessingStatusSubmitting
	ProcessingStatusSubmitted
	ProcessingStatusRunning
	ProcessingStatusFinished
	ProcessingStatusSubFinished
	ProcessingStatusFailed
	ProcessingStatusToCancel
	ProcessingStatusCancelling
	ProcessingStatusCancelled
	ProcessingStatusToSuspend
	ProcessingStatusSuspending
	ProcessingStatusSuspended
	ProcessingStatusToResume
	ProcessingStatusResuming
	ProcessingStatusToExpire
	ProcessingStatusExpiring
	ProcessingStatusExpired
	ProcessingStatusToFinish
	ProcessingStatusToForceFinish
	ProcessingStatusTimeOut
)

var processingStatusNames = map[ProcessingStatus]string{
	ProcessingStatusUnknown:       "Unknown",
	ProcessingStatusNew:           "New",
	ProcessingStatusSubmitting:    "Submitting",
	ProcessingStatusSubmitted:     "Submitted",
	ProcessingStatusRunning:       "Running",
	ProcessingStatusFinished:      "Finished",
	ProcessingStatusSubFinished:   "SubFinished",
	ProcessingStatusFailed:        "Failed",
	ProcessingStatusToCancel:      "ToCancel",
	ProcessingStatusCancelling:    "Cancelling",
	ProcessingStatusCancelled:     "Cancelled",
	ProcessingStatusToSuspend:     "ToSuspend",
	ProcessingStatusSuspending:    "Suspending",
	ProcessingStatusSuspended:     "Suspended",
	ProcessingStatusToResume:      "ToResume",
	ProcessingStatusResuming:      "Resuming",
	ProcessingStatusToExpire:      "ToExpire",
	ProcessingStatusExpiring:      "Expiring",
	ProcessingStatusExpired:       "Expired",
	ProcessingStatusToFinish:      "ToFinish",
	ProcessingStatusToForceFinish: "ToForceFinish",
	ProcessingStatusTimeOut:       "TimeOut",
}

func (s ProcessingStatus) String() string {
	if name, ok := processingStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Processing is the persisted row for a downstream execution attempt.
type Processing struct {
	ProcessingID   int64              `json:"processing_id"`
	TransformID    int64              `json:"transform_id"`
	RequestID      int64              `json:"request_id"`
	WorkloadID     int64              `json:"workload_id"`
	Status         ProcessingStatus   `json:"status"`
	ExpiredAt      time.Time          `json:"expired_at"`
	Metadata       ProcessingMetadata `json:"processing_metadata"`
	OutputMetadata map[string]any     `json:"output_metadata,omitempty"`
}

// ProcessingMetadata is the opaque bag persisted with a processing. The
// embedded processing ref carries a cleaned copy of the work descriptor
// so the persisted form stays a tree.
type ProcessingMetadata struct {
	Processing *ProcessingRef `json:"processing,omitempty"`
	Errors     map[string]any `json:"errors,omitempty"`
}

// ProcessingRef is the work descriptor's in-memory handle on its
// processing attempt.
type ProcessingRef struct {
	ProcessingID int64 `json:"processing_id"`
	OutputData   any   `json:"output_data,omitempty"`
	Work         Work  `json:"-"`
}

// processingRefDoc is the persisted form of a ref. The work
// back-reference is deliberately absent: the cleaned copy lives in the
// processing row, serialised by the work registry, so persistence stays
// a tree.
type processingRefDoc struct {
	ProcessingID int64 `json:"processing_id"`
	OutputData   any   `json:"output_data,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r ProcessingRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(processingRefDoc{
		ProcessingID: r.ProcessingID,
		OutputData:   r.OutputData,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ProcessingRef) UnmarshalJSON(data []byte) error {
	var doc processingRefDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	r.ProcessingID = doc.ProcessingID
	r.OutputData = doc.OutputData
	return nil
}

// ProcessingUpdate is a partial mutation of a processing row.
type ProcessingUpdate struct {
	ProcessingID int64               `json:"processing_id"`
	Status       *ProcessingStatus   `json:"status,omitempty"`
	Metadata     *ProcessingMetadata `json:"processing_metadata,omitempty"`
}
