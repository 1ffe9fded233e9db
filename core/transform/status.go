// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

// Status is the lifecycle state of a transform. The zero value is not a
// valid status; rows are created as New.
type Status int

const (
	StatusUnknown Status = iota
	StatusNew
	StatusReady
	StatusTransforming
	StatusFinished
	StatusSubFinished
	StatusFailed
	StatusExtend
	StatusToCancel
	StatusCancelling
	StatusCancelled
	StatusToSuspend
	StatusSuspending
	StatusSuspended
	StatusToExpire
	StatusExpiring
	StatusExpired
	StatusToResume
	StatusResuming
	StatusToFinish
	StatusToForceFinish
)

var statusNames = map[Status]string{
	StatusUnknown:       "Unknown",
	StatusNew:           "New",
	StatusReady:         "Ready",
	StatusTransforming:  "Transforming",
	StatusFinished:      "Finished",
	StatusSubFinished:   "SubFinished",
	StatusFailed:        "Failed",
	StatusExtend:        "Extend",
	StatusToCancel:      "ToCancel",
	StatusCancelling:    "Cancelling",
	StatusCancelled:     "Cancelled",
	StatusToSuspend:     "ToSuspend",
	StatusSuspending:    "Suspending",
	StatusSuspended:     "Suspended",
	StatusToExpire:      "ToExpire",
	StatusExpiring:      "Expiring",
	StatusExpired:       "Expired",
	StatusToResume:      "ToResume",
	StatusResuming:      "Resuming",
	StatusToFinish:      "ToFinish",
	StatusToForceFinish: "ToForceFinish",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// IsOperation reports whether the status encodes a pending operator
// request.
func (s Status) IsOperation() bool {
	switch s {
	case StatusToCancel, StatusToSuspend, StatusToResume,
		StatusToExpire, StatusToFinish, StatusToForceFinish:
		return true
	}
	return false
}

// IsTerminal reports whether the transform has reached a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusSubFinished, StatusFailed,
		StatusCancelled, StatusSuspended, StatusExpired:
		return true
	}
	return false
}

// NewStatuses are the status classes claimed by the new-transform sweep.
func NewStatuses() []Status {
	return []Status{StatusNew, StatusReady, StatusExtend}
}

// RunningStatuses are the status classes claimed by the running sweep.
func RunningStatuses() []Status {
	return []Status{
		StatusTransforming,
		StatusToCancel, StatusCancelling,
		StatusToSuspend, StatusSuspending,
		StatusToExpire, StatusExpiring,
		StatusToResume, StatusResuming,
		StatusToFinish, StatusToForceFinish,
	}
}

// Locking is the mutual exclusion token held in the transform row.
type Locking int

const (
	LockingIdle Locking = iota
	LockingLocking
)

func (l Locking) String() string {
	if l == LockingLocking {
		return "Locking"
	}
	return "Idle"
}

// Kind identifies the flavour of work a transform drives.
type Kind int

const (
	KindUnknown Kind = iota
	KindStageIn
	KindActiveLearning
	KindHyperParameterOpt
	KindProcessing
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindStageIn:           "StageIn",
	KindActiveLearning:    "ActiveLearning",
	KindHyperParameterOpt: "HyperParameterOpt",
	KindProcessing:        "Processing",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}
