// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

// ContentStatus is the per-file state tracked in the catalog.
type ContentStatus int

const (
	ContentStatusUnknown ContentStatus = iota
	ContentStatusNew
	ContentStatusProcessing
	ContentStatusAvailable
	ContentStatusFakeAvailable
	ContentStatusFailed
	ContentStatusFinalFailed
	ContentStatusMissing
	ContentStatusLost
	ContentStatusDeleted
	ContentStatusMapped
)

var contentStatusNames = map[ContentStatus]string{
	ContentStatusUnknown:       "Unknown",
	ContentStatusNew:           "New",
	ContentStatusProcessing:    "Processing",
	ContentStatusAvailable:     "Available",
	ContentStatusFakeAvailable: "FakeAvailable",
	ContentStatusFailed:        "Failed",
	ContentStatusFinalFailed:   "FinalFailed",
	ContentStatusMissing:       "Missing",
	ContentStatusLost:          "Lost",
	ContentStatusDeleted:       "Deleted",
	ContentStatusMapped:        "Mapped",
}

func (s ContentStatus) String() string {
	if name, ok := contentStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Available reports whether the content counts as delivered, fakes
// included.
func (s ContentStatus) Available() bool {
	return s == ContentStatusAvailable || s == ContentStatusFakeAvailable
}

// Terminated reports whether the content has reached a final state,
// successful or not.
func (s ContentStatus) Terminated() bool {
	switch s {
	case ContentStatusAvailable, ContentStatusFakeAvailable,
		ContentStatusFinalFailed, ContentStatusMissing:
		return true
	}
	return false
}

// ContentRelationType relates a content row to its transform.
type ContentRelationType int

const (
	RelationInput ContentRelationType = iota
	RelationOutput
	RelationLog
	RelationInputDependency
)

func (r ContentRelationType) String() string {
	switch r {
	case RelationInput:
		return "Input"
	case RelationOutput:
		return "Output"
	case RelationLog:
		return "Log"
	case RelationInputDependency:
		return "InputDependency"
	}
	return "Unknown"
}

// ContentType describes the granularity of a tracked content.
type ContentType int

const (
	ContentTypeFile ContentType = iota
	ContentTypeEvent
	ContentTypePseudo
)

// Content is a single tracked file or file-range. A content row is
// uniquely keyed by (transform_id, coll_id, map_id, scope, name, min_id,
// max_id).
type Content struct {
	ContentID    int64               `json:"content_id"`
	TransformID  int64               `json:"transform_id"`
	RequestID    int64               `json:"request_id"`
	WorkloadID   int64               `json:"workload_id"`
	CollID       int64               `json:"coll_id"`
	MapID        int64               `json:"map_id"`
	Scope        string              `json:"scope"`
	Name         string              `json:"name"`
	MinID        int64               `json:"min_id"`
	MaxID        int64               `json:"max_id"`
	Status       ContentStatus       `json:"status"`
	Substatus    ContentStatus       `json:"substatus"`
	Bytes        int64               `json:"bytes"`
	Adler32      string              `json:"adler32"`
	Path         string              `json:"path"`
	Type         ContentType         `json:"content_type"`
	RelationType ContentRelationType `json:"content_relation_type"`
	Metadata     map[string]any      `json:"content_metadata,omitempty"`
}

// ContentUpdate is a partial mutation of a persisted content row. A nil
// Substatus leaves the row's substatus untouched.
type ContentUpdate struct {
	ContentID int64          `json:"content_id"`
	Status    ContentStatus  `json:"status"`
	Substatus *ContentStatus `json:"substatus,omitempty"`
}

// IOMap groups the contents that share one input to output relationship
// inside a transform.
type IOMap struct {
	Inputs           []*Content `json:"inputs,omitempty"`
	InputsDependency []*Content `json:"inputs_dependency,omitempty"`
	Outputs          []*Content `json:"outputs,omitempty"`
	Logs             []*Content `json:"logs,omitempty"`
}

// IOMaps indexes maps by map_id.
type IOMaps map[int64]IOMap
