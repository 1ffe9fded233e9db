// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

// CollectionStatus is the lifecycle state of a content collection.
type CollectionStatus int

const (
	CollectionStatusUnknown CollectionStatus = iota
	CollectionStatusNew
	CollectionStatusOpen
	CollectionStatusClosed
	CollectionStatusSubClosed
	CollectionStatusFailed
	CollectionStatusCancelled
	CollectionStatusSuspended
)

var collectionStatusNames = map[CollectionStatus]string{
	CollectionStatusUnknown:   "Unknown",
	CollectionStatusNew:       "New",
	CollectionStatusOpen:      "Open",
	CollectionStatusClosed:    "Closed",
	CollectionStatusSubClosed: "SubClosed",
	CollectionStatusFailed:    "Failed",
	CollectionStatusCancelled: "Cancelled",
	CollectionStatusSuspended: "Suspended",
}

func (s CollectionStatus) String() string {
	if name, ok := collectionStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Collection groups contents across transforms and carries their
// aggregate counters.
type Collection struct {
	CollID          int64            `json:"coll_id"`
	TransformID     int64            `json:"transform_id"`
	RequestID       int64            `json:"request_id"`
	Scope           string           `json:"scope"`
	Name            string           `json:"name"`
	Status          CollectionStatus `json:"status"`
	TotalFiles      int64            `json:"total_files"`
	ProcessedFiles  int64            `json:"processed_files"`
	ProcessingFiles int64            `json:"processing_files"`
	Bytes           int64            `json:"bytes"`
}

// CollectionRef is the work descriptor's handle on a collection. The
// descriptor declares refs up front; the agent hydrates Model from the
// store before using them.
type CollectionRef struct {
	CollID int64       `json:"coll_id"`
	Scope  string      `json:"scope"`
	Name   string      `json:"name"`
	Model  *Collection `json:"-"`
}
