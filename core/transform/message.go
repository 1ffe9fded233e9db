// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

// MessageType identifies an outbound notification. The value is picked
// from the transform kind x payload shape matrix, with Unknown*
// fallbacks for unrecognised kinds.
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeStageInWork
	MessageTypeStageInCollection
	MessageTypeStageInFile
	MessageTypeActiveLearningWork
	MessageTypeActiveLearningCollection
	MessageTypeActiveLearningFile
	MessageTypeHyperParameterOptWork
	MessageTypeHyperParameterOptCollection
	MessageTypeHyperParameterOptFile
	MessageTypeProcessingWork
	MessageTypeProcessingCollection
	MessageTypeProcessingFile
	MessageTypeUnknownWork
	MessageTypeUnknownCollection
	MessageTypeUnknownFile
)

var messageTypeNames = map[MessageType]string{
	MessageTypeUnknown:                     "unknown",
	MessageTypeStageInWork:                 "work_stagein",
	MessageTypeStageInCollection:           "collection_stagein",
	MessageTypeStageInFile:                 "file_stagein",
	MessageTypeActiveLearningWork:          "work_activelearning",
	MessageTypeActiveLearningCollection:    "collection_activelearning",
	MessageTypeActiveLearningFile:          "file_activelearning",
	MessageTypeHyperParameterOptWork:       "work_hyperparameteropt",
	MessageTypeHyperParameterOptCollection: "collection_hyperparameteropt",
	MessageTypeHyperParameterOptFile:       "file_hyperparameteropt",
	MessageTypeProcessingWork:              "work_processing",
	MessageTypeProcessingCollection:        "collection_processing",
	MessageTypeProcessingFile:              "file_processing",
	MessageTypeUnknownWork:                 "work_unknown",
	MessageTypeUnknownCollection:           "collection_unknown",
	MessageTypeUnknownFile:                 "file_unknown",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MessageStatus is the delivery state of an outbound message.
type MessageStatus int

const (
	MessageStatusNew MessageStatus = iota
	MessageStatusDelivered
	MessageStatusFailed
)

// MessageSource identifies the emitting agent.
type MessageSource int

const (
	MessageSourceUnknown MessageSource = iota
	MessageSourceTransformer
)

// MessageDestination identifies the consumer side of a message.
type MessageDestination int

const (
	MessageDestinationUnknown MessageDestination = iota
	MessageDestinationOutside
	MessageDestinationTransformer
)

// Message is an outbound notification row, and doubles as the inbound
// operator command queue entry (command messages arrive with a
// msg_content carrying "command" and "parameters").
type Message struct {
	MsgID       int64              `json:"msg_id"`
	MsgType     MessageType        `json:"msg_type"`
	Status      MessageStatus      `json:"status"`
	Source      MessageSource      `json:"source"`
	Destination MessageDestination `json:"destination"`
	RequestID   int64              `json:"request_id"`
	WorkloadID  int64              `json:"workload_id"`
	TransformID int64              `json:"transform_id"`
	NumContents int                `json:"num_contents"`
	Content     map[string]any     `json:"msg_content"`
}

// MessageUpdate is a partial mutation of a message row.
type MessageUpdate struct {
	MsgID  int64         `json:"msg_id"`
	Status MessageStatus `json:"status"`
}
