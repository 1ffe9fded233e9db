// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"strings"

	"github.com/dataforge/transformd/core/transform"
)

// legacyStageInSuffix is stripped from collection names in outbound
// messages; old stage-in requests carried it.
const legacyStageInSuffix = ".idds.stagein"

type payloadShape string

const (
	shapeWork       payloadShape = "work"
	shapeCollection payloadShape = "collection"
	shapeFile       payloadShape = "file"
)

var messageTypeMatrix = map[transform.Kind]map[payloadShape]transform.MessageType{
	transform.KindStageIn: {
		shapeWork:       transform.MessageTypeStageInWork,
		shapeCollection: transform.MessageTypeStageInCollection,
		shapeFile:       transform.MessageTypeStageInFile,
	},
	transform.KindActiveLearning: {
		shapeWork:       transform.MessageTypeActiveLearningWork,
		shapeCollection: transform.MessageTypeActiveLearningCollection,
		shapeFile:       transform.MessageTypeActiveLearningFile,
	},
	transform.KindHyperParameterOpt: {
		shapeWork:       transform.MessageTypeHyperParameterOptWork,
		shapeCollection: transform.MessageTypeHyperParameterOptCollection,
		shapeFile:       transform.MessageTypeHyperParameterOptFile,
	},
	transform.KindProcessing: {
		shapeWork:       transform.MessageTypeProcessingWork,
		shapeCollection: transform.MessageTypeProcessingCollection,
		shapeFile:       transform.MessageTypeProcessingFile,
	},
}

var unknownMessageTypes = map[payloadShape]transform.MessageType{
	shapeWork:       transform.MessageTypeUnknownWork,
	shapeCollection: transform.MessageTypeUnknownCollection,
	shapeFile:       transform.MessageTypeUnknownFile,
}

// messageType picks the outbound type from the kind x shape matrix,
// falling back to the Unknown column.
func messageType(kind transform.Kind, shape payloadShape) transform.MessageType {
	if byShape, ok := messageTypeMatrix[kind]; ok {
		return byShape[shape]
	}
	return unknownMessageTypes[shape]
}

func newMessage(tf *transform.Transform, shape payloadShape, numContents int, content map[string]any) *transform.Message {
	msgType := messageType(tf.Kind, shape)
	content["msg_type"] = msgType.String()
	content["request_id"] = tf.RequestID
	content["workload_id"] = tf.WorkloadID
	return &transform.Message{
		MsgType:     msgType,
		Status:      transform.MessageStatusNew,
		Source:      transform.MessageSourceTransformer,
		Destination: transform.MessageDestinationOutside,
		RequestID:   tf.RequestID,
		WorkloadID:  tf.WorkloadID,
		TransformID: tf.TransformID,
		NumContents: numContents,
		Content:     content,
	}
}

// workMessage reports the terminal state of the whole work.
func workMessage(tf *transform.Transform, w transform.Work) *transform.Message {
	if w == nil {
		return nil
	}
	return newMessage(tf, shapeWork, 1, map[string]any{
		"relation_type": "input",
		"status":        tf.Status.String(),
		"output":        w.OutputData(),
		"error":         w.TerminatedMsg(),
	})
}

// collectionMessage reports one collection reaching a terminal status.
func collectionMessage(tf *transform.Transform, w transform.Work, coll *transform.Collection, relation string) *transform.Message {
	if coll == nil {
		return nil
	}
	name := strings.TrimSuffix(coll.Name, legacyStageInSuffix)
	return newMessage(tf, shapeCollection, 1, map[string]any{
		"relation_type": relation,
		"collections": []map[string]any{{
			"scope":  coll.Scope,
			"name":   name,
			"status": coll.Status.String(),
		}},
		"output": w.OutputData(),
		"error":  w.TerminatedMsg(),
	})
}

// fileMessage reports a batch of content state changes. FakeAvailable
// is presented as Available to the outside.
func fileMessage(tf *transform.Transform, files []*transform.Content, relation string) *transform.Message {
	if len(files) == 0 {
		return nil
	}
	fileList := make([]map[string]any, 0, len(files))
	for _, f := range files {
		status := f.Status
		if status == transform.ContentStatusFakeAvailable {
			status = transform.ContentStatusAvailable
		}
		fileList = append(fileList, map[string]any{
			"scope":  f.Scope,
			"name":   f.Name,
			"path":   f.Path,
			"status": status.String(),
		})
	}
	return newMessage(tf, shapeFile, len(fileList), map[string]any{
		"relation_type": relation,
		"files":         fileList,
	})
}
