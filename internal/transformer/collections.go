// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"github.com/dataforge/transformd/core/transform"
)

type collCounters struct {
	total      int64
	processed  int64
	processing int64
	bytes      int64
}

func (c *collCounters) count(content *transform.Content, processed bool) {
	c.total++
	if processed {
		c.processed++
		c.bytes += content.Bytes
	} else {
		c.processing++
	}
}

// syncCollectionStatus accumulates per-collection counters from the
// registered maps and writes them into the hydrated collection models.
// It returns whether every output update has been flushed, and the
// per-status output counts.
//
// Input collections keep their stored byte counter; only output and
// log collections get bytes refreshed here.
func syncCollectionStatus(inputColls, outputColls, logColls []*transform.CollectionRef, registered transform.IOMaps) (bool, map[string]int) {
	allUpdatesFlushed := true
	outputStatistics := make(map[string]int)

	inputStatus := make(map[int64]*collCounters)
	outputStatus := make(map[int64]*collCounters)
	logStatus := make(map[int64]*collCounters)
	counters := func(m map[int64]*collCounters, collID int64) *collCounters {
		c, ok := m[collID]
		if !ok {
			c = &collCounters{}
			m[collID] = c
		}
		return c
	}

	for _, m := range registered {
		for _, content := range m.Inputs {
			processed := content.Status.Available() || content.Status == transform.ContentStatusMapped
			counters(inputStatus, content.CollID).count(content, processed)
		}
		for _, content := range m.Outputs {
			counters(outputStatus, content.CollID).count(content, content.Status.Available())
			outputStatistics[content.Status.String()]++
			if content.Status != content.Substatus {
				allUpdatesFlushed = false
			}
		}
		for _, content := range m.Logs {
			counters(logStatus, content.CollID).count(content, content.Status.Available())
		}
	}

	for _, ref := range inputColls {
		if c, ok := inputStatus[ref.CollID]; ok && ref.Model != nil {
			ref.Model.TotalFiles = c.total
			ref.Model.ProcessedFiles = c.processed
			ref.Model.ProcessingFiles = c.processing
		}
	}
	for _, ref := range outputColls {
		if c, ok := outputStatus[ref.CollID]; ok && ref.Model != nil {
			ref.Model.TotalFiles = c.total
			ref.Model.ProcessedFiles = c.processed
			ref.Model.ProcessingFiles = c.processing
			ref.Model.Bytes = c.bytes
		}
	}
	for _, ref := range logColls {
		if c, ok := logStatus[ref.CollID]; ok && ref.Model != nil {
			ref.Model.TotalFiles = c.total
			ref.Model.ProcessedFiles = c.processed
			ref.Model.ProcessingFiles = c.processing
			ref.Model.Bytes = c.bytes
		}
	}
	return allUpdatesFlushed, outputStatistics
}

// collModels extracts the hydrated models of a ref list for the result
// bundle.
func collModels(refs []*transform.CollectionRef) []*transform.Collection {
	models := make([]*transform.Collection, 0, len(refs))
	for _, ref := range refs {
		if ref.Model != nil {
			models = append(models, ref.Model)
		}
	}
	return models
}

func collIDs(refs []*transform.CollectionRef) []int64 {
	ids := make([]int64, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.CollID)
	}
	return ids
}
