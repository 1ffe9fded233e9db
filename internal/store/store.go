// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store defines the repository contract the agent drives its
// persistence through, and the deadlock-aware facade wrapped around the
// transactional write path.
package store

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/dataforge/transformd/core/transform"
)

// ErrDeadlock is the error kind a repository reports when the backing
// database aborts a transaction to break a deadlock. The facade retries
// these.
const ErrDeadlock = errors.ConstError("database deadlock detected")

// IsDeadlock reports whether err is (or wraps) a deadlock.
func IsDeadlock(err error) bool {
	return errors.Is(err, ErrDeadlock)
}

// OutputsArgs is the full result bundle of one handler pass, committed
// atomically by AddTransformOutputs.
type OutputsArgs struct {
	Transform  *transform.Transform
	Parameters transform.Update

	UpdateInputCollections  []*transform.Collection
	UpdateOutputCollections []*transform.Collection
	UpdateLogCollections    []*transform.Collection

	NewContents    []*transform.Content
	UpdateContents []transform.ContentUpdate

	Messages       []*transform.Message
	UpdateMessages []transform.MessageUpdate

	NewProcessing    *transform.Processing
	UpdateProcessing *transform.ProcessingUpdate

	MessageBulkSize int
}

// Repository is the persistence contract consumed by the agent. All
// operations are synchronous; implementations are responsible for their
// own transactionality.
type Repository interface {
	// TransformsByStatus claims up to bulkSize transforms in the given
	// statuses whose next_poll_at has passed. Claiming atomically sets
	// the locking flag and advances next_poll_at; rows locked by peers
	// are skipped, not awaited.
	TransformsByStatus(ctx context.Context, statuses []transform.Status, nextPollAt time.Time, bulkSize int) ([]*transform.Transform, error)

	// TransformByIDStatus loads one transform, optionally filtered by
	// status class, optionally claiming its row lock. Returns NotFound
	// when the row is absent, in another status, or already locked.
	TransformByIDStatus(ctx context.Context, id int64, statuses []transform.Status, locking bool) (*transform.Transform, error)

	// TransformInputOutputMaps loads the registered content maps of a
	// transform, keyed by map_id.
	TransformInputOutputMaps(ctx context.Context, id int64, inputCollIDs, outputCollIDs, logCollIDs []int64) (transform.IOMaps, error)

	// WorkNameToCollMap resolves the request-scoped work name to
	// collection mapping handed to work descriptors.
	WorkNameToCollMap(ctx context.Context, requestID int64) (map[string][]*transform.Collection, error)

	Collection(ctx context.Context, collID int64) (*transform.Collection, error)
	Processing(ctx context.Context, processingID int64) (*transform.Processing, error)

	// ReleaseInputsByCollection promotes downstream dependency contents
	// gated on the given terminated outputs, grouped by coll_id, and
	// returns the mutations applied. final flushes status as well as
	// substatus.
	ReleaseInputsByCollection(ctx context.Context, groups map[int64][]*transform.Content, final bool) ([]transform.ContentUpdate, error)

	// PollInputsDependencyByCollection checks unfinished dependencies
	// against their producing outputs and returns any newly terminated.
	PollInputsDependencyByCollection(ctx context.Context, groups map[int64][]*transform.Content) ([]transform.ContentUpdate, error)

	// TransformMessages drains pending operator command messages
	// addressed to the agent for one transform.
	TransformMessages(ctx context.Context, transformID int64, bulkSize int) ([]*transform.Message, error)

	// AddTransformOutputs commits the whole bundle atomically and
	// returns the ids of processings created and updated.
	AddTransformOutputs(ctx context.Context, args OutputsArgs) (newProcessingIDs, updatedProcessingIDs []int64, err error)

	// CleanLocking clears locking flags older than the threshold,
	// recovering rows orphaned by a crashed worker.
	CleanLocking(ctx context.Context, olderThan time.Duration) error
}
