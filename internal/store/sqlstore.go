// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/dataforge/transformd/core/transform"
	"github.com/dataforge/transformd/internal/work"
)

const schema = `
CREATE TABLE IF NOT EXISTS transforms (
    transform_id       INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id         INTEGER NOT NULL,
    workload_id        INTEGER NOT NULL DEFAULT 0,
    transform_type     INTEGER NOT NULL,
    status             INTEGER NOT NULL,
    locking            INTEGER NOT NULL DEFAULT 0,
    retries            INTEGER NOT NULL DEFAULT 0,
    next_poll_at       DATETIME NOT NULL,
    expired_at         DATETIME NOT NULL,
    updated_at         DATETIME NOT NULL,
    errors             TEXT NOT NULL DEFAULT '{}',
    transform_metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS collections (
    coll_id          INTEGER PRIMARY KEY AUTOINCREMENT,
    transform_id     INTEGER NOT NULL,
    request_id       INTEGER NOT NULL,
    work_name        TEXT NOT NULL DEFAULT '',
    scope            TEXT NOT NULL,
    name             TEXT NOT NULL,
    status           INTEGER NOT NULL,
    total_files      INTEGER NOT NULL DEFAULT 0,
    processed_files  INTEGER NOT NULL DEFAULT 0,
    processing_files INTEGER NOT NULL DEFAULT 0,
    bytes            INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS contents (
    content_id            INTEGER PRIMARY KEY AUTOINCREMENT,
    transform_id          INTEGER NOT NULL,
    request_id            INTEGER NOT NULL,
    workload_id           INTEGER NOT NULL DEFAULT 0,
    coll_id               INTEGER NOT NULL,
    map_id                INTEGER NOT NULL,
    scope                 TEXT NOT NULL,
    name                  TEXT NOT NULL,
    min_id                INTEGER NOT NULL DEFAULT 0,
    max_id                INTEGER NOT NULL DEFAULT 0,
    status                INTEGER NOT NULL,
    substatus             INTEGER NOT NULL,
    bytes                 INTEGER NOT NULL DEFAULT 0,
    adler32               TEXT NOT NULL DEFAULT '',
    path                  TEXT NOT NULL DEFAULT '',
    content_type          INTEGER NOT NULL DEFAULT 0,
    content_relation_type INTEGER NOT NULL DEFAULT 0,
    content_metadata      TEXT NOT NULL DEFAULT '{}',
    UNIQUE (transform_id, coll_id, map_id, scope, name, min_id, max_id)
);
CREATE TABLE IF NOT EXISTS processings (
    processing_id       INTEGER PRIMARY KEY AUTOINCREMENT,
    transform_id        INTEGER NOT NULL,
    request_id          INTEGER NOT NULL,
    workload_id         INTEGER NOT NULL DEFAULT 0,
    status              INTEGER NOT NULL,
    expired_at          DATETIME NOT NULL,
    processing_metadata TEXT NOT NULL DEFAULT '{}',
    output_metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS messages (
    msg_id       INTEGER PRIMARY KEY AUTOINCREMENT,
    msg_type     INTEGER NOT NULL,
    status       INTEGER NOT NULL,
    source       INTEGER NOT NULL,
    destination  INTEGER NOT NULL,
    request_id   INTEGER NOT NULL,
    workload_id  INTEGER NOT NULL DEFAULT 0,
    transform_id INTEGER NOT NULL,
    num_contents INTEGER NOT NULL DEFAULT 0,
    msg_content  TEXT NOT NULL DEFAULT '{}'
);
`

type transformRow struct {
	TransformID int64     `db:"transform_id"`
	RequestID   int64     `db:"request_id"`
	WorkloadID  int64     `db:"workload_id"`
	Kind        int       `db:"transform_type"`
	Status      int       `db:"status"`
	Locking     int       `db:"locking"`
	Retries     int       `db:"retries"`
	NextPollAt  time.Time `db:"next_poll_at"`
	ExpiredAt   time.Time `db:"expired_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	Errors      string    `db:"errors"`
	Metadata    string    `db:"transform_metadata"`
}

type collectionRow struct {
	CollID          int64  `db:"coll_id"`
	TransformID     int64  `db:"transform_id"`
	RequestID       int64  `db:"request_id"`
	WorkName        string `db:"work_name"`
	Scope           string `db:"scope"`
	Name            string `db:"name"`
	Status          int    `db:"status"`
	TotalFiles      int64  `db:"total_files"`
	ProcessedFiles  int64  `db:"processed_files"`
	ProcessingFiles int64  `db:"processing_files"`
	Bytes           int64  `db:"bytes"`
}

type contentRow struct {
	ContentID    int64  `db:"content_id"`
	TransformID  int64  `db:"transform_id"`
	RequestID    int64  `db:"request_id"`
	WorkloadID   int64  `db:"workload_id"`
	CollID       int64  `db:"coll_id"`
	MapID        int64  `db:"map_id"`
	Scope        string `db:"scope"`
	Name         string `db:"name"`
	MinID        int64  `db:"min_id"`
	MaxID        int64  `db:"max_id"`
	Status       int    `db:"status"`
	Substatus    int    `db:"substatus"`
	Bytes        int64  `db:"bytes"`
	Adler32      string `db:"adler32"`
	Path         string `db:"path"`
	Type         int    `db:"content_type"`
	RelationType int    `db:"content_relation_type"`
	Metadata     string `db:"content_metadata"`
}

type processingRow struct {
	ProcessingID int64     `db:"processing_id"`
	TransformID  int64     `db:"transform_id"`
	RequestID    int64     `db:"request_id"`
	WorkloadID   int64     `db:"workload_id"`
	Status       int       `db:"status"`
	ExpiredAt    time.Time `db:"expired_at"`
	Metadata     string    `db:"processing_metadata"`
	Output       string    `db:"output_metadata"`
}

type messageRow struct {
	MsgID       int64  `db:"msg_id"`
	MsgType     int    `db:"msg_type"`
	Status      int    `db:"status"`
	Source      int    `db:"source"`
	Destination int    `db:"destination"`
	RequestID   int64  `db:"request_id"`
	WorkloadID  int64  `db:"workload_id"`
	TransformID int64  `db:"transform_id"`
	NumContents int    `db:"num_contents"`
	Content     string `db:"msg_content"`
}

// SQLStore is a Repository on sqlite via sqlair. Work descriptors are
// persisted as registry envelopes inside the metadata blobs.
type SQLStore struct {
	db       *sqlair.DB
	registry *work.Registry
	clock    clock.Clock
}

// OpenSQLStore opens (and if necessary creates) a sqlite-backed store
// at path.
func OpenSQLStore(path string, registry *work.Registry, clk clock.Clock) (*SQLStore, error) {
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := raw.Exec(schema); err != nil {
		_ = raw.Close()
		return nil, errors.Annotate(err, "creating schema")
	}
	return &SQLStore{db: sqlair.NewDB(raw), registry: registry, clock: clk}, nil
}

// maskDeadlock maps the driver's lock contention errors onto the
// ErrDeadlock kind the facade retries.
func maskDeadlock(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked {
			return errors.WithType(err, ErrDeadlock)
		}
	}
	return err
}

func statusInts(statuses []transform.Status) sqlair.S {
	s := make(sqlair.S, 0, len(statuses))
	for _, st := range statuses {
		s = append(s, int(st))
	}
	return s
}

func (s *SQLStore) rowToTransform(row transformRow) (*transform.Transform, error) {
	meta, err := s.registry.UnmarshalMetadata([]byte(row.Metadata))
	if err != nil {
		return nil, errors.Annotatef(err, "transform %d metadata", row.TransformID)
	}
	var errMap map[string]string
	if row.Errors != "" {
		if err := json.Unmarshal([]byte(row.Errors), &errMap); err != nil {
			return nil, errors.Annotatef(err, "transform %d errors", row.TransformID)
		}
	}
	return &transform.Transform{
		TransformID: row.TransformID,
		RequestID:   row.RequestID,
		WorkloadID:  row.WorkloadID,
		Kind:        transform.Kind(row.Kind),
		Status:      transform.Status(row.Status),
		Locking:     transform.Locking(row.Locking),
		Retries:     row.Retries,
		NextPollAt:  row.NextPollAt,
		ExpiredAt:   row.ExpiredAt,
		Errors:      errMap,
		Metadata:    meta,
	}, nil
}

// TransformsByStatus implements Repository. The claim runs in one
// transaction: candidate rows are selected skipping locked peers, then
// flipped to Locking with next_poll_at advanced.
func (s *SQLStore) TransformsByStatus(ctx context.Context, statuses []transform.Status, nextPollAt time.Time, bulkSize int) (_ []*transform.Transform, err error) {
	defer func() { err = maskDeadlock(err) }()

	selectStmt, err := sqlair.Prepare(`
SELECT &transformRow.* FROM transforms
WHERE status IN ($S[:]) AND locking = 0 AND next_poll_at <= $M.now
ORDER BY transform_id LIMIT $M.bulk`, transformRow{}, sqlair.S{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	claimStmt, err := sqlair.Prepare(`
UPDATE transforms SET locking = 1, next_poll_at = $M.next, updated_at = $M.now
WHERE transform_id = $M.id AND locking = 0`, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.clock.Now().UTC()
	var rows []transformRow
	err = tx.Query(ctx, selectStmt, statusInts(statuses), sqlair.M{"now": now, "bulk": bulkSize}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		err = nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	var claimed []*transform.Transform
	for _, row := range rows {
		var outcome sqlair.Outcome
		if err = tx.Query(ctx, claimStmt, sqlair.M{"next": nextPollAt.UTC(), "now": now, "id": row.TransformID}).Get(&outcome); err != nil {
			return nil, errors.Trace(err)
		}
		n, err := outcome.Result().RowsAffected()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if n == 0 {
			continue
		}
		t, err := s.rowToTransform(row)
		if err != nil {
			return nil, errors.Trace(err)
		}
		t.Locking = transform.LockingLocking
		claimed = append(claimed, t)
	}
	if err = tx.Commit(); err != nil {
		return nil, errors.Trace(err)
	}
	return claimed, nil
}

// TransformByIDStatus implements Repository.
func (s *SQLStore) TransformByIDStatus(ctx context.Context, id int64, statuses []transform.Status, locking bool) (_ *transform.Transform, err error) {
	defer func() { err = maskDeadlock(err) }()

	stmt, err := sqlair.Prepare(`
SELECT &transformRow.* FROM transforms WHERE transform_id = $M.id`, transformRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var row transformRow
	if err := s.db.Query(ctx, stmt, sqlair.M{"id": id}).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil, errors.NotFoundf("transform %d", id)
		}
		return nil, errors.Trace(err)
	}
	if len(statuses) > 0 {
		matched := false
		for _, st := range statuses {
			if transform.Status(row.Status) == st {
				matched = true
				break
			}
		}
		if !matched {
			return nil, errors.NotFoundf("transform %d in status %v", id, statuses)
		}
	}
	if locking {
		claimStmt, err := sqlair.Prepare(`
UPDATE transforms SET locking = 1, updated_at = $M.now
WHERE transform_id = $M.id AND locking = 0`, sqlair.M{})
		if err != nil {
			return nil, errors.Trace(err)
		}
		var outcome sqlair.Outcome
		if err := s.db.Query(ctx, claimStmt, sqlair.M{"id": id, "now": s.clock.Now().UTC()}).Get(&outcome); err != nil {
			return nil, errors.Trace(err)
		}
		n, err := outcome.Result().RowsAffected()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if n == 0 {
			return nil, errors.NotFoundf("transform %d (locked by peer)", id)
		}
		row.Locking = 1
	}
	return s.rowToTransform(row)
}

func (s *SQLStore) rowToContent(row contentRow) *transform.Content {
	var meta map[string]any
	_ = json.Unmarshal([]byte(row.Metadata), &meta)
	return &transform.Content{
		ContentID:    row.ContentID,
		TransformID:  row.TransformID,
		RequestID:    row.RequestID,
		WorkloadID:   row.WorkloadID,
		CollID:       row.CollID,
		MapID:        row.MapID,
		Scope:        row.Scope,
		Name:         row.Name,
		MinID:        row.MinID,
		MaxID:        row.MaxID,
		Status:       transform.ContentStatus(row.Status),
		Substatus:    transform.ContentStatus(row.Substatus),
		Bytes:        row.Bytes,
		Adler32:      row.Adler32,
		Path:         row.Path,
		Type:         transform.ContentType(row.Type),
		RelationType: transform.ContentRelationType(row.RelationType),
		Metadata:     meta,
	}
}

// TransformInputOutputMaps implements Repository.
func (s *SQLStore) TransformInputOutputMaps(ctx context.Context, id int64, inputCollIDs, outputCollIDs, logCollIDs []int64) (_ transform.IOMaps, err error) {
	defer func() { err = maskDeadlock(err) }()

	stmt, err := sqlair.Prepare(`
SELECT &contentRow.* FROM contents
WHERE transform_id = $M.id ORDER BY map_id, content_id`, contentRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []contentRow
	err = s.db.Query(ctx, stmt, sqlair.M{"id": id}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		err = nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	inColl := int64Set(inputCollIDs)
	outColl := int64Set(outputCollIDs)
	logColl := int64Set(logCollIDs)

	maps := make(transform.IOMaps)
	for _, row := range rows {
		c := s.rowToContent(row)
		m := maps[c.MapID]
		switch c.RelationType {
		case transform.RelationInput:
			if inColl[c.CollID] {
				m.Inputs = append(m.Inputs, c)
			}
		case transform.RelationInputDependency:
			m.InputsDependency = append(m.InputsDependency, c)
		case transform.RelationOutput:
			if outColl[c.CollID] {
				m.Outputs = append(m.Outputs, c)
			}
		case transform.RelationLog:
			if logColl[c.CollID] {
				m.Logs = append(m.Logs, c)
			}
		}
		maps[c.MapID] = m
	}
	return maps, nil
}

func int64Set(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func rowToCollection(row collectionRow) *transform.Collection {
	return &transform.Collection{
		CollID:          row.CollID,
		TransformID:     row.TransformID,
		RequestID:       row.RequestID,
		Scope:           row.Scope,
		Name:            row.Name,
		Status:          transform.CollectionStatus(row.Status),
		TotalFiles:      row.TotalFiles,
		ProcessedFiles:  row.ProcessedFiles,
		ProcessingFiles: row.ProcessingFiles,
		Bytes:           row.Bytes,
	}
}

// WorkNameToCollMap implements Repository.
func (s *SQLStore) WorkNameToCollMap(ctx context.Context, requestID int64) (_ map[string][]*transform.Collection, err error) {
	defer func() { err = maskDeadlock(err) }()

	stmt, err := sqlair.Prepare(`
SELECT &collectionRow.* FROM collections WHERE request_id = $M.id`, collectionRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []collectionRow
	err = s.db.Query(ctx, stmt, sqlair.M{"id": requestID}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		err = nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make(map[string][]*transform.Collection)
	for _, row := range rows {
		out[row.WorkName] = append(out[row.WorkName], rowToCollection(row))
	}
	return out, nil
}

// Collection implements Repository.
func (s *SQLStore) Collection(ctx context.Context, collID int64) (_ *transform.Collection, err error) {
	defer func() { err = maskDeadlock(err) }()

	stmt, err := sqlair.Prepare(`
SELECT &collectionRow.* FROM collections WHERE coll_id = $M.id`, collectionRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var row collectionRow
	if err := s.db.Query(ctx, stmt, sqlair.M{"id": collID}).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil, errors.NotFoundf("collection %d", collID)
		}
		return nil, errors.Trace(err)
	}
	return rowToCollection(row), nil
}

// Processing implements Repository.
func (s *SQLStore) Processing(ctx context.Context, processingID int64) (_ *transform.Processing, err error) {
	defer func() { err = maskDeadlock(err) }()

	stmt, err := sqlair.Prepare(`
SELECT &processingRow.* FROM processings WHERE processing_id = $M.id`, processingRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var row processingRow
	if err := s.db.Query(ctx, stmt, sqlair.M{"id": processingID}).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil, errors.NotFoundf("processing %d", processingID)
		}
		return nil, errors.Trace(err)
	}
	meta, err := s.registry.UnmarshalProcessingMetadata([]byte(row.Metadata))
	if err != nil {
		return nil, errors.Annotatef(err, "processing %d metadata", processingID)
	}
	var output map[string]any
	_ = json.Unmarshal([]byte(row.Output), &output)
	return &transform.Processing{
		ProcessingID:   row.ProcessingID,
		TransformID:    row.TransformID,
		RequestID:      row.RequestID,
		WorkloadID:     row.WorkloadID,
		Status:         transform.ProcessingStatus(row.Status),
		ExpiredAt:      row.ExpiredAt,
		Metadata:       meta,
		OutputMetadata: output,
	}, nil
}

// ReleaseInputsByCollection implements Repository. Dependencies in the
// given collections keyed like a terminated output have their substatus
// promoted; final releases flush status too.
func (s *SQLStore) ReleaseInputsByCollection(ctx context.Context, groups map[int64][]*transform.Content, final bool) (_ []transform.ContentUpdate, err error) {
	defer func() { err = maskDeadlock(err) }()

	depStmt, err := sqlair.Prepare(`
SELECT &contentRow.* FROM contents
WHERE coll_id = $M.coll AND scope = $M.scope AND name = $M.name
  AND min_id = $M.min AND max_id = $M.max
  AND content_relation_type = $M.rel`, contentRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	updSub, err := sqlair.Prepare(`
UPDATE contents SET substatus = $M.status WHERE content_id = $M.id`, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	updBoth, err := sqlair.Prepare(`
UPDATE contents SET status = $M.status, substatus = $M.status WHERE content_id = $M.id`, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var updates []transform.ContentUpdate
	for collID, outputs := range groups {
		for _, out := range outputs {
			status := out.Substatus
			if !status.Terminated() {
				status = out.Status
			}
			if !status.Terminated() {
				continue
			}
			var deps []contentRow
			err = tx.Query(ctx, depStmt, sqlair.M{
				"coll": collID, "scope": out.Scope, "name": out.Name,
				"min": out.MinID, "max": out.MaxID,
				"rel": int(transform.RelationInputDependency),
			}).GetAll(&deps)
			if errors.Is(err, sqlair.ErrNoRows) {
				err = nil
				continue
			}
			if err != nil {
				return nil, errors.Trace(err)
			}
			for _, dep := range deps {
				if transform.ContentStatus(dep.Substatus) == status && !final {
					continue
				}
				stmt := updSub
				update := transform.ContentUpdate{ContentID: dep.ContentID, Status: transform.ContentStatus(dep.Status)}
				sub := status
				update.Substatus = &sub
				if final {
					stmt = updBoth
					update.Status = status
				}
				if err = tx.Query(ctx, stmt, sqlair.M{"status": int(status), "id": dep.ContentID}).Run(); err != nil {
					return nil, errors.Trace(err)
				}
				updates = append(updates, update)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, errors.Trace(err)
	}
	return updates, nil
}

// PollInputsDependencyByCollection implements Repository. For each
// unfinished dependency, the producing output row is consulted; newly
// terminated ones are reported and their substatus synced.
func (s *SQLStore) PollInputsDependencyByCollection(ctx context.Context, groups map[int64][]*transform.Content) (_ []transform.ContentUpdate, err error) {
	defer func() { err = maskDeadlock(err) }()

	outStmt, err := sqlair.Prepare(`
SELECT &contentRow.* FROM contents
WHERE coll_id = $M.coll AND scope = $M.scope AND name = $M.name
  AND min_id = $M.min AND max_id = $M.max
  AND content_relation_type = $M.rel`, contentRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	updSub, err := sqlair.Prepare(`
UPDATE contents SET substatus = $M.status WHERE content_id = $M.id`, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	var updates []transform.ContentUpdate
	for collID, deps := range groups {
		for _, dep := range deps {
			var outs []contentRow
			err = s.db.Query(ctx, outStmt, sqlair.M{
				"coll": collID, "scope": dep.Scope, "name": dep.Name,
				"min": dep.MinID, "max": dep.MaxID,
				"rel": int(transform.RelationOutput),
			}).GetAll(&outs)
			if errors.Is(err, sqlair.ErrNoRows) {
				err = nil
				continue
			}
			if err != nil {
				return nil, errors.Trace(err)
			}
			for _, out := range outs {
				status := transform.ContentStatus(out.Substatus)
				if !status.Terminated() {
					continue
				}
				sub := status
				if err = s.db.Query(ctx, updSub, sqlair.M{"status": int(status), "id": dep.ContentID}).Run(); err != nil {
					return nil, errors.Trace(err)
				}
				updates = append(updates, transform.ContentUpdate{
					ContentID: dep.ContentID,
					Status:    dep.Status,
					Substatus: &sub,
				})
				break
			}
		}
	}
	return updates, nil
}

// TransformMessages implements Repository.
func (s *SQLStore) TransformMessages(ctx context.Context, transformID int64, bulkSize int) (_ []*transform.Message, err error) {
	defer func() { err = maskDeadlock(err) }()

	stmt, err := sqlair.Prepare(`
SELECT &messageRow.* FROM messages
WHERE transform_id = $M.id AND destination = $M.dest AND status = $M.status
ORDER BY msg_id LIMIT $M.bulk`, messageRow{}, sqlair.M{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []messageRow
	err = s.db.Query(ctx, stmt, sqlair.M{
		"id":     transformID,
		"dest":   int(transform.MessageDestinationTransformer),
		"status": int(transform.MessageStatusNew),
		"bulk":   bulkSize,
	}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	msgs := make([]*transform.Message, 0, len(rows))
	for _, row := range rows {
		var content map[string]any
		if err := json.Unmarshal([]byte(row.Content), &content); err != nil {
			return nil, errors.Annotatef(err, "message %d content", row.MsgID)
		}
		msgs = append(msgs, &transform.Message{
			MsgID:       row.MsgID,
			MsgType:     transform.MessageType(row.MsgType),
			Status:      transform.MessageStatus(row.Status),
			Source:      transform.MessageSource(row.Source),
			Destination: transform.MessageDestination(row.Destination),
			RequestID:   row.RequestID,
			WorkloadID:  row.WorkloadID,
			TransformID: row.TransformID,
			NumContents: row.NumContents,
			Content:     content,
		})
	}
	return msgs, nil
}

// AddTransformOutputs implements Repository. Everything in the bundle
// commits in one transaction; a new processing is inserted first so its
// id can be folded into the work metadata written with the transform
// parameters.
func (s *SQLStore) AddTransformOutputs(ctx context.Context, args OutputsArgs) (_, _ []int64, err error) {
	defer func() { err = maskDeadlock(err) }()

	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var newIDs, updatedIDs []int64

	if args.NewProcessing != nil {
		id, err := s.insertProcessing(ctx, tx, args.NewProcessing)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		args.NewProcessing.ProcessingID = id
		newIDs = append(newIDs, id)
		// Fold the id into the borrowed work descriptor so the
		// metadata written below already knows its processing.
		if args.Transform != nil && args.Transform.Metadata.Work != nil {
			if ref := args.Transform.Metadata.Work.Processing(nil, true); ref != nil {
				ref.ProcessingID = id
			}
		}
	}
	if args.UpdateProcessing != nil && args.UpdateProcessing.ProcessingID != 0 {
		if err := s.updateProcessing(ctx, tx, args.UpdateProcessing); err != nil {
			return nil, nil, errors.Trace(err)
		}
		updatedIDs = append(updatedIDs, args.UpdateProcessing.ProcessingID)
	}

	colls := make([]*transform.Collection, 0,
		len(args.UpdateInputCollections)+len(args.UpdateOutputCollections)+len(args.UpdateLogCollections))
	colls = append(colls, args.UpdateInputCollections...)
	colls = append(colls, args.UpdateOutputCollections...)
	colls = append(colls, args.UpdateLogCollections...)
	for _, coll := range colls {
		if coll == nil {
			continue
		}
		if err := s.updateCollection(ctx, tx, coll); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}

	for _, c := range args.NewContents {
		if err := s.insertContent(ctx, tx, c); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	for _, u := range args.UpdateContents {
		if err := s.applyContentUpdate(ctx, tx, u); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}

	for _, m := range args.Messages {
		if m == nil {
			continue
		}
		if err := s.insertMessage(ctx, tx, m); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	for _, u := range args.UpdateMessages {
		if err := s.applyMessageUpdate(ctx, tx, u); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}

	if args.Transform != nil {
		if err := s.updateTransform(ctx, tx, args.Transform, args.Parameters); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return newIDs, updatedIDs, nil
}

func (s *SQLStore) insertProcessing(ctx context.Context, tx *sqlair.TX, p *transform.Processing) (int64, error) {
	metaRaw, err := s.registry.MarshalProcessingMetadata(p.Metadata)
	if err != nil {
		return 0, errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO processings (transform_id, request_id, workload_id, status, expired_at, processing_metadata)
VALUES ($M.transform_id, $M.request_id, $M.workload_id, $M.status, $M.expired_at, $M.meta)`, sqlair.M{})
	if err != nil {
		return 0, errors.Trace(err)
	}
	var outcome sqlair.Outcome
	err = tx.Query(ctx, stmt, sqlair.M{
		"transform_id": p.TransformID,
		"request_id":   p.RequestID,
		"workload_id":  p.WorkloadID,
		"status":       int(p.Status),
		"expired_at":   p.ExpiredAt.UTC(),
		"meta":         string(metaRaw),
	}).Get(&outcome)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id, err := outcome.Result().LastInsertId()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return id, nil
}

func (s *SQLStore) updateProcessing(ctx context.Context, tx *sqlair.TX, u *transform.ProcessingUpdate) error {
	if u.Status != nil {
		stmt, err := sqlair.Prepare(`
UPDATE processings SET status = $M.status WHERE processing_id = $M.id`, sqlair.M{})
		if err != nil {
			return errors.Trace(err)
		}
		if err := tx.Query(ctx, stmt, sqlair.M{"status": int(*u.Status), "id": u.ProcessingID}).Run(); err != nil {
			return errors.Trace(err)
		}
	}
	if u.Metadata != nil {
		metaRaw, err := s.registry.MarshalProcessingMetadata(*u.Metadata)
		if err != nil {
			return errors.Trace(err)
		}
		stmt, err := sqlair.Prepare(`
UPDATE processings SET processing_metadata = $M.meta WHERE processing_id = $M.id`, sqlair.M{})
		if err != nil {
			return errors.Trace(err)
		}
		if err := tx.Query(ctx, stmt, sqlair.M{"meta": string(metaRaw), "id": u.ProcessingID}).Run(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *SQLStore) updateCollection(ctx context.Context, tx *sqlair.TX, coll *transform.Collection) error {
	stmt, err := sqlair.Prepare(`
UPDATE collections SET status = $M.status, total_files = $M.total,
    processed_files = $M.processed, processing_files = $M.processing, bytes = $M.bytes
WHERE coll_id = $M.id`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tx.Query(ctx, stmt, sqlair.M{
		"status":     int(coll.Status),
		"total":      coll.TotalFiles,
		"processed":  coll.ProcessedFiles,
		"processing": coll.ProcessingFiles,
		"bytes":      coll.Bytes,
		"id":         coll.CollID,
	}).Run())
}

func (s *SQLStore) insertContent(ctx context.Context, tx *sqlair.TX, c *transform.Content) error {
	metaRaw, err := json.Marshal(c.Metadata)
	if err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO contents (transform_id, request_id, workload_id, coll_id, map_id,
    scope, name, min_id, max_id, status, substatus, bytes, adler32, path,
    content_type, content_relation_type, content_metadata)
VALUES ($M.transform_id, $M.request_id, $M.workload_id, $M.coll_id, $M.map_id,
    $M.scope, $M.name, $M.min_id, $M.max_id, $M.status, $M.substatus, $M.bytes,
    $M.adler32, $M.path, $M.content_type, $M.relation_type, $M.meta)`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	var outcome sqlair.Outcome
	err = tx.Query(ctx, stmt, sqlair.M{
		"transform_id":  c.TransformID,
		"request_id":    c.RequestID,
		"workload_id":   c.WorkloadID,
		"coll_id":       c.CollID,
		"map_id":        c.MapID,
		"scope":         c.Scope,
		"name":          c.Name,
		"min_id":        c.MinID,
		"max_id":        c.MaxID,
		"status":        int(c.Status),
		"substatus":     int(c.Substatus),
		"bytes":         c.Bytes,
		"adler32":       c.Adler32,
		"path":          c.Path,
		"content_type":  int(c.Type),
		"relation_type": int(c.RelationType),
		"meta":          string(metaRaw),
	}).Get(&outcome)
	if err != nil {
		return errors.Trace(err)
	}
	id, err := outcome.Result().LastInsertId()
	if err != nil {
		return errors.Trace(err)
	}
	c.ContentID = id
	return nil
}

func (s *SQLStore) applyContentUpdate(ctx context.Context, tx *sqlair.TX, u transform.ContentUpdate) error {
	if u.Substatus != nil {
		stmt, err := sqlair.Prepare(`
UPDATE contents SET status = $M.status, substatus = $M.substatus WHERE content_id = $M.id`, sqlair.M{})
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, stmt, sqlair.M{
			"status":    int(u.Status),
			"substatus": int(*u.Substatus),
			"id":        u.ContentID,
		}).Run())
	}
	stmt, err := sqlair.Prepare(`
UPDATE contents SET status = $M.status WHERE content_id = $M.id`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tx.Query(ctx, stmt, sqlair.M{
		"status": int(u.Status),
		"id":     u.ContentID,
	}).Run())
}

func (s *SQLStore) insertMessage(ctx context.Context, tx *sqlair.TX, m *transform.Message) error {
	contentRaw, err := json.Marshal(m.Content)
	if err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO messages (msg_type, status, source, destination, request_id,
    workload_id, transform_id, num_contents, msg_content)
VALUES ($M.msg_type, $M.status, $M.source, $M.destination, $M.request_id,
    $M.workload_id, $M.transform_id, $M.num_contents, $M.content)`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	var outcome sqlair.Outcome
	err = tx.Query(ctx, stmt, sqlair.M{
		"msg_type":     int(m.MsgType),
		"status":       int(m.Status),
		"source":       int(m.Source),
		"destination":  int(m.Destination),
		"request_id":   m.RequestID,
		"workload_id":  m.WorkloadID,
		"transform_id": m.TransformID,
		"num_contents": m.NumContents,
		"content":      string(contentRaw),
	}).Get(&outcome)
	if err != nil {
		return errors.Trace(err)
	}
	id, err := outcome.Result().LastInsertId()
	if err != nil {
		return errors.Trace(err)
	}
	m.MsgID = id
	return nil
}

func (s *SQLStore) applyMessageUpdate(ctx context.Context, tx *sqlair.TX, u transform.MessageUpdate) error {
	stmt, err := sqlair.Prepare(`
UPDATE messages SET status = $M.status WHERE msg_id = $M.id`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tx.Query(ctx, stmt, sqlair.M{
		"status": int(u.Status),
		"id":     u.MsgID,
	}).Run())
}

func (s *SQLStore) updateTransform(ctx context.Context, tx *sqlair.TX, t *transform.Transform, u transform.Update) error {
	sets := []string{"locking = $M.locking", "updated_at = $M.now"}
	argsM := sqlair.M{
		"locking": int(u.Locking),
		"now":     s.clock.Now().UTC(),
		"id":      t.TransformID,
	}
	if u.Status != nil {
		sets = append(sets, "status = $M.status")
		argsM["status"] = int(*u.Status)
	}
	if u.WorkloadID != nil {
		sets = append(sets, "workload_id = $M.workload_id")
		argsM["workload_id"] = *u.WorkloadID
	}
	if u.NextPollAt != nil {
		sets = append(sets, "next_poll_at = $M.next_poll_at")
		argsM["next_poll_at"] = u.NextPollAt.UTC()
	}
	if u.Retries != nil {
		sets = append(sets, "retries = $M.retries")
		argsM["retries"] = *u.Retries
	}
	if u.Errors != nil {
		raw, err := json.Marshal(u.Errors)
		if err != nil {
			return errors.Trace(err)
		}
		sets = append(sets, "errors = $M.errors")
		argsM["errors"] = string(raw)
	}
	if u.Metadata != nil {
		raw, err := s.registry.MarshalMetadata(*u.Metadata)
		if err != nil {
			return errors.Trace(err)
		}
		sets = append(sets, "transform_metadata = $M.meta")
		argsM["meta"] = string(raw)
	}
	query := "UPDATE transforms SET " + strings.Join(sets, ", ") + " WHERE transform_id = $M.id"
	stmt, err := sqlair.Prepare(query, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tx.Query(ctx, stmt, argsM).Run())
}

// CleanLocking implements Repository.
func (s *SQLStore) CleanLocking(ctx context.Context, olderThan time.Duration) (err error) {
	defer func() { err = maskDeadlock(err) }()

	stmt, err := sqlair.Prepare(`
UPDATE transforms SET locking = 0
WHERE locking = 1 AND updated_at < $M.cutoff`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	return errors.Trace(s.db.Query(ctx, stmt, sqlair.M{"cutoff": cutoff}).Run())
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return errors.Trace(s.db.PlainDB().Close())
}
