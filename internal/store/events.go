package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pardalotus/metabeak/internal/model"
)

// resolveIdentifier maps an identifier to its entity row, inserting one if
// needed. Concurrent inserts of the same identifier race benignly: the
// loser's INSERT hits the unique constraint and the SELECT arm wins.
func resolveIdentifier(ctx context.Context, q querier, id model.Identifier) (int64, error) {
	var entityID int64
	err := q.QueryRow(ctx, `
		WITH new_row AS (
		    INSERT INTO entity (identifier_type, identifier)
		    VALUES ($1, $2)
		    ON CONFLICT (identifier_type, identifier) DO NOTHING
		    RETURNING entity_id
		)
		SELECT entity_id FROM new_row
		UNION ALL
		SELECT entity_id FROM entity WHERE identifier_type = $1 AND identifier = $2
		LIMIT 1`,
		int(id.Type), id.Value).Scan(&entityID)
	if err != nil {
		return 0, fmt.Errorf("resolving identifier %s: %w", id.StableString(), err)
	}
	return entityID, nil
}

func insertEvent(ctx context.Context, q querier, ev *model.Event) (int64, error) {
	var subjectID, objectID *int64
	if ev.Subject != nil {
		id, err := resolveIdentifier(ctx, q, *ev.Subject)
		if err != nil {
			return 0, err
		}
		subjectID = &id
	}
	if ev.Object != nil {
		id, err := resolveIdentifier(ctx, q, *ev.Object)
		if err != nil {
			return 0, err
		}
		objectID = &id
	}

	var eventID int64
	err := q.QueryRow(ctx, `
		INSERT INTO event (json, source_id, analyzer_id, assertion_id, subject_entity_id, object_entity_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING event_id`,
		ev.JSON, int(ev.Source), int(ev.Analyzer), ev.AssertionID, subjectID, objectID).
		Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	return eventID, nil
}

// InsertEvent stores one event. Insertion enqueues it for execution via the
// event table trigger.
func (s *Store) InsertEvent(ctx context.Context, ev *model.Event) (int64, error) {
	return insertEvent(ctx, s.pool, ev)
}

// InsertEvents stores a batch of events in one transaction, returning their
// assigned ids in input order.
func (s *Store) InsertEvents(ctx context.Context, events []*model.Event) ([]int64, error) {
	ids := make([]int64, 0, len(events))
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, ev := range events {
			id, err := insertEvent(ctx, tx, ev)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
