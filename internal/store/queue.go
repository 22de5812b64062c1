package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pardalotus/metabeak/internal/model"
)

// claimEventsSQL drains up to $1 rows from the event queue and joins their
// events. SKIP LOCKED keeps concurrent pollers from blocking on each
// other's claims; the DELETE only becomes visible at commit, so a crash
// before commit returns the rows to the queue. The LEFT JOIN means queue
// rows whose event has been expired still get drained, surfacing as rows
// with a NULL payload that the caller discards.
const claimEventsSQL = `
	WITH claimed AS (
	    DELETE FROM event_queue
	    WHERE event_queue_id IN (
	        SELECT event_queue_id FROM event_queue
	        ORDER BY event_queue_id
	        LIMIT $1
	        FOR UPDATE SKIP LOCKED
	    )
	    RETURNING event_id
	)
	SELECT c.event_id,
	       e.json, e.source_id, e.analyzer_id, e.assertion_id, e.created,
	       s.identifier_type, s.identifier,
	       o.identifier_type, o.identifier
	FROM claimed c
	LEFT JOIN event e ON e.event_id = c.event_id
	LEFT JOIN entity s ON s.entity_id = e.subject_entity_id
	LEFT JOIN entity o ON o.entity_id = e.object_entity_id
	ORDER BY c.event_id`

func claimEvents(ctx context.Context, q querier, limit int) (events []*model.Event, claimed int, err error) {
	rows, err := q.Query(ctx, claimEventsSQL, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("claiming queued events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventID                  *int64
			jsonText                 *string
			sourceID, analyzerID     *int
			assertionID              *int64
			created                  *time.Time
			subjType, objType        *int
			subjValue, objValue      *string
		)
		if err := rows.Scan(&eventID, &jsonText, &sourceID, &analyzerID, &assertionID, &created,
			&subjType, &subjValue, &objType, &objValue); err != nil {
			return nil, 0, fmt.Errorf("scanning queued event: %w", err)
		}
		claimed++

		// Tombstone: the event behind this queue row no longer exists.
		if eventID == nil || jsonText == nil {
			continue
		}

		ev := &model.Event{
			ID:          *eventID,
			Source:      model.MetadataSource(*sourceID),
			Analyzer:    model.EventAnalyzer(*analyzerID),
			AssertionID: *assertionID,
			JSON:        *jsonText,
			Created:     *created,
		}
		if subjType != nil && subjValue != nil {
			ev.Subject = &model.Identifier{Type: model.IdentifierType(*subjType), Value: *subjValue}
		}
		if objType != nil && objValue != nil {
			ev.Object = &model.Identifier{Type: model.IdentifierType(*objType), Value: *objValue}
		}
		events = append(events, ev)
	}
	return events, claimed, rows.Err()
}

// RunBatch reads the enabled handlers, claims up to limit queued events,
// hands both to fanOut and persists the results it returns, all in one
// transaction. Reading the handler snapshot inside the transaction keeps it
// consistent with the claim: a handler disabled concurrently is either in
// the snapshot with the events or in neither. The queue rows are
// acknowledged by the commit, strictly after the results are saved. fanOut
// runs even when the claim is empty, so the caller sees every snapshot.
// Returns the number of queue rows drained; zero means the queue was empty.
func (s *Store) RunBatch(ctx context.Context, limit int, fanOut func(handlers []model.Handler, events []*model.Event) []model.RunResult) (int, error) {
	var claimed int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		handlers, err := listEnabled(ctx, tx)
		if err != nil {
			return err
		}
		events, n, err := claimEvents(ctx, tx, limit)
		if err != nil {
			return err
		}
		claimed = n

		results := fanOut(handlers, events)
		if len(results) == 0 {
			return nil
		}
		return saveResults(ctx, tx, results)
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// QueueDepth reports the number of events awaiting execution.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM event_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting event queue: %w", err)
	}
	return n, nil
}
