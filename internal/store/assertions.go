package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pardalotus/metabeak/internal/model"
)

// InsertAssertion stores a harvested metadata assertion, deduplicated by
// content hash. A fresh insert enqueues the assertion for analysis via the
// table trigger; a duplicate is dropped silently and inserted reports false.
func (s *Store) InsertAssertion(ctx context.Context, source model.MetadataSource, subject *model.Identifier, jsonText string) (inserted bool, err error) {
	hash := model.HashAssertion(jsonText)

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var subjectID *int64
		if subject != nil {
			id, err := resolveIdentifier(ctx, tx, *subject)
			if err != nil {
				return err
			}
			subjectID = &id
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO metadata_assertion (source_id, subject_entity_id, hash, json)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (hash) DO NOTHING`,
			int(source), subjectID, hash, jsonText)
		if err != nil {
			return fmt.Errorf("inserting assertion: %w", err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

const claimAssertionsSQL = `
	WITH claimed AS (
	    DELETE FROM assertion_queue
	    WHERE assertion_queue_id IN (
	        SELECT assertion_queue_id FROM assertion_queue
	        ORDER BY assertion_queue_id
	        LIMIT $1
	        FOR UPDATE SKIP LOCKED
	    )
	    RETURNING assertion_id
	)
	SELECT c.assertion_id, a.source_id, a.subject_entity_id, a.hash, a.json, a.created
	FROM claimed c
	LEFT JOIN metadata_assertion a ON a.assertion_id = c.assertion_id
	ORDER BY c.assertion_id`

// DrainAssertions claims up to limit queued assertions, passes them to
// analyze and inserts the events it derives, all in one transaction. The
// event inserts fire the event queue trigger, so derived events flow
// straight on to handler execution. Returns the number of queue rows
// drained.
func (s *Store) DrainAssertions(ctx context.Context, limit int, analyze func(assertions []model.Assertion) ([]*model.Event, error)) (int, error) {
	var claimed int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimAssertionsSQL, limit)
		if err != nil {
			return fmt.Errorf("claiming queued assertions: %w", err)
		}

		var assertions []model.Assertion
		for rows.Next() {
			var (
				id        int64
				sourceID  *int
				subjectID *int64
				hash      *string
				jsonText  *string
				created   *time.Time
			)
			if err := rows.Scan(&id, &sourceID, &subjectID, &hash, &jsonText, &created); err != nil {
				rows.Close()
				return fmt.Errorf("scanning queued assertion: %w", err)
			}
			claimed++
			if jsonText == nil {
				continue
			}
			assertions = append(assertions, model.Assertion{
				ID:              id,
				Source:          model.MetadataSource(*sourceID),
				SubjectEntityID: subjectID,
				Hash:            *hash,
				JSON:            *jsonText,
				Created:         *created,
			})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(assertions) == 0 {
			return nil
		}

		events, err := analyze(assertions)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if _, err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// Checkpoint returns a named harvest checkpoint, reporting ok=false when no
// checkpoint has been saved yet.
func (s *Store) Checkpoint(ctx context.Context, name string) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT checkpoint FROM agent_checkpoint WHERE name = $1`, name).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("fetching checkpoint %q: %w", name, err)
	}
	return t, true, nil
}

// SetCheckpoint upserts a named harvest checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, name string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_checkpoint (name, checkpoint) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET checkpoint = EXCLUDED.checkpoint`,
		name, t)
	if err != nil {
		return fmt.Errorf("saving checkpoint %q: %w", name, err)
	}
	return nil
}
