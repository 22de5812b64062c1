package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pardalotus/metabeak/internal/model"
)

// saveResults inserts execution results in one round trip.
func saveResults(ctx context.Context, q querier, results []model.RunResult) error {
	if len(results) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`
			INSERT INTO execution_result (handler_id, event_id, result, error, stdout, stderr)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.HandlerID, r.EventID, r.Result, r.Error, r.Stdout, r.Stderr)
	}

	br := q.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("saving execution result: %w", err)
		}
	}
	return nil
}

// GetResults pages through a handler's results. after is an exclusive
// result id cursor, zero for the start; successOnly restricts to rows with
// a non-null result, served by a partial index. Returns up to limit rows in
// id order plus the cursor for the next page (zero when exhausted).
func (s *Store) GetResults(ctx context.Context, handlerID, after int64, limit int, successOnly bool) ([]model.ResultRow, int64, error) {
	query := `
		SELECT result_id, handler_id, event_id, result, error, stdout, stderr, created
		FROM execution_result
		WHERE handler_id = $1 AND result_id > $2`
	if successOnly {
		query += ` AND result IS NOT NULL`
	}
	query += ` ORDER BY result_id LIMIT $3`

	rows, err := s.pool.Query(ctx, query, handlerID, after, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching results for handler %d: %w", handlerID, err)
	}
	defer rows.Close()

	var out []model.ResultRow
	for rows.Next() {
		var r model.ResultRow
		if err := rows.Scan(&r.ResultID, &r.HandlerID, &r.EventID,
			&r.Result, &r.Error, &r.Stdout, &r.Stderr, &r.Created); err != nil {
			return nil, 0, fmt.Errorf("scanning result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int64
	if len(out) == limit {
		next = out[len(out)-1].ResultID
	}
	return out, next, nil
}
