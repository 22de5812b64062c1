package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pardalotus/metabeak/internal/model"
)

// UpsertHandler stores a handler function keyed by its content hash. If the
// exact code (after normalization) was uploaded before, the existing row is
// returned unchanged, whatever its status; created reports whether a new
// row was made. Handler ids are therefore stable for a given body of code.
func (s *Store) UpsertHandler(ctx context.Context, code string, ownerID int32) (*model.Handler, bool, error) {
	normalized := model.NormalizeCode(code)
	hash := model.HashCode(code)

	h := &model.Handler{OwnerID: ownerID, Hash: hash, Code: normalized}
	var created bool
	err := s.pool.QueryRow(ctx, `
		WITH new_row AS (
		    INSERT INTO handler (owner_id, hash, code, status)
		    VALUES ($1, $2, $3, $4)
		    ON CONFLICT (hash) DO NOTHING
		    RETURNING handler_id, status, created
		)
		SELECT handler_id, status, created, TRUE AS is_new FROM new_row
		UNION ALL
		SELECT handler_id, status, created, FALSE FROM handler WHERE hash = $2
		LIMIT 1`,
		ownerID, hash, normalized, model.StatusEnabled).
		Scan(&h.ID, &h.Status, &h.Created, &created)
	if err != nil {
		return nil, false, fmt.Errorf("upserting handler: %w", err)
	}
	return h, created, nil
}

// GetHandler fetches a handler including its code.
func (s *Store) GetHandler(ctx context.Context, id int64) (*model.Handler, error) {
	h := &model.Handler{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, hash, code, status, created
		FROM handler WHERE handler_id = $1`, id).
		Scan(&h.OwnerID, &h.Hash, &h.Code, &h.Status, &h.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching handler %d: %w", id, err)
	}
	return h, nil
}

// GetCode fetches just the source of an enabled or disabled handler.
func (s *Store) GetCode(ctx context.Context, id int64) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx,
		`SELECT code FROM handler WHERE handler_id = $1`, id).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetching handler %d code: %w", id, err)
	}
	return code, nil
}

// ListHandlers returns all handlers without their code, newest first.
func (s *Store) ListHandlers(ctx context.Context) ([]model.Handler, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT handler_id, owner_id, hash, status, created
		FROM handler ORDER BY handler_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing handlers: %w", err)
	}
	defer rows.Close()

	var out []model.Handler
	for rows.Next() {
		var h model.Handler
		if err := rows.Scan(&h.ID, &h.OwnerID, &h.Hash, &h.Status, &h.Created); err != nil {
			return nil, fmt.Errorf("scanning handler: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// listEnabled returns every enabled handler with code, for the engine to
// fan events out to. Reads through the batch transaction so the snapshot
// is consistent with the events claimed alongside it. Ordered by id so
// dispatch affinity is deterministic.
func listEnabled(ctx context.Context, q querier) ([]model.Handler, error) {
	rows, err := q.Query(ctx, `
		SELECT handler_id, owner_id, hash, code, status, created
		FROM handler WHERE status = $1 ORDER BY handler_id`, model.StatusEnabled)
	if err != nil {
		return nil, fmt.Errorf("listing enabled handlers: %w", err)
	}
	defer rows.Close()

	var out []model.Handler
	for rows.Next() {
		var h model.Handler
		if err := rows.Scan(&h.ID, &h.OwnerID, &h.Hash, &h.Code, &h.Status, &h.Created); err != nil {
			return nil, fmt.Errorf("scanning handler: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// allowedTransitions maps a requested status to the statuses it may be
// reached from. Broken is set only by the engine; operators recover a
// broken handler by re-enabling it.
var allowedTransitions = map[model.HandlerStatus][]model.HandlerStatus{
	model.StatusEnabled:  {model.StatusDisabled, model.StatusBroken},
	model.StatusDisabled: {model.StatusEnabled},
	model.StatusBroken:   {model.StatusEnabled},
}

// ErrBadTransition is returned when a status change is not permitted from
// the handler's current status.
var ErrBadTransition = errors.New("status transition not permitted")

// SetStatus moves a handler to the requested status, enforcing the
// transition rules. Setting the current status again is a no-op.
func (s *Store) SetStatus(ctx context.Context, id int64, to model.HandlerStatus) error {
	from, ok := allowedTransitions[to]
	if !ok {
		return fmt.Errorf("%w: unknown status %d", ErrBadTransition, to)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE handler SET status = $2
		WHERE handler_id = $1 AND status = ANY($3)`,
		id, to, statusInts(from))
	if err != nil {
		return fmt.Errorf("updating handler %d status: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: either the handler is missing, already in the
	// requested status, or the transition is forbidden.
	current, err := s.GetHandler(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == to {
		return nil
	}
	return fmt.Errorf("%w: %s to %s", ErrBadTransition, current.Status, to)
}

func statusInts(statuses []model.HandlerStatus) []int {
	out := make([]int, len(statuses))
	for i, st := range statuses {
		out[i] = int(st)
	}
	return out
}
