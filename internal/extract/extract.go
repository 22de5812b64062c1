// Package extract derives events from queued metadata assertions. The
// lifecycle analyzer emits an "indexed" event for each newly harvested
// work.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pardalotus/metabeak/internal/model"
)

// batchSize is the number of assertions claimed per transaction.
const batchSize = 100

// Store is the persistence surface extraction needs.
type Store interface {
	DrainAssertions(ctx context.Context, limit int, analyze func(assertions []model.Assertion) ([]*model.Event, error)) (int, error)
}

// Drain analyzes queued assertions until the queue is empty, returning the
// number drained. Inserted events are enqueued for handler execution as a
// side effect of the same transactions.
func Drain(ctx context.Context, s Store, logger *slog.Logger) (int, error) {
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := s.DrainAssertions(ctx, batchSize, analyze)
		if err != nil {
			return total, fmt.Errorf("draining assertions: %w", err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
		logger.Debug("analyzed assertions", slog.Int("count", n))
	}
}

// analyze turns each assertion into a lifecycle "indexed" event about its
// subject work. Assertions without a recognizable DOI are consumed without
// producing an event.
func analyze(assertions []model.Assertion) ([]*model.Event, error) {
	var events []*model.Event
	for _, a := range assertions {
		var record struct {
			DOI string `json:"DOI"`
		}
		if err := json.Unmarshal([]byte(a.JSON), &record); err != nil || record.DOI == "" {
			continue
		}
		subject := model.ParseIdentifier("doi:" + record.DOI)

		payload, err := json.Marshal(map[string]any{
			"type":  "indexed",
			"bytes": len(a.JSON),
		})
		if err != nil {
			return nil, fmt.Errorf("building event payload: %w", err)
		}

		events = append(events, &model.Event{
			Source:      a.Source,
			Analyzer:    model.AnalyzerLifecycle,
			AssertionID: a.ID,
			Subject:     &subject,
			JSON:        string(payload),
		})
	}
	return events, nil
}
