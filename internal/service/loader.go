// Package service holds operational tasks invoked from the command line:
// bulk-loading handler functions and events from local files.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pardalotus/metabeak/internal/model"
)

// Store is the persistence surface the loaders need.
type Store interface {
	UpsertHandler(ctx context.Context, code string, ownerID int32) (*model.Handler, bool, error)
	InsertEvents(ctx context.Context, events []*model.Event) ([]int64, error)
}

// LoadHandlersFromDir registers every *.js file in dir as a handler
// function. Files are processed in name order so runs are reproducible;
// a file whose code was already registered is reported but not an error.
// Returns the number of newly created handlers.
func LoadHandlersFromDir(ctx context.Context, s Store, dir string, logger *slog.Logger) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.js"))
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(paths)

	var created int
	for _, path := range paths {
		code, err := os.ReadFile(path)
		if err != nil {
			return created, fmt.Errorf("reading %s: %w", path, err)
		}

		h, isNew, err := s.UpsertHandler(ctx, string(code), 0)
		if err != nil {
			return created, fmt.Errorf("registering %s: %w", path, err)
		}
		if isNew {
			created++
		}
		logger.Info("loaded handler",
			slog.String("file", filepath.Base(path)),
			slog.Int64("handler", h.ID),
			slog.Bool("new", isNew))
	}
	return created, nil
}

// LoadEventsFromDir inserts events from every *.json file in dir. Each file
// holds either a single event object or an array of them, in the public
// event format. Each file is inserted in its own transaction.
func LoadEventsFromDir(ctx context.Context, s Store, dir string, logger *slog.Logger) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(paths)

	var total int
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("reading %s: %w", path, err)
		}

		events, err := parseEventFile(data)
		if err != nil {
			return total, fmt.Errorf("parsing %s: %w", path, err)
		}
		if len(events) == 0 {
			continue
		}

		if _, err := s.InsertEvents(ctx, events); err != nil {
			return total, fmt.Errorf("inserting events from %s: %w", path, err)
		}
		total += len(events)
		logger.Info("loaded events",
			slog.String("file", filepath.Base(path)),
			slog.Int("count", len(events)))
	}
	return total, nil
}

func parseEventFile(data []byte) ([]*model.Event, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var raws []json.RawMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &raws); err != nil {
			return nil, err
		}
	} else {
		raws = []json.RawMessage{json.RawMessage(trimmed)}
	}

	events := make([]*model.Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := model.ParseEvent(string(raw))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
