package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pardalotus/metabeak/internal/model"
)

type fakeStore struct {
	hashes  map[string]int64
	nextID  int64
	events  []*model.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{hashes: make(map[string]int64), nextID: 1}
}

func (f *fakeStore) UpsertHandler(ctx context.Context, code string, ownerID int32) (*model.Handler, bool, error) {
	hash := model.HashCode(code)
	if id, ok := f.hashes[hash]; ok {
		return &model.Handler{ID: id, Hash: hash}, false, nil
	}
	id := f.nextID
	f.nextID++
	f.hashes[hash] = id
	return &model.Handler{ID: id, Hash: hash}, true, nil
}

func (f *fakeStore) InsertEvents(ctx context.Context, events []*model.Event) ([]int64, error) {
	ids := make([]int64, len(events))
	for i, ev := range events {
		f.events = append(f.events, ev)
		ids[i] = int64(len(f.events))
	}
	return ids, nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadHandlersFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", `function f(event) { return null; }`)
	writeFile(t, dir, "b.js", `function f(event) { return []; }`)
	// Identical to a.js after normalization, so not a new handler.
	writeFile(t, dir, "c.js", "function f(event) { return null; }  \n")
	writeFile(t, dir, "notes.txt", "ignored")

	fs := newFakeStore()
	created, err := LoadHandlersFromDir(context.Background(), fs, dir, discard())
	if err != nil {
		t.Fatalf("LoadHandlersFromDir: %v", err)
	}
	if created != 2 {
		t.Errorf("created = %d, want 2", created)
	}
}

func TestLoadEventsFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "single.json",
		`{"source":"test","analyzer":"test","type":"test","subject":"doi:10.5555/1"}`)
	writeFile(t, dir, "batch.json", `[
		{"source":"test","analyzer":"test","type":"test","subject":"doi:10.5555/2"},
		{"source":"test","analyzer":"test","type":"test","subject":"doi:10.5555/3"}
	]`)

	fs := newFakeStore()
	total, err := LoadEventsFromDir(context.Background(), fs, dir, discard())
	if err != nil {
		t.Fatalf("LoadEventsFromDir: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(fs.events) != 3 {
		t.Fatalf("stored %d events", len(fs.events))
	}
	if fs.events[0].Subject == nil || fs.events[0].Subject.Value != "10.5555/2" {
		// batch.json sorts before single.json.
		t.Errorf("first event subject = %+v", fs.events[0].Subject)
	}
}

func TestLoadEventsFromDir_BadFileFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.json", `{"source":"test"}`)

	fs := newFakeStore()
	if _, err := LoadEventsFromDir(context.Background(), fs, dir, discard()); err == nil {
		t.Error("want error for event missing required fields")
	}
}
