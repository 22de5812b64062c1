package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pardalotus/metabeak/internal/db"
	"github.com/pardalotus/metabeak/internal/model"
)

// setupStore starts a disposable PostgreSQL container, applies migrations
// and returns a ready Store. Integration tests are skipped unless
// TEST_INTEGRATION is set.
func setupStore(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("metabeak_test"),
		postgres.WithUsername("metabeak"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("starting PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	url := fmt.Sprintf("postgres://metabeak:test-password@%s:%s/metabeak_test?sslmode=disable",
		host, port.Port())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := db.Migrate(url, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pool, err := db.Connect(ctx, url, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return New(pool, logger)
}

func strPtr(s string) *string { return &s }

func testEvent(subject string) *model.Event {
	id := model.ParseIdentifier(subject)
	return &model.Event{
		Source:      model.SourceTest,
		Analyzer:    model.AnalyzerTest,
		AssertionID: -1,
		Subject:     &id,
		JSON:        `{"type":"test"}`,
	}
}

func TestUpsertHandler_DeduplicatesByHash(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h1, created, err := s.UpsertHandler(ctx, "function f(event) { return null; }", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}
	if !created {
		t.Error("first upload should create a row")
	}

	// Same code modulo trailing whitespace maps to the same handler.
	h2, created, err := s.UpsertHandler(ctx, "function f(event) { return null; }  \n", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}
	if created {
		t.Error("re-upload should not create a row")
	}
	if h2.ID != h1.ID {
		t.Errorf("ids differ: %d vs %d", h1.ID, h2.ID)
	}

	h3, created, err := s.UpsertHandler(ctx, "function f(event) { return []; }", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}
	if !created || h3.ID == h1.ID {
		t.Errorf("different code should get a new id, got %d (created=%v)", h3.ID, created)
	}
}

func TestUpsertHandler_ReuploadKeepsStatus(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h, _, err := s.UpsertHandler(ctx, "function f(event) { return [1]; }", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}
	if err := s.SetStatus(ctx, h.ID, model.StatusDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	h2, _, err := s.UpsertHandler(ctx, "function f(event) { return [1]; }", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}
	if h2.Status != model.StatusDisabled {
		t.Errorf("status = %s, want disabled preserved on re-upload", h2.Status)
	}
}

func TestSetStatus_Transitions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h, _, err := s.UpsertHandler(ctx, "function f(event) {}", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}

	if err := s.SetStatus(ctx, h.ID, model.StatusDisabled); err != nil {
		t.Errorf("enabled to disabled: %v", err)
	}
	if err := s.SetStatus(ctx, h.ID, model.StatusBroken); err == nil {
		t.Error("disabled to broken should be rejected")
	}
	if err := s.SetStatus(ctx, h.ID, model.StatusEnabled); err != nil {
		t.Errorf("disabled to enabled: %v", err)
	}
	if err := s.SetStatus(ctx, h.ID, model.StatusBroken); err != nil {
		t.Errorf("enabled to broken: %v", err)
	}
	if err := s.SetStatus(ctx, h.ID, model.StatusEnabled); err != nil {
		t.Errorf("broken to enabled: %v", err)
	}
	// Setting the current status again is a no-op.
	if err := s.SetStatus(ctx, h.ID, model.StatusEnabled); err != nil {
		t.Errorf("enabled to enabled: %v", err)
	}
	if err := s.SetStatus(ctx, 999999, model.StatusDisabled); err != ErrNotFound {
		t.Errorf("missing handler: err = %v, want ErrNotFound", err)
	}
}

func TestInsertEvent_EnqueuesAndRoundTrips(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertEvent(ctx, testEvent("doi:10.5555/12345678"))
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	depth, err := s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1 after trigger", depth)
	}

	claimed, err := s.RunBatch(ctx, 10, func(handlers []model.Handler, events []*model.Event) []model.RunResult {
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		ev := events[0]
		if ev.ID != id {
			t.Errorf("event id = %d, want %d", ev.ID, id)
		}
		if ev.Subject == nil || ev.Subject.Type != model.IdentifierDoi || ev.Subject.Value != "10.5555/12345678" {
			t.Errorf("subject = %+v", ev.Subject)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if claimed != 1 {
		t.Errorf("claimed = %d, want 1", claimed)
	}

	// The queue row was acknowledged by the commit.
	if depth, _ := s.QueueDepth(ctx); depth != 0 {
		t.Errorf("queue depth = %d, want 0 after batch", depth)
	}
}

func TestRunBatch_PersistsResultsAtomically(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h, _, err := s.UpsertHandler(ctx, "function f(event) { return []; }", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}
	eventID, err := s.InsertEvent(ctx, testEvent("doi:10.5555/1"))
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	_, err = s.RunBatch(ctx, 10, func(handlers []model.Handler, events []*model.Event) []model.RunResult {
		if len(handlers) != 1 || handlers[0].ID != h.ID || handlers[0].Code == "" {
			t.Errorf("handler snapshot = %+v, want the enabled handler with code", handlers)
		}
		return []model.RunResult{
			{HandlerID: h.ID, EventID: eventID, Result: strPtr(`["match"]`), Stdout: "log line\n"},
			{HandlerID: h.ID, EventID: eventID, Error: strPtr("boom")},
		}
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	all, _, err := s.GetResults(ctx, h.ID, 0, 10, false)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d results, want 2", len(all))
	}
	if all[0].Result == nil || *all[0].Result != `["match"]` || all[0].Stdout != "log line\n" {
		t.Errorf("first result = %+v", all[0])
	}
	if all[1].Error == nil || *all[1].Error != "boom" {
		t.Errorf("second result = %+v", all[1])
	}

	success, _, err := s.GetResults(ctx, h.ID, 0, 10, true)
	if err != nil {
		t.Fatalf("GetResults success only: %v", err)
	}
	if len(success) != 1 {
		t.Errorf("got %d success results, want 1", len(success))
	}
}

func TestRunBatch_RollsBackOnFanOutError(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.InsertEvent(ctx, testEvent("doi:10.5555/2")); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	_, err := s.RunBatch(ctx, 10, func(handlers []model.Handler, events []*model.Event) []model.RunResult {
		return []model.RunResult{{HandlerID: -1, EventID: 0, Result: nil}}
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	// Simulate a crash mid-batch: the claim is not committed, so the row
	// stays queued.
	txCtx, cancel := context.WithCancel(ctx)
	if _, err := s.InsertEvent(ctx, testEvent("doi:10.5555/3")); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	_, err = s.RunBatch(txCtx, 10, func(handlers []model.Handler, events []*model.Event) []model.RunResult {
		cancel()
		return []model.RunResult{{HandlerID: -1, EventID: 0, Result: nil}}
	})
	if err == nil {
		t.Fatal("RunBatch should fail when the commit is cancelled")
	}
	if depth, _ := s.QueueDepth(ctx); depth != 1 {
		t.Errorf("queue depth = %d, want 1 after rollback", depth)
	}
}

func TestRunBatch_DiscardsTombstones(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertEvent(ctx, testEvent("doi:10.5555/4"))
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	// Expire the event out from under its queue row.
	if _, err := s.pool.Exec(ctx, `DELETE FROM event WHERE event_id = $1`, id); err != nil {
		t.Fatalf("deleting event: %v", err)
	}

	claimed, err := s.RunBatch(ctx, 10, func(handlers []model.Handler, events []*model.Event) []model.RunResult {
		if len(events) != 0 {
			t.Errorf("fanOut got %d events, want none for a tombstone", len(events))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if claimed != 1 {
		t.Errorf("claimed = %d, want the tombstone row drained", claimed)
	}
	if depth, _ := s.QueueDepth(ctx); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestGetResults_CursorPagination(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h, _, err := s.UpsertHandler(ctx, "function f(event) {}", 0)
	if err != nil {
		t.Fatalf("UpsertHandler: %v", err)
	}
	var results []model.RunResult
	for i := 0; i < 5; i++ {
		results = append(results, model.RunResult{HandlerID: h.ID, EventID: int64(i), Result: strPtr("[]")})
	}
	if err := saveResults(ctx, s.pool, results); err != nil {
		t.Fatalf("saveResults: %v", err)
	}

	var seen int
	var cursor int64
	for {
		page, next, err := s.GetResults(ctx, h.ID, cursor, 2, false)
		if err != nil {
			t.Fatalf("GetResults: %v", err)
		}
		seen += len(page)
		if next == 0 {
			break
		}
		cursor = next
	}
	if seen != 5 {
		t.Errorf("paged through %d results, want 5", seen)
	}
}

func TestAssertions_DedupeAndDrain(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	subject := model.ParseIdentifier("doi:10.5555/99")
	body := `{"DOI":"10.5555/99","title":["A Test Work"]}`

	inserted, err := s.InsertAssertion(ctx, model.SourceCrossref, &subject, body)
	if err != nil {
		t.Fatalf("InsertAssertion: %v", err)
	}
	if !inserted {
		t.Error("first insert should report inserted")
	}
	inserted, err = s.InsertAssertion(ctx, model.SourceCrossref, &subject, body)
	if err != nil {
		t.Fatalf("InsertAssertion: %v", err)
	}
	if inserted {
		t.Error("duplicate assertion should be dropped")
	}

	claimed, err := s.DrainAssertions(ctx, 10, func(assertions []model.Assertion) ([]*model.Event, error) {
		if len(assertions) != 1 {
			t.Fatalf("got %d assertions, want 1", len(assertions))
		}
		a := assertions[0]
		if a.Source != model.SourceCrossref || a.JSON != body {
			t.Errorf("assertion = %+v", a)
		}
		ev := testEvent("doi:10.5555/99")
		ev.Analyzer = model.AnalyzerLifecycle
		ev.AssertionID = a.ID
		return []*model.Event{ev}, nil
	})
	if err != nil {
		t.Fatalf("DrainAssertions: %v", err)
	}
	if claimed != 1 {
		t.Errorf("claimed = %d, want 1", claimed)
	}

	// The derived event was enqueued for handler execution.
	if depth, _ := s.QueueDepth(ctx); depth != 1 {
		t.Errorf("event queue depth = %d, want 1", depth)
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, ok, err := s.Checkpoint(ctx, "crossref"); err != nil || ok {
		t.Fatalf("Checkpoint before save: ok=%v err=%v", ok, err)
	}

	want := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetCheckpoint(ctx, "crossref", want); err != nil {
		t.Fatalf("SetCheckpoint: %v", err)
	}
	got, ok, err := s.Checkpoint(ctx, "crossref")
	if err != nil || !ok {
		t.Fatalf("Checkpoint: ok=%v err=%v", ok, err)
	}
	if !got.Equal(want) {
		t.Errorf("checkpoint = %v, want %v", got, want)
	}

	// Upsert moves it forward.
	later := want.Add(24 * time.Hour)
	if err := s.SetCheckpoint(ctx, "crossref", later); err != nil {
		t.Fatalf("SetCheckpoint: %v", err)
	}
	got, _, _ = s.Checkpoint(ctx, "crossref")
	if !got.Equal(later) {
		t.Errorf("checkpoint = %v, want %v", got, later)
	}
}
