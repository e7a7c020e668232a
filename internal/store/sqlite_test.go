package store

import (
	"context"
	"database/sql"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"

	"taskvault/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return NewSQLiteStore(db)
}

func strptr(s string) *string { return &s }

func TestUpsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := domain.ScheduledTask{
		ID:         "t1",
		Action:     "purge_history",
		Status:     domain.StatusScheduled,
		Timestamp:  1000,
		ResourceID: strptr("room1"),
		Params:     map[string]any{"before": float64(500)},
	}
	if err := s.UpsertTask(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("round trip mismatch: want=%+v got=%+v", want, *got)
	}
	if got.Result != nil || got.Error != nil {
		t.Fatalf("expected absent result and error, got %+v", *got)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetTask(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing id, got %+v", *got)
	}
}

func TestUpsertReplacesWholeRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := domain.ScheduledTask{
		ID:         "t1",
		Action:     "purge_history",
		Status:     domain.StatusFailed,
		Timestamp:  1000,
		ResourceID: strptr("room1"),
		Params:     map[string]any{"before": float64(500)},
		Error:      strptr("boom"),
	}
	if err := s.UpsertTask(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second upsert carries no resource id, params or error: the row must
	// end up with NULLs there, not the old values.
	second := domain.ScheduledTask{
		ID:        "t1",
		Action:    "compact",
		Status:    domain.StatusScheduled,
		Timestamp: 2000,
	}
	if err := s.UpsertTask(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(*got, second) {
		t.Fatalf("expected wholesale replace: want=%+v got=%+v", second, *got)
	}
}

func TestEmptyParamsDistinctFromAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTask(ctx, domain.ScheduledTask{
		ID: "empty", Action: "a", Status: domain.StatusScheduled, Timestamp: 1,
		Params: map[string]any{},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertTask(ctx, domain.ScheduledTask{
		ID: "absent", Action: "a", Status: domain.StatusScheduled, Timestamp: 1,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetTask(ctx, "empty")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Params == nil || len(got.Params) != 0 {
		t.Fatalf("expected empty params map, got %#v", got.Params)
	}
	got, err = s.GetTask(ctx, "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Params != nil {
		t.Fatalf("expected nil params, got %#v", got.Params)
	}
}

func seedListFixtures(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	fixtures := []domain.ScheduledTask{
		{ID: "t1", Action: "purge", Status: domain.StatusScheduled, Timestamp: 1, ResourceID: strptr("r1")},
		{ID: "t2", Action: "purge", Status: domain.StatusActive, Timestamp: 2, ResourceID: strptr("r2")},
		{ID: "t3", Action: "compact", Status: domain.StatusComplete, Timestamp: 3},
		{ID: "t4", Action: "compact", Status: domain.StatusFailed, Timestamp: 4, ResourceID: strptr("r1")},
	}
	for _, f := range fixtures {
		if err := s.UpsertTask(ctx, f); err != nil {
			t.Fatalf("seed %s: %v", f.ID, err)
		}
	}
}

func listIDs(t *testing.T, s Store, f domain.TaskFilter) map[string]bool {
	t.Helper()
	tasks, err := s.ListTasks(context.Background(), f)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := map[string]bool{}
	for _, task := range tasks {
		ids[task.ID] = true
	}
	return ids
}

func TestListNoFilterReturnsAll(t *testing.T) {
	s := newTestStore(t)
	seedListFixtures(t, s)

	ids := listIDs(t, s, domain.TaskFilter{})
	if len(ids) != 4 {
		t.Fatalf("expected 4 tasks, got %v", ids)
	}
}

func TestListThreeStateResourceFilter(t *testing.T) {
	s := newTestStore(t)
	seedListFixtures(t, s)

	// Empty set: only rows where resource_id is NULL.
	ids := listIDs(t, s, domain.TaskFilter{ResourceIDs: domain.SetOf[string]()})
	if len(ids) != 1 || !ids["t3"] {
		t.Fatalf("NULL-only filter: expected {t3}, got %v", ids)
	}

	// Membership.
	ids = listIDs(t, s, domain.TaskFilter{ResourceIDs: domain.SetOf("r1")})
	if len(ids) != 2 || !ids["t1"] || !ids["t4"] {
		t.Fatalf("r1 filter: expected {t1,t4}, got %v", ids)
	}

	// Unconstrained: resource-less t3 included.
	ids = listIDs(t, s, domain.TaskFilter{Actions: domain.SetOf("compact")})
	if len(ids) != 2 || !ids["t3"] || !ids["t4"] {
		t.Fatalf("action filter: expected {t3,t4}, got %v", ids)
	}
}

func TestListFiltersAreANDed(t *testing.T) {
	s := newTestStore(t)
	seedListFixtures(t, s)

	ids := listIDs(t, s, domain.TaskFilter{
		Actions:     domain.SetOf("purge"),
		ResourceIDs: domain.SetOf("r1", "r2"),
		Statuses:    domain.SetOf(domain.StatusActive),
	})
	if len(ids) != 1 || !ids["t2"] {
		t.Fatalf("expected {t2}, got %v", ids)
	}
}

func TestUpdateTouchesOnlyNamedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig := domain.ScheduledTask{
		ID:         "t1",
		Action:     "purge_history",
		Status:     domain.StatusScheduled,
		Timestamp:  1000,
		ResourceID: strptr("room1"),
		Params:     map[string]any{"before": float64(500)},
	}
	if err := s.UpsertTask(ctx, orig); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	status := domain.StatusComplete
	ok, err := s.UpdateTask(ctx, "t1", domain.TaskUpdate{
		Status: &status,
		Result: map[string]any{"rows_deleted": float64(42)},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatal("expected update to hit a row")
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusComplete {
		t.Fatalf("expected complete, got %s", got.Status)
	}
	if !reflect.DeepEqual(got.Result, map[string]any{"rows_deleted": float64(42)}) {
		t.Fatalf("unexpected result: %#v", got.Result)
	}
	if got.Action != orig.Action || got.Timestamp != orig.Timestamp ||
		!reflect.DeepEqual(got.ResourceID, orig.ResourceID) ||
		!reflect.DeepEqual(got.Params, orig.Params) || got.Error != nil {
		t.Fatalf("untouched fields changed: %+v", *got)
	}
}

func TestUpdateMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	status := domain.StatusActive
	ok, err := s.UpdateTask(ctx, "nope", domain.TaskUpdate{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing id")
	}
	if ids := listIDs(t, s, domain.TaskFilter{}); len(ids) != 0 {
		t.Fatalf("update must not create rows, got %v", ids)
	}

	// An update naming no fields still answers existence.
	ok, err = s.UpdateTask(ctx, "nope", domain.TaskUpdate{})
	if err != nil || ok {
		t.Fatalf("empty update on missing id: ok=%v err=%v", ok, err)
	}
	if err := s.UpsertTask(ctx, domain.ScheduledTask{ID: "t1", Action: "a", Status: domain.StatusScheduled, Timestamp: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ok, err = s.UpdateTask(ctx, "t1", domain.TaskUpdate{})
	if err != nil || !ok {
		t.Fatalf("empty update on existing id: ok=%v err=%v", ok, err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTask(ctx, domain.ScheduledTask{ID: "t1", Action: "a", Status: domain.StatusScheduled, Timestamp: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected task gone, got %+v", *got)
	}
	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestLifecycleExample(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTask(ctx, domain.ScheduledTask{
		ID:         "t1",
		Action:     "purge_history",
		Status:     domain.StatusScheduled,
		Timestamp:  1000,
		ResourceID: strptr("room1"),
		Params:     map[string]any{"before": float64(500)},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	active := domain.StatusActive
	ts := int64(1005)
	if ok, err := s.UpdateTask(ctx, "t1", domain.TaskUpdate{Status: &active, Timestamp: &ts}); err != nil || !ok {
		t.Fatalf("activate: ok=%v err=%v", ok, err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusActive || got.Timestamp != 1005 {
		t.Fatalf("after activate: %+v", *got)
	}
	if !reflect.DeepEqual(got.Params, map[string]any{"before": float64(500)}) {
		t.Fatalf("params changed: %#v", got.Params)
	}

	complete := domain.StatusComplete
	if ok, err := s.UpdateTask(ctx, "t1", domain.TaskUpdate{
		Status: &complete,
		Result: map[string]any{"rows_deleted": float64(42)},
	}); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	got, err = s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusComplete || got.Error != nil {
		t.Fatalf("after complete: %+v", *got)
	}
	if !reflect.DeepEqual(got.Result, map[string]any{"rows_deleted": float64(42)}) {
		t.Fatalf("unexpected result: %#v", got.Result)
	}
}
