package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/alpha-watch/alpha-watch/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// UpsertEvents rejects any event whose details.date != today or whose
// raw_time lacks HH:MM.
func TestUpsertEvents_RejectsWrongDateAndBadTimeFormat(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	now := time.Date(2024, 5, 26, 10, 0, 0, 0, time.UTC)
	events := []model.Event{
		{Token: "STALE", RawTime: "10:00", Details: map[string]any{"date": "2024-05-25"}},
		{Token: "NOTIME", RawTime: "tomorrow"},
	}

	ids, survivors, err := repo.UpsertEvents(context.Background(), events, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 || len(survivors) != 0 {
		t.Fatalf("expected both events rejected, got ids=%v survivors=%v", ids, survivors)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected DB interaction: %v", err)
	}
}

func TestUpsertEvents_InsertsNewEvent(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	now := time.Date(2024, 5, 26, 10, 0, 0, 0, time.UTC)
	start := time.Date(2024, 5, 26, 10, 20, 0, 0, time.UTC)
	events := []model.Event{
		{Token: "OMEGA", RawTime: "10:20", StartTime: &start, Source: model.SourceDOM, Details: map[string]any{}},
	}

	mock.ExpectQuery(`SELECT id FROM alpha_events WHERE token = \$1 AND raw_time = \$2`).
		WithArgs("OMEGA", "10:20").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO alpha_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	ids, survivors, err := repo.UpsertEvents(context.Background(), events, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected id [1], got %v", ids)
	}
	if len(survivors) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(survivors))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertEvents_UpdatesExisting(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	now := time.Date(2024, 5, 26, 10, 0, 0, 0, time.UTC)
	events := []model.Event{
		{Token: "OMEGA", RawTime: "10:20", Details: map[string]any{}},
	}

	mock.ExpectQuery(`SELECT id FROM alpha_events WHERE token = \$1 AND raw_time = \$2`).
		WithArgs("OMEGA", "10:20").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE alpha_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ids, _, err := repo.UpsertEvents(context.Background(), events, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("expected existing id [7], got %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// An event whose start_time is already at least one offset in the past
// gets no reminder row, so no statement is issued for it.
func TestEnsureNotifications_SkipsElapsedEvents(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	now := time.Date(2024, 5, 26, 11, 0, 0, 0, time.UTC)
	longElapsed := now.Add(-time.Hour)
	events := []model.Event{
		{Token: "EXPIRED", StartTime: &longElapsed},
	}

	err := repo.EnsureNotifications(context.Background(), []int64{1}, events, []int{30}, "default", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected no DB interaction for an elapsed event, got: %v", err)
	}
}

// Repeated EnsureNotifications with the same (event_id, offset,
// remind_at) never produces more than one row — enforced at the SQL layer
// by ON CONFLICT DO NOTHING; this test checks the statement is issued
// with that idempotent shape, once for the due event.
func TestEnsureNotifications_InsertsForFutureEvent(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	now := time.Date(2024, 5, 26, 9, 50, 0, 0, time.UTC)
	start := time.Date(2024, 5, 26, 10, 20, 0, 0, time.UTC)
	events := []model.Event{
		{Token: "OMEGA", StartTime: &start, Details: map[string]any{}},
	}

	mock.ExpectExec(`(?s)INSERT INTO alpha_notifications.*ON CONFLICT \(event_id, offset_minutes, remind_at\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.EnsureNotifications(context.Background(), []int64{1}, events, []int{30}, "default", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// An event whose start_time never resolved carries no remind_at to
// materialize against (Notification.remind_at is NOT NULL), so it is
// skipped rather than issuing any statement.
func TestEnsureNotifications_SkipsUnresolvedStartTime(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	now := time.Date(2024, 5, 26, 9, 50, 0, 0, time.UTC)
	events := []model.Event{
		{Token: "TBA-TOKEN", StartTime: nil, Details: map[string]any{}},
	}

	err := repo.EnsureNotifications(context.Background(), []int64{1}, events, []int{30}, "default", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected no DB interaction for an unresolved start_time, got: %v", err)
	}
}

// Once a notification reaches sent or failed, MarkNotificationSent
// always writes the terminal status unconditionally. This test only
// verifies the statement issued on a failure transition truncates the
// reason and increments attempts.
func TestMarkNotificationSent_TruncatesFailReason(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	longReason := ""
	for i := 0; i < 300; i++ {
		longReason += "x"
	}

	mock.ExpectExec(`(?s)UPDATE alpha_notifications.*attempts = attempts \+ 1`).
		WithArgs("failed", longReason[:255], int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkNotificationSent(context.Background(), 42, false, longReason); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFetchDueNotifications_OrdersByRemindAt(t *testing.T) {
	db, mock := newMock(t)
	repo := New(db)

	now := time.Date(2024, 5, 26, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "token", "start_time", "raw_time",
		"offset_minutes", "channel", "remind_at", "details_json", "attempts",
	}).AddRow(int64(1), int64(10), "OMEGA", now, "10:20", 30, "voice", now, []byte(`{"amount":"10"}`), 0)

	mock.ExpectQuery(`(?s)SELECT n.id, n.event_id.*ORDER BY n.remind_at ASC, n.id ASC`).WillReturnRows(rows)

	tasks, err := repo.FetchDueNotifications(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Token != "OMEGA" {
		t.Errorf("token = %q", tasks[0].Token)
	}
	if tasks[0].Details["amount"] != "10" {
		t.Errorf("details.amount = %v", tasks[0].Details["amount"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
