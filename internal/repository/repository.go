// Package repository implements the upsert/materialize/fetch-due/mark/log
// operations against the three persisted tables, on top of a plain
// *sql.DB (internal/store owns connection lifecycle).
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alpha-watch/alpha-watch/internal/model"
)

// DB is the subset of *sql.DB the repository needs. Satisfied by *sql.DB
// and *sql.Tx alike, and by the sqlmock-backed fakes in the test suite.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements C4 against db.
type Repository struct {
	db DB
}

// New builds a Repository over db.
func New(db DB) *Repository {
	return &Repository{db: db}
}

var timeFidelityPattern = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)

func isValidTimeFormat(rawTime string) bool {
	return rawTime != "" && timeFidelityPattern.MatchString(rawTime)
}

var amountKeys = []string{"amount", "数量", "allocation", "supply"}
var pointsKeys = []string{"points", "积分", "score"}

func pickDetail(details map[string]any, keys []string) *string {
	for _, key := range keys {
		v, ok := details[key]
		if !ok || v == nil {
			continue
		}
		var candidate string
		switch t := v.(type) {
		case string:
			candidate = strings.TrimSpace(t)
		default:
			candidate = fmt.Sprintf("%v", t)
		}
		if candidate != "" {
			return &candidate
		}
	}
	return nil
}

// UpsertEvents persists events in order, returning the surviving ids
// aligned to the surviving subset of the input — callers must walk both
// slices in lockstep using the returned ids, not the input index, since
// skipped events (Guard A/B) contribute no slot.
func (r *Repository) UpsertEvents(ctx context.Context, events []model.Event, now time.Time) ([]int64, []model.Event, error) {
	ids := make([]int64, 0, len(events))
	survivors := make([]model.Event, 0, len(events))
	today := now.Format("2006-01-02")

	for _, ev := range events {
		if dateValue, ok := ev.DetailString("date"); ok && dateValue != today {
			continue
		}
		if !isValidTimeFormat(ev.RawTime) {
			continue
		}

		detailsJSON, err := json.Marshal(ev.Details)
		if err != nil {
			return nil, nil, fmt.Errorf("repository: marshal details for %q: %w", ev.Token, err)
		}
		amount := pickDetail(ev.Details, amountKeys)
		points := pickDetail(ev.Details, pointsKeys)

		var startTime *time.Time
		if ev.StartTime != nil {
			startTime = ev.StartTime
		}

		var existingID int64
		err = r.db.QueryRowContext(ctx,
			`SELECT id FROM alpha_events WHERE token = $1 AND raw_time = $2`,
			ev.Token, ev.RawTime,
		).Scan(&existingID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := r.db.QueryRowContext(ctx,
				`INSERT INTO alpha_events (token, start_time, raw_time, amount, points, details_json, source)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				ev.Token, startTime, ev.RawTime, amount, points, detailsJSON, string(ev.Source),
			).Scan(&existingID); err != nil {
				return nil, nil, fmt.Errorf("repository: insert event %q: %w", ev.Token, err)
			}
		case err != nil:
			return nil, nil, fmt.Errorf("repository: lookup event %q: %w", ev.Token, err)
		default:
			if _, err := r.db.ExecContext(ctx,
				`UPDATE alpha_events
				 SET start_time = $1, raw_time = $2, amount = $3, points = $4, details_json = $5, updated_at = now()
				 WHERE id = $6`,
				startTime, ev.RawTime, amount, points, detailsJSON, existingID,
			); err != nil {
				return nil, nil, fmt.Errorf("repository: update event %q: %w", ev.Token, err)
			}
		}

		ids = append(ids, existingID)
		survivors = append(survivors, ev)
	}

	return ids, survivors, nil
}

// ReminderOffsets, when non-empty, are the minute offsets
// EnsureNotifications materializes a row for. The orchestrator always
// passes a single-element slice ([30]) to match the canonical behavior;
// the parameter exists so an alternative caller could supply [30, 5]
// without any change to the uniqueness constraint.
func (r *Repository) EnsureNotifications(ctx context.Context, eventIDs []int64, events []model.Event, offsets []int, defaultChannel string, now time.Time) error {
	if len(offsets) == 0 {
		offsets = []int{30}
	}

	for i, eventID := range eventIDs {
		ev := events[i]
		if ev.StartTime == nil {
			continue
		}

		for _, offset := range offsets {
			if now.Sub(*ev.StartTime) >= time.Duration(offset)*time.Minute {
				continue
			}
			remindAt := ev.StartTime.Add(-time.Duration(offset) * time.Minute)
			if err := r.insertNotification(ctx, eventID, ev, &offset, remindAt, defaultChannel); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Repository) insertNotification(ctx context.Context, eventID int64, ev model.Event, offset *int, remindAt time.Time, channel string) error {
	metadata, err := buildMetadata(ev)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO alpha_notifications (event_id, offset_minutes, remind_at, channel, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id, offset_minutes, remind_at) DO NOTHING`,
		eventID, offset, remindAt, channel, metadata,
	)
	if err != nil {
		return fmt.Errorf("repository: ensure notification for event %d: %w", eventID, err)
	}
	return nil
}

func buildMetadata(ev model.Event) ([]byte, error) {
	displayName := ev.Token
	if dn, ok := ev.DetailString("display_name"); ok {
		displayName = dn
	}
	metadata, err := json.Marshal(model.NotificationMetadata{
		Token:       ev.Token,
		DisplayName: displayName,
		Section:     string(ev.Section),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: marshal notification metadata for %q: %w", ev.Token, err)
	}
	return metadata, nil
}

// FetchDueNotifications returns every pending row with remind_at <= now,
// ordered ascending by remind_at (ties broken by insertion id, the
// natural order of a SERIAL primary key).
func (r *Repository) FetchDueNotifications(ctx context.Context, now time.Time) ([]model.NotificationTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT n.id, n.event_id, e.token, e.start_time, e.raw_time,
		        n.offset_minutes, n.channel, n.remind_at, e.details_json, n.attempts
		 FROM alpha_notifications n
		 JOIN alpha_events e ON e.id = n.event_id
		 WHERE n.status = 'pending' AND n.remind_at <= $1
		 ORDER BY n.remind_at ASC, n.id ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: fetch due notifications: %w", err)
	}
	defer rows.Close()

	var tasks []model.NotificationTask
	for rows.Next() {
		var task model.NotificationTask
		var detailsJSON []byte
		if err := rows.Scan(
			&task.ID, &task.EventID, &task.Token, &task.EventTime, &task.RawTime,
			&task.OffsetMinutes, &task.Channel, &task.RemindAt, &detailsJSON, &task.Attempts,
		); err != nil {
			return nil, fmt.Errorf("repository: scan due notification: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &task.Details); err != nil {
				return nil, fmt.Errorf("repository: unmarshal details for notification %d: %w", task.ID, err)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

const maxFailReasonLen = 255

// MarkNotificationSent transitions a notification to sent or failed. Only
// a status transition from pending is meaningful; the core never attempts
// to move a terminal notification back to pending, so this always sets
// the terminal status unconditionally rather than checking the prior
// state — callers are responsible for only calling this once per send.
func (r *Repository) MarkNotificationSent(ctx context.Context, id int64, success bool, failReason string) error {
	status := model.StatusSent
	if !success {
		status = model.StatusFailed
	}
	var reason *string
	if failReason != "" {
		truncated := failReason
		if len(truncated) > maxFailReasonLen {
			truncated = truncated[:maxFailReasonLen]
		}
		reason = &truncated
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE alpha_notifications
		 SET status = $1,
		     sent_at = CASE WHEN $1 = 'sent' THEN now() ELSE sent_at END,
		     fail_reason = $2,
		     attempts = attempts + 1
		 WHERE id = $3`,
		string(status), reason, id,
	)
	if err != nil {
		return fmt.Errorf("repository: mark notification %d: %w", id, err)
	}
	return nil
}

// LogNotificationAttempt appends one delivery-attempt record. Immutable:
// no update or delete path exists for this table.
func (r *Repository) LogNotificationAttempt(ctx context.Context, notificationID int64, attemptNo int, endpoint string, payload []byte, responseCode *int, responseBody []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO alpha_notification_logs
		    (notification_id, attempt_no, endpoint, payload, response_code, response_body)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		notificationID, attemptNo, endpoint, payload, responseCode, nullableBytes(responseBody),
	)
	if err != nil {
		return fmt.Errorf("repository: log attempt for notification %d: %w", notificationID, err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
