// Package orchestrator drives one tick of the event lifecycle: fetch,
// normalize, upsert, materialize reminders, select due rows, send, and
// record — and the ticker loop that repeats it every 60 seconds until
// RUN_ONCE or shutdown.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alpha-watch/alpha-watch/internal/model"
	"github.com/alpha-watch/alpha-watch/internal/notifier"
	"github.com/alpha-watch/alpha-watch/internal/timeutil"
)

// TickInterval is the sleep between ticks outside RUN_ONCE mode.
const TickInterval = 60 * time.Second

// Extractor is the C2 seam.
type Extractor interface {
	FetchEvents(ctx context.Context) ([]model.Event, error)
}

// Repository is the C4 seam the orchestrator drives.
type Repository interface {
	UpsertEvents(ctx context.Context, events []model.Event, now time.Time) ([]int64, []model.Event, error)
	EnsureNotifications(ctx context.Context, eventIDs []int64, events []model.Event, offsets []int, defaultChannel string, now time.Time) error
	FetchDueNotifications(ctx context.Context, now time.Time) ([]model.NotificationTask, error)
	MarkNotificationSent(ctx context.Context, id int64, success bool, failReason string) error
	LogNotificationAttempt(ctx context.Context, notificationID int64, attemptNo int, endpoint string, payload []byte, responseCode *int, responseBody []byte) error
}

// Notifier is the C5 seam.
type Notifier interface {
	Send(ctx context.Context, r notifier.Reminder) (*notifier.Result, error)
}

// Config carries every setting a tick needs.
type Config struct {
	Timezone        *time.Location
	ReminderOffsets []int
	DefaultChannel  string
	QuietChannel    string
	QuietHours      *timeutil.QuietWindow
}

// Orchestrator wires C2, C4, and C5 together for one tick and the
// outer ticker loop.
type Orchestrator struct {
	extractor Extractor
	repo      Repository
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
}

// New builds an Orchestrator. A nil logger falls back to slog.Default().
func New(extractor Extractor, repo Repository, notifierImpl Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{extractor: extractor, repo: repo, notifier: notifierImpl, cfg: cfg, logger: logger}
}

// Run drives the ticker loop until ctx is cancelled, or performs exactly
// one tick and returns if runOnce is true.
func (o *Orchestrator) Run(ctx context.Context, runOnce bool) error {
	if err := o.Tick(ctx); err != nil {
		o.logger.Error("tick failed", "error", err)
	}
	if runOnce {
		return nil
	}

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				o.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick performs one complete cycle. A failure to fetch events aborts the
// tick without mutating state (no exception escapes this boundary —
// every error here is either recovered or logged). Every log line emitted
// during the tick carries a shared tick_id so a single cycle's events can
// be correlated in the worker's output.
func (o *Orchestrator) Tick(ctx context.Context) error {
	logger := o.logger.With("tick_id", uuid.New().String())
	now := timeutil.Now(o.cfg.Timezone)

	events, err := o.extractor.FetchEvents(ctx)
	if err != nil {
		logger.Error("extraction failed", "error", &ExtractionFailure{Err: err})
		return nil
	}

	for i, ev := range events {
		events[i].StartTime, _ = timeutil.ParseEventTime(ev.RawTime, o.cfg.Timezone, now)
	}

	today := now.Format("2006-01-02")
	retained := events[:0]
	for _, ev := range events {
		if ev.StartTime == nil {
			continue
		}
		if ev.StartTime.In(o.cfg.Timezone).Format("2006-01-02") != today {
			continue
		}
		if dateValue, ok := ev.DetailString("date"); ok && dateValue != today {
			continue
		}
		ev.Section = model.SectionToday
		retained = append(retained, ev)
	}

	ids, survivors, err := o.repo.UpsertEvents(ctx, retained, now)
	if err != nil {
		logger.Error("upsert failed", "error", &StoreError{Op: "upsert_events", Err: err})
		return nil
	}

	if err := o.repo.EnsureNotifications(ctx, ids, survivors, o.cfg.ReminderOffsets, o.cfg.DefaultChannel, now); err != nil {
		logger.Error("ensure notifications failed", "error", &StoreError{Op: "ensure_notifications", Err: err})
		return nil
	}

	quiet := timeutil.InQuietHours(now, o.cfg.QuietHours)
	quietChannel := ""
	if quiet {
		quietChannel = o.cfg.QuietChannel
	}

	tasks, err := o.repo.FetchDueNotifications(ctx, now)
	if err != nil {
		logger.Error("fetch due notifications failed", "error", &StoreError{Op: "fetch_due_notifications", Err: err})
		return nil
	}

	for _, task := range tasks {
		o.dispatch(ctx, logger, task, quietChannel, quiet, now)
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, logger *slog.Logger, task model.NotificationTask, quietChannel string, quiet bool, now time.Time) {
	eventTime := task.EventTime
	if eventTime == nil && task.OffsetMinutes != nil {
		derived := task.RemindAt.Add(time.Duration(*task.OffsetMinutes) * time.Minute)
		eventTime = &derived
	}
	// A healthy due row has remind_at <= now < event_time <= now + offset.
	// An event time beyond now + offset means remind_at went stale (the
	// event row's start_time moved after this row was materialized); the
	// reminder no longer describes a real T-minus window, so it is marked
	// failed instead of sent.
	var grace time.Duration
	if task.OffsetMinutes != nil {
		grace = time.Duration(*task.OffsetMinutes) * time.Minute
	}
	if eventTime != nil && eventTime.After(now.Add(grace)) {
		anomaly := &FutureEventAnomaly{NotificationID: task.ID, EventTime: eventTime.Format(time.RFC3339)}
		logger.Warn("notification skipped", "error", anomaly)
		o.recordFailure(ctx, logger, task, reasonEventTimeInFuture)
		return
	}

	effectiveChannel := quietChannel
	if effectiveChannel == "" {
		effectiveChannel = task.Channel
	}
	reminder := buildReminder(task, effectiveChannel, quiet)
	result, err := o.notifier.Send(ctx, reminder)
	if err != nil {
		var transportErr *notifier.TransportError
		reason := err.Error()
		if errors.As(err, &transportErr) {
			reason = transportErr.Error()
		}
		logger.Error("send failed", "id", task.ID, "error", err)
		o.recordFailure(ctx, logger, task, reason)
		return
	}

	payload, _ := jsonMarshal(result.Payload)
	responseBody, _ := jsonMarshalString(result.ResponseBody)
	statusCode := result.StatusCode
	if err := o.repo.LogNotificationAttempt(ctx, task.ID, task.Attempts+1, result.Endpoint, payload, &statusCode, responseBody); err != nil {
		logger.Error("log attempt failed", "id", task.ID, "error", err)
	}
	if err := o.repo.MarkNotificationSent(ctx, task.ID, true, ""); err != nil {
		logger.Error("mark sent failed", "id", task.ID, "error", err)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, logger *slog.Logger, task model.NotificationTask, reason string) {
	payload, _ := jsonMarshal(map[string]string{"token": task.Token, "reason": reason})
	responseBody, _ := jsonMarshal(map[string]string{"error": reason})
	if err := o.repo.LogNotificationAttempt(ctx, task.ID, task.Attempts+1, "/error", payload, nil, responseBody); err != nil {
		logger.Error("log failure attempt failed", "id", task.ID, "error", err)
	}
	if err := o.repo.MarkNotificationSent(ctx, task.ID, false, reason); err != nil {
		logger.Error("mark failed failed", "id", task.ID, "error", err)
	}
}

func buildReminder(task model.NotificationTask, effectiveChannel string, quiet bool) notifier.Reminder {
	return notifier.Reminder{
		Event: model.Event{
			Token:     task.Token,
			Section:   model.SectionToday,
			RawTime:   task.RawTime,
			StartTime: task.EventTime,
			Details:   task.Details,
			Source:    model.SourceDB,
		},
		OffsetMinutes: task.OffsetMinutes,
		Channel:       effectiveChannel,
		QuietMode:     quiet,
	}
}
