package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alpha-watch/alpha-watch/internal/model"
	"github.com/alpha-watch/alpha-watch/internal/notifier"
	"github.com/alpha-watch/alpha-watch/internal/timeutil"
)

type fakeExtractor struct {
	events []model.Event
	err    error
}

func (f *fakeExtractor) FetchEvents(ctx context.Context) ([]model.Event, error) {
	return f.events, f.err
}

type fakeRepo struct {
	mu             sync.Mutex
	nextID         int64
	upserted       []model.Event
	notifications  []model.NotificationTask
	due            []model.NotificationTask
	sentIDs        []int64
	failedIDs      []int64
	attemptsLogged int
	upsertErr      error
	ensureErr      error
	fetchDueErr    error
}

func (f *fakeRepo) UpsertEvents(ctx context.Context, events []model.Event, now time.Time) ([]int64, []model.Event, error) {
	if f.upsertErr != nil {
		return nil, nil, f.upsertErr
	}
	ids := make([]int64, len(events))
	for i := range events {
		f.nextID++
		ids[i] = f.nextID
	}
	f.upserted = append(f.upserted, events...)
	return ids, events, nil
}

func (f *fakeRepo) EnsureNotifications(ctx context.Context, eventIDs []int64, events []model.Event, offsets []int, defaultChannel string, now time.Time) error {
	if f.ensureErr != nil {
		return f.ensureErr
	}
	for i, ev := range events {
		remindAt := now
		if ev.StartTime != nil {
			remindAt = ev.StartTime.Add(-time.Duration(offsets[0]) * time.Minute)
		}
		f.notifications = append(f.notifications, model.NotificationTask{
			ID:        int64(len(f.notifications) + 1),
			EventID:   eventIDs[i],
			Token:     ev.Token,
			EventTime: ev.StartTime,
			RawTime:   ev.RawTime,
			Channel:   defaultChannel,
			RemindAt:  remindAt,
			Details:   ev.Details,
		})
	}
	return nil
}

func (f *fakeRepo) FetchDueNotifications(ctx context.Context, now time.Time) ([]model.NotificationTask, error) {
	if f.fetchDueErr != nil {
		return nil, f.fetchDueErr
	}
	return f.due, nil
}

func (f *fakeRepo) MarkNotificationSent(ctx context.Context, id int64, success bool, failReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.sentIDs = append(f.sentIDs, id)
	} else {
		f.failedIDs = append(f.failedIDs, id)
	}
	return nil
}

func (f *fakeRepo) LogNotificationAttempt(ctx context.Context, notificationID int64, attemptNo int, endpoint string, payload []byte, responseCode *int, responseBody []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attemptsLogged++
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	last  notifier.Reminder
	err   error
}

func (f *fakeNotifier) Send(ctx context.Context, r notifier.Reminder) (*notifier.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = r
	if f.err != nil {
		return nil, f.err
	}
	return &notifier.Result{Endpoint: "/xsend", Payload: map[string]string{"title": "t"}, StatusCode: 200}, nil
}

func testConfig(tz *time.Location) Config {
	return Config{
		Timezone:        tz,
		ReminderOffsets: []int{30},
		DefaultChannel:  "default",
		QuietChannel:    "",
		QuietHours:      nil,
	}
}

// Exactly one send per due notification row, and every send is
// followed by exactly one MarkNotificationSent(success) and one
// LogNotificationAttempt.
func TestTick_SendsExactlyOncePerDueRow(t *testing.T) {
	tz := time.UTC
	now := timeutil.Now(tz)
	start := now.Add(20 * time.Minute)
	offset := 30

	repo := &fakeRepo{
		due: []model.NotificationTask{
			{ID: 1, EventID: 10, Token: "OMEGA", EventTime: &start, OffsetMinutes: &offset, RemindAt: now.Add(-time.Minute), Channel: "default"},
			{ID: 2, EventID: 11, Token: "BETA", EventTime: &start, OffsetMinutes: &offset, RemindAt: now.Add(-time.Minute), Channel: "default"},
		},
	}
	ext := &fakeExtractor{}
	notif := &fakeNotifier{}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if notif.calls != 2 {
		t.Errorf("expected 2 sends, got %d", notif.calls)
	}
	if len(repo.sentIDs) != 2 {
		t.Errorf("expected 2 marked sent, got %d", len(repo.sentIDs))
	}
	if repo.attemptsLogged != 2 {
		t.Errorf("expected 2 logged attempts, got %d", repo.attemptsLogged)
	}
}

func TestTick_QuietHoursOverridesTaskChannel(t *testing.T) {
	tz := time.UTC
	now := timeutil.Now(tz)
	start := now.Add(20 * time.Minute)
	offset := 30

	repo := &fakeRepo{
		due: []model.NotificationTask{
			{ID: 1, EventID: 10, Token: "OMEGA", EventTime: &start, OffsetMinutes: &offset, RemindAt: now.Add(-time.Minute), Channel: "voice"},
		},
	}
	ext := &fakeExtractor{}
	notif := &fakeNotifier{}

	cfg := testConfig(tz)
	cfg.QuietChannel = "sms"
	cfg.QuietHours = &timeutil.QuietWindow{StartMinute: 0, EndMinute: 24 * 60}

	orch := New(ext, repo, notif, cfg, nil)
	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if notif.last.Channel != "sms" {
		t.Errorf("channel = %q, want quiet-hours override %q", notif.last.Channel, "sms")
	}
	if !notif.last.QuietMode {
		t.Error("expected quiet mode to be set on the reminder")
	}
}

func TestTick_MarksFailedWhenSendErrors(t *testing.T) {
	tz := time.UTC
	now := timeutil.Now(tz)
	start := now.Add(20 * time.Minute)
	offset := 30

	repo := &fakeRepo{
		due: []model.NotificationTask{
			{ID: 1, EventID: 10, Token: "OMEGA", EventTime: &start, OffsetMinutes: &offset, RemindAt: now.Add(-time.Minute), Channel: "default"},
		},
	}
	ext := &fakeExtractor{}
	notif := &fakeNotifier{err: &notifier.TransportError{StatusCode: 500, Body: "boom"}}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.failedIDs) != 1 {
		t.Errorf("expected 1 marked failed, got %d", len(repo.failedIDs))
	}
	if len(repo.sentIDs) != 0 {
		t.Errorf("expected 0 marked sent, got %d", len(repo.sentIDs))
	}
}

func TestTick_FutureEventAnomalySkipsSendAndMarksFailed(t *testing.T) {
	tz := time.UTC
	now := timeutil.Now(tz)
	future := now.Add(2 * time.Hour)
	offset := 30

	repo := &fakeRepo{
		due: []model.NotificationTask{
			{ID: 1, EventID: 10, Token: "OMEGA", EventTime: &future, OffsetMinutes: &offset, RemindAt: now.Add(-time.Minute), Channel: "default"},
		},
	}
	ext := &fakeExtractor{}
	notif := &fakeNotifier{}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if notif.calls != 0 {
		t.Errorf("expected no send attempted for a future event anomaly, got %d calls", notif.calls)
	}
	if len(repo.failedIDs) != 1 {
		t.Errorf("expected 1 marked failed, got %d", len(repo.failedIDs))
	}
}

func TestTick_ExtractionFailureAbortsWithoutError(t *testing.T) {
	tz := time.UTC
	ext := &fakeExtractor{err: errors.New("navigation failed")}
	repo := &fakeRepo{}
	notif := &fakeNotifier{}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick should swallow extraction errors, got: %v", err)
	}
	if len(repo.upserted) != 0 {
		t.Errorf("expected no upserts after extraction failure")
	}
}

func TestTick_DropsEventsWithStaleDetailsDate(t *testing.T) {
	tz := time.UTC
	now := timeutil.Now(tz)
	yesterday := now.Add(-24 * time.Hour).Format("2006-01-02")

	ext := &fakeExtractor{events: []model.Event{
		{Token: "STALE", RawTime: "10:00", Section: model.SectionToday, Source: model.SourceDOM, Details: map[string]any{"date": yesterday}},
	}}
	repo := &fakeRepo{}
	notif := &fakeNotifier{}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.upserted) != 0 {
		t.Errorf("expected event with stale details.date to be dropped before upsert, got %d", len(repo.upserted))
	}
}

func TestTick_DropsEventsWithUnparseableRawTime(t *testing.T) {
	tz := time.UTC
	ext := &fakeExtractor{events: []model.Event{
		{Token: "GARBLED", RawTime: "not-a-time", Section: model.SectionToday, Source: model.SourceDOM},
	}}
	repo := &fakeRepo{}
	notif := &fakeNotifier{}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.upserted) != 0 {
		t.Errorf("expected event with unparseable raw_time to be dropped before upsert, got %d", len(repo.upserted))
	}
}

func TestRun_RunOnceExecutesSingleTick(t *testing.T) {
	tz := time.UTC
	ext := &fakeExtractor{}
	repo := &fakeRepo{}
	notif := &fakeNotifier{}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background(), true) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run(runOnce=true) did not return")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	tz := time.UTC
	ext := &fakeExtractor{}
	repo := &fakeRepo{}
	notif := &fakeNotifier{}

	orch := New(ext, repo, notif, testConfig(tz), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx, false) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context.Canceled, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
