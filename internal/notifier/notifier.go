// Package notifier builds reminder messages and delivers them through the
// push-notification endpoint with bounded exponential retry.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/alpha-watch/alpha-watch/internal/model"
)

// TransportError wraps a response with status 300 or above, or a
// request-level failure,
// carrying enough detail for the caller to record a fail_reason.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notifier: transport error: %v", e.Err)
	}
	return fmt.Sprintf("notifier: xsend failed: %d %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigIncompleteError means the xsend user id was never configured —
// fatal, and never raised at runtime if settings were validated at
// startup.
type ConfigIncompleteError struct{}

func (ConfigIncompleteError) Error() string {
	return "notifier: configuration incomplete: SPUG_XSEND_USER_ID is required"
}

// Reminder is the fully-resolved message source: the event being
// announced, the offset that triggered it (nil when the row carries no
// offset), and the channel already resolved for quiet hours.
type Reminder struct {
	Event         model.Event
	OffsetMinutes *int
	Channel       string
	QuietMode     bool
}

// Result is what the orchestrator logs: the endpoint hit, the payload
// sent, and the raw response.
type Result struct {
	Endpoint     string
	Payload      map[string]string
	StatusCode   int
	ResponseBody string
}

// Config configures one Notifier instance.
type Config struct {
	BaseURL     string
	Token       string
	TimeoutSecs int
	XSendUserID string
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 8s
}

// Notifier sends reminders through the configured push endpoint.
type Notifier struct {
	client *http.Client
	cfg    Config
}

// New builds a Notifier using client for transport. client's proxy and
// timeout should already reflect SPUG_PROXY / SPUG_TIMEOUT_SECONDS.
func New(client *http.Client, cfg Config) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	return &Notifier{client: client, cfg: cfg}
}

// BuildMessage renders the title/body for a reminder: title carries the
// token and, when resolved, the local start time; body lists section,
// start-or-raw time, the offset when one triggered this send, a
// quiet-hours note, then every string/number detail as "k: v".
func BuildMessage(r Reminder) (title, body string) {
	ev := r.Event
	if ev.StartTime != nil {
		title = fmt.Sprintf("[Alpha] %s %s", ev.Token, ev.StartTime.Format("2006-01-02 15:04"))
	} else {
		title = fmt.Sprintf("[Alpha] %s", ev.Token)
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Section: %s", ev.Section))
	if ev.StartTime != nil {
		lines = append(lines, fmt.Sprintf("Start: %s", ev.StartTime.Format("2006-01-02 15:04 MST")))
	} else {
		rawTime := ev.RawTime
		if rawTime == "" {
			rawTime = "TBA"
		}
		lines = append(lines, fmt.Sprintf("Time: %s", rawTime))
	}
	if r.OffsetMinutes != nil {
		lines = append(lines, fmt.Sprintf("Reminder: T-%d min", *r.OffsetMinutes))
	}
	if r.QuietMode {
		lines = append(lines, "Quiet hours fallback channel")
	}
	lines = append(lines, renderDetails(ev.Details)...)

	return title, strings.Join(lines, "\n")
}

func renderDetails(details map[string]any) []string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		switch v := details[k].(type) {
		case string:
			lines = append(lines, fmt.Sprintf("%s: %s", k, v))
		case int:
			lines = append(lines, fmt.Sprintf("%s: %d", k, v))
		case int64:
			lines = append(lines, fmt.Sprintf("%s: %d", k, v))
		case float64:
			lines = append(lines, fmt.Sprintf("%s: %v", k, v))
		}
	}
	return lines
}

// Send builds the message, sends it on r.Channel (already resolved by the
// caller; omitted from the request when empty), and performs exactly one
// HTTP request per attempt, retrying up to MaxAttempts times with
// exponential backoff on TransportError only.
func (n *Notifier) Send(ctx context.Context, r Reminder) (*Result, error) {
	if n.cfg.XSendUserID == "" {
		return nil, ConfigIncompleteError{}
	}

	title, body := BuildMessage(r)
	params := map[string]string{"title": title, "content": body}
	if r.Channel != "" {
		params["channel"] = r.Channel
	}

	delay := n.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		result, err := n.xsend(ctx, params)
		if err == nil {
			return result, nil
		}
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			return nil, err
		}
		lastErr = err
		if attempt == n.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > n.cfg.MaxDelay {
			delay = n.cfg.MaxDelay
		}
	}
	return nil, lastErr
}

func (n *Notifier) xsend(ctx context.Context, params map[string]string) (*Result, error) {
	endpoint := fmt.Sprintf("%s/xsend/%s", strings.TrimRight(n.cfg.BaseURL, "/"), n.cfg.XSendUserID)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	reqURL := endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+n.cfg.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	bodyText := string(bodyBytes)

	if resp.StatusCode >= 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: bodyText}
	}

	return &Result{
		Endpoint:     "/xsend",
		Payload:      params,
		StatusCode:   resp.StatusCode,
		ResponseBody: bodyText,
	}, nil
}
