// Package extractor reconciles two overlapping views of the same event
// set — captured API responses and the rendered page DOM — into one
// deduplicated, section-tagged event list. Everything downstream of a
// BrowserSession navigation is pure: no network or database calls live
// here.
package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpha-watch/alpha-watch/internal/model"
)

// BrowserSession is the injected collaborator that drives a headless
// browser to the target page and reports what it captured. The browser
// process itself is out of scope here; this is the seam an external
// automation layer plugs into.
type BrowserSession interface {
	// Navigate loads url and returns every JSON body captured from
	// /api/ xhr|fetch responses during the load, plus the final
	// rendered HTML snapshot.
	Navigate(ctx context.Context, url string) (payloads []map[string]any, html string, err error)
}

// Config tunes the retry and wait behavior of one FetchEvents call.
// Location anchors the date-detail enrichment pass; it defaults to
// time.Local, but the worker passes its configured zone so "today" means
// the same day everywhere in the pipeline.
type Config struct {
	URL         string
	Location    *time.Location
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 8s
}

// Extractor merges JSON and DOM extraction into one deduplicated list.
type Extractor struct {
	session BrowserSession
	cfg     Config
}

// New builds an Extractor driven by session. Zero-valued Config fields
// fall back to sane defaults (3 attempts, 1s-8s exponential backoff).
func New(session BrowserSession, cfg Config) *Extractor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Extractor{session: session, cfg: cfg}
}

// FetchEvents navigates the target page (retrying the whole navigation up
// to MaxAttempts times with exponential backoff), extracts events from
// both the captured JSON payloads and the rendered HTML, merges them, and
// applies the enrichment/drop pass: the details.date section override,
// then dropping tool cards and every event not in the today section.
func (e *Extractor) FetchEvents(ctx context.Context) ([]model.Event, error) {
	var payloads []map[string]any
	var html string
	var err error

	delay := e.cfg.BaseDelay
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		payloads, html, err = e.session.Navigate(ctx, e.cfg.URL)
		if err == nil {
			break
		}
		if attempt == e.cfg.MaxAttempts {
			return nil, fmt.Errorf("extractor: navigate %s: %w", e.cfg.URL, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}
	}

	var events []model.Event
	if len(payloads) > 0 {
		events = append(events, ExtractJSON(payloads)...)
	}
	if html != "" {
		events = append(events, ExtractHTML(html)...)
	}

	merged := Dedupe(events)
	enriched := make([]model.Event, 0, len(merged))
	reference := time.Now().In(e.cfg.Location)
	for _, ev := range merged {
		ev = enrich(ev, reference)
		if isToolCard(ev) {
			continue
		}
		if ev.Section != model.SectionToday {
			continue
		}
		enriched = append(enriched, ev)
	}
	return enriched, nil
}

// Dedupe merges a combined JSON+DOM list on identity collision
// (section, token, raw_time), preferring DOM-sourced records. Order of
// first appearance is preserved for new keys; output order follows first
// appearance, not a wins-records-position swap.
func Dedupe(events []model.Event) []model.Event {
	order := make([]string, 0, len(events))
	best := make(map[string]model.Event, len(events))
	for _, ev := range events {
		key := ev.IdentityKey()
		existing, seen := best[key]
		if !seen {
			order = append(order, key)
			best[key] = ev
			continue
		}
		if existing.Source != model.SourceDOM && ev.Source == model.SourceDOM {
			best[key] = ev
		}
	}
	out := make([]model.Event, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

var toolCardMarkers = []string{"工具", "通知", "看板", "提示", "帮助", "目标", "模拟", "推特"}

func isToolCard(ev model.Event) bool {
	for _, marker := range toolCardMarkers {
		if strings.Contains(ev.Token, marker) {
			return true
		}
	}
	if _, ok := ev.Details["tool"]; ok {
		return true
	}
	if _, ok := ev.Details["工具"]; ok {
		return true
	}
	if lines, ok := ev.Details["lines"].([]string); ok {
		for _, line := range lines {
			for _, marker := range toolCardMarkers {
				if strings.Contains(line, marker) {
					return true
				}
			}
		}
	}
	return false
}

// enrich applies the date-detail override: if details.date (or
// details.Date) is present and non-empty, force section to today iff it
// equals reference's local date, else upcoming.
func enrich(ev model.Event, reference time.Time) model.Event {
	dateValue, ok := ev.DetailString("date")
	if !ok {
		return ev
	}
	today := reference.Format("2006-01-02")
	if dateValue == today {
		ev.Section = model.SectionToday
	} else {
		ev.Section = model.SectionUpcoming
	}
	return ev
}
