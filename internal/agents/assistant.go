// Package agents holds the built-in action handlers the router maps intents
// onto: calendar and camera, shopping, and Dutch vocabulary.
package agents

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/router"
)

// Assistant is the personal_assistant agent.
type Assistant struct {
	calendar *Calendar
	camera   Camera
	now      func() time.Time
	log      *slog.Logger
}

type AssistantOption func(*Assistant)

// WithClock overrides the time source used for "today" and current_time.
func WithClock(now func() time.Time) AssistantOption {
	return func(a *Assistant) { a.now = now }
}

// WithCamera enables the camera actions.
func WithCamera(c Camera) AssistantOption {
	return func(a *Assistant) { a.camera = c }
}

func NewAssistant(cal *Calendar, log *slog.Logger, opts ...AssistantOption) *Assistant {
	if cal == nil {
		cal = NewCalendar()
	}
	a := &Assistant{
		calendar: cal,
		now:      time.Now,
		log:      log.With(slog.String("component", "agent.personal_assistant")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Assistant) Name() string { return router.AgentPersonalAssistant }

func (a *Assistant) Actions() dispatch.Actions {
	return dispatch.Actions{
		"calendar_list_events":  a.listEvents,
		"calendar_create_event": a.createEvent,
		"calendar_delete_event": a.deleteEvent,
		"calendar_next_event":   a.nextEvent,
		"current_time":          a.currentTime,
		"camera_capture":        a.capture,
		"camera_identify":       a.identify,
	}
}

func (a *Assistant) listEvents(_ context.Context, params map[string]any) dispatch.Result {
	p := router.Parameters(params)
	tf := p.String("timeframe")
	if tf == "" {
		tf = "today"
	}
	day := startOfDay(a.now())
	var from, to time.Time
	switch tf {
	case "today":
		from, to = day, day.AddDate(0, 0, 1)
	case "tomorrow":
		from, to = day.AddDate(0, 0, 1), day.AddDate(0, 0, 2)
	case "week":
		from, to = day, day.AddDate(0, 0, 7)
	case "next_week":
		from, to = day.AddDate(0, 0, 7), day.AddDate(0, 0, 14)
	default:
		return dispatch.Fail("invalid_timeframe", "unknown timeframe %q", tf)
	}
	events := a.calendar.Between(from, to)
	if title := p.String("title"); title != "" {
		events = slices.DeleteFunc(events, func(e Event) bool { return !titleMatches(e.Title, title) })
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, e.data())
	}
	return dispatch.OK(map[string]any{"events": out, "timeframe": tf})
}

func (a *Assistant) createEvent(_ context.Context, params map[string]any) dispatch.Result {
	p := router.Parameters(params)
	start, ok := p.Time("start_time")
	if !ok {
		if phrase := p.String("time_phrase"); phrase != "" {
			return dispatch.Fail("invalid_time", "I don't know when %q is", phrase)
		}
		return dispatch.Fail("missing_time", "no start time given")
	}
	title := strings.TrimSpace(p.String("title"))
	if title == "" {
		title = "event"
	}
	minutes, ok := p.Int("duration_minutes")
	if !ok || minutes <= 0 {
		minutes = 60
	}
	event, conflict := a.calendar.Add(Event{
		Title: title,
		Start: start,
		End:   start.Add(time.Duration(minutes) * time.Minute),
	})
	if conflict != nil {
		return dispatch.Fail("conflict", "it overlaps with %s", conflict.Title)
	}
	a.log.Info("event created", slog.String("event_id", event.ID), slog.Time("start", event.Start))
	return dispatch.OK(map[string]any{"event": event.data()})
}

func (a *Assistant) deleteEvent(_ context.Context, params map[string]any) dispatch.Result {
	p := router.Parameters(params)
	title := strings.TrimSpace(p.String("title"))
	day, _ := p.Time("start_time")
	if slices.Contains(genericTitles, strings.ToLower(title)) && day.IsZero() {
		return dispatch.Fail("ambiguous", "tell me which event to cancel")
	}
	removed := a.calendar.Remove(title, day)
	if len(removed) > 0 {
		title = removed[0].Title
	}
	return dispatch.OK(map[string]any{"removed": len(removed), "title": title})
}

func (a *Assistant) nextEvent(_ context.Context, params map[string]any) dispatch.Result {
	title := router.Parameters(params).String("title")
	event, ok := a.calendar.Next(strings.TrimSuffix(title, " meeting"), a.now())
	if !ok {
		return dispatch.OK(nil)
	}
	return dispatch.OK(map[string]any{"event": event.data()})
}

func (a *Assistant) currentTime(context.Context, map[string]any) dispatch.Result {
	return dispatch.OK(map[string]any{"time": a.now()})
}

func (a *Assistant) capture(ctx context.Context, _ map[string]any) dispatch.Result {
	if a.camera == nil {
		return dispatch.Fail("no_camera", "no camera attached")
	}
	photo, err := a.camera.Capture(ctx)
	if err != nil {
		return cameraFailure(err)
	}
	a.log.Info("photo captured", slog.String("path", photo.Path), slog.Int64("bytes", photo.Bytes))
	return dispatch.OK(map[string]any{"path": photo.Path, "bytes": photo.Bytes, "taken": photo.Taken})
}

func (a *Assistant) identify(ctx context.Context, _ map[string]any) dispatch.Result {
	if a.camera == nil {
		return dispatch.Fail("no_camera", "no camera attached")
	}
	labels, err := a.camera.Identify(ctx)
	if err != nil {
		return cameraFailure(err)
	}
	return dispatch.OK(map[string]any{"labels": labels})
}

func cameraFailure(err error) dispatch.Result {
	if errors.Is(err, ErrNoCamera) {
		return dispatch.Fail("no_camera", "no camera attached")
	}
	return dispatch.Fail("camera_error", "%v", err)
}
