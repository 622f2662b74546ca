package agents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/router"
)

var now = time.Date(2025, time.January, 15, 10, 30, 0, 0, time.UTC)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRegistry(t *testing.T, agents ...dispatch.Agent) *dispatch.Registry {
	t.Helper()
	reg := dispatch.NewRegistry(newLogger())
	for _, a := range agents {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.Name(), err)
		}
	}
	return reg
}

func call(t *testing.T, reg *dispatch.Registry, agent, action string, params map[string]any) dispatch.Result {
	t.Helper()
	res, err := reg.Dispatch(context.Background(), agent, action, params)
	if err != nil {
		t.Fatalf("dispatch %s.%s: %v", agent, action, err)
	}
	return res
}

func TestCalendarCreateListAndDelete(t *testing.T) {
	a := NewAssistant(NewCalendar(), newLogger(), WithClock(func() time.Time { return now }))
	reg := newRegistry(t, a)

	start := time.Date(2025, time.January, 16, 14, 0, 0, 0, time.UTC)
	res := call(t, reg, "personal_assistant", "calendar_create_event", map[string]any{
		"title": "meeting", "start_time": start, "duration_minutes": 30,
	})
	if !res.Success {
		t.Fatalf("create failed: %+v", res)
	}
	if got := router.FormatResponse(router.Command{Intent: router.IntentAction, Action: "calendar_create_event"}, res); got != "I've created the event: meeting, on Thursday at 2:00 PM." {
		t.Fatalf("unexpected response %q", got)
	}

	res = call(t, reg, "personal_assistant", "calendar_create_event", map[string]any{
		"title": "dentist", "start_time": start.Add(15 * time.Minute),
	})
	if res.Success || res.ErrorKind != "conflict" {
		t.Fatalf("expected conflict, got %+v", res)
	}

	res = call(t, reg, "personal_assistant", "calendar_list_events", map[string]any{"timeframe": "tomorrow"})
	events, _ := res.Data["events"].([]map[string]any)
	if len(events) != 1 || events[0]["title"] != "meeting" {
		t.Fatalf("unexpected events %+v", res.Data)
	}
	res = call(t, reg, "personal_assistant", "calendar_list_events", map[string]any{"timeframe": "today"})
	if events, _ := res.Data["events"].([]map[string]any); len(events) != 0 {
		t.Fatalf("expected no events today, got %+v", events)
	}

	res = call(t, reg, "personal_assistant", "calendar_delete_event", map[string]any{"title": "meeting"})
	if res.Success {
		t.Fatalf("expected generic title without a day to be rejected")
	}
	res = call(t, reg, "personal_assistant", "calendar_delete_event", map[string]any{"title": "meeting", "start_time": start.Add(-5 * time.Hour)})
	if !res.Success || res.Data["removed"] != 1 {
		t.Fatalf("expected one removal, got %+v", res)
	}
}

func TestCalendarCreateNeedsTime(t *testing.T) {
	reg := newRegistry(t, NewAssistant(nil, newLogger()))
	res := call(t, reg, "personal_assistant", "calendar_create_event", map[string]any{"title": "lunch", "time_phrase": "whenever"})
	if res.Success || res.ErrorKind != "invalid_time" {
		t.Fatalf("expected invalid_time, got %+v", res)
	}
	res = call(t, reg, "personal_assistant", "calendar_create_event", map[string]any{"title": "lunch"})
	if res.ErrorKind != "missing_time" {
		t.Fatalf("expected missing_time, got %+v", res)
	}
}

func TestCalendarNextEvent(t *testing.T) {
	cal := NewCalendar(
		Event{Title: "Dentist appointment", Start: now.Add(48 * time.Hour), End: now.Add(49 * time.Hour)},
		Event{Title: "Standup", Start: now.Add(time.Hour), End: now.Add(90 * time.Minute)},
		Event{Title: "Dentist checkup", Start: now.Add(-time.Hour), End: now},
	)
	reg := newRegistry(t, NewAssistant(cal, newLogger(), WithClock(func() time.Time { return now })))
	res := call(t, reg, "personal_assistant", "calendar_next_event", map[string]any{"title": "dentist appointment"})
	event, _ := res.Data["event"].(map[string]any)
	if event == nil || event["title"] != "Dentist appointment" {
		t.Fatalf("unexpected next event %+v", res.Data)
	}
	res = call(t, reg, "personal_assistant", "calendar_next_event", map[string]any{"title": "meeting"})
	if event, _ := res.Data["event"].(map[string]any); event["title"] != "Standup" {
		t.Fatalf("expected generic title to match the next event, got %+v", res.Data)
	}
}

type fakeCamera struct {
	labels []string
	err    error
}

func (f fakeCamera) Capture(context.Context) (Photo, error) {
	if f.err != nil {
		return Photo{}, f.err
	}
	return Photo{Path: "/tmp/capture.jpg", Bytes: 1024, Taken: now}, nil
}

func (f fakeCamera) Identify(context.Context) ([]string, error) { return f.labels, f.err }

func TestCameraActions(t *testing.T) {
	reg := newRegistry(t, NewAssistant(nil, newLogger(), WithCamera(fakeCamera{labels: []string{"apple", "table"}})))
	res := call(t, reg, "personal_assistant", "camera_capture", nil)
	if !res.Success || res.Data["path"] != "/tmp/capture.jpg" {
		t.Fatalf("unexpected capture result %+v", res)
	}
	res = call(t, reg, "personal_assistant", "camera_identify", nil)
	if got := router.FormatResponse(router.Command{Intent: router.IntentCapture, Action: "camera_identify"}, res); got != "That looks like an apple." {
		t.Fatalf("unexpected response %q", got)
	}

	reg = newRegistry(t, NewAssistant(nil, newLogger()))
	if res := call(t, reg, "personal_assistant", "camera_capture", nil); res.ErrorKind != "no_camera" {
		t.Fatalf("expected no_camera, got %+v", res)
	}
	reg = newRegistry(t, NewAssistant(nil, newLogger(), WithCamera(fakeCamera{err: errors.New("device busy")})))
	if res := call(t, reg, "personal_assistant", "camera_capture", nil); res.ErrorKind != "camera_error" {
		t.Fatalf("expected camera_error, got %+v", res)
	}
}

func TestExecCameraWithoutCommands(t *testing.T) {
	cam, err := NewExecCamera(config.CameraConfig{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new camera: %v", err)
	}
	if _, err := cam.Capture(context.Background()); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("expected ErrNoCamera, got %v", err)
	}
}

func TestCurrentTime(t *testing.T) {
	reg := newRegistry(t, NewAssistant(nil, newLogger(), WithClock(func() time.Time { return now })))
	res := call(t, reg, "personal_assistant", "current_time", nil)
	if got := router.FormatResponse(router.Command{Intent: router.IntentInformation, Action: "current_time"}, res); got != "It's 10:30 AM on Wednesday, January 15." {
		t.Fatalf("unexpected response %q", got)
	}
}

func TestShopSearchAndCompare(t *testing.T) {
	reg := newRegistry(t, NewShop(nil, newLogger()))
	res := call(t, reg, "ecommerce", "product_search", map[string]any{"query": "keyboard", "max_price": 50.0})
	products, _ := res.Data["products"].([]map[string]any)
	if len(products) != 3 {
		t.Fatalf("expected 3 keyboards, got %+v", products)
	}
	if products[0]["id"] != "kb-2" {
		t.Fatalf("expected cheapest total first, got %v", products[0]["id"])
	}

	res = call(t, reg, "ecommerce", "product_search", map[string]any{"query": "keyboard", "max_price": 40.0})
	if products, _ := res.Data["products"].([]map[string]any); len(products) != 1 {
		t.Fatalf("expected price filter, got %+v", products)
	}

	res = call(t, reg, "ecommerce", "price_compare", map[string]any{"query": "headphones"})
	best, _ := res.Data["best_deal"].(map[string]any)
	if best["platform"] != "ebay" || best["total_price"] != 305.98 {
		t.Fatalf("unexpected best deal %+v", best)
	}

	if res := call(t, reg, "ecommerce", "price_compare", map[string]any{"query": "spaceship"}); res.ErrorKind != "not_found" {
		t.Fatalf("expected not_found, got %+v", res)
	}
	if res := call(t, reg, "ecommerce", "product_search", nil); res.ErrorKind != "missing_query" {
		t.Fatalf("expected missing_query, got %+v", res)
	}
}

func TestShopCartIsSafeForConcurrentUse(t *testing.T) {
	reg := newRegistry(t, NewShop(nil, newLogger()))
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Dispatch(context.Background(), "ecommerce", "add_to_cart", map[string]any{"query": "batteries"})
		}()
	}
	wg.Wait()
	res := call(t, reg, "ecommerce", "view_cart", nil)
	items, _ := res.Data["items"].([]map[string]any)
	if len(items) != 20 {
		t.Fatalf("expected 20 items, got %d", len(items))
	}
	if res.Data["total"] != 199.8 {
		t.Fatalf("unexpected total %v", res.Data["total"])
	}
}

func TestShopRemoveFromCart(t *testing.T) {
	reg := newRegistry(t, NewShop(nil, newLogger()))
	call(t, reg, "ecommerce", "add_to_cart", map[string]any{"query": "batteries"})
	call(t, reg, "ecommerce", "add_to_cart", map[string]any{"query": "keyboard"})

	res := call(t, reg, "ecommerce", "remove_from_cart", map[string]any{"query": "batteries"})
	if !res.Success || res.Data["items"] != 1 || res.Data["total"] != 44.98 {
		t.Fatalf("unexpected remove result %+v", res)
	}
	cmd := router.Command{Intent: router.IntentSearch, Action: "remove_from_cart"}
	if got := router.FormatResponse(cmd, res); got != "I've removed AA batteries 12 pack from your cart." {
		t.Fatalf("unexpected response %q", got)
	}

	if res := call(t, reg, "ecommerce", "remove_from_cart", map[string]any{"query": "batteries"}); res.ErrorKind != "not_found" {
		t.Fatalf("expected not_found, got %+v", res)
	}
	if res := call(t, reg, "ecommerce", "remove_from_cart", nil); res.ErrorKind != "missing_query" {
		t.Fatalf("expected missing_query, got %+v", res)
	}
	res = call(t, reg, "ecommerce", "view_cart", nil)
	if items, _ := res.Data["items"].([]map[string]any); len(items) != 1 || items[0]["id"] != "kb-2" {
		t.Fatalf("unexpected cart %+v", res.Data["items"])
	}
}

func newTutor(t *testing.T) (*dispatch.Registry, *SQLiteVocabulary) {
	t.Helper()
	vocab, err := OpenVocabulary(context.Background(), filepath.Join(t.TempDir(), "vocab.db"), newLogger())
	if err != nil {
		t.Fatalf("open vocabulary: %v", err)
	}
	t.Cleanup(func() { vocab.Close() })
	return newRegistry(t, NewTutor(vocab, newLogger())), vocab
}

func TestTutorTranslate(t *testing.T) {
	reg, _ := newTutor(t)
	res := call(t, reg, "language_tutor", "translate", map[string]any{"phrase": "good morning", "target_language": "nl"})
	if got := router.FormatResponse(router.Command{Intent: router.IntentTranslation, Action: "translate"}, res); got != "In Dutch, good morning is 'goedemorgen'." {
		t.Fatalf("unexpected response %q", got)
	}
	res = call(t, reg, "language_tutor", "translate", map[string]any{"phrase": "the bicycle"})
	if res.Data["translation"] != "de fiets" {
		t.Fatalf("expected article, got %+v", res.Data)
	}
	if res := call(t, reg, "language_tutor", "translate", map[string]any{"phrase": "hello", "target_language": "fr"}); res.ErrorKind != "unsupported_language" {
		t.Fatalf("expected unsupported_language, got %+v", res)
	}
	if res := call(t, reg, "language_tutor", "translate", map[string]any{"phrase": "spaceship"}); res.ErrorKind != "not_found" {
		t.Fatalf("expected not_found, got %+v", res)
	}
}

func TestTutorSearchPrefersExactMatch(t *testing.T) {
	reg, _ := newTutor(t)
	res := call(t, reg, "language_tutor", "vocabulary_search", map[string]any{"phrase": "cat"})
	results, _ := res.Data["results"].([]map[string]any)
	if len(results) == 0 || results[0]["translation"] != "kat" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestTutorReviewRotatesWords(t *testing.T) {
	reg, vocab := newTutor(t)
	first := call(t, reg, "language_tutor", "vocabulary_review", map[string]any{"count": 3})
	second := call(t, reg, "language_tutor", "vocabulary_review", map[string]any{"count": 3})
	a, _ := first.Data["words"].([]map[string]any)
	b, _ := second.Data["words"].([]map[string]any)
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("expected 3 words each, got %d and %d", len(a), len(b))
	}
	for _, w := range b {
		if w["word"] == a[0]["word"] {
			t.Fatalf("reviewed word %v offered again before the rest", w["word"])
		}
	}
	e, ok, err := vocab.Lookup(context.Background(), "hello")
	if err != nil || !ok || e.ReviewCount != 1 {
		t.Fatalf("expected hello reviewed once, got %+v %v %v", e, ok, err)
	}
}
