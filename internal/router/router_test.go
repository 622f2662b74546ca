package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/llm"
	"pgregory.net/rapid"
)

// Wednesday 15 January 2025, 10:30.
var fixedNow = time.Date(2025, time.January, 15, 10, 30, 0, 0, time.UTC)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRouter(c Classifier) *Router {
	return New(c, Options{
		PatternConfidence: 0.9,
		Threshold:         0.5,
		Location:          time.UTC,
		Now:               func() time.Time { return fixedNow },
	}, newLogger())
}

func staticClassifier(c Classification) ClassifierFunc {
	return func(context.Context, string, string) (Classification, error) { return c, nil }
}

func TestRouteCalendarToday(t *testing.T) {
	cmd, err := newRouter(nil).Route(context.Background(), "What's on my calendar today", "en-US")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd.Intent != IntentInformation || cmd.Agent != "personal_assistant" || cmd.Action != "calendar_list_events" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd.Parameters["timeframe"] != "today" {
		t.Fatalf("expected timeframe today, got %v", cmd.Parameters)
	}
	if cmd.Source != SourcePattern || cmd.State != StateRouted {
		t.Fatalf("expected routed pattern command, got %s/%s", cmd.Source, cmd.State)
	}
}

func TestRouteScheduleMeetingResolvesTime(t *testing.T) {
	cmd, err := newRouter(nil).Route(context.Background(), "Schedule a meeting for tomorrow at 2 PM", "en-US")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd.Intent != IntentAction || cmd.Action != "calendar_create_event" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	start, ok := cmd.Parameters.Time("start_time")
	want := time.Date(2025, time.January, 16, 14, 0, 0, 0, time.UTC)
	if !ok || !start.Equal(want) {
		t.Fatalf("expected start %s, got %v", want, cmd.Parameters["start_time"])
	}
	if cmd.Parameters["title"] != "meeting" || cmd.Parameters["duration_minutes"] != 60 {
		t.Fatalf("unexpected parameters %v", cmd.Parameters)
	}
}

func TestRouteFindsTimeInsideSubject(t *testing.T) {
	cmd, _ := newRouter(nil).Route(context.Background(), "set up a call with Sam next friday at 10am", "en")
	start, ok := cmd.Parameters.Time("start_time")
	if !ok || start.Day() != 17 || start.Hour() != 10 {
		t.Fatalf("expected friday 10:00, got %v", cmd.Parameters)
	}
	if cmd.Parameters["title"] != "call with sam" {
		t.Fatalf("unexpected title %q", cmd.Parameters["title"])
	}
}

func TestCanonicalUtterancesRouteToDefaults(t *testing.T) {
	cases := map[Intent]string{
		IntentInformation: "what's on my calendar today",
		IntentAction:      "schedule a meeting for tomorrow at 2pm",
		IntentSearch:      "find me a keyboard under $50",
		IntentTranslation: "how do you say good morning in dutch",
		IntentCapture:     "take a picture",
	}
	r := newRouter(nil)
	for intent, text := range cases {
		cmd, err := r.Route(context.Background(), text, "en")
		if err != nil {
			t.Fatalf("%s: %v", text, err)
		}
		def := defaultRoutes[intent]
		if cmd.Intent != intent || cmd.Confidence < 0.9 || cmd.Agent != def.agent || cmd.Action != def.action {
			t.Fatalf("%q: expected %s -> %s/%s, got %+v", text, intent, def.agent, def.action, cmd)
		}
	}
}

func TestRouteExtractsSearchParameters(t *testing.T) {
	cmd, _ := newRouter(nil).Route(context.Background(), "Find me a mechanical keyboard under $49.99", "en")
	if cmd.Parameters["query"] != "mechanical keyboard" {
		t.Fatalf("unexpected query %v", cmd.Parameters["query"])
	}
	if p, _ := cmd.Parameters.Float("max_price"); p != 49.99 {
		t.Fatalf("unexpected max price %v", cmd.Parameters["max_price"])
	}
}

func TestRouteRuleOverrides(t *testing.T) {
	cases := []struct {
		text   string
		agent  string
		action string
	}{
		{"show me my cart", "ecommerce", "view_cart"},
		{"add batteries to my cart", "ecommerce", "add_to_cart"},
		{"compare prices for headphones", "ecommerce", "price_compare"},
		{"what time is it", "personal_assistant", "current_time"},
		{"cancel my dentist appointment", "personal_assistant", "calendar_delete_event"},
		{"what is this?", "personal_assistant", "camera_identify"},
		{"what's the dutch word for cheese", "language_tutor", "vocabulary_search"},
		{"review my vocabulary", "language_tutor", "vocabulary_review"},
		{"show me my vocabulary", "language_tutor", "vocabulary_review"},
		{"Show me my calendar", "personal_assistant", "calendar_list_events"},
		{"show me my schedule for tomorrow", "personal_assistant", "calendar_list_events"},
		{"show me running shoes", "ecommerce", "product_search"},
		{"remove the milk from my cart", "ecommerce", "remove_from_cart"},
		{"take the batteries out of my basket", "ecommerce", "remove_from_cart"},
		{"delete my dentist appointment", "personal_assistant", "calendar_delete_event"},
	}
	r := newRouter(nil)
	for _, tc := range cases {
		cmd, _ := r.Route(context.Background(), tc.text, "en")
		if cmd.Agent != tc.agent || cmd.Action != tc.action {
			t.Fatalf("%q: expected %s/%s, got %s/%s", tc.text, tc.agent, tc.action, cmd.Agent, cmd.Action)
		}
	}
}

func TestShowMeIsNotAlwaysShopping(t *testing.T) {
	r := newRouter(nil)
	cmd, _ := r.Route(context.Background(), "Show me my calendar", "en")
	if cmd.Intent != IntentInformation || cmd.Parameters["query"] != nil {
		t.Fatalf("expected a calendar lookup, got %+v", cmd)
	}
	cmd, _ = r.Route(context.Background(), "show me a desk lamp under 30 dollars", "en")
	if cmd.Intent != IntentSearch || cmd.Parameters["query"] != "desk lamp" {
		t.Fatalf("expected a product search, got %+v", cmd)
	}
	if p, _ := cmd.Parameters.Float("max_price"); p != 30 {
		t.Fatalf("unexpected max price %v", cmd.Parameters["max_price"])
	}
}

func TestRemoveFromCartKeepsQuery(t *testing.T) {
	cmd, _ := newRouter(nil).Route(context.Background(), "Remove the milk from my cart.", "en")
	if cmd.Intent != IntentSearch || cmd.Parameters["query"] != "milk" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if _, ok := cmd.Parameters["title"]; ok {
		t.Fatalf("cart removal must not carry a calendar title: %+v", cmd.Parameters)
	}
}

func TestRouteBelowThresholdIsUnknown(t *testing.T) {
	var calls int32
	c := ClassifierFunc(func(context.Context, string, string) (Classification, error) {
		atomic.AddInt32(&calls, 1)
		return Classification{Intent: IntentSearch, Confidence: 0.1}, nil
	})
	cmd, err := newRouter(c).Route(context.Background(), "asdkjasdlk", "en")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd.Intent != IntentUnknown || cmd.Agent != "" || cmd.Action != "" || cmd.Dispatchable() {
		t.Fatalf("expected unknown command, got %+v", cmd)
	}
	if cmd.State != StateUnclassified || cmd.Source != SourceModel {
		t.Fatalf("expected unclassified model command, got %s/%s", cmd.State, cmd.Source)
	}
	if calls != 1 {
		t.Fatalf("expected one classifier call, got %d", calls)
	}
}

func TestRouteClassifierFailure(t *testing.T) {
	cause := errors.New("connection refused")
	c := ClassifierFunc(func(context.Context, string, string) (Classification, error) {
		return Classification{}, cause
	})
	cmd, err := newRouter(c).Route(context.Background(), "asdkjasdlk", "en")
	if !errors.Is(err, ErrClassifierUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected classifier unavailable wrapping cause, got %v", err)
	}
	var re *RouterError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RouterError, got %T", err)
	}
	if cmd.Intent != IntentUnknown || cmd.Agent != "" {
		t.Fatalf("expected unknown command alongside error, got %+v", cmd)
	}
}

func TestRouteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := ClassifierFunc(func(ctx context.Context, _, _ string) (Classification, error) {
		cancel()
		<-ctx.Done()
		return Classification{}, ctx.Err()
	})
	_, err := newRouter(c).Route(ctx, "asdkjasdlk", "en")
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("expected plain cancellation, got %v", err)
	}
}

func TestRouteWithoutClassifier(t *testing.T) {
	cmd, err := newRouter(nil).Route(context.Background(), "asdkjasdlk", "en")
	if err != nil || cmd.Intent != IntentUnknown || cmd.Source != SourceNone {
		t.Fatalf("expected silent unknown, got %+v %v", cmd, err)
	}
	cmd, err = newRouter(nil).Route(context.Background(), "   ", "en")
	if err != nil || cmd.Intent != IntentUnknown {
		t.Fatalf("expected unknown for blank text, got %+v %v", cmd, err)
	}
}

func TestRouteModelClassification(t *testing.T) {
	c := staticClassifier(Classification{
		Intent:     IntentSearch,
		Confidence: 0.8,
		Parameters: map[string]any{"product": "desk lamp", "price_limit": "30"},
	})
	cmd, err := newRouter(c).Route(context.Background(), "i need something to light my desk, thirty bucks tops", "en")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd.Intent != IntentSearch || cmd.Action != "product_search" || cmd.Source != SourceModel {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd.Parameters["query"] != "desk lamp" || cmd.Parameters["max_price"] != 30.0 {
		t.Fatalf("expected aliased parameters, got %v", cmd.Parameters)
	}
}

func TestRouteModelActionMustBelongToAgent(t *testing.T) {
	c := staticClassifier(Classification{Intent: IntentSearch, Confidence: 0.9, Action: "view_cart"})
	cmd, _ := newRouter(c).Route(context.Background(), "whats in the basket thing", "en")
	if cmd.Action != "view_cart" {
		t.Fatalf("expected model action to be honoured, got %s", cmd.Action)
	}
	c = staticClassifier(Classification{Intent: IntentSearch, Confidence: 0.9, Action: "rm_rf"})
	cmd, _ = newRouter(c).Route(context.Background(), "whats in the basket thing", "en")
	if cmd.Action != "product_search" {
		t.Fatalf("expected unknown model action to fall back to default, got %s", cmd.Action)
	}
}

func TestRouteInformationDisambiguatesTranslation(t *testing.T) {
	c := staticClassifier(Classification{
		Intent:     IntentInformation,
		Confidence: 0.7,
		Parameters: map[string]any{"word": "bicycle", "language": "dutch"},
	})
	cmd, _ := newRouter(c).Route(context.Background(), "bicycle dutch?", "en")
	if cmd.Agent != "language_tutor" || cmd.Action != "vocabulary_search" {
		t.Fatalf("expected language tutor, got %s/%s", cmd.Agent, cmd.Action)
	}
	if cmd.Parameters["phrase"] != "bicycle" || cmd.Parameters["target_language"] != "nl" {
		t.Fatalf("unexpected parameters %v", cmd.Parameters)
	}
}

func TestAddPattern(t *testing.T) {
	r := newRouter(nil)
	if err := r.AddPattern(IntentSearch, `^restock (?P<query>.+)$`, "add_to_cart"); err != nil {
		t.Fatalf("add pattern: %v", err)
	}
	cmd, _ := r.Route(context.Background(), "Restock coffee beans", "en")
	if cmd.Intent != IntentSearch || cmd.Action != "add_to_cart" || cmd.Parameters["query"] != "coffee beans" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if err := r.AddPattern(IntentUnknown, `^x$`, ""); err == nil {
		t.Fatal("expected error adding an unknown-intent pattern")
	}
	if err := r.AddPattern(IntentSearch, `(`, ""); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestAddRouteCustomAgent(t *testing.T) {
	r := newRouter(nil)
	if err := r.AddRoute(IntentAction, `^(?:set|start) a timer for (?P<minutes>\d+) minutes?(?: called (?P<label>.+))?$`, "timer", "start_timer"); err != nil {
		t.Fatalf("add route: %v", err)
	}
	cmd, err := r.Route(context.Background(), "Set a timer for 10 minutes called tea", "en")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd.Agent != "timer" || cmd.Action != "start_timer" || cmd.State != StateRouted {
		t.Fatalf("unexpected route %+v", cmd)
	}
	if cmd.Parameters["minutes"] != 10.0 || cmd.Parameters["label"] != "tea" {
		t.Fatalf("unexpected params %v", cmd.Parameters)
	}
	if err := r.AddRoute(IntentAction, `^ping$`, "timer", ""); err == nil {
		t.Fatal("expected error for agent route without action")
	}
}

func TestRouteIsIdempotent(t *testing.T) {
	utterances := []string{
		"what's on my calendar tomorrow",
		"Schedule a meeting for tomorrow at 2 PM",
		"remind me to call mom in 2 hours",
		"find me a keyboard under $50",
		"how do you say thank you in dutch",
		"take a photo of the garden",
		"asdkjasdlk",
	}
	c := staticClassifier(Classification{Intent: IntentUnknown})
	rapid.Check(t, func(t *rapid.T) {
		r := newRouter(c)
		text := rapid.SampledFrom(utterances).Draw(t, "text")
		if rapid.Bool().Draw(t, "upper") {
			text = strings.ToUpper(text)
		}
		first, err1 := r.Route(context.Background(), text, "en")
		second, err2 := r.Route(context.Background(), text, "en")
		if (err1 == nil) != (err2 == nil) || !reflect.DeepEqual(first, second) {
			t.Fatalf("routing %q twice differed: %+v vs %+v", text, first, second)
		}
	})
}

func TestParseClassification(t *testing.T) {
	c := ParseClassification("```json\n{\"intent\": \"Search\", \"confidence\": 1.4, \"entities\": {\"product\": \"lamp\"}}\n```")
	if c.Intent != IntentSearch || c.Confidence != 1 || c.Parameters["product"] != "lamp" {
		t.Fatalf("unexpected classification %+v", c)
	}
	if c := ParseClassification("I think you want to shop"); c.Intent != IntentUnknown || c.Confidence != 0 {
		t.Fatalf("expected unknown for prose, got %+v", c)
	}
	if c := ParseClassification(`{"intent": "weather", "confidence": 0.9}`); c.Intent != IntentUnknown || c.Confidence != 0 {
		t.Fatalf("expected unknown for label outside the set, got %+v", c)
	}
}

func TestLLMClassifier(t *testing.T) {
	gen := llm.NewMockGenerator(`{"intent":"capture","confidence":0.75}`)
	c, err := NewLLMClassifier(gen, llm.Request{}).Classify(context.Background(), "snap it", "en")
	if err != nil || c.Intent != IntentCapture || c.Confidence != 0.75 {
		t.Fatalf("unexpected classification %+v %v", c, err)
	}
}

func TestCachedClassifier(t *testing.T) {
	var calls int32
	inner := ClassifierFunc(func(context.Context, string, string) (Classification, error) {
		atomic.AddInt32(&calls, 1)
		return Classification{Intent: IntentSearch, Confidence: 0.8}, nil
	})
	c, err := NewCachedClassifier(inner, 8)
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"Lamp please", "lamp please!", "LAMP PLEASE"} {
		if _, err := c.Classify(context.Background(), text, "en"); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 || c.Len() != 1 {
		t.Fatalf("expected one upstream call, got %d (cache %d)", calls, c.Len())
	}
	if _, err := c.Classify(context.Background(), "lamp please", "nl"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected language to be part of the cache key")
	}
}

func TestCachedClassifierSkipsErrors(t *testing.T) {
	var calls int32
	inner := ClassifierFunc(func(context.Context, string, string) (Classification, error) {
		atomic.AddInt32(&calls, 1)
		return Classification{}, errors.New("down")
	})
	c, _ := NewCachedClassifier(inner, 8)
	_, _ = c.Classify(context.Background(), "x", "en")
	_, _ = c.Classify(context.Background(), "x", "en")
	if calls != 2 {
		t.Fatalf("errors must not be cached, got %d calls", calls)
	}
}
