package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/router"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Router.Timezone = "UTC"
	return cfg
}

func startTestRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, newLogger())
	if err := rt.build(context.Background()); err != nil {
		rt.close()
		t.Fatalf("build: %v", err)
	}
	srv := httptest.NewServer(rt.routes(nil))
	t.Cleanup(func() {
		srv.Close()
		rt.close()
	})
	return rt, srv
}

func postCommand(t *testing.T, srv *httptest.Server, body any) (int, commandResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+"/v1/commands", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out commandResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func eventTypes(events []protocol.Envelope) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestTextCommand(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	status, out := postCommand(t, srv, protocol.VoiceCommand{Type: protocol.TypeTextCommand, Text: "what time is it"})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !out.Success || out.Response == "" {
		t.Fatalf("expected a successful reply, got %+v", out)
	}
	if out.Command == nil || out.Command.Agent != router.AgentPersonalAssistant || out.Command.Action != "current_time" {
		t.Fatalf("unexpected command %+v", out.Command)
	}
	types := eventTypes(out.Events)
	if types[0] != protocol.TypeVoiceRecognized {
		t.Fatalf("text commands start at recognition, got %v", types)
	}
	if !slices.Contains(types, protocol.TypeVoiceResult) || types[len(types)-1] != protocol.TypeVoiceAudio {
		t.Fatalf("expected result then audio, got %v", types)
	}
	if out.Audio == nil || out.Audio.Backend != "mock-tts" {
		t.Fatalf("expected mock synthesis, got %+v", out.Audio)
	}
}

func TestAudioCommandIsRecognized(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	status, out := postCommand(t, srv, protocol.VoiceCommand{
		Type:        protocol.TypeVoiceCommand,
		UtteranceID: "utt-audio",
		Audio:       []byte("what time is it"),
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if out.UtteranceID != "utt-audio" || out.Text != "what time is it" || !out.Success {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Events[0].Type != protocol.TypeVoiceProcessing {
		t.Fatalf("audio commands announce recognition first, got %v", eventTypes(out.Events))
	}
}

func TestCommandRejectsBadInput(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	resp, err := http.Post(srv.URL+"/v1/commands", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", resp.StatusCode)
	}
	if status, _ := postCommand(t, srv, protocol.VoiceCommand{Text: "   "}); status != http.StatusBadRequest {
		t.Fatalf("empty command: expected 400, got %d", status)
	}
	if status, _ := postCommand(t, srv, protocol.VoiceCommand{Type: "ping", Text: "hi"}); status != http.StatusBadRequest {
		t.Fatalf("unknown type: expected 400, got %d", status)
	}
}

func TestListings(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	var backends struct {
		Recognition []backend.Info `json:"recognition"`
		Synthesis   []backend.Info `json:"synthesis"`
	}
	if status := getJSON(t, srv.URL+"/v1/backends", &backends); status != http.StatusOK {
		t.Fatalf("backends: status %d", status)
	}
	if len(backends.Recognition) != 1 || backends.Recognition[0].Name != "mock-stt" {
		t.Fatalf("unexpected recognition backends %+v", backends.Recognition)
	}
	if len(backends.Synthesis) != 1 || !backends.Synthesis[0].Available {
		t.Fatalf("unexpected synthesis backends %+v", backends.Synthesis)
	}

	var agents struct {
		Agents map[string][]string `json:"agents"`
	}
	if status := getJSON(t, srv.URL+"/v1/agents", &agents); status != http.StatusOK {
		t.Fatalf("agents: status %d", status)
	}
	for _, name := range []string{router.AgentPersonalAssistant, router.AgentEcommerce, router.AgentLanguageTutor} {
		if len(agents.Agents[name]) == 0 {
			t.Fatalf("agent %s missing from %v", name, agents.Agents)
		}
	}
}

func TestHistoryAfterCommands(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	postCommand(t, srv, protocol.VoiceCommand{UtteranceID: "first", Text: "what time is it"})
	postCommand(t, srv, protocol.VoiceCommand{UtteranceID: "second", Text: "hum a tune backwards"})

	var out struct {
		History []pipeline.HistoryEntry `json:"history"`
	}
	if status := getJSON(t, srv.URL+"/v1/history?limit=5", &out); status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	if len(out.History) != 2 {
		t.Fatalf("expected 2 entries, got %+v", out.History)
	}
	latest, earlier := out.History[0], out.History[1]
	if latest.UtteranceID != "second" || latest.Success || latest.Intent != string(router.IntentUnknown) {
		t.Fatalf("unexpected latest entry %+v", latest)
	}
	if earlier.UtteranceID != "first" || !earlier.Success || earlier.Action != "current_time" || earlier.Text != "what time is it" {
		t.Fatalf("unexpected earlier entry %+v", earlier)
	}

	if status := getJSON(t, srv.URL+"/v1/history?limit=zero", nil); status != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", status)
	}
}

func TestReadiness(t *testing.T) {
	rt, srv := startTestRuntime(t, testConfig(t))

	if status := getJSON(t, srv.URL+"/healthz", nil); status != http.StatusOK {
		t.Fatalf("healthz: status %d", status)
	}
	if status := getJSON(t, srv.URL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: status %d", status)
	}
	rt.ready.Store(true)
	if status := getJSON(t, srv.URL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("readyz after start: status %d", status)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventStore.RetentionMode = "ephemeral"
	rt := New(cfg, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if rt.ready.Load() {
		t.Fatal("runtime still reports ready")
	}
}
