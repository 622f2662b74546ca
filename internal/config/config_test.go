package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Classifier.Threshold != 0.5 {
		t.Fatalf("expected default threshold 0.5, got %v", cfg.Classifier.Threshold)
	}
	if len(cfg.Recognition.Backends) != 1 || cfg.Recognition.Backends[0].Type != "mock" {
		t.Fatalf("expected mock recognition backend, got %+v", cfg.Recognition.Backends)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_CLASSIFIER_THRESHOLD", "0.65")
	t.Setenv("LOQA_RECOGNITION_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_SYNTHESIS_VOICE", "nova")
	t.Setenv("LOQA_PIPELINE_ROUTE_TIMEOUT_MS", "1500")
	t.Setenv("LOQA_PIPELINE_SYNTHESIS_TIMEOUT_MS", "3000")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Classifier.Threshold != 0.65 {
		t.Fatalf("expected classifier threshold override, got %v", cfg.Classifier.Threshold)
	}
	if cfg.Recognition.TimeoutMS != 2500 {
		t.Fatalf("expected recognition timeout override, got %d", cfg.Recognition.TimeoutMS)
	}
	if cfg.Synthesis.Voice != "nova" {
		t.Fatalf("expected synthesis voice override")
	}
	if cfg.Pipeline.RouteTimeoutMS != 1500 || cfg.Pipeline.SynthesisTimeoutMS != 3000 {
		t.Fatalf("expected pipeline timeout overrides, got %+v", cfg.Pipeline)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected openai key from OPENAI_API_KEY")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "loqa-voice.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.EventStore.RetentionMode != "session" {
		t.Fatalf("expected session retention, got %q", cfg.EventStore.RetentionMode)
	}
	if len(cfg.Recognition.Backends) != 2 || !cfg.Recognition.Backends[0].Disabled {
		t.Fatalf("unexpected recognition backends %+v", cfg.Recognition.Backends)
	}
}

func TestLoadBackendsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := `
recognition:
  backends:
    - name: whisper
      type: whisper
      priority: 1
      languages: [en]
    - name: local
      type: exec
      priority: 2
      command: "whisper-cli --json"
synthesis:
  backends:
    - name: espeak
      type: exec
      command: "espeak-json"
      voices: [default]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Recognition.Backends) != 2 || cfg.Recognition.Backends[1].Command != "whisper-cli --json" {
		t.Fatalf("unexpected recognition backends: %+v", cfg.Recognition.Backends)
	}
	if cfg.Synthesis.Backends[0].Voices[0] != "default" {
		t.Fatalf("unexpected synthesis backends: %+v", cfg.Synthesis.Backends)
	}
}

func TestValidateRejectsBadBackends(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
recognition:
  backends:
    - {name: a, type: mock}
    - {name: a, type: mock}
`,
		"unknown type": `
recognition:
  backends:
    - {name: a, type: vosk}
`,
		"exec without command": `
synthesis:
  backends:
    - {name: a, type: exec}
`,
		"threshold": `
classifier:
  threshold: 1.5
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "loqa.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
