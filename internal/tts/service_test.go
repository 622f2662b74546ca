package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/backend"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSynth struct {
	audio    []byte
	err      error
	gotVoice string
	calls    int
}

func (f *fakeSynth) SynthesizeOnce(_ context.Context, _, language, voice string) (Result, error) {
	f.calls++
	f.gotVoice = voice
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Audio: f.audio, MIMEType: "audio/wav", Language: language}, nil
}

func newService(t *testing.T, descs ...backend.Descriptor) *Service {
	t.Helper()
	reg := backend.NewRegistry(newLogger(), backend.BreakerSettings{})
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return NewService(reg, Options{Timeout: time.Second, DefaultLanguage: "en-US"}, newLogger())
}

func TestSpeakEmptyText(t *testing.T) {
	f := &fakeSynth{audio: []byte("x")}
	svc := newService(t, NewDescriptor("f", 1, nil, f))
	if _, err := svc.Speak(context.Background(), "  ", "en", "", ""); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if f.calls != 0 {
		t.Fatalf("backend must not be called for empty text")
	}
}

func TestSpeakUnsupportedVoiceUsesDefault(t *testing.T) {
	svc := newService(t, NewDescriptor("mock", 1, nil, NewMockSynth(16000, 1)))
	res, err := svc.Speak(context.Background(), "Your meeting is scheduled.", "en", "", "nova")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Voice != "default" || res.Backend != "mock" {
		t.Fatalf("expected default voice on mock, got %+v", res)
	}
	if !audio.IsWAV(res.Audio) || res.MIMEType != audio.MIMETypeWAV {
		t.Fatalf("expected wav output")
	}
}

func TestSpeakPassesVoiceToBackendsWithoutVoiceList(t *testing.T) {
	f := &fakeSynth{audio: []byte("RIFF")}
	svc := newService(t, NewDescriptor("f", 1, nil, f))
	res, err := svc.Speak(context.Background(), "hello", "en", "", "nova")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if f.gotVoice != "nova" || res.Voice != "nova" {
		t.Fatalf("expected voice passed through, got %q / %q", f.gotVoice, res.Voice)
	}
}

func TestSpeakFallsBackAndExhausts(t *testing.T) {
	down := &fakeSynth{err: errors.New("quota exceeded")}
	silent := &fakeSynth{}
	up := &fakeSynth{audio: []byte("audio")}
	svc := newService(t,
		NewDescriptor("down", 1, nil, down),
		NewDescriptor("silent", 2, nil, silent),
		NewDescriptor("up", 3, nil, up),
	)
	res, err := svc.Speak(context.Background(), "hi", "en", "", "")
	if err != nil || res.Backend != "up" {
		t.Fatalf("expected fallback to up, got %+v %v", res, err)
	}

	svc = newService(t, NewDescriptor("down", 1, nil, down), NewDescriptor("silent", 2, nil, silent))
	_, err = svc.Speak(context.Background(), "hi", "en", "", "")
	if !errors.Is(err, ErrNoBackendSucceeded) || !errors.Is(err, backend.ErrNoBackendSucceeded) {
		t.Fatalf("expected NoBackendSucceeded, got %v", err)
	}
}

func TestSpeakPreferredFirst(t *testing.T) {
	a := &fakeSynth{audio: []byte("a")}
	b := &fakeSynth{audio: []byte("b")}
	svc := newService(t, NewDescriptor("a", 1, nil, a), NewDescriptor("b", 2, nil, b))
	res, err := svc.Speak(context.Background(), "hi", "en", "b", "")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Backend != "b" || a.calls != 0 {
		t.Fatalf("expected preferred backend b, got %s (a calls=%d)", res.Backend, a.calls)
	}
}

type closeTracker struct {
	bytes.Buffer
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestSpeakToSinkWritesWithoutClosing(t *testing.T) {
	svc := newService(t, NewDescriptor("f", 1, nil, &fakeSynth{audio: []byte("payload")}))
	sink := &closeTracker{}
	if _, err := svc.SpeakToSink(context.Background(), "hi", "en", sink); err != nil {
		t.Fatalf("speak to sink: %v", err)
	}
	if sink.String() != "payload" {
		t.Fatalf("unexpected sink contents %q", sink.String())
	}
	if sink.closed {
		t.Fatalf("sink must not be closed by the service")
	}
}

func TestVoices(t *testing.T) {
	svc := newService(t,
		NewDescriptor("mock", 1, nil, NewMockSynth(16000, 1)),
		NewDescriptor("f", 2, nil, &fakeSynth{}),
	)
	voices, err := svc.Voices("mock")
	if err != nil || len(voices) != 1 || voices[0] != "default" {
		t.Fatalf("unexpected voices %v %v", voices, err)
	}
	if voices, err := svc.Voices("f"); err != nil || voices != nil {
		t.Fatalf("expected nil voices for backend without a list, got %v %v", voices, err)
	}
	if _, err := svc.Voices("missing"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestOpenAISynthRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Voice != "alloy" || req.Input != "hello" || req.ResponseFormat != "wav" {
			t.Errorf("unexpected request %+v", req)
		}
		wav, _ := audio.Silence(10*time.Millisecond, 16000, 1)
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	reg := backend.NewRegistry(newLogger(), backend.BreakerSettings{})
	synth := NewOpenAISynth(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if err := reg.Register(NewDescriptor("openai", 1, nil, synth)); err != nil {
		t.Fatal(err)
	}
	svc := NewService(reg, Options{Timeout: time.Second}, newLogger())
	res, err := svc.Speak(context.Background(), "hello", "en", "", "robot")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Voice != "alloy" || !audio.IsWAV(res.Audio) {
		t.Fatalf("unexpected result voice=%q", res.Voice)
	}
}
