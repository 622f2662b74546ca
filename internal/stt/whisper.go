package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/backend"
)

const defaultWhisperModel = "whisper-1"

// WhisperConfig configures the hosted transcription backend.
type WhisperConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	SampleRate int
	Channels   int
	HTTPClient *http.Client
}

type whisperRecognizer struct {
	cfg    WhisperConfig
	client *http.Client
}

type whisperResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

func NewWhisperRecognizer(cfg WhisperConfig) Recognizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = defaultWhisperModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &whisperRecognizer{cfg: cfg, client: client}
}

func (w *whisperRecognizer) Available() bool {
	return strings.TrimSpace(w.cfg.APIKey) != ""
}

func (w *whisperRecognizer) RecognizeOnce(ctx context.Context, data []byte, language string) (Result, error) {
	wav, err := audio.Normalize(data, w.cfg.SampleRate, w.cfg.Channels)
	if err != nil {
		return Result{}, err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return Result{}, fmt.Errorf("write form file: %w", err)
	}
	_ = form.WriteField("model", w.cfg.Model)
	_ = form.WriteField("response_format", "json")
	lang := backend.PrimaryLanguage(language)
	if lang != "" {
		_ = form.WriteField("language", lang)
	}
	if err := form.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(w.cfg.BaseURL, "/")+"/audio/transcriptions", &body)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("whisper request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("whisper error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode whisper response: %w", err)
	}
	if out.Language == "" {
		out.Language = language
	}
	return Result{Text: out.Text, Language: out.Language}, nil
}
