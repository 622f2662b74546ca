package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

const (
	defaultSpeechModel = "tts-1"
	defaultSpeechVoice = "alloy"
)

var openAIVoices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// OpenAIConfig configures the hosted speech backend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	DefaultVoice string
	HTTPClient   *http.Client
}

type openAISynth struct {
	cfg    OpenAIConfig
	client *http.Client
}

type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format"`
}

func NewOpenAISynth(cfg OpenAIConfig) Synthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = defaultSpeechModel
	}
	if !slices.Contains(openAIVoices, cfg.DefaultVoice) {
		cfg.DefaultVoice = defaultSpeechVoice
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &openAISynth{cfg: cfg, client: client}
}

func (o *openAISynth) Available() bool { return strings.TrimSpace(o.cfg.APIKey) != "" }

func (o *openAISynth) Voices() []string { return slices.Clone(openAIVoices) }

func (o *openAISynth) DefaultVoice() string { return o.cfg.DefaultVoice }

func (o *openAISynth) SynthesizeOnce(ctx context.Context, text, language, voice string) (Result, error) {
	body, err := json.Marshal(speechRequest{
		Model:          o.cfg.Model,
		Voice:          voice,
		Input:          text,
		ResponseFormat: "wav",
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.cfg.BaseURL, "/")+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("speech error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read speech response: %w", err)
	}
	return Result{Audio: data, MIMEType: audio.MIMETypeWAV, Language: language, Voice: voice}, nil
}
