package stt

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer for development. With text set it
// always transcribes to text; otherwise UTF-8 payloads that are not WAV files
// are echoed back, so typed commands can be pushed through the pipeline.
func NewMockRecognizer(text string) StreamRecognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) RecognizeOnce(ctx context.Context, data []byte, language string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Text: m.transcribe(data), Language: language, Confidence: confidence(1)}, nil
}

func (m *mockRecognizer) RecognizeStream(ctx context.Context, chunks <-chan []byte, language string, interim func(Result)) (Result, error) {
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return Result{Text: m.transcribe(buf), Language: language, Confidence: confidence(1)}, nil
			}
			buf = append(buf, c...)
			if text := m.transcribe(buf); text != "" {
				interim(Result{Text: text, Language: language})
			}
		}
	}
}

func (m *mockRecognizer) transcribe(data []byte) string {
	if m.text != "" {
		return m.text
	}
	if len(data) == 0 || audio.IsWAV(data) || !utf8.Valid(data) {
		return ""
	}
	return strings.TrimSpace(string(data))
}
