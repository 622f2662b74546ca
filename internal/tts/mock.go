package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

const mockVoice = "default"

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer producing a short silent WAV. It only
// offers the "default" voice.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Voices() []string { return []string{mockVoice} }

func (m *mockSynth) DefaultVoice() string { return mockVoice }

func (m *mockSynth) SynthesizeOnce(ctx context.Context, text, language, voice string) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	wav, err := audio.Silence(200*time.Millisecond, m.sampleRate, m.channels)
	if err != nil {
		return Result{}, err
	}
	return Result{Audio: wav, MIMEType: audio.MIMETypeWAV, Language: language, Voice: voice}, nil
}
