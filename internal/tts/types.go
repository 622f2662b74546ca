package tts

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voice/internal/backend"
)

var (
	ErrEmptyInput         = errors.New("synthesis: empty text")
	ErrNoBackendSucceeded = errors.New("synthesis: no backend succeeded")
)

// Result is synthesized speech. Audio is a complete file in MIMEType.
type Result struct {
	Audio    []byte `json:"-"`
	MIMEType string `json:"mime_type"`
	Backend  string `json:"backend"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	SynthesizeOnce(ctx context.Context, text, language, voice string) (Result, error)
}

// VoiceLister is implemented by backends with a fixed voice set. A requested
// voice outside Voices is replaced by DefaultVoice before synthesis.
type VoiceLister interface {
	Voices() []string
	DefaultVoice() string
}

// NewDescriptor builds a synthesis descriptor for s.
func NewDescriptor(name string, priority int, languages []string, s Synthesizer) backend.Descriptor {
	return backend.Descriptor{
		Name:      name,
		Kind:      backend.KindSynthesis,
		Priority:  priority,
		Languages: languages,
		Backend:   s,
	}
}
