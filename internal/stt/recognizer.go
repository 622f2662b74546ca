package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voice/internal/backend"
)

var (
	ErrEmptyInput         = errors.New("recognition: empty audio input")
	ErrNoBackendSucceeded = errors.New("recognition: no backend succeeded")
)

// Result captures recognizer output.
type Result struct {
	Text       string   `json:"text"`
	Backend    string   `json:"backend"`
	Language   string   `json:"language"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	RecognizeOnce(ctx context.Context, audio []byte, language string) (Result, error)
}

// StreamRecognizer is implemented by backends that produce interim results
// while audio is still arriving. interim may be called any number of times
// before the final result is returned.
type StreamRecognizer interface {
	Recognizer
	RecognizeStream(ctx context.Context, chunks <-chan []byte, language string, interim func(Result)) (Result, error)
}

// Listener receives streaming recognition callbacks.
type Listener interface {
	OnInterim(Result)
	OnFinal(Result)
	OnError(error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Interim func(Result)
	Final   func(Result)
	Error   func(error)
}

func (l ListenerFuncs) OnInterim(r Result) {
	if l.Interim != nil {
		l.Interim(r)
	}
}

func (l ListenerFuncs) OnFinal(r Result) {
	if l.Final != nil {
		l.Final(r)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// NewDescriptor builds a recognition descriptor for r.
func NewDescriptor(name string, priority int, languages []string, r Recognizer) backend.Descriptor {
	return backend.Descriptor{
		Name:      name,
		Kind:      backend.KindRecognition,
		Priority:  priority,
		Languages: languages,
		Backend:   r,
	}
}

func confidence(v float64) *float64 {
	return &v
}
