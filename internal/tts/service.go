package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/backend"
)

// Options configures a synthesis Service.
type Options struct {
	Timeout         time.Duration
	DefaultLanguage string
	Preferred       string
	Voice           string
}

// Service turns text into audio, falling back across registered backends.
type Service struct {
	registry *backend.Registry
	opts     Options
	logger   *slog.Logger
}

func NewService(registry *backend.Registry, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Service{
		registry: registry,
		opts:     opts,
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

// Speak synthesizes text. An empty voice uses the configured default; a voice
// the chosen backend does not offer is swapped for that backend's default.
func (s *Service) Speak(ctx context.Context, text, language, preferred, voice string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyInput
	}
	if strings.TrimSpace(language) == "" {
		language = s.opts.DefaultLanguage
	}
	if preferred == "" {
		preferred = s.opts.Preferred
	}
	if voice == "" {
		voice = s.opts.Voice
	}

	candidates := s.registry.ListAvailable(backend.KindSynthesis, language)
	candidates = backend.PreferFirst(candidates, preferred)

	res, used, err := backend.Try(ctx, backend.Options{
		Kind:      backend.KindSynthesis,
		Timeout:   s.opts.Timeout,
		Logger:    s.logger,
		Exhausted: ErrNoBackendSucceeded,
	}, candidates, func(ctx context.Context, d backend.Descriptor) (Result, error) {
		synth, ok := d.Backend.(Synthesizer)
		if !ok {
			return Result{}, fmt.Errorf("backend %s does not implement Synthesizer", d.Name)
		}
		v := s.resolveVoice(d.Name, synth, voice)
		out, err := synth.SynthesizeOnce(ctx, text, language, v)
		if err != nil {
			return Result{}, err
		}
		if len(out.Audio) == 0 {
			return Result{}, backend.ErrDeclined
		}
		if out.Voice == "" {
			out.Voice = v
		}
		return out, nil
	})
	if err != nil {
		return Result{}, err
	}
	res.Backend = used.Name
	if res.Language == "" {
		res.Language = language
	}
	return res, nil
}

// SpeakToSink synthesizes text and writes the audio to w. w is owned by the
// caller and is never closed here.
func (s *Service) SpeakToSink(ctx context.Context, text, language string, w io.Writer) (Result, error) {
	res, err := s.Speak(ctx, text, language, "", "")
	if err != nil {
		return Result{}, err
	}
	if _, err := w.Write(res.Audio); err != nil {
		return Result{}, fmt.Errorf("write synthesized audio: %w", err)
	}
	return res, nil
}

// Voices lists the voices of a registered backend. Backends without a fixed
// voice set report nil.
func (s *Service) Voices(name string) ([]string, error) {
	d, ok := s.registry.Lookup(name)
	if !ok || d.Kind != backend.KindSynthesis {
		return nil, fmt.Errorf("synthesis backend %q not registered", name)
	}
	if vl, ok := d.Backend.(VoiceLister); ok {
		return vl.Voices(), nil
	}
	return nil, nil
}

// Backends reports every registered synthesis backend.
func (s *Service) Backends() []backend.Info {
	var out []backend.Info
	for _, d := range s.registry.List(backend.KindSynthesis) {
		out = append(out, d.Info())
	}
	return out
}

func (s *Service) resolveVoice(name string, synth Synthesizer, voice string) string {
	vl, ok := synth.(VoiceLister)
	if !ok {
		return voice
	}
	if voice == "" || !slices.Contains(vl.Voices(), voice) {
		if voice != "" {
			s.logger.Info("voice not offered by backend, using default",
				slog.String("backend", name),
				slog.String("voice", voice),
				slog.String("default_voice", vl.DefaultVoice()))
		}
		return vl.DefaultVoice()
	}
	return voice
}
