package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/agents"
	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// buildBackends registers every enabled recognition and synthesis backend.
func buildBackends(cfg config.Config, log *slog.Logger) (*backend.Registry, error) {
	var breakers backend.BreakerSettings
	if cfg.Breaker.Enabled {
		breakers = backend.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      millis(cfg.Breaker.OpenTimeoutMS),
		}
	}
	reg := backend.NewRegistry(log, breakers)

	for _, bc := range cfg.Recognition.Backends {
		if bc.Disabled {
			continue
		}
		rec, err := newRecognizer(cfg, bc)
		if err != nil {
			return nil, fmt.Errorf("recognition backend %s: %w", bc.Name, err)
		}
		if err := reg.Register(stt.NewDescriptor(bc.Name, bc.Priority, bc.Languages, rec)); err != nil {
			return nil, err
		}
	}
	if cfg.Synthesis.Enabled {
		for _, bc := range cfg.Synthesis.Backends {
			if bc.Disabled {
				continue
			}
			synth, err := newSynthesizer(cfg, bc)
			if err != nil {
				return nil, fmt.Errorf("synthesis backend %s: %w", bc.Name, err)
			}
			if err := reg.Register(tts.NewDescriptor(bc.Name, bc.Priority, bc.Languages, synth)); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func newRecognizer(cfg config.Config, bc config.BackendConfig) (stt.Recognizer, error) {
	switch bc.Type {
	case "mock":
		return stt.NewMockRecognizer(bc.Text), nil
	case "exec":
		return stt.NewExecRecognizer(bc, cfg.Recognition.SampleRate, cfg.Recognition.Channels)
	case "whisper":
		return stt.NewWhisperRecognizer(stt.WhisperConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      bc.Model,
			SampleRate: cfg.Recognition.SampleRate,
			Channels:   cfg.Recognition.Channels,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported type %q", bc.Type)
	}
}

func newSynthesizer(cfg config.Config, bc config.BackendConfig) (tts.Synthesizer, error) {
	switch bc.Type {
	case "mock":
		return tts.NewMockSynth(cfg.Synthesis.SampleRate, cfg.Synthesis.Channels), nil
	case "exec":
		return tts.NewExecSynth(bc, cfg.Synthesis.SampleRate, cfg.Synthesis.Channels)
	case "openai":
		return tts.NewOpenAISynth(tts.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        bc.Model,
			DefaultVoice: bc.DefaultVoice,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported type %q", bc.Type)
	}
}

// buildClassifier returns nil when the model pass is disabled.
func buildClassifier(cfg config.Config) (router.Classifier, error) {
	cc := cfg.Classifier
	if !cc.Enabled {
		return nil, nil
	}
	var c router.Classifier
	switch cc.Mode {
	case "openai":
		oc, err := router.NewOpenAIClassifier(router.OpenAIConfig{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cc.Model,
			Temperature: cc.Temperature,
			MaxTokens:   cc.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		c = oc
	default:
		gen, err := newGenerator(cc)
		if err != nil {
			return nil, err
		}
		c = router.NewLLMClassifier(gen, llm.RequestFromConfig(cc))
	}
	if cc.CacheSize > 0 {
		return router.NewCachedClassifier(c, cc.CacheSize)
	}
	return c, nil
}

func newGenerator(cc config.ClassifierConfig) (llm.Generator, error) {
	switch cc.Mode {
	case "ollama":
		return llm.NewOllamaGenerator(cc.Endpoint, cc.Model), nil
	case "exec":
		return llm.NewExecGenerator(cc.Command)
	case "mock":
		return llm.NewMockGenerator(`{"intent":"unknown","confidence":0}`), nil
	default:
		return nil, fmt.Errorf("unsupported classifier mode %q", cc.Mode)
	}
}

// builtinAgents registers the in-process agents. The returned closer
// releases the vocabulary database.
func builtinAgents(ctx context.Context, cfg config.Config, loc *time.Location, reg *dispatch.Registry, log *slog.Logger) (func() error, error) {
	if !cfg.Agents.Builtin {
		return func() error { return nil }, nil
	}
	now := func() time.Time { return time.Now().In(loc) }
	opts := []agents.AssistantOption{agents.WithClock(now)}
	if cfg.Agents.Camera.CaptureCommand != "" || cfg.Agents.Camera.IdentifyCommand != "" {
		cam, err := agents.NewExecCamera(cfg.Agents.Camera)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agents.WithCamera(cam))
	}
	vocab, err := agents.OpenVocabulary(ctx, cfg.Agents.VocabularyPath, log)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	err = errors.Join(
		reg.Register(agents.NewAssistant(agents.NewCalendar(), log, opts...)),
		reg.Register(agents.NewShop(nil, log)),
		reg.Register(agents.NewTutor(vocab, log)),
	)
	if err != nil {
		vocab.Close()
		return nil, err
	}
	return vocab.Close, nil
}
