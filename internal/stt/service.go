package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/backend"
)

// Options configures a recognition Service.
type Options struct {
	Timeout         time.Duration
	StreamTimeout   time.Duration
	DefaultLanguage string
	Preferred       string
}

// Service turns audio into text, falling back across registered backends.
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
		opts.Timeout = 15 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 4 * opts.Timeout
	}
	return &Service{
		registry: registry,
		opts:     opts,
		logger:   log.With(slog.String("component", "stt-service")),
	}
}

// Recognize runs one-shot recognition. preferred, when registered and
// available, is tried ahead of the priority order.
func (s *Service) Recognize(ctx context.Context, audio []byte, language, preferred string) (Result, error) {
	if len(audio) == 0 {
		return Result{}, ErrEmptyInput
	}
	language = s.language(language)
	candidates := s.candidates(language, preferred)

	res, used, err := backend.Try(ctx, s.fallbackOptions(s.opts.Timeout), candidates,
		func(ctx context.Context, d backend.Descriptor) (Result, error) {
			rec, ok := d.Backend.(Recognizer)
			if !ok {
				return Result{}, fmt.Errorf("backend %s does not implement Recognizer", d.Name)
			}
			return checkText(rec.RecognizeOnce(ctx, audio, language))
		})
	if err != nil {
		return Result{}, err
	}
	return finish(res, used.Name, language), nil
}

// RecognizeFile reads audio from path and recognizes it.
func (s *Service) RecognizeFile(ctx context.Context, path, language string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read audio file: %w", err)
	}
	return s.Recognize(ctx, data, language, "")
}

// RecognizeStream consumes chunks until the channel closes, reporting through
// l. Streaming backends may report interim results; others get the collected
// audio in a single call. Audio consumed by a failed backend is replayed to the
// next one. After OnFinal or OnError nothing else is delivered, and nothing at
// all is delivered once ctx is cancelled.
func (s *Service) RecognizeStream(ctx context.Context, chunks <-chan []byte, language, preferred string, l Listener) {
	guard := &listenerGuard{ctx: ctx, l: l}
	language = s.language(language)

	first, ok := firstChunk(ctx, chunks)
	if ctx.Err() != nil {
		return
	}
	if !ok {
		guard.fail(ErrEmptyInput)
		return
	}
	source := newReplay(chunks, first)
	candidates := s.candidates(language, preferred)

	res, used, err := backend.Try(ctx, s.fallbackOptions(s.opts.StreamTimeout), candidates,
		func(callCtx context.Context, d backend.Descriptor) (Result, error) {
			feed := source.feed(callCtx)
			if sr, ok := d.Backend.(StreamRecognizer); ok {
				return checkText(sr.RecognizeStream(callCtx, feed, language, func(r Result) {
					if callCtx.Err() != nil {
						return
					}
					guard.interim(finish(r, d.Name, language))
				}))
			}
			rec, ok := d.Backend.(Recognizer)
			if !ok {
				return Result{}, fmt.Errorf("backend %s does not implement Recognizer", d.Name)
			}
			audio, err := collect(callCtx, feed)
			if err != nil {
				return Result{}, err
			}
			return checkText(rec.RecognizeOnce(callCtx, audio, language))
		})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		guard.fail(err)
		return
	}
	guard.final(finish(res, used.Name, language))
}

// Backends reports every registered recognition backend.
func (s *Service) Backends() []backend.Info {
	var out []backend.Info
	for _, d := range s.registry.List(backend.KindRecognition) {
		out = append(out, d.Info())
	}
	return out
}

func (s *Service) language(language string) string {
	if strings.TrimSpace(language) == "" {
		return s.opts.DefaultLanguage
	}
	return language
}

func (s *Service) candidates(language, preferred string) []backend.Descriptor {
	if preferred == "" {
		preferred = s.opts.Preferred
	}
	return backend.PreferFirst(s.registry.ListAvailable(backend.KindRecognition, language), preferred)
}

func (s *Service) fallbackOptions(timeout time.Duration) backend.Options {
	return backend.Options{
		Kind:      backend.KindRecognition,
		Timeout:   timeout,
		Logger:    s.logger,
		Exhausted: ErrNoBackendSucceeded,
	}
}

func checkText(r Result, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(r.Text) == "" {
		return Result{}, backend.ErrDeclined
	}
	return r, nil
}

func finish(r Result, name, language string) Result {
	r.Text = strings.TrimSpace(r.Text)
	r.Backend = name
	if r.Language == "" {
		r.Language = language
	}
	return r
}

type listenerGuard struct {
	ctx  context.Context
	l    Listener
	mu   sync.Mutex
	done bool
}

func (g *listenerGuard) interim(r Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done || g.ctx.Err() != nil {
		return
	}
	g.l.OnInterim(r)
}

func (g *listenerGuard) final(r Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done || g.ctx.Err() != nil {
		return
	}
	g.done = true
	g.l.OnFinal(r)
}

func (g *listenerGuard) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done || g.ctx.Err() != nil {
		return
	}
	g.done = true
	g.l.OnError(err)
}
