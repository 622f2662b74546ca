package agents

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/router"
)

const tutorLanguage = "nl"

// Tutor is the language_tutor agent. It teaches Dutch.
type Tutor struct {
	vocab Vocabulary
	log   *slog.Logger
}

func NewTutor(vocab Vocabulary, log *slog.Logger) *Tutor {
	return &Tutor{vocab: vocab, log: log.With(slog.String("component", "agent.language_tutor"))}
}

func (t *Tutor) Name() string { return router.AgentLanguageTutor }

func (t *Tutor) Actions() dispatch.Actions {
	return dispatch.Actions{
		"translate":         t.translate,
		"vocabulary_search": t.search,
		"vocabulary_review": t.review,
	}
}

func (t *Tutor) translate(ctx context.Context, params map[string]any) dispatch.Result {
	p := router.Parameters(params)
	phrase := p.String("phrase")
	if phrase == "" {
		return dispatch.Fail("missing_phrase", "nothing to translate")
	}
	if target := p.String("target_language"); target != "" && target != tutorLanguage {
		return dispatch.Fail("unsupported_language", "I can only translate into Dutch")
	}
	entry, ok, err := t.vocab.Lookup(ctx, phrase)
	if err != nil {
		t.log.Error("vocabulary lookup failed", slog.String("error", err.Error()))
		return dispatch.Fail("vocabulary_error", "%v", err)
	}
	if !ok {
		return dispatch.Fail("not_found", "%q is not in the vocabulary", phrase)
	}
	return dispatch.OK(map[string]any{
		"phrase":          phrase,
		"translation":     entry.withArticle(),
		"target_language": tutorLanguage,
		"pronunciation":   entry.Pronunciation,
	})
}

func (t *Tutor) search(ctx context.Context, params map[string]any) dispatch.Result {
	phrase := router.Parameters(params).String("phrase")
	if phrase == "" {
		return dispatch.Fail("missing_phrase", "which word should I look up")
	}
	entries, err := t.vocab.Search(ctx, phrase, 5)
	if err != nil {
		t.log.Error("vocabulary search failed", slog.String("error", err.Error()))
		return dispatch.Fail("vocabulary_error", "%v", err)
	}
	results := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		results = append(results, map[string]any{
			"word":          e.English,
			"translation":   e.Dutch,
			"article":       e.Article,
			"pronunciation": e.Pronunciation,
		})
	}
	return dispatch.OK(map[string]any{"results": results})
}

func (t *Tutor) review(ctx context.Context, params map[string]any) dispatch.Result {
	count, ok := router.Parameters(params).Int("count")
	if !ok || count <= 0 {
		count = 5
	}
	entries, err := t.vocab.Review(ctx, count)
	if err != nil {
		t.log.Error("vocabulary review failed", slog.String("error", err.Error()))
		return dispatch.Fail("vocabulary_error", "%v", err)
	}
	words := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		words = append(words, map[string]any{
			"word":        e.withArticle(),
			"translation": e.English,
			"reviews":     e.ReviewCount + 1,
		})
	}
	return dispatch.OK(map[string]any{"words": words})
}
