// Package router turns utterance text into a Command: a deterministic pattern
// pass first, then an injected model classifier for everything else.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClassifierUnavailable marks a model fallback that could not be reached.
var ErrClassifierUnavailable = errors.New("router: classifier unavailable")

// RouterError is returned alongside an Unknown command when the classifier
// failed. It matches both ErrClassifierUnavailable and the cause.
type RouterError struct {
	Text  string
	Cause error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("%v: %v", ErrClassifierUnavailable, e.Cause)
}

func (e *RouterError) Unwrap() []error { return []error{ErrClassifierUnavailable, e.Cause} }

// Options tune routing.
type Options struct {
	// PatternConfidence is reported for every pattern match.
	PatternConfidence float64
	// Threshold is the minimum model confidence for a non-Unknown intent.
	Threshold float64
	// ClassifierTimeout bounds one classifier call.
	ClassifierTimeout time.Duration
	// Location and Now anchor relative time phrases.
	Location *time.Location
	Now      func() time.Time
}

// Router classifies utterances. It is safe for concurrent use.
type Router struct {
	mu         sync.RWMutex
	table      []*intentRules
	classifier Classifier
	opts       Options
	logger     *slog.Logger
}

// New builds a router with the built-in pattern table. classifier may be nil,
// in which case unmatched utterances are Unknown.
func New(classifier Classifier, opts Options, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if opts.PatternConfidence <= 0 {
		opts.PatternConfidence = 0.9
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	if opts.ClassifierTimeout <= 0 {
		opts.ClassifierTimeout = 10 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		table:      defaultTable(),
		classifier: classifier,
		opts:       opts,
		logger:     log.With(slog.String("component", "router")),
	}
}

// MatchPattern runs only the pattern pass.
func (r *Router) MatchPattern(text string) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return matchTable(r.table, normalize(text))
}

// AddPattern appends a pattern to intent's rules. A non-empty action routes
// matches to that action on the intent's default agent.
func (r *Router) AddPattern(intent Intent, expr, action string) error {
	return r.AddRoute(intent, expr, "", action)
}

// AddRoute is AddPattern for an explicit agent. Matches routed to an agent
// without a built-in extractor carry their named captures as parameters,
// with numeric captures converted to numbers.
func (r *Router) AddRoute(intent Intent, expr, agent, action string) error {
	rl, err := compileRule(intent, expr, agent, action)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, group := range r.table {
		if group.intent == intent {
			group.rules = append(group.rules, rl)
			r.logger.Info("custom pattern added", slog.String("intent", string(intent)), slog.String("agent", rl.agent), slog.String("action", rl.action))
			return nil
		}
	}
	r.table = append(r.table, &intentRules{intent: intent, rules: []rule{rl}})
	return nil
}

// Route classifies text. When the classifier fails the command is Unknown and
// a *RouterError is returned with it; a cancelled ctx returns ctx.Err().
func (r *Router) Route(ctx context.Context, text, language string) (Command, error) {
	cmd := Command{
		RawText:    text,
		Intent:     IntentUnknown,
		Parameters: Parameters{},
		Language:   language,
		Source:     SourceNone,
		State:      StateUnclassified,
	}
	normalized := normalize(text)
	if normalized == "" {
		return cmd, nil
	}
	now := r.opts.Now().In(r.opts.Location)

	if m, ok := r.MatchPattern(text); ok {
		cmd.Intent = m.Intent
		cmd.Confidence = r.opts.PatternConfidence
		cmd.Source = SourcePattern
		r.finish(&cmd, m.Agent, m.Action, m.Captures, now)
		return cmd, nil
	}

	if r.classifier == nil {
		return cmd, nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.ClassifierTimeout)
	defer cancel()
	c, err := r.classifier.Classify(cctx, text, language)
	if err != nil {
		if ctx.Err() != nil {
			return cmd, ctx.Err()
		}
		r.logger.Warn("classifier failed", slog.String("error", err.Error()))
		return cmd, &RouterError{Text: text, Cause: err}
	}

	cmd.Source = SourceModel
	cmd.Confidence = c.Confidence
	if c.Intent == IntentUnknown || c.Confidence < r.opts.Threshold {
		r.logger.Debug("classification below threshold",
			slog.String("intent", string(c.Intent)),
			slog.Float64("confidence", c.Confidence))
		return cmd, nil
	}
	cmd.Intent = c.Intent
	r.finish(&cmd, "", c.Action, Parameters(c.Parameters), now)
	return cmd, nil
}

func (r *Router) finish(cmd *Command, agent, action string, raw Parameters, now time.Time) {
	if _, builtin := modelActions[agent]; agent != "" && !builtin {
		cmd.Agent, cmd.Action = agent, action
		cmd.Parameters = passthrough(raw)
		cmd.State = StateRouted
		return
	}
	params := extract(cmd.Intent, action, raw, now)
	cmd.Agent, cmd.Action = resolveRoute(cmd.Intent, agent, action, params)
	cmd.Parameters = params
	cmd.State = StateRouted
}
