// Package pipeline sequences recognition, routing, dispatch and synthesis for
// one utterance and reports each step as an event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Recognizer turns audio into text. *stt.Service satisfies it.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, language, preferred string) (stt.Result, error)
}

// Router classifies text. *router.Router satisfies it.
type Router interface {
	Route(ctx context.Context, text, language string) (router.Command, error)
}

// Dispatcher runs agent actions. *dispatch.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent, action string, params map[string]any) (dispatch.Result, error)
}

// Speaker synthesizes the reply. *tts.Service satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text, language, preferred, voice string) (tts.Result, error)
}

// Deps are the collaborators of an Orchestrator. Speaker and Audit may be
// nil.
type Deps struct {
	Recognizer Recognizer
	Router     Router
	Dispatcher Dispatcher
	Speaker    Speaker
	// Audit receives every event of every utterance in addition to the
	// per-request sink.
	Audit Sink
}

// Options tune the orchestrator. Zero timeouts fall back to defaults.
type Options struct {
	DefaultLanguage  string
	Voice            string
	RouteTimeout     time.Duration
	DispatchTimeout  time.Duration
	SynthesisTimeout time.Duration
}

// TextBackend is reported in voice_recognized for typed commands.
const TextBackend = "text"

// Request is one utterance. Text, when set, skips recognition.
type Request struct {
	UtteranceID string
	Audio       []byte
	Language    string
	Text        string
}

// Outcome summarizes a finished utterance. Stage is StageCompleted when a
// voice_result was emitted and StageFailed after a voice_error. A cancelled
// utterance keeps the last stage it reached and carries the context error.
type Outcome struct {
	UtteranceID string
	Stage       Stage
	Text        string
	Command     router.Command
	Result      dispatch.Result
	Response    string
	Audio       *tts.Result
	Err         error
}

// Orchestrator runs the per-utterance pipeline. It is safe for concurrent
// use; utterances share nothing but the collaborators.
type Orchestrator struct {
	deps   Deps
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
}

func New(deps Deps, opts Options, log *slog.Logger) (*Orchestrator, error) {
	if deps.Router == nil || deps.Dispatcher == nil {
		return nil, errors.New("pipeline: router and dispatcher are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en-US"
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = 10 * time.Second
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 10 * time.Second
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = 20 * time.Second
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-voice/pipeline"),
	}, nil
}

// run is the state of one utterance.
type run struct {
	o       *Orchestrator
	ctx     context.Context
	sink    Sink
	out     Outcome
	lang    string
	log     *slog.Logger
	stopped bool
}

// Handle runs req to completion, emitting events to sink in order. Once ctx
// is cancelled no further events are emitted.
func (o *Orchestrator) Handle(ctx context.Context, req Request, sink Sink) Outcome {
	if req.UtteranceID == "" {
		req.UtteranceID = uuid.NewString()
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = o.opts.DefaultLanguage
	}
	ctx, span := o.tracer.Start(ctx, "voice.utterance", trace.WithAttributes(
		attribute.String("utterance_id", req.UtteranceID),
		attribute.String("language", lang),
	))
	defer span.End()

	r := &run{
		o:    o,
		ctx:  ctx,
		sink: MultiSink{sink, o.deps.Audit},
		out:  Outcome{UtteranceID: req.UtteranceID},
		lang: lang,
		log:  o.log.With(slog.String("utterance_id", req.UtteranceID)),
	}
	start := time.Now()
	r.execute(req)

	outcome := string(r.out.Stage)
	if r.out.Err != nil && ctx.Err() != nil {
		outcome = "cancelled"
	}
	recordUtterance(context.WithoutCancel(ctx), outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", outcome))
	if r.out.Stage == StageFailed {
		span.SetStatus(codes.Error, r.out.Err.Error())
	}
	return r.out
}

func (r *run) execute(req Request) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		if !r.processing(StageRecognizing) {
			return
		}
		res, err := r.recognize(req.Audio)
		if r.cancelled() {
			return
		}
		if err != nil {
			r.fail(StageRecognizing, err)
			return
		}
		text = res.Text
		if res.Language != "" {
			r.lang = res.Language
		}
		r.out.Text = text
		r.out.Stage = StageRecognized
		if !r.emit(StageRecognized, protocol.TypeVoiceRecognized, protocol.Recognized{
			Text: text, Backend: res.Backend, Language: res.Language,
		}) {
			return
		}
	} else {
		r.out.Stage = StageRecognized
		if !r.emit(StageRecognized, protocol.TypeVoiceRecognized, protocol.Recognized{
			Text: text, Backend: TextBackend, Language: r.lang,
		}) {
			return
		}
	}
	r.out.Text = text

	if !r.processing(StageRouting) {
		return
	}
	cmd, err := r.route(text)
	if r.cancelled() {
		return
	}
	if err != nil {
		r.fail(StageRouting, err)
		return
	}
	r.out.Command = cmd
	r.out.Stage = StageRouted
	if !r.emit(StageRouted, protocol.TypeVoiceParsed, protocol.Parsed{
		Intent:     string(cmd.Intent),
		Confidence: cmd.Confidence,
		Agent:      cmd.Agent,
		Action:     cmd.Action,
		Parameters: cmd.Parameters,
		Source:     string(cmd.Source),
	}) {
		return
	}

	var res dispatch.Result
	if cmd.Dispatchable() {
		if !r.processing(StageDispatching) {
			return
		}
		res = r.dispatch(cmd)
		if r.cancelled() {
			return
		}
	} else {
		res = dispatch.Fail("not_understood", "%s", router.ResponseNotUnderstood)
	}
	r.out.Result = res
	r.out.Response = router.FormatResponse(cmd, res)
	r.out.Stage = StageCompleted
	if !r.emit(StageCompleted, protocol.TypeVoiceResult, protocol.Result{
		Success:      res.Success,
		ResponseText: r.out.Response,
		ErrorKind:    res.ErrorKind,
	}) {
		return
	}

	r.synthesize(r.out.Response)
}

func (r *run) recognize(audio []byte) (stt.Result, error) {
	if r.o.deps.Recognizer == nil {
		return stt.Result{}, stt.ErrNoBackendSucceeded
	}
	ctx, span := r.o.tracer.Start(r.ctx, "voice.recognize")
	defer span.End()
	start := time.Now()
	res, err := r.o.deps.Recognizer.Recognize(ctx, audio, r.lang, "")
	recordStage(ctx, StageRecognizing, err, time.Since(start))
	endSpan(span, err)
	if err == nil {
		span.SetAttributes(attribute.String("backend", res.Backend))
	}
	return res, err
}

func (r *run) route(text string) (router.Command, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.o.opts.RouteTimeout)
	defer cancel()
	ctx, span := r.o.tracer.Start(ctx, "voice.route")
	defer span.End()
	start := time.Now()
	cmd, err := r.o.deps.Router.Route(ctx, text, r.lang)
	recordStage(ctx, StageRouting, err, time.Since(start))
	endSpan(span, err)
	if err == nil {
		span.SetAttributes(
			attribute.String("intent", string(cmd.Intent)),
			attribute.String("source", string(cmd.Source)),
		)
	}
	return cmd, err
}

// dispatch runs the handler in its own goroutine so a handler that ignores
// its context cannot hold the utterance past the dispatch timeout. Handler
// errors, timeouts and panics all become failed results.
func (r *run) dispatch(cmd router.Command) dispatch.Result {
	ctx, cancel := context.WithTimeout(r.ctx, r.o.opts.DispatchTimeout)
	defer cancel()
	ctx, span := r.o.tracer.Start(ctx, "voice.dispatch", trace.WithAttributes(
		attribute.String("agent", cmd.Agent),
		attribute.String("action", cmd.Action),
	))
	defer span.End()

	start := time.Now()
	done := make(chan dispatch.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("agent handler panicked",
					slog.String("agent", cmd.Agent),
					slog.String("action", cmd.Action),
					slog.Any("panic", p))
				done <- dispatch.Fail("agent_panic", "the %s agent crashed", cmd.Agent)
			}
		}()
		res, err := r.o.deps.Dispatcher.Dispatch(ctx, cmd.Agent, cmd.Action, cmd.Parameters)
		if err != nil {
			res = dispatchFailure(err)
		}
		done <- res
	}()

	var res dispatch.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		if r.ctx.Err() != nil {
			res = dispatch.Fail("cancelled", "%v", r.ctx.Err())
		} else {
			res = dispatch.Fail("timeout", "the %s agent took too long", cmd.Agent)
		}
	}
	var err error
	if !res.Success {
		err = fmt.Errorf("%s: %s", res.ErrorKind, res.ErrorMessage)
		r.log.Warn("agent action failed",
			slog.String("agent", cmd.Agent),
			slog.String("action", cmd.Action),
			slog.String("kind", res.ErrorKind),
			slog.String("error", res.ErrorMessage))
	}
	recordStage(ctx, StageDispatching, err, time.Since(start))
	endSpan(span, err)
	return res
}

func dispatchFailure(err error) dispatch.Result {
	switch {
	case errors.Is(err, dispatch.ErrUnknownAgent):
		return dispatch.Fail("unknown_agent", "%v", err)
	case errors.Is(err, dispatch.ErrUnknownAction):
		return dispatch.Fail("unknown_action", "%v", err)
	default:
		return dispatch.Fail("dispatch_error", "%v", err)
	}
}

// synthesize speaks the reply. Failure is logged and leaves the utterance
// complete without audio.
func (r *run) synthesize(text string) {
	if r.o.deps.Speaker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.o.opts.SynthesisTimeout)
	defer cancel()
	ctx, span := r.o.tracer.Start(ctx, "voice.synthesize")
	defer span.End()
	start := time.Now()
	res, err := r.o.deps.Speaker.Speak(ctx, text, r.lang, "", r.o.opts.Voice)
	recordStage(ctx, "synthesizing", err, time.Since(start))
	endSpan(span, err)
	if r.cancelled() {
		return
	}
	if err != nil {
		r.log.Warn("reply synthesis failed", slog.String("error", err.Error()))
		return
	}
	r.out.Audio = &res
	r.emit(StageCompleted, protocol.TypeVoiceAudio, protocol.Audio{
		Audio:    res.Audio,
		MIMEType: res.MIMEType,
		Backend:  res.Backend,
		Voice:    res.Voice,
	})
}

func (r *run) processing(stage Stage) bool {
	r.out.Stage = stage
	return r.emit(stage, protocol.TypeVoiceProcessing, protocol.Processing{Stage: string(stage)})
}

func (r *run) fail(stage Stage, err error) {
	r.out.Stage = StageFailed
	r.out.Err = err
	r.log.Error("utterance failed", slog.String("stage", string(stage)), slog.String("error", err.Error()))
	r.emit(StageFailed, protocol.TypeVoiceError, protocol.Error{
		Stage:   string(stage),
		Kind:    errorKind(err),
		Message: err.Error(),
	})
}

// cancelled records a cancelled context and reports whether the utterance
// must stop.
func (r *run) cancelled() bool {
	if err := r.ctx.Err(); err != nil {
		if !r.stopped {
			r.log.Info("utterance cancelled", slog.String("stage", string(r.out.Stage)))
		}
		r.stopped = true
		r.out.Err = err
		return true
	}
	return false
}

// emit delivers one event unless the utterance has been cancelled. It
// reports whether the pipeline may continue. Sink errors are logged only.
func (r *run) emit(stage Stage, typ string, payload any) bool {
	if r.cancelled() {
		return false
	}
	e := Event{
		UtteranceID: r.out.UtteranceID,
		Stage:       stage,
		Type:        typ,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if err := r.sink.Emit(r.ctx, e); err != nil {
		r.log.Warn("event delivery failed", slog.String("type", typ), slog.String("error", err.Error()))
	}
	return !r.cancelled()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, stt.ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, backend.ErrNoBackendSucceeded), errors.Is(err, stt.ErrNoBackendSucceeded):
		return "no_backend_succeeded"
	case errors.Is(err, router.ErrClassifierUnavailable):
		return "classifier_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	instrumentsOnce  sync.Once
	utteranceCounter metric.Int64Counter
	utteranceLatency metric.Float64Histogram
	stageLatency     metric.Float64Histogram
)

func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/loqa-voice/pipeline")
		utteranceCounter, _ = meter.Int64Counter("loqa.voice.utterances", metric.WithDescription("Utterances by outcome"))
		utteranceLatency, _ = meter.Float64Histogram("loqa.voice.utterance.latency", metric.WithUnit("ms"))
		stageLatency, _ = meter.Float64Histogram("loqa.voice.stage.latency", metric.WithUnit("ms"))
	})
}

func recordUtterance(ctx context.Context, outcome string, elapsed time.Duration) {
	instruments()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if utteranceCounter != nil {
		utteranceCounter.Add(ctx, 1, attrs)
	}
	if utteranceLatency != nil {
		utteranceLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

func recordStage(ctx context.Context, stage Stage, err error, elapsed time.Duration) {
	instruments()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if stageLatency != nil {
		stageLatency.Record(context.WithoutCancel(ctx), float64(elapsed.Milliseconds()), metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("outcome", outcome),
		))
	}
}
