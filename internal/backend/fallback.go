package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrDeclined marks a backend that answered without error but produced
	// nothing usable. It counts as a non-match, not a crash.
	ErrDeclined = errors.New("backend declined")
	// ErrNoBackendSucceeded is matched by every ExhaustedError.
	ErrNoBackendSucceeded = errors.New("no backend succeeded")
	ErrTimeout            = errors.New("backend call timed out")
)

// Attempt records one failed candidate.
type Attempt struct {
	Backend  string
	Err      error
	Duration time.Duration
}

// ExhaustedError is returned once every candidate failed or declined.
type ExhaustedError struct {
	Kind     Kind
	Attempts []Attempt
	sentinel error
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no backend available", e.Kind)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Backend, a.Err))
	}
	return fmt.Sprintf("%s: no backend succeeded (%s)", e.Kind, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrNoBackendSucceeded || (e.sentinel != nil && target == e.sentinel)
}

// Backends lists the attempted backend names in the order they were tried.
func (e *ExhaustedError) Backends() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Backend)
	}
	return names
}

// Options parameterise one fallback run.
type Options struct {
	Kind    Kind
	Timeout time.Duration
	Logger  *slog.Logger
	// Exhausted is an extra sentinel the resulting ExhaustedError matches,
	// letting callers keep their own error taxonomy.
	Exhausted error
}

// Try invokes call on each candidate in order until one succeeds. Every call
// runs under its own deadline and its context is cancelled before the next
// candidate starts. Cancelling ctx stops the chain and returns ctx.Err().
func Try[T any](ctx context.Context, opts Options, candidates []Descriptor, call func(ctx context.Context, d Descriptor) (T, error)) (T, Descriptor, error) {
	var zero T
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	attempts := make([]Attempt, 0, len(candidates))

	for i, d := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, Descriptor{}, err
		}
		start := time.Now()
		v, err := invoke(ctx, opts.Timeout, d, call)
		elapsed := time.Since(start)
		if err == nil {
			recordAttempt(ctx, opts.Kind, d.Name, "success", elapsed)
			return v, d, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, Descriptor{}, ctxErr
		}
		outcome := "failure"
		switch {
		case errors.Is(err, ErrDeclined):
			outcome = "declined"
		case errors.Is(err, ErrTimeout):
			outcome = "timeout"
		}
		recordAttempt(ctx, opts.Kind, d.Name, outcome, elapsed)
		attempts = append(attempts, Attempt{Backend: d.Name, Err: err, Duration: elapsed})
		log.Warn("backend failed, trying next",
			slog.String("kind", string(opts.Kind)),
			slog.String("backend", d.Name),
			slog.Int("candidate_index", i),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
	}

	return zero, Descriptor{}, &ExhaustedError{Kind: opts.Kind, Attempts: attempts, sentinel: opts.Exhausted}
}

func invoke[T any](ctx context.Context, timeout time.Duration, d Descriptor, call func(ctx context.Context, d Descriptor) (T, error)) (T, error) {
	var zero T
	var callCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r = result{err: fmt.Errorf("backend %s panicked: %v", d.Name, p)}
			}
			done <- r
		}()
		r.v, r.err = guarded(callCtx, d, call)
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return r.v, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// guarded routes the call through the descriptor's circuit breaker. Declines
// are reported to the breaker as successes so a quiet backend is not tripped.
func guarded[T any](ctx context.Context, d Descriptor, call func(ctx context.Context, d Descriptor) (T, error)) (T, error) {
	if d.breaker == nil {
		return call(ctx, d)
	}
	var declined error
	out, err := d.breaker.Execute(func() (interface{}, error) {
		v, err := call(ctx, d)
		if errors.Is(err, ErrDeclined) {
			declined = err
			return v, nil
		}
		return v, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if declined != nil {
		var zero T
		return zero, declined
	}
	v, _ := out.(T)
	return v, nil
}

var (
	instrumentsOnce sync.Once
	attemptCounter  metric.Int64Counter
	attemptLatency  metric.Float64Histogram
)

func recordAttempt(ctx context.Context, kind Kind, name, outcome string, elapsed time.Duration) {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/loqa-voice/backend")
		attemptCounter, _ = meter.Int64Counter("loqa.backend.attempts", metric.WithDescription("Backend calls by outcome"))
		attemptLatency, _ = meter.Float64Histogram("loqa.backend.latency", metric.WithUnit("ms"))
	})
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("backend", name),
		attribute.String("outcome", outcome),
	)
	if attemptCounter != nil {
		attemptCounter.Add(ctx, 1, attrs)
	}
	if attemptLatency != nil {
		attemptLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}
