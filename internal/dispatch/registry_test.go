package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type echoAgent struct{}

func (echoAgent) Name() string { return "echo" }

func (echoAgent) Actions() Actions {
	return Actions{
		"say": func(_ context.Context, params map[string]any) Result {
			return OK(map[string]any{"said": params["text"]})
		},
		"nothing": func(context.Context, map[string]any) Result {
			return Result{Success: true}
		},
		"broken": func(context.Context, map[string]any) Result {
			return Fail("upstream", "calendar offline")
		},
	}
}

func TestDispatchInvokesHandler(t *testing.T) {
	r := NewRegistry(newLogger())
	if err := r.Register(echoAgent{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := r.Dispatch(context.Background(), "echo", "say", map[string]any{"text": "hoi"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Success || res.Data["said"] != "hoi" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatchNormalizesNilData(t *testing.T) {
	r := NewRegistry(newLogger())
	_ = r.Register(echoAgent{})
	res, err := r.Dispatch(context.Background(), "echo", "nothing", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Data == nil {
		t.Fatal("expected empty data map, got nil")
	}
}

func TestDispatchReturnsHandlerFailureUnchanged(t *testing.T) {
	r := NewRegistry(newLogger())
	_ = r.Register(echoAgent{})
	res, err := r.Dispatch(context.Background(), "echo", "broken", nil)
	if err != nil {
		t.Fatalf("handler failures are results, not errors: %v", err)
	}
	if res.Success || res.ErrorKind != "upstream" || res.ErrorMessage != "calendar offline" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatchLookupMisses(t *testing.T) {
	r := NewRegistry(newLogger())
	_ = r.Register(echoAgent{})

	_, err := r.Dispatch(context.Background(), "weather", "forecast", nil)
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	_, err = r.Dispatch(context.Background(), "echo", "shout", nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	var de *DispatchError
	if !errors.As(err, &de) || de.Agent != "echo" || de.Action != "shout" {
		t.Fatalf("expected DispatchError with agent and action, got %v", err)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	r := NewRegistry(newLogger())
	noop := func(context.Context, map[string]any) Result { return OK(nil) }
	if err := r.RegisterAgent("", Actions{"a": noop}); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("expected invalid agent for empty name, got %v", err)
	}
	if err := r.RegisterAgent("x", nil); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("expected invalid agent for empty actions, got %v", err)
	}
	if err := r.RegisterAgent("x", Actions{"a": nil}); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("expected invalid agent for nil handler, got %v", err)
	}
	if err := r.RegisterAgent("x", Actions{"a": noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterAgent("x", Actions{"b": noop}); !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected duplicate agent, got %v", err)
	}
}

func TestRegisterCopiesActionTable(t *testing.T) {
	r := NewRegistry(newLogger())
	noop := func(context.Context, map[string]any) Result { return OK(nil) }
	actions := Actions{"a": noop}
	_ = r.RegisterAgent("x", actions)
	actions["b"] = noop
	if _, err := r.Dispatch(context.Background(), "x", "b", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("registry must not observe later mutation of the action table, got %v", err)
	}
	if got := r.Agents()["x"]; len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected agent listing %v", got)
	}
}
