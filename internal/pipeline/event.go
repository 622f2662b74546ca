package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Stage is a step of the per-utterance state machine.
type Stage string

const (
	StageRecognizing Stage = "recognizing"
	StageRecognized  Stage = "recognized"
	StageRouting     Stage = "routing"
	StageRouted      Stage = "routed"
	StageDispatching Stage = "dispatching"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Event is one observable step of an utterance. Payload is one of the
// protocol payload types matching Type.
type Event struct {
	UtteranceID string
	Stage       Stage
	Type        string
	Payload     any
	Timestamp   time.Time
}

// Envelope converts e to its wire form.
func (e Event) Envelope() protocol.Envelope {
	return protocol.Envelope{
		Type:        e.Type,
		UtteranceID: e.UtteranceID,
		Timestamp:   e.Timestamp,
		Data:        e.Payload,
	}
}

// Sink receives events. Emit is called sequentially for one utterance.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// MultiSink fans an event out to every sink. A failing sink does not stop
// delivery to the others.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what has been recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
