package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel/trace"
)

const auditActor = "pipeline"

// AuditSink appends every event to the event store, one stream per
// utterance. Synthesized audio is recorded by size only.
type AuditSink struct {
	store *eventstore.Store
	log   *slog.Logger
}

func NewAuditSink(store *eventstore.Store, log *slog.Logger) *AuditSink {
	return &AuditSink{store: store, log: log.With(slog.String("component", "pipeline.audit"))}
}

func (a *AuditSink) Emit(ctx context.Context, e Event) error {
	if !a.store.Persistent() {
		return nil
	}
	payload := e.Payload
	if audio, ok := payload.(protocol.Audio); ok {
		payload = map[string]any{
			"mime_type": audio.MIMEType,
			"backend":   audio.Backend,
			"voice":     audio.Voice,
			"bytes":     len(audio.Audio),
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s audit payload: %w", e.Type, err)
	}
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	// Cancellation of the utterance must not lose the audit trail of what
	// already happened.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	return a.store.Append(writeCtx, eventstore.Event{
		StreamID: e.UtteranceID,
		TraceID:  traceID,
		Actor:    auditActor,
		Type:     e.Type,
		Payload:  data,
	})
}

// HistoryEntry is one processed command as recorded in the event store.
type HistoryEntry struct {
	UtteranceID  string    `json:"utterance_id"`
	Text         string    `json:"text,omitempty"`
	Intent       string    `json:"intent,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	Action       string    `json:"action,omitempty"`
	Success      bool      `json:"success"`
	ResponseText string    `json:"response_text"`
	Timestamp    time.Time `json:"timestamp"`
}

// History returns the most recent completed commands, newest first.
func History(ctx context.Context, store *eventstore.Store, limit int) ([]HistoryEntry, error) {
	if !store.Persistent() {
		return nil, nil
	}
	results, err := store.Latest(ctx, protocol.TypeVoiceResult, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(results))
	for _, ev := range results {
		entry := HistoryEntry{UtteranceID: ev.StreamID, Timestamp: ev.CreatedAt}
		var res protocol.Result
		if err := json.Unmarshal(ev.Payload, &res); err == nil {
			entry.Success, entry.ResponseText = res.Success, res.ResponseText
		}
		stream, err := store.Stream(ctx, ev.StreamID, 0)
		if err != nil {
			return nil, err
		}
		for _, se := range stream {
			switch se.Type {
			case protocol.TypeVoiceRecognized:
				var rec protocol.Recognized
				if json.Unmarshal(se.Payload, &rec) == nil {
					entry.Text = rec.Text
				}
			case protocol.TypeVoiceParsed:
				var p protocol.Parsed
				if json.Unmarshal(se.Payload, &p) == nil {
					entry.Intent, entry.Agent, entry.Action = p.Intent, p.Agent, p.Action
				}
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
