package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	reply string
}

// NewMockGenerator returns a generator that answers every prompt with reply,
// or with a bracketed echo of the prompt when reply is empty.
func NewMockGenerator(reply string) Generator { return &mockGenerator{reply: reply} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	content := m.reply
	if content == "" {
		content = "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	}
	return consumer(Chunk{Content: content, Latency: 5 * time.Millisecond})
}
