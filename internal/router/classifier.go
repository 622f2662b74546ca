package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Classification is a model's reading of an utterance.
type Classification struct {
	Intent     Intent         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Classifier is the model-based fallback for utterances no pattern matched.
type Classifier interface {
	Classify(ctx context.Context, text, language string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text, language string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, text, language string) (Classification, error) {
	return f(ctx, text, language)
}

const classifierPrompt = `You classify voice commands for a home assistant.
Reply with a single JSON object and nothing else:
{"intent": "<intent>", "confidence": <0..1>, "action": "<action or empty>", "parameters": {...}}

Intents:
- information: questions about the user's calendar, schedule, the time, or vocabulary
- action: creating, changing or cancelling calendar events and reminders
- search: finding products, comparing prices, shopping cart
- translation: translating a word or phrase into another language
- capture: taking a picture or identifying what the camera sees
- unknown: anything else

Parameters, only when present in the utterance:
query, max_price, title, when (keep the raw time phrase), timeframe (today|tomorrow|week),
phrase, target_language, subject.

Never answer the command. If unsure use "unknown" with a low confidence.`

// ParseClassification reads a model reply. Replies without a usable JSON
// object are Unknown with zero confidence rather than an error.
func ParseClassification(reply string) Classification {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Classification{Intent: IntentUnknown}
	}
	var raw struct {
		Intent     string         `json:"intent"`
		Confidence float64        `json:"confidence"`
		Action     string         `json:"action"`
		Parameters map[string]any `json:"parameters"`
		Entities   map[string]any `json:"entities"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return Classification{Intent: IntentUnknown}
	}
	params := raw.Parameters
	if params == nil {
		params = raw.Entities
	}
	c := Classification{
		Intent:     ParseIntent(raw.Intent),
		Confidence: min(max(raw.Confidence, 0), 1),
		Action:     strings.TrimSpace(raw.Action),
		Parameters: params,
	}
	if c.Intent == IntentUnknown && raw.Intent != string(IntentUnknown) {
		c.Confidence = 0
	}
	return c
}

func userPrompt(text, language string) string {
	if language == "" {
		return text
	}
	return fmt.Sprintf("Language: %s\nUtterance: %s", language, text)
}

// LLMClassifier classifies through a local generator (ollama, exec, mock).
type LLMClassifier struct {
	generator llm.Generator
	defaults  llm.Request
}

func NewLLMClassifier(generator llm.Generator, defaults llm.Request) *LLMClassifier {
	return &LLMClassifier{generator: generator, defaults: defaults}
}

func (c *LLMClassifier) Classify(ctx context.Context, text, language string) (Classification, error) {
	req := c.defaults
	req.System = classifierPrompt
	req.Prompt = userPrompt(text, language)
	req.JSON = true
	reply, err := llm.Complete(ctx, c.generator, req)
	if err != nil {
		return Classification{}, err
	}
	return ParseClassification(reply), nil
}

// OpenAIConfig configures OpenAIClassifier.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// OpenAIClassifier classifies through the chat completions API.
type OpenAIClassifier struct {
	client openai.Client
	cfg    OpenAIConfig
}

func NewOpenAIClassifier(cfg OpenAIConfig) (*OpenAIClassifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai classifier requires an api key")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClassifier{client: openai.NewClient(opts...), cfg: cfg}, nil
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text, language string) (Classification, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifierPrompt),
			openai.UserMessage(userPrompt(text, language)),
		},
		Model: openai.ChatModel(c.cfg.Model),
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Classification{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Classification{}, errors.New("chat completion returned no choices")
	}
	return ParseClassification(resp.Choices[0].Message.Content), nil
}

// CachedClassifier memoises successful classifications per language and
// normalized text.
type CachedClassifier struct {
	next  Classifier
	cache *lru.Cache[string, Classification]
}

func NewCachedClassifier(next Classifier, size int) (*CachedClassifier, error) {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, Classification](size)
	if err != nil {
		return nil, err
	}
	return &CachedClassifier{next: next, cache: cache}, nil
}

func (c *CachedClassifier) Classify(ctx context.Context, text, language string) (Classification, error) {
	key := strings.ToLower(language) + "\x00" + normalize(text)
	if hit, ok := c.cache.Get(key); ok {
		return hit, nil
	}
	res, err := c.next.Classify(ctx, text, language)
	if err != nil {
		return Classification{}, err
	}
	c.cache.Add(key, res)
	return res, nil
}

// Len reports the number of cached classifications.
func (c *CachedClassifier) Len() int { return c.cache.Len() }
