package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Intent is the closed set of command categories.
type Intent string

const (
	IntentInformation Intent = "information"
	IntentAction      Intent = "action"
	IntentSearch      Intent = "search"
	IntentTranslation Intent = "translation"
	IntentCapture     Intent = "capture"
	IntentUnknown     Intent = "unknown"
)

var intents = []Intent{IntentInformation, IntentAction, IntentSearch, IntentTranslation, IntentCapture, IntentUnknown}

// ParseIntent maps a model label onto an Intent. Labels outside the set are
// Unknown.
func ParseIntent(s string) Intent {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, in := range intents {
		if string(in) == s {
			return in
		}
	}
	return IntentUnknown
}

// Source records which pass produced a command.
type Source string

const (
	SourcePattern Source = "pattern"
	SourceModel   Source = "model"
	SourceNone    Source = "none"
)

// State is where a command ended in the routing state machine.
type State string

const (
	StateRouted       State = "routed"
	StateUnclassified State = "unclassified"
)

// Command is the structured result of routing one utterance. Unknown
// commands never carry an agent or action.
type Command struct {
	RawText    string     `json:"raw_text"`
	Intent     Intent     `json:"intent"`
	Confidence float64    `json:"confidence"`
	Agent      string     `json:"agent,omitempty"`
	Action     string     `json:"action,omitempty"`
	Parameters Parameters `json:"parameters"`
	Language   string     `json:"language,omitempty"`
	Source     Source     `json:"source"`
	State      State      `json:"state"`
}

// Dispatchable reports whether the command names an agent action.
func (c Command) Dispatchable() bool {
	return c.Intent != IntentUnknown && c.Agent != "" && c.Action != ""
}

// Parameters carries typed values: strings, time.Time and float64/int.
type Parameters map[string]any

func (p Parameters) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (p Parameters) Time(key string) (time.Time, bool) {
	switch v := p[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		return t, err == nil
	}
	return time.Time{}, false
}

func (p Parameters) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(v), "$"), 64)
		return f, err == nil
	}
	return 0, false
}

func (p Parameters) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	return int(f), ok
}
