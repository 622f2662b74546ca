package router

import (
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/temporal"
)

const (
	AgentPersonalAssistant = "personal_assistant"
	AgentEcommerce         = "ecommerce"
	AgentLanguageTutor     = "language_tutor"
)

type route struct {
	agent  string
	action string
}

// defaultRoutes is the single place intents are tied to agent actions.
var defaultRoutes = map[Intent]route{
	IntentInformation: {AgentPersonalAssistant, "calendar_list_events"},
	IntentAction:      {AgentPersonalAssistant, "calendar_create_event"},
	IntentSearch:      {AgentEcommerce, "product_search"},
	IntentTranslation: {AgentLanguageTutor, "translate"},
	IntentCapture:     {AgentPersonalAssistant, "camera_capture"},
}

// modelActions lists the actions a model classification may select per
// agent. Anything else falls back to the intent's default.
var modelActions = map[string][]string{
	AgentPersonalAssistant: {"calendar_list_events", "calendar_create_event", "calendar_delete_event", "calendar_next_event", "current_time", "camera_capture", "camera_identify"},
	AgentEcommerce:         {"product_search", "price_compare", "add_to_cart", "remove_from_cart", "view_cart"},
	AgentLanguageTutor:     {"translate", "vocabulary_search", "vocabulary_review"},
}

// resolveRoute picks the agent and action for a classified command. A rule
// override wins; Information is further split between the calendar and the
// language tutor by the shape of its parameters.
func resolveRoute(intent Intent, agent, action string, params Parameters) (string, string) {
	if intent == IntentUnknown {
		return "", ""
	}
	if agent != "" && action != "" {
		return agent, action
	}
	def := defaultRoutes[intent]
	if intent == IntentInformation && translationShaped(params) {
		def = route{AgentLanguageTutor, "vocabulary_search"}
	}
	if action != "" {
		for _, a := range modelActions[def.agent] {
			if a == action {
				return def.agent, action
			}
		}
	}
	return def.agent, def.action
}

func translationShaped(p Parameters) bool {
	return p.String("phrase") != "" || p.String("target_language") != ""
}

var languageCodes = map[string]string{
	"dutch": "nl", "english": "en", "german": "de", "french": "fr", "spanish": "es", "italian": "it",
}

// aliases folds the parameter names models tend to invent onto ours.
var aliases = map[string]string{
	"product":        "query",
	"product_name":   "query",
	"item":           "query",
	"price_limit":    "max_price",
	"budget":         "max_price",
	"text":           "phrase",
	"word":           "phrase",
	"language":       "target_language",
	"target":         "target_language",
	"time":           "when",
	"datetime":       "when",
	"date":           "when",
	"start":          "when",
	"event":          "title",
	"summary":        "title",
	"days":           "timeframe",
	"period":         "timeframe",
	"duration":       "duration_minutes",
	"minutes":        "duration_minutes",
	"object":         "subject",
	"search_query":   "query",
	"search_term":    "query",
	"translate_text": "phrase",
}

// extract turns raw captures or model entities into typed parameters for the
// intent. now supplies the reference instant for time phrases.
func extract(intent Intent, action string, raw Parameters, now time.Time) Parameters {
	in := Parameters{}
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if alias, ok := aliases[key]; ok {
			key = alias
		}
		if _, taken := in[key]; !taken || key == k {
			in[key] = v
		}
	}
	out := Parameters{}

	switch intent {
	case IntentAction:
		extractEvent(in, out, action, now)
	case IntentSearch:
		if q := in.String("query"); q != "" {
			out["query"] = q
		}
		if p, ok := in.Float("max_price"); ok && p > 0 {
			out["max_price"] = p
		}
	case IntentTranslation:
		extractTranslation(in, out)
	case IntentInformation:
		if translationShaped(in) {
			extractTranslation(in, out)
			break
		}
		if title := in.String("title"); title != "" {
			out["title"] = title
		}
		if action == "" || action == "calendar_list_events" {
			out["timeframe"] = timeframe(in.String("timeframe"))
		}
	case IntentCapture:
		if s := in.String("subject"); s != "" {
			out["subject"] = s
		}
	}
	return out
}

func extractEvent(in, out Parameters, action string, now time.Time) {
	title := strings.TrimSpace(in.String("title"))
	subject := strings.TrimSpace(in.String("subject"))
	when := strings.TrimSpace(in.String("when"))

	if t, ok := in["when"].(time.Time); ok {
		out["start_time"] = t.In(now.Location())
	} else {
		// The time phrase may have been split off too early by a lazy
		// capture, so search the host text and the phrase together.
		host := &title
		if subject != "" {
			host = &subject
		}
		if rest, t, ok := splitTemporal(strings.TrimSpace(*host+" "+when), now); ok {
			*host, out["start_time"] = rest, t
		} else if when != "" {
			out["time_phrase"] = when
		}
	}

	switch {
	case subject != "" && title != "":
		title = title + " with " + subject
	case subject != "":
		title = subject
	}
	if title != "" {
		out["title"] = title
	}
	if action == "calendar_delete_event" {
		return
	}
	minutes := 60
	if m, ok := in.Int("duration_minutes"); ok && m > 0 {
		minutes = m
	}
	out["duration_minutes"] = minutes
}

func extractTranslation(in, out Parameters) {
	if phrase := strings.Trim(in.String("phrase"), `'" `); phrase != "" {
		out["phrase"] = phrase
	}
	target := strings.ToLower(in.String("target_language"))
	if code, ok := languageCodes[target]; ok {
		target = code
	}
	if target == "" {
		target = "nl"
	}
	out["target_language"] = target
	if src := strings.ToLower(in.String("source_language")); src != "" {
		if code, ok := languageCodes[src]; ok {
			src = code
		}
		out["source_language"] = src
	}
}

func timeframe(s string) string {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "tomorrow":
		return "tomorrow"
	case "this week", "week", "the week":
		return "week"
	case "next week":
		return "next_week"
	default:
		return "today"
	}
}

// splitTemporal finds the longest trailing run of words in text that parses
// as a time expression and returns the text before it.
func splitTemporal(text string, now time.Time) (string, time.Time, bool) {
	words := strings.Fields(text)
	for i := 0; i < len(words); i++ {
		t, err := temporal.Parse(strings.Join(words[i:], " "), now)
		if err != nil {
			continue
		}
		return strings.Join(words[:i], " "), t, true
	}
	return text, time.Time{}, false
}

// passthrough copies captures for agents without an extractor.
func passthrough(raw Parameters) Parameters {
	out := make(Parameters, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[k] = f
				continue
			}
		}
		out[k] = v
	}
	return out
}
