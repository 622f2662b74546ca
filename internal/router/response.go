package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/dispatch"
)

const (
	ResponseNotUnderstood = "I didn't understand that."
	responseDone          = "Done."
)

// FormatResponse renders the spoken reply for a dispatched command. It has no
// side effects.
func FormatResponse(cmd Command, res dispatch.Result) string {
	if cmd.Intent == IntentUnknown {
		return ResponseNotUnderstood
	}
	if !res.Success {
		return formatFailure(cmd, res)
	}
	if text := formatSuccess(cmd, res.Data); text != "" {
		return text
	}
	if msg, ok := res.Data["message"].(string); ok && msg != "" {
		return msg
	}
	return responseDone
}

func formatFailure(cmd Command, res dispatch.Result) string {
	reason := strings.TrimSpace(res.ErrorMessage)
	switch cmd.Action {
	case "calendar_create_event":
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Sprintf("Sorry, I couldn't create the event: %s.", strings.TrimSuffix(reason, "."))
	case "camera_capture":
		return "Sorry, I couldn't take a picture."
	case "translate", "vocabulary_search":
		return "I couldn't find that in the vocabulary."
	}
	if reason == "" {
		return "I couldn't complete that."
	}
	return fmt.Sprintf("I couldn't complete that: %s.", strings.TrimSuffix(reason, "."))
}

func formatSuccess(cmd Command, data map[string]any) string {
	switch cmd.Action {
	case "product_search":
		products := asList(data["products"])
		if len(products) == 0 {
			return "I couldn't find any products matching that description."
		}
		p := products[0]
		text := fmt.Sprintf("I found %s for %s.", str(p["name"]), money(p["price"]))
		if len(products) > 1 {
			text += " Would you like to hear more options?"
		}
		return text
	case "price_compare":
		best := asMap(data["best_deal"])
		if best == nil {
			return "I couldn't compare prices for that product."
		}
		return fmt.Sprintf("The best price is %s on %s.", money(best["total_price"]), str(best["platform"]))
	case "add_to_cart":
		item := asMap(data["item"])
		if item == nil {
			return "Added to your cart."
		}
		return fmt.Sprintf("I've added %s to your cart.", str(item["name"]))
	case "remove_from_cart":
		item := asMap(data["item"])
		if item == nil {
			return "Removed from your cart."
		}
		return fmt.Sprintf("I've removed %s from your cart.", str(item["name"]))
	case "view_cart":
		items := asList(data["items"])
		switch len(items) {
		case 0:
			return "Your cart is empty."
		case 1:
			return fmt.Sprintf("You have 1 item in your cart, totaling %s.", money(data["total"]))
		default:
			return fmt.Sprintf("You have %d items in your cart, totaling %s.", len(items), money(data["total"]))
		}
	case "calendar_list_events":
		return formatEvents(asList(data["events"]), timeframePhrase(str(data["timeframe"])))
	case "calendar_create_event":
		event := asMap(data["event"])
		title := "your event"
		if event != nil && str(event["title"]) != "" {
			title = str(event["title"])
		}
		if event != nil {
			if when, ok := clock(event["start"]); ok {
				return fmt.Sprintf("I've created the event: %s, %s.", title, when)
			}
		}
		return fmt.Sprintf("I've created the event: %s.", title)
	case "calendar_delete_event":
		if n, _ := num(data["removed"]); n > 0 {
			return fmt.Sprintf("I've cancelled %s.", str(data["title"]))
		}
		return "I couldn't find that event."
	case "calendar_next_event":
		event := asMap(data["event"])
		if event == nil {
			return "I couldn't find that on your calendar."
		}
		when, _ := clock(event["start"])
		return fmt.Sprintf("%s is %s.", capitalize(str(event["title"])), when)
	case "current_time":
		if t, ok := data["time"].(time.Time); ok {
			return fmt.Sprintf("It's %s on %s.", t.Format("3:04 PM"), t.Format("Monday, January 2"))
		}
	case "camera_capture":
		return "I've taken a picture."
	case "camera_identify":
		labels := asStrings(data["labels"])
		if len(labels) == 0 {
			return "I'm not sure what that is."
		}
		return fmt.Sprintf("That looks like %s.", withArticle(labels[0]))
	case "translate":
		if tr := str(data["translation"]); tr != "" {
			return fmt.Sprintf("In %s, %s is '%s'.", languageName(str(data["target_language"])), str(data["phrase"]), tr)
		}
		return "I couldn't find that in the vocabulary."
	case "vocabulary_search":
		results := asList(data["results"])
		if len(results) == 0 {
			return "I couldn't find that in the vocabulary."
		}
		w := results[0]
		word := str(w["translation"])
		if article := str(w["article"]); article != "" {
			word = article + " " + word
		}
		return fmt.Sprintf("In Dutch, that's '%s'.", word)
	case "vocabulary_review":
		words := asList(data["words"])
		if len(words) == 0 {
			return "You have no words to review."
		}
		return fmt.Sprintf("Let's review %d words. The first one is '%s'.", len(words), str(words[0]["word"]))
	}
	return ""
}

func formatEvents(events []map[string]any, when string) string {
	if len(events) == 0 {
		return fmt.Sprintf("You have no events %s.", when)
	}
	parts := make([]string, 0, 3)
	for _, e := range events[:min(3, len(events))] {
		if at, ok := clock(e["start"]); ok {
			parts = append(parts, fmt.Sprintf("%s %s", str(e["title"]), at))
		} else {
			parts = append(parts, str(e["title"]))
		}
	}
	list := strings.Join(parts, ", ")
	switch {
	case len(events) > 3:
		return fmt.Sprintf("You have %d events %s. Here are the first few: %s.", len(events), when, list)
	case len(events) == 1:
		return fmt.Sprintf("You have 1 event %s: %s.", when, list)
	default:
		return fmt.Sprintf("You have %d events %s: %s.", len(events), when, list)
	}
}

func timeframePhrase(tf string) string {
	switch tf {
	case "week":
		return "this week"
	case "next_week":
		return "next week"
	case "":
		return "today"
	default:
		return tf
	}
}

func languageName(code string) string {
	for name, c := range languageCodes {
		if c == code {
			return capitalize(name)
		}
	}
	if code == "" {
		return "Dutch"
	}
	return code
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case Parameters:
		return m
	}
	return nil
}

func asList(v any) []map[string]any {
	switch l := v.(type) {
	case []map[string]any:
		return l
	case []any:
		out := make([]map[string]any, 0, len(l))
		for _, item := range l {
			if m := asMap(item); m != nil {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func asStrings(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, str(item))
		}
		return out
	}
	return nil
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func num(v any) (float64, bool) {
	return Parameters{"v": v}.Float("v")
}

func money(v any) string {
	f, ok := num(v)
	if !ok {
		return str(v)
	}
	return fmt.Sprintf("$%.2f", f)
}

// clock renders an event start as "on Friday at 2:00 PM".
func clock(v any) (string, bool) {
	t, ok := Parameters{"v": v}.Time("v")
	if !ok {
		return "", false
	}
	return fmt.Sprintf("on %s at %s", t.Format("Monday"), t.Format("3:04 PM")), true
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func withArticle(s string) string {
	if s == "" {
		return s
	}
	if strings.ContainsRune("aeiou", rune(s[0])) {
		return "an " + s
	}
	return "a " + s
}
