package router

import (
	"fmt"
	"regexp"
	"strings"
)

const languageNames = `dutch|english|german|french|spanish|italian`

// rule is one compiled pattern. Named groups become raw parameters. Agent
// and Action, when set, override the intent's default mapping.
type rule struct {
	re     *regexp.Regexp
	agent  string
	action string
}

type intentRules struct {
	intent Intent
	rules  []rule
}

// Match is the outcome of the pattern pass.
type Match struct {
	Intent   Intent
	Agent    string
	Action   string
	Captures Parameters
}

func r(expr string) rule { return rule{re: regexp.MustCompile(expr)} }

func ra(expr, agent, action string) rule {
	return rule{re: regexp.MustCompile(expr), agent: agent, action: action}
}

// defaultTable is evaluated top to bottom; the first intent with a matching
// rule wins. Translation and capture come first because their phrasings
// overlap with information questions. Cart phrasings must beat the calendar
// delete rule, and a bare "show me ..." is only a product search once the
// calendar and vocabulary rules have had their turn.
func defaultTable() []*intentRules {
	return []*intentRules{
		{intent: IntentTranslation, rules: []rule{
			r(`^(?:how do (?:you|i) say|translate) (?P<phrase>.+?)(?: (?:in|into|to) (?P<target_language>` + languageNames + `))?$`),
			r(`^what(?:'s| is) (?P<phrase>.+?) in (?P<target_language>` + languageNames + `)$`),
			r(`^what does (?P<phrase>.+?) mean(?: in (?P<source_language>` + languageNames + `))?$`),
		}},
		{intent: IntentCapture, rules: []rule{
			r(`^(?:take|capture|snap) (?:a |an )?(?:picture|photo|image|snapshot)(?: of (?P<subject>.+))?$`),
			r(`^(?:show|display|open) (?:the )?camera$`),
			ra(`^(?:what|identify|recognize)(?: is)? (?:this|that)(?: object| thing)?$`, AgentPersonalAssistant, "camera_identify"),
		}},
		{intent: IntentSearch, rules: []rule{
			ra(`^(?:show|check|view|open|what(?:'s| is) in) (?:me )?(?:my )?(?:shopping )?(?:cart|basket)$`, AgentEcommerce, "view_cart"),
			ra(`^(?:add|put) (?:a |an |the |some )?(?P<query>.+?) (?:to|in|into) (?:my )?(?:shopping )?(?:cart|basket)$`, AgentEcommerce, "add_to_cart"),
			ra(`^(?:remove|delete|take) (?:a |an |the |some )?(?P<query>.+?) (?:from|out of) (?:my )?(?:shopping )?(?:cart|basket)$`, AgentEcommerce, "remove_from_cart"),
			ra(`^(?:compare|check) (?:the )?prices? (?:for|of|on) (?P<query>.+)$`, AgentEcommerce, "price_compare"),
			ra(`^(?:what(?:'s| is| are)|how much is) (?:the )?(?:price|cost|prices) (?:of|for) (?:a |an |the )?(?P<query>.+)$`, AgentEcommerce, "price_compare"),
			r(`^(?:find|search for|look for|get me|search|shop for) (?:me )?(?:a |an |some )?(?P<query>.+?)(?: (?:under|below|less than|for less than|for under) \$?(?P<max_price>\d+(?:\.\d+)?)(?: dollars| euros| bucks)?)?$`),
			ra(`^(?:buy|order|purchase) (?:me )?(?:a |an |some )?(?P<query>.+)$`, AgentEcommerce, "add_to_cart"),
		}},
		{intent: IntentAction, rules: []rule{
			r(`^(?:schedule|add|create|set up|book|make|plan) (?:a |an |another )?(?P<title>meeting|event|appointment|call|reminder|lunch|dinner)(?: (?:with|about|called|titled) (?P<subject>.+?))?(?: (?P<when>(?:for|on|at) .+))?$`),
			r(`^(?:schedule|set up|book) (?P<title>.+?) (?P<when>(?:for|on|at) .+)$`),
			r(`^(?:remind me to|set a reminder to) (?P<title>.+?)(?: (?P<when>(?:at|in|on|tomorrow|tonight|today|next|this) .+))?$`),
			ra(`^(?:cancel|delete|remove) (?:my |the )?(?P<title>.+?)(?: (?:meeting|event|appointment))?(?: (?P<when>(?:on|for) .+))?$`, AgentPersonalAssistant, "calendar_delete_event"),
		}},
		{intent: IntentInformation, rules: []rule{
			r(`^(?:what(?:'s| is)|show|list|tell me|read|check)(?: me)?(?: what(?:'s| is))? (?:on )?(?:my )?(?:calendar|schedule|agenda|events)(?: (?:for )?(?P<timeframe>today|tonight|tomorrow|this week|next week|the week))?$`),
			r(`^(?:do i have|have i got|are there|any) (?:any )?(?:meetings?|events?|appointments?|plans)(?: (?:for |on )?(?P<timeframe>today|tonight|tomorrow|this week|next week))?$`),
			ra(`^(?:what time is it|what(?:'s| is) the time|what(?:'s| is) the date|what day is (?:it|today)|what(?:'s| is) today's date)$`, AgentPersonalAssistant, "current_time"),
			ra(`^(?:when is|what time is) (?:my )?(?:next )?(?P<title>.+)$`, AgentPersonalAssistant, "calendar_next_event"),
			r(`^what(?:'s| is) the (?P<target_language>` + languageNames + `) (?:word|phrase|term) for (?P<phrase>.+)$`),
			ra(`^(?:show(?: me)?|list|review|practice|quiz me on) (?:my )?(?:dutch )?(?:vocabulary|words)$`, AgentLanguageTutor, "vocabulary_review"),
		}},
		{intent: IntentSearch, rules: []rule{
			r(`^show me (?:a |an |some )?(?P<query>.+?)(?: (?:under|below|less than|for less than|for under) \$?(?P<max_price>\d+(?:\.\d+)?)(?: dollars| euros| bucks)?)?$`),
		}},
	}
}

// normalize lowercases text, folds typographic apostrophes and drops trailing
// punctuation so patterns can stay anchored.
func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.NewReplacer("’", "'", "‘", "'", "“", "", "”", "", "\"", "").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimLeft(s, ",. ")
	s = strings.TrimRight(s, ".,!?;: ")
	for _, p := range []string{"please ", "hey loqa ", "loqa ", "can you ", "could you "} {
		s = strings.TrimPrefix(s, p)
	}
	return strings.TrimSuffix(s, " please")
}

func matchTable(table []*intentRules, text string) (Match, bool) {
	for _, group := range table {
		for _, rl := range group.rules {
			m := rl.re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			captures := Parameters{}
			for i, name := range rl.re.SubexpNames() {
				if i == 0 || name == "" || m[i] == "" {
					continue
				}
				captures[name] = strings.TrimSpace(m[i])
			}
			return Match{Intent: group.intent, Agent: rl.agent, Action: rl.action, Captures: captures}, true
		}
	}
	return Match{}, false
}

func compileRule(intent Intent, expr, agent, action string) (rule, error) {
	if intent == IntentUnknown || ParseIntent(string(intent)) != intent {
		return rule{}, fmt.Errorf("router: cannot add pattern for intent %q", intent)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return rule{}, fmt.Errorf("router: compile pattern: %w", err)
	}
	if agent != "" && action == "" {
		return rule{}, fmt.Errorf("router: pattern for agent %q needs an action", agent)
	}
	rl := rule{re: re, agent: agent, action: action}
	if agent == "" && action != "" {
		rl.agent = defaultRoutes[intent].agent
	}
	return rl, nil
}
