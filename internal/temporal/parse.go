// Package temporal resolves spoken time expressions ("tomorrow at 2pm",
// "in 30 minutes", "next monday") against a reference instant.
package temporal

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnrecognized is wrapped by every ParseError.
var ErrUnrecognized = errors.New("unrecognized time expression")

// ParseError reports a phrase no rule could resolve.
type ParseError struct {
	Phrase string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("temporal: %v: %q", ErrUnrecognized, e.Phrase)
}

func (e *ParseError) Unwrap() error { return ErrUnrecognized }

const (
	// DefaultHour is used when a day is named without a time of day.
	DefaultHour = 9
	tonightHour = 20
)

type rule func(s string, ref time.Time) (time.Time, bool)

// Rules run in precedence order; the first that resolves wins.
var rules = []rule{
	parseExplicit,
	parseRelativeDay,
	parseOffset,
	parseBareClock,
}

// Parse resolves phrase relative to ref. Results are in ref's location.
func Parse(phrase string, ref time.Time) (time.Time, error) {
	s := normalize(phrase)
	if s == "" {
		return time.Time{}, &ParseError{Phrase: phrase}
	}
	for _, r := range rules {
		if t, ok := r(s, ref); ok {
			return t, nil
		}
	}
	return time.Time{}, &ParseError{Phrase: phrase}
}

var leadingWords = []string{"on ", "for ", "by "}

func normalize(phrase string) string {
	s := strings.ToLower(strings.TrimSpace(phrase))
	s = strings.NewReplacer("a.m.", "am", "p.m.", "pm", "’", "'").Replace(s)
	s = strings.TrimRight(s, ".,!?;")
	s = strings.Join(strings.Fields(s), " ")
	for trimmed := true; trimmed; {
		trimmed = false
		for _, w := range leadingWords {
			if strings.HasPrefix(s, w) {
				s = strings.TrimPrefix(s, w)
				trimmed = true
			}
		}
	}
	return s
}

// Explicit dates.

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Slash dates are read month first.
var slashDate = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})(?:/(\d{4}|\d{2}))?(?:\s+(.+))?$`)

func parseExplicit(s string, ref time.Time) (time.Time, bool) {
	loc := ref.Location()
	upper := strings.ToUpper(s)
	for _, layout := range isoLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, upper); err == nil {
				return t.In(loc), true
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, upper, loc); err == nil {
			return t, true
		}
	}

	m := slashDate.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	year := ref.Year()
	if m[3] != "" {
		year, _ = strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
	}
	hour, minute := 0, 0
	if m[4] != "" {
		var ok bool
		if hour, minute, ok = parseClock(m[4]); !ok {
			return time.Time{}, false
		}
	}
	return validDate(year, month, day, hour, minute, loc)
}

func validDate(year, month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// Relative days.

const dayPattern = `((?:the )?day after tomorrow|today|tonight|tomorrow|(?:(this|next) )?` +
	`(mon(?:day)?|tue(?:s(?:day)?)?|wed(?:nesday)?|thu(?:r(?:s(?:day)?)?)?|fri(?:day)?|sat(?:urday)?|sun(?:day)?))`

var (
	dayFirst   = regexp.MustCompile(`^` + dayPattern + `(?: (.+))?$`)
	clockFirst = regexp.MustCompile(`^(.+?) (?:on )?` + dayPattern + `$`)
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func parseRelativeDay(s string, ref time.Time) (time.Time, bool) {
	var day, qualifier, weekday, clock string
	if m := dayFirst.FindStringSubmatch(s); m != nil {
		day, qualifier, weekday, clock = m[1], m[2], m[3], m[4]
	} else if m := clockFirst.FindStringSubmatch(s); m != nil {
		clock, day, qualifier, weekday = m[1], m[2], m[3], m[4]
	} else {
		return time.Time{}, false
	}

	offset, defaultHour := 0, DefaultHour
	switch {
	case day == "today":
	case day == "tonight":
		defaultHour = tonightHour
	case day == "tomorrow":
		offset = 1
	case strings.HasSuffix(day, "day after tomorrow"):
		offset = 2
	default:
		target := weekdays[weekday[:3]]
		offset = (int(target) - int(ref.Weekday()) + 7) % 7
		if offset == 0 && qualifier != "this" {
			offset = 7
		}
	}

	hour, minute := defaultHour, 0
	if clock != "" {
		var ok bool
		if hour, minute, ok = parseClock(clock); !ok {
			return time.Time{}, false
		}
	}
	y, mo, d := ref.Date()
	return time.Date(y, mo, d+offset, hour, minute, 0, 0, ref.Location()), true
}

// Offsets.

var (
	offsetPrefix = regexp.MustCompile(`^in (.+)$`)
	offsetPart   = regexp.MustCompile(`^(\d+(?:\.\d+)?|[a-z]+(?:[ -][a-z]+)?) (second|sec|minute|min|hour|hr|day|week)s?$`)
	offsetSplit  = regexp.MustCompile(`\s*(?:,|\band\b)\s*`)
)

var wordNumbers = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11,
	"twelve": 12, "fifteen": 15, "twenty": 20, "thirty": 30, "forty": 40,
	"forty five": 45, "forty-five": 45, "fifty": 50, "sixty": 60, "ninety": 90,
	"half a": 0.5, "half an": 0.5, "a couple": 2, "couple of": 2, "a few": 3,
}

var units = map[string]time.Duration{
	"second": time.Second, "sec": time.Second,
	"minute": time.Minute, "min": time.Minute,
	"hour": time.Hour, "hr": time.Hour,
	"day":  24 * time.Hour,
	"week": 7 * 24 * time.Hour,
}

func parseOffset(s string, ref time.Time) (time.Time, bool) {
	m := offsetPrefix.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	expr := strings.ReplaceAll(m[1], "couple of ", "couple ")
	var (
		total time.Duration
		days  int
		last  time.Duration
	)
	for _, part := range offsetSplit.Split(expr, -1) {
		if part == "" {
			continue
		}
		if part == "a half" || part == "half" {
			if last == 0 {
				return time.Time{}, false
			}
			total += last / 2
			continue
		}
		pm := offsetPart.FindStringSubmatch(part)
		if pm == nil {
			return time.Time{}, false
		}
		n, ok := number(pm[1])
		if !ok {
			return time.Time{}, false
		}
		unit := units[pm[2]]
		span := n * float64(unit)
		if span >= math.MaxInt64 || time.Duration(span) > math.MaxInt64-total {
			return time.Time{}, false
		}
		last = unit
		if unit >= 24*time.Hour && n == float64(int(n)) {
			days += int(n) * int(unit/(24*time.Hour))
			continue
		}
		total += time.Duration(n * float64(unit))
	}
	if total == 0 && days == 0 {
		return time.Time{}, false
	}
	return ref.AddDate(0, 0, days).Add(total), true
}

func number(s string) (float64, bool) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, n > 0
	}
	if s == "couple" {
		return 2, true
	}
	n, ok := wordNumbers[s]
	return n, ok
}

// Times of day.

var clockRe = regexp.MustCompile(`^(?:at )?(?:(\d{1,2})(?::(\d{2}))? ?(am|pm)|(\d{1,2}):(\d{2})|(noon|midday|midnight)|(?:in the )?(morning|afternoon|evening|night))$`)

var namedClock = map[string]int{
	"noon": 12, "midday": 12, "midnight": 0,
	"morning": DefaultHour, "afternoon": 15, "evening": 19, "night": tonightHour,
}

// parseClock reads a time of day such as "2pm", "at 10:30 am", "15:45" or
// "noon".
func parseClock(s string) (hour, minute int, ok bool) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, false
	}
	switch {
	case m[3] != "":
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if hour < 1 || hour > 12 || minute > 59 {
			return 0, 0, false
		}
		hour %= 12
		if m[3] == "pm" {
			hour += 12
		}
	case m[4] != "":
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
		if hour > 23 || minute > 59 {
			return 0, 0, false
		}
	case m[6] != "":
		hour = namedClock[m[6]]
	default:
		hour = namedClock[m[7]]
	}
	return hour, minute, true
}

func parseBareClock(s string, ref time.Time) (time.Time, bool) {
	hour, minute, ok := parseClock(s)
	if !ok {
		return time.Time{}, false
	}
	y, mo, d := ref.Date()
	t := time.Date(y, mo, d, hour, minute, 0, 0, ref.Location())
	if !t.After(ref) {
		t = time.Date(y, mo, d+1, hour, minute, 0, 0, ref.Location())
	}
	return t, true
}
