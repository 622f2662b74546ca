package agents

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one calendar entry.
type Event struct {
	ID    string
	Title string
	Start time.Time
	End   time.Time
}

func (e Event) data() map[string]any {
	return map[string]any{
		"id":    e.ID,
		"title": e.Title,
		"start": e.Start,
		"end":   e.End,
	}
}

func (e Event) overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && start.Before(e.End)
}

// Calendar is an in-memory event list ordered by start time. It is safe for
// concurrent use.
type Calendar struct {
	mu     sync.Mutex
	events []Event
}

func NewCalendar(events ...Event) *Calendar {
	c := &Calendar{}
	for _, e := range events {
		c.insert(e)
	}
	return c
}

func (c *Calendar) insert(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	i, _ := slices.BinarySearchFunc(c.events, e.Start, func(x Event, t time.Time) int {
		return x.Start.Compare(t)
	})
	c.events = slices.Insert(c.events, i, e)
	return e
}

// Between returns events starting in [from, to).
func (c *Calendar) Between(from, to time.Time) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if !e.Start.Before(from) && e.Start.Before(to) {
			out = append(out, e)
		}
	}
	return out
}

// Add stores the event unless it overlaps an existing one, in which case the
// conflicting event is returned instead.
func (c *Calendar) Add(e Event) (Event, *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.events {
		if c.events[i].overlaps(e.Start, e.End) {
			conflict := c.events[i]
			return Event{}, &conflict
		}
	}
	return c.insert(e), nil
}

// Remove deletes events whose title contains title. A non-zero day limits the
// match to events on that calendar day.
func (c *Calendar) Remove(title string, day time.Time) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []Event
	c.events = slices.DeleteFunc(c.events, func(e Event) bool {
		if !titleMatches(e.Title, title) {
			return false
		}
		if !day.IsZero() && !sameDay(e.Start, day) {
			return false
		}
		removed = append(removed, e)
		return true
	})
	return removed
}

// Next returns the first event at or after from whose title contains title.
func (c *Calendar) Next(title string, from time.Time) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Start.Before(from) {
			continue
		}
		if titleMatches(e.Title, title) {
			return e, true
		}
	}
	return Event{}, false
}

// genericTitles match any event.
var genericTitles = []string{"", "event", "meeting", "appointment", "thing"}

func titleMatches(have, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	if slices.Contains(genericTitles, want) {
		return true
	}
	return strings.Contains(strings.ToLower(have), want)
}

func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
