package temporal

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Wednesday 15 January 2025, 10:30 UTC.
var ref = time.Date(2025, time.January, 15, 10, 30, 0, 0, time.UTC)

func at(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2025, month, day, hour, minute, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	cases := []struct {
		phrase string
		want   time.Time
	}{
		{"2025-03-01T09:00:00Z", at(time.March, 1, 9, 0)},
		{"2025-03-01 16:45", at(time.March, 1, 16, 45)},
		{"2025-03-01", at(time.March, 1, 0, 0)},
		{"3/4", at(time.March, 4, 0, 0)},
		{"3/4/2026 at 5pm", time.Date(2026, time.March, 4, 17, 0, 0, 0, time.UTC)},
		{"tomorrow at 2pm", at(time.January, 16, 14, 0)},
		{"Tomorrow at 2 P.M.", at(time.January, 16, 14, 0)},
		{"for tomorrow at 2:30 pm", at(time.January, 16, 14, 30)},
		{"tomorrow", at(time.January, 16, DefaultHour, 0)},
		{"tomorrow morning", at(time.January, 16, 9, 0)},
		{"tonight", at(time.January, 15, 20, 0)},
		{"today at noon", at(time.January, 15, 12, 0)},
		{"day after tomorrow at 8am", at(time.January, 17, 8, 0)},
		{"wednesday", at(time.January, 22, DefaultHour, 0)},
		{"next wednesday", at(time.January, 22, DefaultHour, 0)},
		{"this wednesday at 5pm", at(time.January, 15, 17, 0)},
		{"friday at 10am", at(time.January, 17, 10, 0)},
		{"next monday at 10am", at(time.January, 20, 10, 0)},
		{"on tue at 18:15", at(time.January, 21, 18, 15)},
		{"3pm on friday", at(time.January, 17, 15, 0)},
		{"in 2 hours", at(time.January, 15, 12, 30)},
		{"in 30 minutes", at(time.January, 15, 11, 0)},
		{"in an hour and a half", at(time.January, 15, 12, 0)},
		{"in half an hour", at(time.January, 15, 11, 0)},
		{"in 1 hour and 15 minutes", at(time.January, 15, 11, 45)},
		{"in 2 days", at(time.January, 17, 10, 30)},
		{"in a week", at(time.January, 22, 10, 30)},
		{"at 3pm", at(time.January, 15, 15, 0)},
		{"at 9am", at(time.January, 16, 9, 0)},
		{"10:30", at(time.January, 16, 10, 30)},
		{"midnight", at(time.January, 16, 0, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.phrase, func(t *testing.T) {
			got, err := Parse(tc.phrase, ref)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseUnrecognized(t *testing.T) {
	for _, phrase := range []string{"", "asdkjasdlk", "tomorrow at teatime", "13pm", "in forever", "2/30", "someday"} {
		_, err := Parse(phrase, ref)
		if !errors.Is(err, ErrUnrecognized) {
			t.Fatalf("%q: expected ErrUnrecognized, got %v", phrase, err)
		}
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Phrase != phrase {
			t.Fatalf("%q: expected ParseError carrying the phrase, got %v", phrase, err)
		}
	}
}

func TestParseRejectsOverflowingOffsets(t *testing.T) {
	for _, phrase := range []string{
		"in 99999999999999999999 hours",
		"in 20000 weeks",
		"in 200000 days",
		"in 2000000 hours and 2000000 hours",
	} {
		if got, err := Parse(phrase, ref); !errors.Is(err, ErrUnrecognized) {
			t.Fatalf("%q: expected ErrUnrecognized, got %s, %v", phrase, got, err)
		}
	}
	got, err := Parse("in 1000 days", ref)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := ref.AddDate(0, 0, 1000); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestParseKeepsReferenceLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	got, err := Parse("tomorrow at 2pm", ref.In(loc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Location() != loc || got.Hour() != 14 {
		t.Fatalf("expected 14:00 in %s, got %s", loc, got)
	}
}

func TestTomorrowAtTwoIgnoresReferenceClock(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Date(
			rapid.IntRange(1990, 2100).Draw(t, "year"),
			time.Month(rapid.IntRange(1, 12).Draw(t, "month")),
			rapid.IntRange(1, 28).Draw(t, "day"),
			0, 0, 0, 0, time.UTC)
		clock := time.Duration(rapid.Int64Range(0, int64(24*time.Hour-1)).Draw(t, "clock"))
		r := base.Add(clock)

		got, err := Parse("tomorrow at 2pm", r)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		want := time.Date(base.Year(), base.Month(), base.Day()+1, 14, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("ref %s: expected %s, got %s", r, want, got)
		}
	})
}

func TestOffsetMinutesAddsExactly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(t, "unix"), 0).UTC()
		n := rapid.IntRange(1, 600).Draw(t, "minutes")
		got, err := Parse(fmt.Sprintf("in %d minutes", n), r)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if want := r.Add(time.Duration(n) * time.Minute); !got.Equal(want) {
			t.Fatalf("expected %s, got %s", want, got)
		}
	})
}

func TestBareClockIsAlwaysFuture(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(t, "unix"), 0).UTC()
		hour := rapid.IntRange(0, 23).Draw(t, "hour")
		got, err := Parse(pad(hour)+":00", r)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !got.After(r) || got.Sub(r) > 24*time.Hour {
			t.Fatalf("ref %s: %s is not within the next day", r, got)
		}
	})
}

func pad(n int) string {
	return fmt.Sprintf("%02d", n)
}
