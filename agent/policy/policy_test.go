package policy

import (
	"testing"
	"time"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

func utcGate(cap int) *Gate {
	return NewGate(Config{
		QuietStartHour: 21,
		QuietEndHour:   8,
		Timezone:       "UTC",
		DailyReplyCap:  cap,
	})
}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
}

func TestDecideBusinessHours(t *testing.T) {
	g := utcGate(30)
	s := statex.NewSession("+15551230000", at(10, 0))

	for _, hour := range []int{8, 12, 20} {
		if d := g.Decide(s, at(hour, 30)); d != AllowFullReply {
			t.Fatalf("hour %d: decision = %s, want ALLOW_FULL_REPLY", hour, d)
		}
	}
}

func TestDecideQuietHoursFirstMessageThrottled(t *testing.T) {
	g := utcGate(30)
	s := statex.NewSession("+15551230000", at(10, 0))

	now := at(23, 0)
	if d := g.Decide(s, now); d != AllowThrottledReply {
		t.Fatalf("decision = %s, want ALLOW_THROTTLED_REPLY", d)
	}
	g.MarkThrottled(s, now)

	// A second in-window message the same night is blocked.
	if d := g.Decide(s, at(23, 10)); d != Block {
		t.Fatalf("repeat decision = %s, want BLOCK", d)
	}
}

func TestDecideQuietHoursWrapAround(t *testing.T) {
	g := utcGate(30)
	s := statex.NewSession("+15551230000", at(10, 0))

	cases := []struct {
		hour int
		want Decision
	}{
		{21, AllowThrottledReply},
		{2, AllowThrottledReply},
		{7, AllowThrottledReply},
		{8, AllowFullReply},
		{20, AllowFullReply},
	}
	for _, tc := range cases {
		if d := g.Decide(s, at(tc.hour, 0)); d != tc.want {
			t.Fatalf("hour %d: decision = %s, want %s", tc.hour, d, tc.want)
		}
	}
}

func TestDecideThrottleSpansMidnight(t *testing.T) {
	g := utcGate(30)
	s := statex.NewSession("+15551230000", at(10, 0))

	now := at(23, 0) // 2026-03-10
	if d := g.Decide(s, now); d != AllowThrottledReply {
		t.Fatalf("decision = %s, want ALLOW_THROTTLED_REPLY", d)
	}
	g.MarkThrottled(s, now)

	// 01:30 and 07:00 the next morning are still the same quiet window.
	for _, hour := range []int{1, 7} {
		next := time.Date(2026, 3, 11, hour, 30, 0, 0, time.UTC)
		if d := g.Decide(s, next); d != Block {
			t.Fatalf("hour %d next day: decision = %s, want BLOCK in the same window", hour, d)
		}
	}

	// The following evening opens a new window.
	evening := time.Date(2026, 3, 11, 21, 30, 0, 0, time.UTC)
	if d := g.Decide(s, evening); d != AllowThrottledReply {
		t.Fatalf("next evening: decision = %s, want ALLOW_THROTTLED_REPLY", d)
	}
}

func TestDecideThrottleResetsNextDay(t *testing.T) {
	g := utcGate(30)
	s := statex.NewSession("+15551230000", at(10, 0))

	g.MarkThrottled(s, at(23, 0)) // 2026-03-10

	next := time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC)
	if d := g.Decide(s, next); d != AllowThrottledReply {
		t.Fatalf("next-night decision = %s, want ALLOW_THROTTLED_REPLY", d)
	}
}

func TestDecideDailyCap(t *testing.T) {
	g := utcGate(3)
	s := statex.NewSession("+15551230000", at(10, 0))

	for i := 0; i < 3; i++ {
		s.AppendTurn(contractx.SpeakerAssistant, "reply", at(10, i))
	}
	if d := g.Decide(s, at(12, 0)); d != Block {
		t.Fatalf("decision = %s, want BLOCK at cap", d)
	}

	// Assistant turns on another day don't count.
	s2 := statex.NewSession("+15551230000", at(10, 0))
	for i := 0; i < 3; i++ {
		s2.AppendTurn(contractx.SpeakerAssistant, "reply", time.Date(2026, 3, 9, 10, i, 0, 0, time.UTC))
	}
	if d := g.Decide(s2, at(12, 0)); d != AllowFullReply {
		t.Fatalf("decision = %s, want ALLOW_FULL_REPLY with prior-day turns only", d)
	}

	// Customer turns never count toward the cap.
	s3 := statex.NewSession("+15551230000", at(10, 0))
	for i := 0; i < 10; i++ {
		s3.AppendTurn(contractx.SpeakerCustomer, "hello", at(10, i))
	}
	if d := g.Decide(s3, at(12, 0)); d != AllowFullReply {
		t.Fatalf("decision = %s, want ALLOW_FULL_REPLY with customer turns only", d)
	}
}

func TestNewGateBadTimezoneFallsBackToUTC(t *testing.T) {
	g := NewGate(Config{QuietStartHour: 21, QuietEndHour: 8, Timezone: "Mars/Olympus", DailyReplyCap: 30})
	if g.Location() != time.UTC {
		t.Fatalf("location = %v, want UTC", g.Location())
	}
}
