// Package policy gates outbound replies: quiet hours and a per-day cap on
// assistant-originated messages. Decisions are pure over the session history
// and the clock, which keeps them testable and retry-safe.
package policy

import (
	"time"

	statex "github.com/clearhaul/clearhaul/agent/state"
)

type Decision string

const (
	AllowFullReply      Decision = "ALLOW_FULL_REPLY"
	AllowThrottledReply Decision = "ALLOW_THROTTLED_REPLY"
	Block               Decision = "BLOCK"
)

// QuietHoursMessage is the single fixed acknowledgment sent for the first
// in-window message of a day.
const QuietHoursMessage = "We got your message. We'll respond during business hours (8 AM–9 PM)."

type Config struct {
	QuietStartHour int    `envconfig:"QUIET_START_HOUR" split_words:"true" default:"21"`
	QuietEndHour   int    `envconfig:"QUIET_END_HOUR" split_words:"true" default:"8"`
	Timezone       string `envconfig:"TIMEZONE" split_words:"true" default:"America/Los_Angeles"`
	DailyReplyCap  int    `envconfig:"DAILY_REPLY_CAP" split_words:"true" default:"30"`
}

func DefaultConfig() Config {
	return Config{
		QuietStartHour: 21,
		QuietEndHour:   8,
		Timezone:       "America/Los_Angeles",
		DailyReplyCap:  30,
	}
}

type Gate struct {
	cfg Config
	loc *time.Location
}

func NewGate(cfg Config) *Gate {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Gate{cfg: cfg, loc: loc}
}

func (g *Gate) Location() *time.Location {
	return g.loc
}

// Decide produces the reply policy for one inbound message. The first
// message inside a quiet-hours window gets the throttled acknowledgment; any
// further message in the same window is blocked so the customer never
// receives an acknowledgment loop. Outside quiet hours the rolling per-day
// cap on assistant messages can still downgrade to block. On a throttled
// decision the caller must persist the marked window.
func (g *Gate) Decide(s *statex.Session, now time.Time) Decision {
	local := now.In(g.loc)

	if g.inQuietHours(local) {
		if s != nil && s.ThrottledDay == g.windowKey(local) {
			return Block
		}
		return AllowThrottledReply
	}

	day := local.Format("2006-01-02")
	if g.cfg.DailyReplyCap > 0 && s != nil {
		if s.AssistantTurnsOn(day, g.loc) >= g.cfg.DailyReplyCap {
			return Block
		}
	}
	return AllowFullReply
}

// MarkThrottled records that the quiet window's single throttled
// acknowledgment was spent.
func (g *Gate) MarkThrottled(s *statex.Session, now time.Time) {
	if s == nil {
		return
	}
	s.ThrottledDay = g.windowKey(now.In(g.loc))
}

// windowKey names the quiet-hours window containing the local time, keyed on
// the day the window starts. The early-morning tail of a wrapped window
// (e.g. 01:00 under 21:00–08:00) belongs to the previous evening's window, so
// 23:00 and the following 01:00 share one acknowledgment.
func (g *Gate) windowKey(local time.Time) string {
	if g.cfg.QuietEndHour < g.cfg.QuietStartHour && local.Hour() < g.cfg.QuietEndHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

func (g *Gate) inQuietHours(local time.Time) bool {
	hour := local.Hour()
	start, end := g.cfg.QuietStartHour, g.cfg.QuietEndHour
	if end < start { // e.g. 21–8: quiet 21:00–23:59 and 0:00–7:59
		return hour >= start || hour < end
	}
	return start <= hour && hour < end
}
