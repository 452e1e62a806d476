package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	quotex "github.com/clearhaul/clearhaul/agent/quote"
	schedulex "github.com/clearhaul/clearhaul/agent/schedule"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

type fakeNotifier struct {
	events []contractx.NotificationEvent
	err    error
}

func (f *fakeNotifier) Notify(ctx context.Context, event contractx.NotificationEvent) error {
	f.events = append(f.events, event)
	return f.err
}

type fakeSender struct {
	to   string
	body string
}

func (f *fakeSender) Send(ctx context.Context, to, body string) (string, error) {
	f.to = to
	f.body = body
	return "SM123", nil
}

func quotedSession() *statex.Session {
	s := statex.NewSession("+15551230000", time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	s.Status = statex.StatusQuoted
	s.TransitionSeq = 3
	s.SetQuote(quotex.Compute([]quotex.Item{
		{Name: "couch", Category: quotex.CategoryMedium, Quantity: 1, EstCubicYards: 3.0},
		{Name: "treadmill", Category: quotex.CategoryLarge, Quantity: 1, EstCubicYards: 2.0},
		{Name: "bag", Category: quotex.CategorySmall, Quantity: 10, EstCubicYards: 0.1},
	}, quotex.Modifiers{}, quotex.DefaultConfig()))
	return s
}

func TestFireOnQuoted(t *testing.T) {
	f := &fakeNotifier{}
	trigger := NewTrigger(f, time.Second)
	sess := quotedSession()

	if !trigger.Fire(context.Background(), sess, statex.StatusQuoted) {
		t.Fatal("expected fire")
	}
	if len(f.events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.events))
	}

	ev := f.events[0]
	if ev.CustomerPhone != "+15551230000" || ev.Status != "QUOTED" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.DedupeKey != "+15551230000:QUOTED:3" {
		t.Fatalf("dedupe key = %q", ev.DedupeKey)
	}
	if ev.Quote["tier"] != "Medium" {
		t.Fatalf("quote snapshot = %+v", ev.Quote)
	}
	if !sess.WasNotified(statex.StatusQuoted) {
		t.Fatal("session not marked")
	}
}

func TestFireOncePerStatus(t *testing.T) {
	f := &fakeNotifier{}
	trigger := NewTrigger(f, time.Second)
	sess := quotedSession()

	trigger.Fire(context.Background(), sess, statex.StatusQuoted)
	if trigger.Fire(context.Background(), sess, statex.StatusQuoted) {
		t.Fatal("second fire should be a no-op")
	}
	if len(f.events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.events))
	}

	// A later BOOKED entry still fires.
	sess.Status = statex.StatusBooked
	sess.TransitionSeq = 5
	sess.Booking = &schedulex.Booking{SlotID: "2026-03-12_1", Date: "2026-03-12", Window: "1:00 PM–4:00 PM", Address: "123 Oak St"}
	if !trigger.Fire(context.Background(), sess, statex.StatusBooked) {
		t.Fatal("booked fire expected")
	}
	if len(f.events) != 2 {
		t.Fatalf("notifications = %d, want 2", len(f.events))
	}
	if f.events[1].Booking["address"] != "123 Oak St" {
		t.Fatalf("booking snapshot = %+v", f.events[1].Booking)
	}
}

func TestFireIgnoresOtherStatuses(t *testing.T) {
	f := &fakeNotifier{}
	trigger := NewTrigger(f, time.Second)
	sess := quotedSession()

	for _, st := range []statex.Status{statex.StatusIntake, statex.StatusNegotiating, statex.StatusScheduling, statex.StatusEscalated, statex.StatusCancelled} {
		if trigger.Fire(context.Background(), sess, st) {
			t.Fatalf("fired for %s", st)
		}
	}
	if len(f.events) != 0 {
		t.Fatalf("notifications = %d, want 0", len(f.events))
	}
}

func TestFireMarksEvenWhenDeliveryFails(t *testing.T) {
	f := &fakeNotifier{err: errors.New("provider down")}
	trigger := NewTrigger(f, time.Second)
	sess := quotedSession()

	if !trigger.Fire(context.Background(), sess, statex.StatusQuoted) {
		t.Fatal("expected fire despite delivery failure")
	}
	if !sess.WasNotified(statex.StatusQuoted) {
		t.Fatal("failed delivery must still mark the session")
	}
	if trigger.Fire(context.Background(), sess, statex.StatusQuoted) {
		t.Fatal("retry after failed delivery must not re-fire")
	}
}

func TestSMSNotifierBodies(t *testing.T) {
	sender := &fakeSender{}
	n, err := NewSMSNotifier(sender, "+15559990000")
	if err != nil {
		t.Fatal(err)
	}

	quoted := contractx.NotificationEvent{
		CustomerPhone: "+15551230000",
		Status:        "QUOTED",
		Quote:         map[string]any{"tier": "Medium", "truck_fraction": 0.5, "amount_min": 175.0, "amount_max": 225.0, "currency": "USD"},
	}
	if err := n.Notify(context.Background(), quoted); err != nil {
		t.Fatal(err)
	}
	if sender.to != "+15559990000" {
		t.Fatalf("sent to %q", sender.to)
	}
	if !strings.HasPrefix(sender.body, "[Junk] QUOTED — Customer +15551230000 | $175–$225 (Medium, ~50% truck)") {
		t.Fatalf("quoted body = %q", sender.body)
	}

	booked := contractx.NotificationEvent{
		CustomerPhone: "+15551230000",
		Status:        "BOOKED",
		Quote:         quoted.Quote,
		Booking:       map[string]any{"date": "2026-03-12", "window": "1:00 PM–4:00 PM", "address": "123 Oak St"},
	}
	if err := n.Notify(context.Background(), booked); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sender.body, "[Junk] BOOKED — +15551230000 | 123 Oak St | 2026-03-12 1:00 PM–4:00 PM | $175–$225") {
		t.Fatalf("booked body = %q", sender.body)
	}
}

func TestNewSMSNotifierValidation(t *testing.T) {
	if _, err := NewSMSNotifier(nil, "+15559990000"); err == nil {
		t.Fatal("nil sender accepted")
	}
	if _, err := NewSMSNotifier(&fakeSender{}, ""); err == nil {
		t.Fatal("empty provider phone accepted")
	}
}
