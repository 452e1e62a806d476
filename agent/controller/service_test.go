package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	dispatchx "github.com/clearhaul/clearhaul/agent/dispatch"
	notifyx "github.com/clearhaul/clearhaul/agent/notify"
	policyx "github.com/clearhaul/clearhaul/agent/policy"
	quotex "github.com/clearhaul/clearhaul/agent/quote"
	schedulex "github.com/clearhaul/clearhaul/agent/schedule"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

const testPhone = "+15551230000"

// fakeStore keeps JSON-encoded sessions in memory with the same conditional
// Put semantics as the Redis store. Get returns an independent copy so a
// failed pipeline run cannot leak mutations into the stored record.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	// conflictNext forces the next N Puts to fail with a stale version.
	conflictNext int
	puts         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string][]byte)}
}

func (f *fakeStore) Get(ctx context.Context, customerPhone string) (*statex.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.sessions[customerPhone]
	if !ok {
		return nil, statex.ErrSessionNotFound
	}
	var sess statex.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (f *fakeStore) Put(ctx context.Context, s *statex.Session, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++

	if f.conflictNext > 0 {
		f.conflictNext--
		return fmt.Errorf("%w: injected", contractx.ErrStorageConflict)
	}

	current := int64(0)
	if raw, ok := f.sessions[s.CustomerPhone]; ok {
		var cur statex.Session
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		current = cur.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: stored %d, expected %d", contractx.ErrStorageConflict, current, expectedVersion)
	}

	s.Version = expectedVersion + 1
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	f.sessions[s.CustomerPhone] = raw
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, customerPhone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, customerPhone)
	return nil
}

func (f *fakeStore) seed(t *testing.T, s *statex.Session) {
	t.Helper()
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.sessions[s.CustomerPhone] = raw
	f.mu.Unlock()
}

func (f *fakeStore) load(t *testing.T, customerPhone string) *statex.Session {
	t.Helper()
	sess, err := f.Get(context.Background(), customerPhone)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

// fakeAgent replays scripted raw model outputs in order; the last one repeats.
type fakeAgent struct {
	replies []string
	err     error
	calls   int
}

func (f *fakeAgent) Reply(ctx context.Context, req contractx.AgentRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "Got it.", nil
	}
	idx := f.calls - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx], nil
}

type countingNotifier struct {
	events []contractx.NotificationEvent
}

func (n *countingNotifier) Notify(ctx context.Context, event contractx.NotificationEvent) error {
	n.events = append(n.events, event)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// countingSlotStore records every release so tests can assert a slot is freed
// exactly once across pipeline retries.
type countingSlotStore struct {
	*schedulex.MemorySlotStore
	mu       sync.Mutex
	released []string
}

func newCountingSlotStore() *countingSlotStore {
	return &countingSlotStore{MemorySlotStore: schedulex.NewMemorySlotStore()}
}

func (s *countingSlotStore) Release(ctx context.Context, slotID string) error {
	s.mu.Lock()
	s.released = append(s.released, slotID)
	s.mu.Unlock()
	return s.MemorySlotStore.Release(ctx, slotID)
}

func (s *countingSlotStore) releases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

type fixture struct {
	controller *Controller
	store      *fakeStore
	agent      *fakeAgent
	notifier   *countingNotifier
	slots      *countingSlotStore
	clock      *fakeClock
}

func newFixture(t *testing.T, agent *fakeAgent) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	store := newFakeStore()
	slots := newCountingSlotStore()
	sched := schedulex.NewEngine(slots, schedulex.DefaultConfig(), clock.Now)
	dispatcher := dispatchx.New(quotex.DefaultConfig(), sched)
	gate := policyx.NewGate(policyx.Config{
		QuietStartHour: 21,
		QuietEndHour:   8,
		Timezone:       "UTC",
		DailyReplyCap:  30,
	})
	notifier := &countingNotifier{}
	trigger := notifyx.NewTrigger(notifier, time.Second)

	c, err := New(store, agent, dispatcher, sched, gate, trigger, Config{Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		controller: c,
		store:      store,
		agent:      agent,
		notifier:   notifier,
		slots:      slots,
		clock:      clock,
	}
}

const quoteActionReply = "That's a medium load — $175–$225.\n" +
	`ACTION: {"type":"generate_quote","items":[` +
	`{"name":"couch","category":"medium","quantity":1,"est_cubic_yards":3.0},` +
	`{"name":"treadmill","category":"large","quantity":1,"est_cubic_yards":2.0},` +
	`{"name":"bag","category":"small","quantity":10,"est_cubic_yards":0.1}]}`

const bookActionReply = "Booked for Thursday afternoon!\n" +
	`ACTION: {"type":"book_slot","slot_id":"2026-03-12_1","address":"123 Oak St"}`

func TestHandleMessageFirstTurnQuote(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply}})

	reply, err := fx.controller.HandleMessage(context.Background(), testPhone, "SM1", "got a couch, a treadmill and 10 bags")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "That's a medium load — $175–$225." {
		t.Fatalf("reply = %q", reply)
	}

	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusQuoted {
		t.Fatalf("status = %s, want QUOTED", sess.Status)
	}
	if sess.Quote == nil || sess.Quote.AmountMinCents != 17_500 || sess.Quote.AmountMaxCents != 22_500 {
		t.Fatalf("quote = %+v", sess.Quote)
	}
	if len(sess.Items) != 3 {
		t.Fatalf("items = %+v", sess.Items)
	}
	if sess.Version != 1 {
		t.Fatalf("version = %d, want 1", sess.Version)
	}

	if len(fx.notifier.events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(fx.notifier.events))
	}
	if fx.notifier.events[0].Status != "QUOTED" {
		t.Fatalf("notification = %+v", fx.notifier.events[0])
	}
}

func TestHandleMessageReplayIsIdempotent(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply}})
	ctx := context.Background()

	first, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "got a couch, a treadmill and 10 bags")
	if err != nil {
		t.Fatal(err)
	}

	// The webhook redelivers the same message id.
	second, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "got a couch, a treadmill and 10 bags")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("replay reply = %q, want the stored reply %q", second, first)
	}
	if fx.agent.calls != 1 {
		t.Fatalf("agent calls = %d, want 1", fx.agent.calls)
	}
	if len(fx.notifier.events) != 1 {
		t.Fatalf("notifications = %d, want 1 after replay", len(fx.notifier.events))
	}

	sess := fx.store.load(t, testPhone)
	if sess.Version != 1 {
		t.Fatalf("version = %d, replay must not rewrite the session", sess.Version)
	}
}

func TestHandleMessageQuoteThenBook(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply, bookActionReply}})
	ctx := context.Background()

	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "got a couch, a treadmill and 10 bags"); err != nil {
		t.Fatal(err)
	}
	reply, err := fx.controller.HandleMessage(ctx, testPhone, "SM2", "thursday afternoon works, 123 Oak St")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Booked for Thursday afternoon!" {
		t.Fatalf("reply = %q", reply)
	}

	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusBooked {
		t.Fatalf("status = %s, want BOOKED", sess.Status)
	}
	if sess.Booking == nil || sess.Booking.SlotID != "2026-03-12_1" {
		t.Fatalf("booking = %+v", sess.Booking)
	}
	if sess.Booking.ConfirmationID == "" {
		t.Fatal("empty confirmation id")
	}

	if len(fx.notifier.events) != 2 {
		t.Fatalf("notifications = %d, want QUOTED then BOOKED", len(fx.notifier.events))
	}
	if fx.notifier.events[1].Status != "BOOKED" {
		t.Fatalf("second notification = %+v", fx.notifier.events[1])
	}
}

func TestHandleMessageSlotRaceOffersAlternatives(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply, bookActionReply}})
	ctx := context.Background()

	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "got a couch, a treadmill and 10 bags"); err != nil {
		t.Fatal(err)
	}

	// Another customer takes the slot between quote and booking.
	if err := fx.slots.Reserve(ctx, "2026-03-12_1", 1); err != nil {
		t.Fatal(err)
	}

	reply, err := fx.controller.HandleMessage(ctx, testPhone, "SM2", "thursday afternoon works, 123 Oak St")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "just taken") {
		t.Fatalf("reply = %q, want alternatives offer", reply)
	}

	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusScheduling {
		t.Fatalf("status = %s, want SCHEDULING after losing the race", sess.Status)
	}
	if sess.Booking != nil {
		t.Fatalf("booking = %+v, want none", sess.Booking)
	}
}

func TestHandleMessageQuietHours(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply}})
	ctx := context.Background()
	fx.clock.Set(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))

	reply, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "you still open?")
	if err != nil {
		t.Fatal(err)
	}
	if reply != policyx.QuietHoursMessage {
		t.Fatalf("reply = %q, want the quiet-hours acknowledgment", reply)
	}
	if fx.agent.calls != 0 {
		t.Fatalf("agent calls = %d, want 0 during quiet hours", fx.agent.calls)
	}

	// The second in-window message gets nothing back but is still recorded.
	fx.clock.Set(time.Date(2026, 3, 10, 23, 10, 0, 0, time.UTC))
	reply, err = fx.controller.HandleMessage(ctx, testPhone, "SM2", "hello??")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "" {
		t.Fatalf("reply = %q, want nothing for a blocked turn", reply)
	}

	sess := fx.store.load(t, testPhone)
	customerTurns := 0
	for _, turn := range sess.History {
		if turn.Speaker == contractx.SpeakerCustomer {
			customerTurns++
		}
	}
	if customerTurns != 2 {
		t.Fatalf("customer turns = %d, blocked messages must still be recorded", customerTurns)
	}
}

func TestHandleMessageStalledTurnsEscalate(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{
		"Could you tell me what you need picked up?",
		"I still need a list of the items.",
		"What items should we haul away?",
	}})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := fx.controller.HandleMessage(ctx, testPhone, fmt.Sprintf("SM%d", i), "idk"); err != nil {
			t.Fatal(err)
		}
	}

	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusEscalated {
		t.Fatalf("status = %s, want ESCALATED after 3 stalled turns", sess.Status)
	}
	if sess.StalledTurns != 3 {
		t.Fatalf("stalled turns = %d, want 3", sess.StalledTurns)
	}
}

func TestHandleMessageAgentFailureDegrades(t *testing.T) {
	fx := newFixture(t, &fakeAgent{err: contractx.ErrExternalTimeout})
	ctx := context.Background()

	reply, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "got a couch")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Thanks for the message — we'll get back to you shortly." {
		t.Fatalf("reply = %q", reply)
	}

	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusIntake {
		t.Fatalf("status = %s, a degraded turn must not move past INTAKE", sess.Status)
	}
	if sess.Quote != nil || len(sess.Items) != 0 {
		t.Fatalf("degraded turn mutated data: %+v", sess)
	}
}

func TestHandleMessageCancelKeyword(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply, bookActionReply}})
	ctx := context.Background()

	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "got a couch, a treadmill and 10 bags"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM2", "thursday afternoon works, 123 Oak St"); err != nil {
		t.Fatal(err)
	}

	reply, err := fx.controller.HandleMessage(ctx, testPhone, "SM3", "STOP")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "cancelled") {
		t.Fatalf("reply = %q", reply)
	}
	if fx.agent.calls != 2 {
		t.Fatalf("agent calls = %d, cancellation must not wait on the model", fx.agent.calls)
	}

	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", sess.Status)
	}

	counts, err := fx.slots.Counts(ctx, []string{"2026-03-12_1"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["2026-03-12_1"] != 0 {
		t.Fatalf("slot still held after cancellation: %d", counts["2026-03-12_1"])
	}
}

func TestHandleMessageCancelReleasesOnceAcrossConflictRetry(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply, bookActionReply}})
	ctx := context.Background()

	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM1", "got a couch, a treadmill and 10 bags"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM2", "thursday afternoon works, 123 Oak St"); err != nil {
		t.Fatal(err)
	}

	// The first persist of the cancellation fails; the reprocessed attempt
	// reloads the still-booked session. Capacity must come back exactly once.
	fx.store.conflictNext = 1
	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM3", "STOP"); err != nil {
		t.Fatal(err)
	}

	if got := fx.slots.releases(); len(got) != 1 {
		t.Fatalf("releases = %v, want exactly one", got)
	}
	counts, err := fx.slots.Counts(ctx, []string{"2026-03-12_1"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["2026-03-12_1"] != 0 {
		t.Fatalf("slot count = %d, want 0", counts["2026-03-12_1"])
	}
	if sess := fx.store.load(t, testPhone); sess.Status != statex.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", sess.Status)
	}

	// A competitor takes the freed slot; replaying the cancellation message
	// must not decrement their reservation.
	if err := fx.slots.Reserve(ctx, "2026-03-12_1", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.controller.HandleMessage(ctx, testPhone, "SM3", "STOP"); err != nil {
		t.Fatal(err)
	}
	if got := fx.slots.releases(); len(got) != 1 {
		t.Fatalf("releases after replay = %v, want exactly one", got)
	}
	counts, err = fx.slots.Counts(ctx, []string{"2026-03-12_1"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["2026-03-12_1"] != 1 {
		t.Fatalf("competitor's reservation lost: count = %d, want 1", counts["2026-03-12_1"])
	}
}

func TestHandleMessageRetriesOnWriteConflict(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply}})
	fx.store.conflictNext = 1

	reply, err := fx.controller.HandleMessage(context.Background(), testPhone, "SM1", "got a couch, a treadmill and 10 bags")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "That's a medium load — $175–$225." {
		t.Fatalf("reply = %q after retry", reply)
	}

	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusQuoted {
		t.Fatalf("status = %s, want QUOTED", sess.Status)
	}
	// The first attempt fired before its write failed; the second attempt
	// reloads a session without the mark and fires again. The delivery side
	// dedupes on the event's key, which must be identical across attempts.
	if len(fx.notifier.events) != 2 {
		t.Fatalf("notifications = %d, want 2", len(fx.notifier.events))
	}
	if fx.notifier.events[0].DedupeKey != fx.notifier.events[1].DedupeKey {
		t.Fatalf("retry produced a different dedupe key: %q vs %q",
			fx.notifier.events[0].DedupeKey, fx.notifier.events[1].DedupeKey)
	}
}

func TestHandleMessageConflictsExhaustedEscalates(t *testing.T) {
	fx := newFixture(t, &fakeAgent{replies: []string{quoteActionReply}})
	fx.store.conflictNext = 100

	seed := statex.NewSession(testPhone, fx.clock.Now())
	seed.Status = statex.StatusIntake
	seed.Version = 0
	fx.store.seed(t, seed)

	reply, err := fx.controller.HandleMessage(context.Background(), testPhone, "SM1", "got a couch")
	if err != nil {
		t.Fatal(err)
	}
	if reply != FailureReply {
		t.Fatalf("reply = %q, want the failure reply", reply)
	}
}

func TestCompleteOutOfBand(t *testing.T) {
	fx := newFixture(t, &fakeAgent{})
	ctx := context.Background()

	seed := statex.NewSession(testPhone, fx.clock.Now())
	seed.Status = statex.StatusBooked
	seed.Booking = &schedulex.Booking{ConfirmationID: "c1", SlotID: "2026-03-12_1", Date: "2026-03-12", Window: "1:00 PM–4:00 PM"}
	seed.Version = 3
	fx.store.seed(t, seed)

	if err := fx.controller.Complete(ctx, testPhone); err != nil {
		t.Fatal(err)
	}
	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", sess.Status)
	}
	if sess.Version != 4 {
		t.Fatalf("version = %d, want 4", sess.Version)
	}

	// Completing twice is an illegal edge.
	if err := fx.controller.Complete(ctx, testPhone); !errors.Is(err, contractx.ErrStateTransition) {
		t.Fatalf("second complete: err = %v, want ErrStateTransition", err)
	}
}

func TestCancelOutOfBandReleasesSlot(t *testing.T) {
	fx := newFixture(t, &fakeAgent{})
	ctx := context.Background()

	if err := fx.slots.Reserve(ctx, "2026-03-12_1", 1); err != nil {
		t.Fatal(err)
	}
	seed := statex.NewSession(testPhone, fx.clock.Now())
	seed.Status = statex.StatusBooked
	seed.Booking = &schedulex.Booking{ConfirmationID: "c1", SlotID: "2026-03-12_1", Date: "2026-03-12", Window: "1:00 PM–4:00 PM", Address: "123 Oak St"}
	seed.Version = 3
	fx.store.seed(t, seed)

	if err := fx.controller.Cancel(ctx, testPhone); err != nil {
		t.Fatal(err)
	}
	sess := fx.store.load(t, testPhone)
	if sess.Status != statex.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", sess.Status)
	}

	counts, err := fx.slots.Counts(ctx, []string{"2026-03-12_1"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["2026-03-12_1"] != 0 {
		t.Fatalf("slot still held: %d", counts["2026-03-12_1"])
	}
}

func TestCancelOutOfBandReleasesOnceAcrossConflictRetry(t *testing.T) {
	fx := newFixture(t, &fakeAgent{})
	ctx := context.Background()

	if err := fx.slots.Reserve(ctx, "2026-03-12_1", 1); err != nil {
		t.Fatal(err)
	}
	seed := statex.NewSession(testPhone, fx.clock.Now())
	seed.Status = statex.StatusBooked
	seed.Booking = &schedulex.Booking{ConfirmationID: "c1", SlotID: "2026-03-12_1", Date: "2026-03-12", Window: "1:00 PM–4:00 PM", Address: "123 Oak St"}
	seed.Version = 3
	fx.store.seed(t, seed)

	fx.store.conflictNext = 1
	if err := fx.controller.Cancel(ctx, testPhone); err != nil {
		t.Fatal(err)
	}

	if got := fx.slots.releases(); len(got) != 1 {
		t.Fatalf("releases = %v, want exactly one", got)
	}
	counts, err := fx.slots.Counts(ctx, []string{"2026-03-12_1"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["2026-03-12_1"] != 0 {
		t.Fatalf("slot count = %d, want 0", counts["2026-03-12_1"])
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	fx := newFixture(t, &fakeAgent{})
	if err := fx.controller.Complete(context.Background(), "+19998887777"); !errors.Is(err, statex.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	fx := newFixture(t, &fakeAgent{})

	if _, err := New(nil, fx.agent, fx.controller.dispatcher, fx.controller.sched, fx.controller.gate, fx.controller.trigger, Config{}); err == nil {
		t.Fatal("nil store accepted")
	}
	if _, err := New(fx.store, nil, fx.controller.dispatcher, fx.controller.sched, fx.controller.gate, fx.controller.trigger, Config{}); err == nil {
		t.Fatal("nil agent accepted")
	}
}
