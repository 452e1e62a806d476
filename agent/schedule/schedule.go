// Package schedule enumerates bookable pickup slots and performs atomic
// booking against a minimal availability model. Capacity is 1 per slot and
// adjacency is approximated with a configured minimum gap instead of real
// routing.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
)

// Window is a bookable time-of-day range, minutes from local midnight.
type Window struct {
	StartMin int
	EndMin   int
	Label    string
}

func DefaultWindows() []Window {
	return []Window{
		{StartMin: 9 * 60, EndMin: 12 * 60, Label: "9:00 AM–12:00 PM"},
		{StartMin: 13 * 60, EndMin: 16 * 60, Label: "1:00 PM–4:00 PM"},
	}
}

type Slot struct {
	SlotID      string `json:"slot_id"` // YYYY-MM-DD_<window index>
	Date        string `json:"date"`
	WindowStart int    `json:"window_start"`
	WindowEnd   int    `json:"window_end"`
	Window      string `json:"window"`
	Capacity    int    `json:"capacity"`
	BookedCount int    `json:"booked_count"`
}

type Booking struct {
	ConfirmationID string    `json:"confirmation_id"`
	SlotID         string    `json:"slot_id"`
	Date           string    `json:"date"`
	Window         string    `json:"window"`
	Address        string    `json:"address,omitempty"`
	AccessNotes    string    `json:"access_notes,omitempty"`
	BookedAt       time.Time `json:"booked_at"`
	Cancelled      bool      `json:"cancelled,omitempty"`
}

// Snapshot renders the booking for notifications and the agent context.
func (b Booking) Snapshot() map[string]any {
	return map[string]any{
		"confirmation_id": b.ConfirmationID,
		"slot_id":         b.SlotID,
		"date":            b.Date,
		"window":          b.Window,
		"address":         b.Address,
		"access_notes":    b.AccessNotes,
	}
}

// SlotStore tracks reservation counts. Reserve is the one operation that
// needs mutual exclusion across sessions and must be a conditional write.
type SlotStore interface {
	Counts(ctx context.Context, slotIDs []string) (map[string]int, error)
	Reserve(ctx context.Context, slotID string, capacity int) error
	Release(ctx context.Context, slotID string) error
}

type Config struct {
	Windows       []Window
	DaysAhead     int
	MinGapMinutes int
	SlotCapacity  int
	Location      *time.Location
}

func DefaultConfig() Config {
	return Config{
		Windows:       DefaultWindows(),
		DaysAhead:     7,
		MinGapMinutes: 60,
		SlotCapacity:  1,
		Location:      time.UTC,
	}
}

type Engine struct {
	store SlotStore
	cfg   Config
	now   func() time.Time
}

func NewEngine(store SlotStore, cfg Config, now func() time.Time) *Engine {
	if cfg.DaysAhead <= 0 {
		cfg.DaysAhead = 7
	}
	if cfg.SlotCapacity <= 0 {
		cfg.SlotCapacity = 1
	}
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultWindows()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, cfg: cfg, now: now}
}

// ListSlots returns the open slots over the configured horizon: capacity not
// yet reached, and no booked slot on the same day closer than the minimum gap.
func (e *Engine) ListSlots(ctx context.Context) ([]Slot, error) {
	grid := e.slotGrid()
	ids := make([]string, 0, len(grid))
	for _, s := range grid {
		ids = append(ids, s.SlotID)
	}

	counts, err := e.store.Counts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list slot counts: %w", err)
	}
	for i := range grid {
		grid[i].BookedCount = counts[grid[i].SlotID]
	}

	open := make([]Slot, 0, len(grid))
	for _, s := range grid {
		if s.BookedCount >= s.Capacity {
			continue
		}
		if !e.gapRespected(s, grid) {
			continue
		}
		open = append(open, s)
	}
	return open, nil
}

// Book atomically reserves the slot for the session. A prior active booking
// is superseded: the new reservation is taken first and only then is the
// prior slot's capacity released, so a lost race never costs the customer the
// slot they already hold. Losing the reservation race returns
// ErrSlotUnavailable; the caller offers alternatives and never silently picks
// a different slot.
func (e *Engine) Book(ctx context.Context, slotID, address, accessNotes string, prior *Booking) (Booking, error) {
	slot, err := e.SlotFromID(slotID)
	if err != nil {
		return Booking{}, err
	}

	grid := e.slotGrid()
	counts, err := e.store.Counts(ctx, gridIDs(grid))
	if err != nil {
		return Booking{}, fmt.Errorf("check slot availability: %w", err)
	}
	for i := range grid {
		grid[i].BookedCount = counts[grid[i].SlotID]
	}
	if !e.gapRespected(slot, grid) {
		return Booking{}, fmt.Errorf("%w: slot %s violates the minimum gap", contractx.ErrSlotUnavailable, slotID)
	}

	if err := e.store.Reserve(ctx, slotID, e.cfg.SlotCapacity); err != nil {
		return Booking{}, err
	}

	if prior != nil && !prior.Cancelled && prior.SlotID != slotID {
		if err := e.store.Release(ctx, prior.SlotID); err != nil {
			log.Error().Str("slot_id", prior.SlotID).Err(err).Msg("release of superseded slot failed; capacity leaked")
		}
	}

	return Booking{
		ConfirmationID: uuid.NewString(),
		SlotID:         slot.SlotID,
		Date:           slot.Date,
		Window:         slot.Window,
		Address:        address,
		AccessNotes:    accessNotes,
		BookedAt:       e.now().UTC(),
	}, nil
}

// ReleaseSlot frees one unit of the slot's capacity. Callers release only
// after the session state recording the cancellation has been persisted, so a
// reprocessed turn never decrements the same slot twice.
func (e *Engine) ReleaseSlot(ctx context.Context, slotID string) error {
	return e.store.Release(ctx, slotID)
}

// SlotFromID parses a slot id of the form YYYY-MM-DD_<window index>.
func (e *Engine) SlotFromID(slotID string) (Slot, error) {
	idx := strings.LastIndex(slotID, "_")
	if idx <= 0 {
		return Slot{}, fmt.Errorf("%w: malformed slot id %q", contractx.ErrActionValidation, slotID)
	}
	dateStr, idxStr := slotID[:idx], slotID[idx+1:]
	if _, err := time.ParseInLocation("2006-01-02", dateStr, e.cfg.Location); err != nil {
		return Slot{}, fmt.Errorf("%w: bad slot date %q", contractx.ErrActionValidation, dateStr)
	}
	w, err := strconv.Atoi(idxStr)
	if err != nil || w < 0 || w >= len(e.cfg.Windows) {
		return Slot{}, fmt.Errorf("%w: bad slot window index %q", contractx.ErrActionValidation, idxStr)
	}
	win := e.cfg.Windows[w]
	return Slot{
		SlotID:      slotID,
		Date:        dateStr,
		WindowStart: win.StartMin,
		WindowEnd:   win.EndMin,
		Window:      win.Label,
		Capacity:    e.cfg.SlotCapacity,
	}, nil
}

// FormatSlot renders a slot for SMS, e.g. "Thu 03/01, 1:00 PM–4:00 PM".
func FormatSlot(s Slot) string {
	d, err := time.Parse("2006-01-02", s.Date)
	if err != nil {
		return s.Date + ", " + s.Window
	}
	return d.Format("Mon 01/02") + ", " + s.Window
}

func (e *Engine) slotGrid() []Slot {
	today := e.now().In(e.cfg.Location)
	grid := make([]Slot, 0, e.cfg.DaysAhead*len(e.cfg.Windows))
	for d := 0; d < e.cfg.DaysAhead; d++ {
		day := today.AddDate(0, 0, d).Format("2006-01-02")
		for w, win := range e.cfg.Windows {
			grid = append(grid, Slot{
				SlotID:      fmt.Sprintf("%s_%d", day, w),
				Date:        day,
				WindowStart: win.StartMin,
				WindowEnd:   win.EndMin,
				Window:      win.Label,
				Capacity:    e.cfg.SlotCapacity,
			})
		}
	}
	return grid
}

// gapRespected reports whether the candidate keeps the minimum gap from every
// booked slot on the same day.
func (e *Engine) gapRespected(candidate Slot, grid []Slot) bool {
	for _, other := range grid {
		if other.SlotID == candidate.SlotID || other.Date != candidate.Date {
			continue
		}
		if other.BookedCount == 0 {
			continue
		}
		if candidate.WindowStart < other.WindowEnd && other.WindowStart < candidate.WindowEnd {
			return false // overlap
		}
		gap := candidate.WindowStart - other.WindowEnd
		if gap < 0 {
			gap = other.WindowStart - candidate.WindowEnd
		}
		if gap < e.cfg.MinGapMinutes {
			return false
		}
	}
	return true
}

func gridIDs(grid []Slot) []string {
	ids := make([]string, len(grid))
	for i, s := range grid {
		ids[i] = s.SlotID
	}
	return ids
}
