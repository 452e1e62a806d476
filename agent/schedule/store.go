package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/uptrace/bun"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
)

// SlotRow backs the Postgres slot store. booked_count never exceeds capacity;
// the conditional UPDATE below is what enforces it under concurrency.
type SlotRow struct {
	bun.BaseModel `bun:"table:slots"`

	SlotID      string `bun:"slot_id,pk"`
	Capacity    int    `bun:"capacity,notnull"`
	BookedCount int    `bun:"booked_count,notnull,default:0"`
}

// BunSlotStore persists reservation counts in Postgres via bun.
type BunSlotStore struct {
	db *bun.DB
}

func NewBunSlotStore(db *bun.DB) *BunSlotStore {
	return &BunSlotStore{db: db}
}

// Init creates the slots table if needed.
func (s *BunSlotStore) Init(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*SlotRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create slots table: %w", err)
	}
	return nil
}

func (s *BunSlotStore) Counts(ctx context.Context, slotIDs []string) (map[string]int, error) {
	if len(slotIDs) == 0 {
		return map[string]int{}, nil
	}
	var rows []SlotRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("slot_id IN (?)", bun.In(slotIDs)).
		Scan(ctx)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("select slot counts: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.SlotID] = r.BookedCount
	}
	return counts, nil
}

// Reserve increments booked_count only while it is still below capacity. The
// row is created on first touch; a zero-row update means the race was lost.
func (s *BunSlotStore) Reserve(ctx context.Context, slotID string, capacity int) error {
	_, err := s.db.NewInsert().
		Model(&SlotRow{SlotID: slotID, Capacity: capacity}).
		On("CONFLICT (slot_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("ensure slot row %s: %w", slotID, err)
	}

	res, err := s.db.NewUpdate().
		Model((*SlotRow)(nil)).
		Set("booked_count = booked_count + 1").
		Where("slot_id = ?", slotID).
		Where("booked_count < capacity").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reserve slot %s: %w", slotID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve slot %s: %w", slotID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: slot %s is at capacity", contractx.ErrSlotUnavailable, slotID)
	}
	return nil
}

func (s *BunSlotStore) Release(ctx context.Context, slotID string) error {
	_, err := s.db.NewUpdate().
		Model((*SlotRow)(nil)).
		Set("booked_count = booked_count - 1").
		Where("slot_id = ?", slotID).
		Where("booked_count > 0").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release slot %s: %w", slotID, err)
	}
	return nil
}

// MemorySlotStore is the in-process store used by tests and local runs.
type MemorySlotStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemorySlotStore() *MemorySlotStore {
	return &MemorySlotStore{counts: make(map[string]int)}
}

func (m *MemorySlotStore) Counts(ctx context.Context, slotIDs []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(slotIDs))
	for _, id := range slotIDs {
		if c, ok := m.counts[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *MemorySlotStore) Reserve(ctx context.Context, slotID string, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[slotID] >= capacity {
		return fmt.Errorf("%w: slot %s is at capacity", contractx.ErrSlotUnavailable, slotID)
	}
	m.counts[slotID]++
	return nil
}

func (m *MemorySlotStore) Release(ctx context.Context, slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[slotID] > 0 {
		m.counts[slotID]--
	}
	return nil
}
