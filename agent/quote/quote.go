// Package quote prices a junk-removal job from classified items and job
// condition modifiers. Computation is pure: identical inputs always produce
// an identical Quote, which keeps retried turns idempotent.
package quote

import "math"

type Tier string

const (
	TierSmall  Tier = "Small"
	TierMedium Tier = "Medium"
	TierLarge  Tier = "Large"
	TierXL     Tier = "XL"
)

// Item categories accepted from the agent.
const (
	CategorySmall     = "small"
	CategoryMedium    = "medium"
	CategoryLarge     = "large"
	CategoryXL        = "xl"
	CategoryHazardous = "hazardous"
)

func ValidCategory(c string) bool {
	switch c {
	case CategorySmall, CategoryMedium, CategoryLarge, CategoryXL, CategoryHazardous:
		return true
	}
	return false
}

type Item struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Quantity      int     `json:"quantity"`
	EstCubicYards float64 `json:"est_cubic_yards"`
}

type Modifiers struct {
	StairsFlights  int  `json:"stairs_flights"`
	LongCarry      bool `json:"long_carry"`
	HazardousCount int  `json:"hazardous_count"`
	SameDay        bool `json:"same_day"`
	Curbside       bool `json:"curbside"`
}

// Quote is immutable once produced; a recompute replaces it wholesale.
// Amounts are integer cents, rounded to whole dollars. TruckFraction is
// uncapped and exceeds 1.0 when the load overflows one truck; the escalation
// guard depends on seeing the overflow.
type Quote struct {
	Tier           Tier    `json:"tier"`
	TruckFraction  float64 `json:"truck_fraction"`
	AmountMinCents int64   `json:"amount_min_cents"`
	AmountMaxCents int64   `json:"amount_max_cents"`
	Currency       string  `json:"currency"`
}

type Range struct {
	MinCents int64
	MaxCents int64
}

// TierThreshold maps an inclusive truck-fraction ceiling to a tier; the
// engine walks thresholds in ascending order.
type TierThreshold struct {
	MaxFraction float64
	Tier        Tier
}

// Config is the resolved provider rule-set. Thresholds and ranges are
// configuration, not hard-coded business fact.
type Config struct {
	TruckCapacityCubicYards float64
	Thresholds              []TierThreshold // ascending; anything above the last is XL
	BaseRanges              map[Tier]Range

	StairsPerFlightCents  int64
	LongCarryCents        int64
	HazardousPerItemCents int64
	SameDayPct            float64 // e.g. 0.20 surcharge
	CurbsidePct           float64 // e.g. -0.10 discount
}

// DefaultConfig is the canonical single-provider rule-set.
func DefaultConfig() Config {
	return Config{
		TruckCapacityCubicYards: 12.0,
		Thresholds: []TierThreshold{
			{MaxFraction: 0.15, Tier: TierSmall},
			{MaxFraction: 0.55, Tier: TierMedium},
			{MaxFraction: 0.75, Tier: TierLarge},
		},
		BaseRanges: map[Tier]Range{
			TierSmall:  {MinCents: 5_000, MaxCents: 10_000},
			TierMedium: {MinCents: 17_500, MaxCents: 22_500},
			TierLarge:  {MinCents: 25_000, MaxCents: 45_000},
			TierXL:     {MinCents: 45_000, MaxCents: 80_000},
		},
		StairsPerFlightCents:  3_750,
		LongCarryCents:        2_500,
		HazardousPerItemCents: 5_250,
		SameDayPct:            0.20,
		CurbsidePct:           -0.10,
	}
}

// TotalVolume sums quantity × per-unit volume across items.
func TotalVolume(items []Item) float64 {
	total := 0.0
	for _, it := range items {
		q := it.Quantity
		if q < 1 {
			q = 1
		}
		total += float64(q) * it.EstCubicYards
	}
	return total
}

// Compute prices the job. An empty item list yields the Small placeholder
// range; the result is always a range, never a single fixed price.
func Compute(items []Item, mods Modifiers, cfg Config) Quote {
	volume := TotalVolume(items)

	fraction := 0.0
	if cfg.TruckCapacityCubicYards > 0 {
		fraction = volume / cfg.TruckCapacityCubicYards
	}

	tier := tierFor(fraction, cfg.Thresholds)
	if len(items) == 0 {
		tier = TierSmall
	}

	base, ok := cfg.BaseRanges[tier]
	if !ok {
		base = cfg.BaseRanges[TierMedium]
	}

	minCents := base.MinCents
	maxCents := base.MaxCents

	// Additive fixed-amount modifiers first.
	add := cfg.StairsPerFlightCents*int64(mods.StairsFlights) +
		cfg.HazardousPerItemCents*int64(mods.HazardousCount)
	if mods.LongCarry {
		add += cfg.LongCarryCents
	}
	minCents += add
	maxCents += add

	// Percentage modifiers apply to the post-additive range.
	pct := 1.0
	if mods.SameDay {
		pct *= 1.0 + cfg.SameDayPct
	}
	if mods.Curbside {
		pct *= 1.0 + cfg.CurbsidePct
	}
	minCents = roundToWholeDollars(float64(minCents) * pct)
	maxCents = roundToWholeDollars(float64(maxCents) * pct)

	if minCents > maxCents {
		minCents = maxCents
	}

	return Quote{
		Tier:           tier,
		TruckFraction:  fraction,
		AmountMinCents: minCents,
		AmountMaxCents: maxCents,
		Currency:       "USD",
	}
}

func tierFor(fraction float64, thresholds []TierThreshold) Tier {
	for _, t := range thresholds {
		if fraction <= t.MaxFraction {
			return t.Tier
		}
	}
	return TierXL
}

// roundToWholeDollars rounds cents to the nearest whole dollar, half up.
func roundToWholeDollars(cents float64) int64 {
	return int64(math.Floor(cents/100.0+0.5)) * 100
}

// Snapshot renders the quote in the dollar form used for notifications and
// the agent context.
func (q Quote) Snapshot() map[string]any {
	return map[string]any{
		"tier":           string(q.Tier),
		"truck_fraction": math.Round(q.TruckFraction*100) / 100,
		"amount_min":     float64(q.AmountMinCents) / 100.0,
		"amount_max":     float64(q.AmountMaxCents) / 100.0,
		"currency":       q.Currency,
	}
}
