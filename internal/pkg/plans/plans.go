package plans

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Level identifies a subscription tier.
type Level string

const (
	LevelBronze   Level = "bronze"
	LevelSilver   Level = "silver"
	LevelGold     Level = "gold"
	LevelPlatinum Level = "platinum"
)

// Unlimited marks a limit dimension that is never enforced.
const Unlimited = -1

const (
	IntervalYear    = "YEAR"
	IntervalOneTime = "ONE_TIME"
)

// ErrUnknownTier is returned for a level string outside the catalog.
var ErrUnknownTier = fmt.Errorf("unknown subscription tier")

type Recurrence struct {
	IsRecurring   bool
	IntervalUnit  string
	IntervalCount int
	TotalCycles   int
}

type Limits struct {
	EmergencyContacts int
	Representatives   int
	DocumentsCount    int
	StorageGB         int
}

// Tier is a compiled-in plan definition. CoveragePeriodYears == 0 means the
// entitlement never ends (bronze only).
type Tier struct {
	Level               Level
	Price               decimal.Decimal
	Currency            string
	Recurrence          Recurrence
	CoveragePeriodYears int
	Limits              Limits
}

// IsFree reports whether the tier requires no payment step.
func (t Tier) IsFree() bool {
	return t.Price.IsZero()
}

var catalog = map[Level]Tier{
	LevelBronze: {
		Level:      LevelBronze,
		Price:      decimal.Zero,
		Currency:   "USD",
		Recurrence: Recurrence{IsRecurring: false, IntervalUnit: IntervalOneTime},
		Limits:     Limits{EmergencyContacts: 1, Representatives: 1, DocumentsCount: 3, StorageGB: 1},
	},
	LevelSilver: {
		Level:               LevelSilver,
		Price:               decimal.New(2999, -2),
		Currency:            "USD",
		Recurrence:          Recurrence{IsRecurring: true, IntervalUnit: IntervalYear, IntervalCount: 1, TotalCycles: 0},
		CoveragePeriodYears: 1,
		Limits:              Limits{EmergencyContacts: 3, Representatives: 2, DocumentsCount: 25, StorageGB: 5},
	},
	LevelGold: {
		Level:               LevelGold,
		Price:               decimal.New(9999, -2),
		Currency:            "USD",
		Recurrence:          Recurrence{IsRecurring: false, IntervalUnit: IntervalOneTime},
		CoveragePeriodYears: 5,
		Limits:              Limits{EmergencyContacts: 5, Representatives: 5, DocumentsCount: 100, StorageGB: 20},
	},
	LevelPlatinum: {
		Level:               LevelPlatinum,
		Price:               decimal.New(19999, -2),
		Currency:            "USD",
		Recurrence:          Recurrence{IsRecurring: false, IntervalUnit: IntervalOneTime},
		CoveragePeriodYears: 10,
		Limits:              Limits{EmergencyContacts: Unlimited, Representatives: Unlimited, DocumentsCount: Unlimited, StorageGB: 50},
	},
}

// ordered low to high; index doubles as the tier rank.
var ordered = []Level{LevelBronze, LevelSilver, LevelGold, LevelPlatinum}

// GetTier resolves a client-supplied plan name. Plan names arrive in mixed
// case, so the lookup lowercases first.
func GetTier(level string) (Tier, error) {
	l := Level(strings.ToLower(strings.TrimSpace(level)))
	t, ok := catalog[l]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, level)
	}
	return t, nil
}

// AllTiers returns the catalog ordered bronze to platinum.
func AllTiers() []Tier {
	out := make([]Tier, 0, len(ordered))
	for _, l := range ordered {
		out = append(out, catalog[l])
	}
	return out
}

// Rank orders tiers bronze < silver < gold < platinum. Unknown levels rank
// below bronze.
func Rank(level Level) int {
	for i, l := range ordered {
		if l == level {
			return i
		}
	}
	return -1
}

// IsDowngrade reports whether target is strictly lower than current.
func IsDowngrade(current, target Level) bool {
	cr, tr := Rank(current), Rank(target)
	return cr >= 0 && tr >= 0 && tr < cr
}

// TierByPrice matches a billed amount exactly against paid tier list prices.
// Used as the fallback signal when no gateway plan-id mapping applies.
func TierByPrice(amount decimal.Decimal, currency string) (Tier, bool) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	for _, l := range ordered {
		t := catalog[l]
		if t.IsFree() {
			continue
		}
		if t.Currency == cur && t.Price.Equal(amount) {
			return t, true
		}
	}
	return Tier{}, false
}

// ExpiryFrom computes the entitlement end date for a tier purchased at the
// given time. The arithmetic is calendar-based (year/month/day), not a day
// count, so multi-year coverage does not drift across leap years. Bronze has
// no end date.
func ExpiryFrom(t Tier, from time.Time) *time.Time {
	if t.CoveragePeriodYears == 0 {
		return nil
	}
	end := from.AddDate(t.CoveragePeriodYears, 0, 0)
	return &end
}
