package plans

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGetTierCaseInsensitive(t *testing.T) {
	for _, tier := range AllTiers() {
		upper, err := GetTier(strings.ToUpper(string(tier.Level)))
		if err != nil {
			t.Fatalf("GetTier(%q) upper: %v", tier.Level, err)
		}
		lower, err := GetTier(string(tier.Level))
		if err != nil {
			t.Fatalf("GetTier(%q) lower: %v", tier.Level, err)
		}
		if upper.Level != lower.Level || !upper.Price.Equal(lower.Price) {
			t.Fatalf("case-sensitive lookup mismatch for %q", tier.Level)
		}
	}
}

func TestGetTierUnknown(t *testing.T) {
	if _, err := GetTier("diamond"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
	if _, err := GetTier(""); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier for empty input, got %v", err)
	}
}

func TestBronzeIsFreeAndUnbounded(t *testing.T) {
	bronze, err := GetTier("bronze")
	if err != nil {
		t.Fatalf("GetTier(bronze): %v", err)
	}
	if !bronze.IsFree() {
		t.Fatalf("bronze must be free")
	}
	if bronze.CoveragePeriodYears != 0 {
		t.Fatalf("bronze must have no coverage period, got %d", bronze.CoveragePeriodYears)
	}
	if end := ExpiryFrom(bronze, time.Now()); end != nil {
		t.Fatalf("bronze must have nil end date, got %v", end)
	}
}

func TestRankOrdering(t *testing.T) {
	if !(Rank(LevelBronze) < Rank(LevelSilver) && Rank(LevelSilver) < Rank(LevelGold) && Rank(LevelGold) < Rank(LevelPlatinum)) {
		t.Fatalf("tier ranks out of order")
	}
	if Rank(Level("diamond")) != -1 {
		t.Fatalf("unknown level must rank -1")
	}
}

func TestIsDowngrade(t *testing.T) {
	tests := []struct {
		current, target Level
		want            bool
	}{
		{LevelPlatinum, LevelGold, true},
		{LevelGold, LevelBronze, true},
		{LevelSilver, LevelBronze, true},
		{LevelSilver, LevelSilver, false},
		{LevelBronze, LevelSilver, false},
		{LevelGold, LevelPlatinum, false},
		{Level("diamond"), LevelBronze, false},
	}
	for _, tt := range tests {
		if got := IsDowngrade(tt.current, tt.target); got != tt.want {
			t.Fatalf("IsDowngrade(%s, %s) = %v, want %v", tt.current, tt.target, got, tt.want)
		}
	}
}

func TestTierByPrice(t *testing.T) {
	tier, ok := TierByPrice(decimal.RequireFromString("199.99"), "usd")
	if !ok || tier.Level != LevelPlatinum {
		t.Fatalf("expected platinum for 199.99 USD, got %v ok=%v", tier.Level, ok)
	}
	if _, ok := TierByPrice(decimal.RequireFromString("199.98"), "USD"); ok {
		t.Fatalf("near-miss amount must not match any tier")
	}
	// Free bronze never participates in amount matching.
	if _, ok := TierByPrice(decimal.Zero, "USD"); ok {
		t.Fatalf("zero amount must not match")
	}
}

func TestExpiryFromIsCalendarCorrect(t *testing.T) {
	platinum, _ := GetTier("platinum")
	from := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC) // leap day
	end := ExpiryFrom(platinum, from)
	if end == nil {
		t.Fatalf("platinum must have an end date")
	}
	// Calendar arithmetic normalizes 2034-02-29 to 2034-03-01; a day-count
	// offset would land elsewhere.
	want := time.Date(2034, 3, 1, 10, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Fatalf("ExpiryFrom = %v, want %v", end, want)
	}

	gold, _ := GetTier("gold")
	from = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	if got := ExpiryFrom(gold, from); !got.Equal(time.Date(2030, 6, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("gold coverage end = %v", got)
	}
}
