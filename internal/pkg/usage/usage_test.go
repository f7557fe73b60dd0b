package usage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/willvault/willvault/app/models"
	"github.com/willvault/willvault/internal/pkg/plans"
)

type fakeReader struct {
	contacts, reps, docs          int64
	contactsErr, repsErr, docsErr error
}

func (f *fakeReader) CountEmergencyContacts(uint) (int64, error) {
	return f.contacts, f.contactsErr
}
func (f *fakeReader) CountRepresentatives(uint) (int64, error) { return f.reps, f.repsErr }
func (f *fakeReader) CountDocumentLocations(uint) (int64, error) {
	return f.docs, f.docsErr
}

func TestCurrentUsageDegradesFailedCountsToZero(t *testing.T) {
	svc := NewService(&fakeReader{
		contacts:    4,
		reps:        2,
		docsErr:     errors.New("table not provisioned"),
		contactsErr: nil,
	})

	u := svc.CurrentUsage(7)
	if u.EmergencyContacts != 4 || u.Representatives != 2 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if u.Documents != 0 {
		t.Fatalf("failed count must degrade to 0, got %d", u.Documents)
	}
}

func TestCheckLimitViolations(t *testing.T) {
	silver, err := plans.GetTier("silver")
	if err != nil {
		t.Fatalf("GetTier(silver): %v", err)
	}

	violations := CheckLimitViolations(Usage{EmergencyContacts: 5}, silver)
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d: %v", len(violations), violations)
	}
	if !strings.Contains(violations[0], "Emergency Contacts") {
		t.Fatalf("violation must name the dimension, got %q", violations[0])
	}

	// At the limit is not a violation.
	if v := CheckLimitViolations(Usage{EmergencyContacts: 3, Representatives: 2, Documents: 25}, silver); len(v) != 0 {
		t.Fatalf("usage at the limit must not violate, got %v", v)
	}
}

func TestCheckLimitViolationsUnlimited(t *testing.T) {
	platinum, err := plans.GetTier("platinum")
	if err != nil {
		t.Fatalf("GetTier(platinum): %v", err)
	}
	u := Usage{EmergencyContacts: 1000, Representatives: 1000, Documents: 1000}
	if v := CheckLimitViolations(u, platinum); len(v) != 0 {
		t.Fatalf("unlimited dimensions must never violate, got %v", v)
	}
}

func TestProrationCreditExpired(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	past := now.AddDate(0, -1, 0)
	sub := &models.UserSubscription{
		StartDate: now.AddDate(-1, 0, 0),
		EndDate:   &past,
	}
	credit := ProrationCredit(sub, decimal.RequireFromString("99.99"), now)
	if !credit.IsZero() {
		t.Fatalf("expired subscription must yield zero credit, got %s", credit)
	}
}

func TestProrationCreditSmallRemainderFloor(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	// 1 year term with ~18 days left: fraction < 10%.
	start := now.AddDate(-1, 0, 18)
	end := start.AddDate(1, 0, 0)
	sub := &models.UserSubscription{StartDate: start, EndDate: &end}
	credit := ProrationCredit(sub, decimal.RequireFromString("199.99"), now)
	if !credit.IsZero() {
		t.Fatalf("remaining fraction <= 10%% must yield zero credit, got %s", credit)
	}
}

func TestProrationCreditHalfTerm(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC) // halfway through 2025
	sub := &models.UserSubscription{StartDate: start, EndDate: &end}

	credit := ProrationCredit(sub, decimal.RequireFromString("29.99"), now)
	want := decimal.RequireFromString("15.00")
	if !credit.Equal(want) {
		t.Fatalf("half-term credit = %s, want %s", credit, want)
	}
}

func TestProrationCreditNoEndDate(t *testing.T) {
	sub := &models.UserSubscription{StartDate: time.Now()}
	if c := ProrationCredit(sub, decimal.RequireFromString("29.99"), time.Now()); !c.IsZero() {
		t.Fatalf("no end date must yield zero credit, got %s", c)
	}
	if c := ProrationCredit(nil, decimal.RequireFromString("29.99"), time.Now()); !c.IsZero() {
		t.Fatalf("nil subscription must yield zero credit, got %s", c)
	}
}
