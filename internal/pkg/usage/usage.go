package usage

import (
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/willvault/willvault/app/models"
	"github.com/willvault/willvault/internal/pkg/plans"
)

// Usage holds a user's current resource consumption across the three
// tier-limited collections.
type Usage struct {
	EmergencyContacts int `json:"emergency_contacts"`
	Representatives   int `json:"representatives"`
	Documents         int `json:"documents"`
}

// Reader provides the per-user row counts the accounting needs.
type Reader interface {
	CountEmergencyContacts(userID uint) (int64, error)
	CountRepresentatives(userID uint) (int64, error)
	CountDocumentLocations(userID uint) (int64, error)
}

type gormReader struct {
	db *gorm.DB
}

// NewReader creates a usage reader backed by GORM.
func NewReader(db *gorm.DB) Reader {
	return &gormReader{db: db}
}

func (r *gormReader) CountEmergencyContacts(userID uint) (int64, error) {
	var n int64
	err := r.db.Model(&models.UserEmergencyContact{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *gormReader) CountRepresentatives(userID uint) (int64, error) {
	var n int64
	err := r.db.Model(&models.UserAuthorizedRepresentative{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *gormReader) CountDocumentLocations(userID uint) (int64, error) {
	var n int64
	err := r.db.Model(&models.DocumentLocation{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// Service computes usage snapshots from an injected reader.
type Service struct {
	reader Reader
}

func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

// CurrentUsage counts a user's rows in each limited collection. A failing
// count degrades to 0 for that dimension instead of failing the call: usage
// gates a downgrade decision, not a money-moving operation.
func (s *Service) CurrentUsage(userID uint) Usage {
	var u Usage
	if n, err := s.reader.CountEmergencyContacts(userID); err != nil {
		fiberlog.Warnf("usage: emergency contact count failed for user %d: %v", userID, err)
	} else {
		u.EmergencyContacts = int(n)
	}
	if n, err := s.reader.CountRepresentatives(userID); err != nil {
		fiberlog.Warnf("usage: representative count failed for user %d: %v", userID, err)
	} else {
		u.Representatives = int(n)
	}
	if n, err := s.reader.CountDocumentLocations(userID); err != nil {
		fiberlog.Warnf("usage: document location count failed for user %d: %v", userID, err)
	} else {
		u.Documents = int(n)
	}
	return u
}

// CheckLimitViolations lists every dimension where current usage exceeds the
// target tier's finite limit. Unlimited (-1) dimensions never violate.
func CheckLimitViolations(u Usage, tier plans.Tier) []string {
	var violations []string
	if exceeds(u.EmergencyContacts, tier.Limits.EmergencyContacts) {
		violations = append(violations, fmt.Sprintf(
			"Emergency Contacts: you have %d but the %s plan allows %d",
			u.EmergencyContacts, tier.Level, tier.Limits.EmergencyContacts))
	}
	if exceeds(u.Representatives, tier.Limits.Representatives) {
		violations = append(violations, fmt.Sprintf(
			"Authorized Representatives: you have %d but the %s plan allows %d",
			u.Representatives, tier.Level, tier.Limits.Representatives))
	}
	if exceeds(u.Documents, tier.Limits.DocumentsCount) {
		violations = append(violations, fmt.Sprintf(
			"Document Locations: you have %d but the %s plan allows %d",
			u.Documents, tier.Level, tier.Limits.DocumentsCount))
	}
	return violations
}

func exceeds(used, limit int) bool {
	return limit != plans.Unlimited && limit > 0 && used > limit
}

// smallRemainderFloor suppresses trivial credits: a remaining fraction at or
// below 10% is not worth refunding.
var smallRemainderFloor = decimal.New(1, -1)

// ProrationCredit computes the informational credit for the unused portion of
// a paid period: list price times the remaining fraction, rounded to 2
// decimal places. Returns zero for expired subscriptions, for subscriptions
// without an end date (nothing was paid for a window), and when the
// remaining fraction is at or below the small-remainder floor. Pure; actual
// refund issuance is a separate, explicitly confirmed step.
func ProrationCredit(sub *models.UserSubscription, price decimal.Decimal, now time.Time) decimal.Decimal {
	if sub == nil || sub.EndDate == nil {
		return decimal.Zero
	}
	end := *sub.EndDate
	if !end.After(now) {
		return decimal.Zero
	}
	total := end.Sub(sub.StartDate)
	if total <= 0 {
		return decimal.Zero
	}
	remaining := end.Sub(now)
	fraction := decimal.NewFromInt(int64(remaining / time.Second)).
		Div(decimal.NewFromInt(int64(total / time.Second)))
	if fraction.Cmp(smallRemainderFloor) <= 0 {
		return decimal.Zero
	}
	return price.Mul(fraction).Round(2)
}
