package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComputationBasis is the crediting period an annual rate is divided into.
type ComputationBasis string

const (
	BasisDaily     ComputationBasis = "DAILY"
	BasisMonthly   ComputationBasis = "MONTHLY"
	BasisQuarterly ComputationBasis = "QUARTERLY"
	BasisAnnual    ComputationBasis = "ANNUAL"
)

// PeriodsPerYear returns how many crediting periods fit in a year, or 0 for
// an unknown basis.
func (b ComputationBasis) PeriodsPerYear() int64 {
	switch b {
	case BasisDaily:
		return 365
	case BasisMonthly:
		return 12
	case BasisQuarterly:
		return 4
	case BasisAnnual:
		return 1
	}
	return 0
}

// Valid reports whether b is a known basis.
func (b ComputationBasis) Valid() bool {
	return b.PeriodsPerYear() > 0
}

// InterestSetting is one interest policy version. Rate is an annual percentage.
type InterestSetting struct {
	ID               int64            `json:"id"`
	Rate             decimal.Decimal  `json:"rate"`
	MinimumBalance   decimal.Decimal  `json:"minimum_balance"`
	ComputationBasis ComputationBasis `json:"computation_basis"`
	EffectiveDate    time.Time        `json:"effective_date"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ForPeriod returns a copy whose Rate is the per-period rate for the
// setting's computation basis.
func (s InterestSetting) ForPeriod() InterestSetting {
	periods := s.ComputationBasis.PeriodsPerYear()
	if periods <= 1 {
		return s
	}
	s.Rate = s.Rate.Div(decimal.NewFromInt(periods))
	return s
}
