package ledger

import (
	"time"

	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/shopspring/decimal"
)

// Pricing converts meeting time into centicredits. Rates are decimal so a
// fractional per-hour rate never accumulates float drift; results are
// rounded up to the next whole centicredit.
type Pricing struct {
	defaultPerHour decimal.Decimal
	perPlatform    map[models.MeetingPlatform]decimal.Decimal
	maxSession     time.Duration
}

// NewPricing builds pricing rules from billing configuration. Platforms
// without an explicit rate fall back to the default hourly rate.
func NewPricing(cfg *config.BillingConfig) *Pricing {
	perPlatform := make(map[models.MeetingPlatform]decimal.Decimal, len(cfg.PlatformRates))
	for platform, rate := range cfg.PlatformRates {
		perPlatform[models.MeetingPlatform(platform)] = decimal.NewFromInt(rate)
	}
	return &Pricing{
		defaultPerHour: decimal.NewFromInt(cfg.CenticreditsPerHour),
		perPlatform:    perPlatform,
		maxSession:     time.Duration(cfg.MaxSessionMinutes) * time.Minute,
	}
}

func (p *Pricing) rateFor(platform models.MeetingPlatform) decimal.Decimal {
	if rate, ok := p.perPlatform[platform]; ok {
		return rate
	}
	return p.defaultPerHour
}

// CostFor returns the centicredit cost of the elapsed meeting time on the
// given platform
func (p *Pricing) CostFor(platform models.MeetingPlatform, elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	hours := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(time.Hour)))
	return p.rateFor(platform).Mul(hours).Ceil().IntPart()
}

// ReservationAmount returns the hold taken at join time: the cost of a
// maximum-length session on the platform. Never less than one centicredit
// so a zero-rate configuration still exercises the reservation path.
func (p *Pricing) ReservationAmount(platform models.MeetingPlatform) int64 {
	amount := p.CostFor(platform, p.maxSession)
	if amount < 1 {
		amount = 1
	}
	return amount
}

// MaxSession returns the configured session length bound
func (p *Pricing) MaxSession() time.Duration {
	return p.maxSession
}
