package ledger

import (
	"testing"
	"time"

	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func testPricing(perHour int64, maxMinutes int) *Pricing {
	return NewPricing(&config.BillingConfig{
		CenticreditsPerHour: perHour,
		MaxSessionMinutes:   maxMinutes,
	})
}

func TestCostFor_Exact(t *testing.T) {
	p := testPricing(100, 120)

	assert.Equal(t, int64(0), p.CostFor(models.PlatformZoom, 0))
	assert.Equal(t, int64(0), p.CostFor(models.PlatformZoom, -time.Minute))
	assert.Equal(t, int64(100), p.CostFor(models.PlatformZoom, time.Hour))
	assert.Equal(t, int64(50), p.CostFor(models.PlatformZoom, 30*time.Minute))
	// Partial centicredits round up
	assert.Equal(t, int64(1), p.CostFor(models.PlatformZoom, time.Second))
	assert.Equal(t, int64(200), p.CostFor(models.PlatformZoom, 2*time.Hour))
}

func TestCostFor_PlatformOverrides(t *testing.T) {
	p := NewPricing(&config.BillingConfig{
		CenticreditsPerHour: 100,
		PlatformRates:       map[string]int64{"zoom": 150},
		MaxSessionMinutes:   120,
	})

	assert.Equal(t, int64(150), p.CostFor(models.PlatformZoom, time.Hour))
	// Platforms without an override use the default rate
	assert.Equal(t, int64(100), p.CostFor(models.PlatformTeams, time.Hour))
	assert.Equal(t, int64(300), p.ReservationAmount(models.PlatformZoom))
	assert.Equal(t, int64(200), p.ReservationAmount(models.PlatformTeams))
}

func TestReservationAmount_CoversMaxSession(t *testing.T) {
	p := testPricing(100, 120)
	assert.Equal(t, int64(200), p.ReservationAmount(models.PlatformZoom))

	// Zero-rate configs still hold at least one centicredit
	free := testPricing(0, 120)
	assert.Equal(t, int64(1), free.ReservationAmount(models.PlatformZoom))
}

// TestProperty_CostForNeverExceedsReservation checks that any elapsed time
// within the session bound costs at most the reservation taken up front.
func TestProperty_CostForNeverExceedsReservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		perHour := rapid.Int64Range(0, 100000).Draw(rt, "perHour")
		maxMinutes := rapid.IntRange(1, 24*60).Draw(rt, "maxMinutes")
		p := testPricing(perHour, maxMinutes)

		elapsedSec := rapid.Int64Range(0, int64(maxMinutes)*60).Draw(rt, "elapsedSec")
		cost := p.CostFor(models.PlatformWeb, time.Duration(elapsedSec)*time.Second)

		if cost > p.ReservationAmount(models.PlatformWeb) {
			rt.Fatalf("cost %d for %ds exceeds reservation %d (rate %d/h, max %dm)",
				cost, elapsedSec, p.ReservationAmount(models.PlatformWeb), perHour, maxMinutes)
		}
		if cost < 0 {
			rt.Fatalf("negative cost %d", cost)
		}
	})
}

// TestProperty_CostForMonotonic checks that more meeting time never costs less
func TestProperty_CostForMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		perHour := rapid.Int64Range(1, 10000).Draw(rt, "perHour")
		p := testPricing(perHour, 120)

		a := rapid.Int64Range(0, 86400).Draw(rt, "a")
		b := rapid.Int64Range(0, 86400).Draw(rt, "b")
		if a > b {
			a, b = b, a
		}

		costA := p.CostFor(models.PlatformWeb, time.Duration(a)*time.Second)
		costB := p.CostFor(models.PlatformWeb, time.Duration(b)*time.Second)
		if costA > costB {
			rt.Fatalf("cost not monotonic: %ds -> %d, %ds -> %d", a, costA, b, costB)
		}
	})
}
