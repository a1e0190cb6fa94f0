// Package threshold routes risk scores to bands, actions, and review flags.
package threshold

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// epsilon tolerates float drift when validating the [0,1] partition.
const epsilon = 1e-9

// Router maps scores to risk bands per tenant. Tenants without custom
// thresholds use the default partition. Band assignments can only be
// upgraded by network findings, never downgraded.
type Router struct {
	mu       sync.RWMutex
	defaults []domain.RiskThreshold
	tenants  map[string][]domain.RiskThreshold
}

// NewRouter creates a router seeded with the default thresholds.
func NewRouter() *Router {
	return &Router{
		defaults: domain.DefaultThresholds(),
		tenants:  make(map[string][]domain.RiskThreshold),
	}
}

// Validate checks that thresholds partition [0,1] exactly: sorted,
// contiguous, no gaps, no overlaps, full coverage.
func Validate(thresholds []domain.RiskThreshold) error {
	if len(thresholds) == 0 {
		return fmt.Errorf("%w: at least one threshold is required", domain.ErrInvalidInput)
	}

	sorted := make([]domain.RiskThreshold, len(thresholds))
	copy(sorted, thresholds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lower < sorted[j].Lower })

	if sorted[0].Lower > epsilon {
		return fmt.Errorf("%w: thresholds must start at 0, got %.4f", domain.ErrInvalidInput, sorted[0].Lower)
	}
	for i, t := range sorted {
		if t.Upper <= t.Lower {
			return fmt.Errorf("%w: band %s has empty range [%.4f,%.4f)", domain.ErrInvalidInput, t.Band, t.Lower, t.Upper)
		}
		if i > 0 {
			gap := t.Lower - sorted[i-1].Upper
			if gap > epsilon {
				return fmt.Errorf("%w: gap between %s and %s", domain.ErrInvalidInput, sorted[i-1].Band, t.Band)
			}
			if gap < -epsilon {
				return fmt.Errorf("%w: overlap between %s and %s", domain.ErrInvalidInput, sorted[i-1].Band, t.Band)
			}
		}
	}
	last := sorted[len(sorted)-1]
	if last.Upper < 1-epsilon || last.Upper > 1+epsilon {
		return fmt.Errorf("%w: thresholds must end at 1, got %.4f", domain.ErrInvalidInput, last.Upper)
	}

	return nil
}

// SetThresholds installs a custom partition for a tenant after validation.
func (r *Router) SetThresholds(tenantID string, thresholds []domain.RiskThreshold) error {
	if err := Validate(thresholds); err != nil {
		return err
	}

	sorted := make([]domain.RiskThreshold, len(thresholds))
	copy(sorted, thresholds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lower < sorted[j].Lower })

	r.mu.Lock()
	r.tenants[tenantID] = sorted
	r.mu.Unlock()
	return nil
}

// Thresholds returns the partition in effect for a tenant.
func (r *Router) Thresholds(tenantID string) []domain.RiskThreshold {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tenants[tenantID]; ok {
		return t
	}
	return r.defaults
}

// Route maps a score to its band and applies the network upgrade rules:
// a coordinated pattern forces at least high, and an automatic-blocking
// pattern forces critical. Upgrades replace the action set and review flag
// with the upgraded band's; the band never moves down.
func (r *Router) Route(tenantID string, score float64, patterns []*domain.SuspiciousPattern) *domain.Routing {
	thresholds := r.Thresholds(tenantID)

	base := bandFor(thresholds, score)
	band := base

	var upgradeReason string
	for _, p := range patterns {
		var floor domain.RiskBand
		switch {
		case p.AutomaticBlocking:
			floor = domain.BandCritical
		case p.Coordinated:
			floor = domain.BandHigh
		default:
			continue
		}
		if floor.Rank() > band.Rank() {
			band = floor
			upgradeReason = string(p.Type)
		}
	}

	t := thresholdFor(thresholds, band)
	routing := &domain.Routing{
		Band:                band,
		Actions:             append([]domain.ActionType(nil), t.Actions...),
		HumanReviewRequired: t.HumanReviewRequired,
	}
	if band != base {
		routing.Upgraded = true
		routing.UpgradeReason = upgradeReason
		// Upgraded decisions always get a human in the loop.
		routing.HumanReviewRequired = true
	}

	return routing
}

// bandFor finds the band containing the score. Lower inclusive, upper
// exclusive, except the final band which includes its upper bound.
func bandFor(thresholds []domain.RiskThreshold, score float64) domain.RiskBand {
	for i, t := range thresholds {
		if score >= t.Lower && (score < t.Upper || i == len(thresholds)-1) {
			return t.Band
		}
	}
	return thresholds[len(thresholds)-1].Band
}

func thresholdFor(thresholds []domain.RiskThreshold, band domain.RiskBand) domain.RiskThreshold {
	for _, t := range thresholds {
		if t.Band == band {
			return t
		}
	}
	// Band forced by an upgrade past any configured tier: synthesize the
	// most restrictive defaults.
	return domain.RiskThreshold{
		Band:                band,
		Actions:             []domain.ActionType{domain.ActionFreezeAccount, domain.ActionBlockTransaction},
		HumanReviewRequired: true,
	}
}
