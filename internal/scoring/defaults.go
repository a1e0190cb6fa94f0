package scoring

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultModels returns the seed ensemble installed for a tenant that has
// not configured its own models: one behavioral and one transactional model
// with equal ensemble shares.
func DefaultModels(tenantID string) []*domain.ScoringModel {
	now := time.Now().UTC()
	return []*domain.ScoringModel{
		{
			ID:       "behavioral-baseline",
			TenantID: tenantID,
			Name:     "Behavioral Baseline",
			Version:  "v1",
			Type:     domain.ModelTypeBehavioral,
			Features: []domain.FeatureWeight{
				{Feature: domain.FeatureNewDevice, Weight: 0.35},
				{Feature: domain.FeatureDeviceTrust, Weight: 0.30},
				{Feature: domain.FeatureHourDeviation, Weight: 0.25},
				{Feature: domain.FeatureProfileRisk, Weight: 0.10},
			},
			EnsembleWeight: 0.5,
			Status:         domain.ModelStatusActive,
			CreatedAt:      now,
		},
		{
			ID:       "transactional-baseline",
			TenantID: tenantID,
			Name:     "Transactional Baseline",
			Version:  "v1",
			Type:     domain.ModelTypeTransactional,
			Features: []domain.FeatureWeight{
				{Feature: domain.FeatureAmountZScore, Weight: 0.45},
				{Feature: domain.FeatureAmountRatio, Weight: 0.25},
				// Saturating velocity: bursts past 80% of the window
				// ceiling count as fully anomalous.
				{Feature: domain.FeatureVelocity, Weight: 0.15,
					Expression: "features.velocity > 0.8 ? 1.0 : features.velocity"},
				{Feature: domain.FeatureHourDeviation, Weight: 0.15},
			},
			EnsembleWeight: 0.5,
			Status:         domain.ModelStatusActive,
			CreatedAt:      now,
		},
	}
}
