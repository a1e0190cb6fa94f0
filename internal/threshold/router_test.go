package threshold

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		thresholds []domain.RiskThreshold
		wantErr    bool
	}{
		{
			name:       "defaults are valid",
			thresholds: domain.DefaultThresholds(),
			wantErr:    false,
		},
		{
			name:       "empty set",
			thresholds: nil,
			wantErr:    true,
		},
		{
			name: "does not start at zero",
			thresholds: []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0.1, Upper: 1.0},
			},
			wantErr: true,
		},
		{
			name: "gap between bands",
			thresholds: []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0.0, Upper: 0.4},
				{Band: domain.BandHigh, Lower: 0.5, Upper: 1.0},
			},
			wantErr: true,
		},
		{
			name: "overlapping bands",
			thresholds: []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0.0, Upper: 0.5},
				{Band: domain.BandHigh, Lower: 0.4, Upper: 1.0},
			},
			wantErr: true,
		},
		{
			name: "does not end at one",
			thresholds: []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0.0, Upper: 0.9},
			},
			wantErr: true,
		},
		{
			name: "empty range",
			thresholds: []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0.0, Upper: 0.0},
				{Band: domain.BandHigh, Lower: 0.0, Upper: 1.0},
			},
			wantErr: true,
		},
		{
			name: "two bands exact partition",
			thresholds: []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0.0, Upper: 0.7},
				{Band: domain.BandCritical, Lower: 0.7, Upper: 1.0},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.thresholds)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr && err != nil && !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got: %v", err)
			}
		})
	}
}

func TestRouteDefaultBands(t *testing.T) {
	router := NewRouter()

	tests := []struct {
		score float64
		want  domain.RiskBand
	}{
		{0.0, domain.BandLow},
		{0.39, domain.BandLow},
		{0.4, domain.BandMedium}, // lower bound inclusive
		{0.59, domain.BandMedium},
		{0.6, domain.BandHigh},
		{0.8, domain.BandCritical},
		{1.0, domain.BandCritical}, // final band includes upper bound
	}

	for _, tt := range tests {
		routing := router.Route("tenant-001", tt.score, nil)
		if routing.Band != tt.want {
			t.Errorf("score %.2f: expected band %s, got %s", tt.score, tt.want, routing.Band)
		}
	}
}

func TestRouteActionsAndReview(t *testing.T) {
	router := NewRouter()

	low := router.Route("tenant-001", 0.1, nil)
	if len(low.Actions) != 0 || low.HumanReviewRequired {
		t.Errorf("low band should have no actions and no review, got %v review=%v", low.Actions, low.HumanReviewRequired)
	}

	high := router.Route("tenant-001", 0.7, nil)
	if !high.HumanReviewRequired {
		t.Error("high band requires human review")
	}
	if len(high.Actions) != 2 {
		t.Errorf("expected 2 actions for high band, got %d", len(high.Actions))
	}

	critical := router.Route("tenant-001", 0.95, nil)
	if !critical.HumanReviewRequired {
		t.Error("critical band requires human review")
	}
	found := false
	for _, a := range critical.Actions {
		if a == domain.ActionFreezeAccount {
			found = true
		}
	}
	if !found {
		t.Error("critical band should include freeze_account")
	}
}

func TestRouteNetworkUpgrades(t *testing.T) {
	router := NewRouter()

	t.Run("CoordinatedForcesHigh", func(t *testing.T) {
		patterns := []*domain.SuspiciousPattern{
			{Type: domain.PatternCircularTransactions, Coordinated: true},
		}
		routing := router.Route("tenant-001", 0.1, patterns)
		if routing.Band != domain.BandHigh {
			t.Errorf("expected high band after coordinated upgrade, got %s", routing.Band)
		}
		if !routing.Upgraded {
			t.Error("expected Upgraded flag")
		}
		if routing.UpgradeReason != string(domain.PatternCircularTransactions) {
			t.Errorf("expected upgrade reason %s, got %s", domain.PatternCircularTransactions, routing.UpgradeReason)
		}
		if !routing.HumanReviewRequired {
			t.Error("upgraded decisions always require human review")
		}
	})

	t.Run("AutomaticBlockingForcesCritical", func(t *testing.T) {
		patterns := []*domain.SuspiciousPattern{
			{Type: domain.PatternSynchronizedTransactions, Coordinated: true, AutomaticBlocking: true},
		}
		routing := router.Route("tenant-001", 0.1, patterns)
		if routing.Band != domain.BandCritical {
			t.Errorf("expected critical band, got %s", routing.Band)
		}
	})

	t.Run("NeverDowngrades", func(t *testing.T) {
		// Score already critical; a coordinated pattern (floor: high) must
		// not pull it down.
		patterns := []*domain.SuspiciousPattern{
			{Type: domain.PatternRapidMovement, Coordinated: true},
		}
		routing := router.Route("tenant-001", 0.9, patterns)
		if routing.Band != domain.BandCritical {
			t.Errorf("expected critical band preserved, got %s", routing.Band)
		}
		if routing.Upgraded {
			t.Error("no upgrade should be recorded when the band did not move")
		}
	})

	t.Run("UncoordinatedPatternNoUpgrade", func(t *testing.T) {
		patterns := []*domain.SuspiciousPattern{
			{Type: domain.PatternStructuring},
		}
		routing := router.Route("tenant-001", 0.1, patterns)
		if routing.Band != domain.BandLow {
			t.Errorf("expected low band, got %s", routing.Band)
		}
	})
}

func TestTenantThresholdOverrides(t *testing.T) {
	router := NewRouter()

	custom := []domain.RiskThreshold{
		{Band: domain.BandLow, Lower: 0.0, Upper: 0.2},
		{Band: domain.BandCritical, Lower: 0.2, Upper: 1.0, HumanReviewRequired: true},
	}
	if err := router.SetThresholds("tenant-strict", custom); err != nil {
		t.Fatalf("SetThresholds failed: %v", err)
	}

	// Strict tenant sees its own partition.
	routing := router.Route("tenant-strict", 0.3, nil)
	if routing.Band != domain.BandCritical {
		t.Errorf("expected critical for strict tenant at 0.3, got %s", routing.Band)
	}

	// Other tenants still use the defaults.
	routing = router.Route("tenant-other", 0.3, nil)
	if routing.Band != domain.BandLow {
		t.Errorf("expected low for default tenant at 0.3, got %s", routing.Band)
	}

	// Invalid partitions are rejected and leave the tenant untouched.
	bad := []domain.RiskThreshold{{Band: domain.BandLow, Lower: 0.0, Upper: 0.5}}
	if err := router.SetThresholds("tenant-strict", bad); err == nil {
		t.Error("expected error for incomplete partition")
	}
	routing = router.Route("tenant-strict", 0.3, nil)
	if routing.Band != domain.BandCritical {
		t.Errorf("failed SetThresholds must not clobber existing partition, got %s", routing.Band)
	}
}

func TestUpgradePastConfiguredBands(t *testing.T) {
	router := NewRouter()

	// Tenant only configured two bands; an automatic-blocking pattern forces
	// critical, which has no configured tier. The router synthesizes the most
	// restrictive policy.
	custom := []domain.RiskThreshold{
		{Band: domain.BandLow, Lower: 0.0, Upper: 0.5},
		{Band: domain.BandMedium, Lower: 0.5, Upper: 1.0},
	}
	if err := router.SetThresholds("tenant-two-band", custom); err != nil {
		t.Fatalf("SetThresholds failed: %v", err)
	}

	patterns := []*domain.SuspiciousPattern{
		{Type: domain.PatternSynchronizedTransactions, AutomaticBlocking: true},
	}
	routing := router.Route("tenant-two-band", 0.1, patterns)
	if routing.Band != domain.BandCritical {
		t.Errorf("expected critical band, got %s", routing.Band)
	}
	if !routing.HumanReviewRequired {
		t.Error("synthesized critical policy requires human review")
	}
	if len(routing.Actions) == 0 {
		t.Error("synthesized critical policy should carry blocking actions")
	}
}
