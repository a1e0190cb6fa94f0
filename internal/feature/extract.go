// Package feature turns raw events into normalized feature vectors.
package feature

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// zScoreCeiling maps z-scores into [0,1]; a 4-sigma deviation saturates.
	zScoreCeiling = 4.0

	// velocityCeiling is the per-window event count that saturates the
	// velocity feature.
	velocityCeiling = 10

	// sessionPagesCeiling is pages-per-minute at which session behavior
	// saturates as bot-like.
	sessionPagesCeiling = 30.0
)

// Extractor computes the feature vector for an event against the entity's
// profile. Extraction is deterministic apart from the velocity counter,
// which reads the shared cache.
type Extractor struct {
	cache          domain.Cache
	velocityWindow time.Duration
}

// NewExtractor creates a feature extractor.
func NewExtractor(cache domain.Cache, velocityWindow time.Duration) *Extractor {
	if velocityWindow <= 0 {
		velocityWindow = time.Hour
	}
	return &Extractor{cache: cache, velocityWindow: velocityWindow}
}

// Extract produces the feature vector. All features are normalized to [0,1]
// and oriented so that higher means more anomalous. When the profile has no
// history, neutral mid-range defaults are used and ConfidenceLow is set.
func (e *Extractor) Extract(ctx context.Context, ev *domain.Event, p *domain.BehaviorProfile) (*domain.FeatureVector, error) {
	vec := &domain.FeatureVector{
		TenantID: ev.TenantID,
		EntityID: ev.EntityID,
		EventID:  ev.ID,
		Type:     ev.Type,
		Features: make(map[string]float64),
	}

	hasHistory := p != nil && (p.TxCount > 0 || p.LoginCount > 0)
	vec.ConfidenceLow = !hasHistory

	velocity, err := e.cache.IncrementCounter(ctx, ev.TenantID, "velocity:"+ev.EntityID, e.velocityWindow)
	if err != nil {
		// Velocity degrades to a single-event count on cache failure.
		velocity = 1
	}
	vec.Features[domain.FeatureVelocity] = clamp(float64(velocity) / velocityCeiling)

	e.extractDeviceLocation(vec, ev, p)
	e.extractProfileFeatures(vec, p, hasHistory)

	switch ev.Type {
	case domain.EventTypeTransaction:
		e.extractTransaction(vec, ev, p, hasHistory)
	case domain.EventTypeLogin:
		e.extractLogin(vec, ev, p)
	case domain.EventTypeSession:
		e.extractSession(vec, ev)
	}

	return vec, nil
}

func (e *Extractor) extractTransaction(vec *domain.FeatureVector, ev *domain.Event, p *domain.BehaviorProfile, hasHistory bool) {
	amount := ev.Transaction.Amount

	if !hasHistory || p.TxCount < 2 {
		// No baseline: unknown amounts are treated as moderately anomalous
		// rather than clean, so cold-start fraud is not waved through.
		vec.Features[domain.FeatureAmountZScore] = 0.5
		vec.Features[domain.FeatureAmountRatio] = 0.5
	} else {
		stddev := p.TxStdDev()
		if stddev > 0 {
			z := (amount - p.TxMean) / stddev
			if z < 0 {
				z = 0 // below-baseline amounts are not anomalous
			}
			vec.Features[domain.FeatureAmountZScore] = clamp(z / zScoreCeiling)
		} else if amount > p.TxMean {
			vec.Features[domain.FeatureAmountZScore] = 1
		} else {
			vec.Features[domain.FeatureAmountZScore] = 0
		}

		if p.MaxAmount > 0 {
			vec.Features[domain.FeatureAmountRatio] = clamp(amount / p.MaxAmount)
		}
	}

	e.extractHourDeviation(vec, ev.Timestamp, p, hasHistory)
}

func (e *Extractor) extractLogin(vec *domain.FeatureVector, ev *domain.Event, p *domain.BehaviorProfile) {
	if ev.Login.Successful {
		vec.Features[domain.FeatureFailedLogin] = 0
	} else {
		vec.Features[domain.FeatureFailedLogin] = 1
	}
	e.extractHourDeviation(vec, ev.Timestamp, p, p != nil && p.LoginCount > 0)
}

func (e *Extractor) extractSession(vec *domain.FeatureVector, ev *domain.Event) {
	s := ev.Session

	anomaly := 0.0
	if s.PagesPerMin > 0 {
		anomaly = clamp(s.PagesPerMin / sessionPagesCeiling)
	}
	// Very short sessions with many actions look scripted.
	if s.DurationSec > 0 && s.DurationSec < 10 && s.ActionCount > 5 {
		anomaly = 1
	}
	vec.Features[domain.FeatureSessionAnomaly] = anomaly
}

// extractHourDeviation scores how unusual the event hour is against the
// entity's login hour histogram.
func (e *Extractor) extractHourDeviation(vec *domain.FeatureVector, ts time.Time, p *domain.BehaviorProfile, hasHistory bool) {
	if !hasHistory || p.LoginCount == 0 {
		vec.Features[domain.FeatureHourDeviation] = 0.5
		return
	}

	hour := ts.UTC().Hour()
	var peak int64
	for _, c := range p.LoginHours {
		if c > peak {
			peak = c
		}
	}
	if peak == 0 {
		vec.Features[domain.FeatureHourDeviation] = 0.5
		return
	}
	// An hour the entity is never active in scores 1; the busiest hour
	// scores 0.
	vec.Features[domain.FeatureHourDeviation] = 1 - float64(p.LoginHours[hour])/float64(peak)
}

func (e *Extractor) extractDeviceLocation(vec *domain.FeatureVector, ev *domain.Event, p *domain.BehaviorProfile) {
	if ev.DeviceID != "" {
		if d := profileDevice(p, ev.DeviceID); d != nil {
			vec.Features[domain.FeatureNewDevice] = 0
			vec.Features[domain.FeatureDeviceTrust] = 1 - d.Trust
		} else {
			vec.Features[domain.FeatureNewDevice] = 1
			vec.Features[domain.FeatureDeviceTrust] = 1
		}
	}

	if ev.Location != "" {
		if l := profileLocation(p, ev.Location); l != nil {
			vec.Features[domain.FeatureNewLocation] = 0
			vec.Features[domain.FeatureLocationTrust] = 1 - l.Trust
		} else {
			vec.Features[domain.FeatureNewLocation] = 1
			vec.Features[domain.FeatureLocationTrust] = 1
		}
	}
}

func (e *Extractor) extractProfileFeatures(vec *domain.FeatureVector, p *domain.BehaviorProfile, hasHistory bool) {
	if !hasHistory {
		vec.Features[domain.FeatureProfileRisk] = 0.5
		vec.Features[domain.FeatureProfileAge] = 1
		return
	}
	vec.Features[domain.FeatureProfileRisk] = clamp(p.RiskScore)
	vec.Features[domain.FeatureProfileAge] = 1 - clamp(p.ConfidenceLevel)
}

func profileDevice(p *domain.BehaviorProfile, deviceID string) *domain.DeviceRecord {
	if p == nil {
		return nil
	}
	return p.Device(deviceID)
}

func profileLocation(p *domain.BehaviorProfile, location string) *domain.LocationRecord {
	if p == nil {
		return nil
	}
	return p.LocationRecordFor(location)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
