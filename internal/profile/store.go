// Package profile maintains per-entity behavioral baselines.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// riskAlpha is the EWMA smoothing factor for the rolling risk score.
	riskAlpha = 0.3

	// confidenceSaturation is the observation count at which profile
	// confidence reaches 1.0.
	confidenceSaturation = 100.0

	// trustSaturation is the seen count at which a device or location
	// reaches full trust.
	trustSaturation = 10.0

	cacheTTL = 10 * time.Minute
)

// Store reads and incrementally updates behavior profiles. Reads go through
// the cache; writes go to the repository and refresh the cache.
type Store struct {
	repo   domain.Repository
	cache  domain.Cache
	logger *slog.Logger
}

// NewStore creates a profile store.
func NewStore(repo domain.Repository, cache domain.Cache, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		cache:  cache,
		logger: logger.With("component", "profile"),
	}
}

// Get returns the profile for an entity, or a fresh zero-history profile if
// none exists yet. A fresh profile has confidence 0 and is not persisted
// until the first Apply.
func (s *Store) Get(ctx context.Context, tenantID string, entityID string) (*domain.BehaviorProfile, error) {
	key := cacheKey(entityID)

	if data, err := s.cache.Get(ctx, tenantID, key); err == nil {
		var p domain.BehaviorProfile
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
	}

	p, err := s.repo.GetProfile(ctx, tenantID, entityID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		now := time.Now().UTC()
		return &domain.BehaviorProfile{
			EntityID:  entityID,
			TenantID:  tenantID,
			CreatedAt: now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	s.cacheProfile(ctx, tenantID, p)
	return p, nil
}

// Apply folds a finalized decision into the entity's profile: transaction
// statistics via Welford's algorithm, login hour histogram, device and
// location trust, and the EWMA risk score. The version bumps on every write.
func (s *Store) Apply(ctx context.Context, tenantID string, ev *domain.Event, riskScore float64) (*domain.BehaviorProfile, error) {
	p, err := s.Get(ctx, tenantID, ev.EntityID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	switch ev.Type {
	case domain.EventTypeTransaction:
		s.applyTransaction(p, ev)
	case domain.EventTypeLogin:
		s.applyLogin(p, ev)
	}

	if ev.DeviceID != "" {
		s.touchDevice(p, ev.DeviceID, now)
	}
	if ev.Location != "" {
		s.touchLocation(p, ev.Location, now)
	}

	// EWMA risk: new observations move the baseline, old history decays.
	if p.Version == 0 {
		p.RiskScore = riskScore
	} else {
		p.RiskScore = riskAlpha*riskScore + (1-riskAlpha)*p.RiskScore
	}

	observations := float64(p.TxCount + p.LoginCount)
	p.ConfidenceLevel = observations / confidenceSaturation
	if p.ConfidenceLevel > 1 {
		p.ConfidenceLevel = 1
	}

	p.Version++
	p.LastUpdated = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	if err := s.repo.SaveProfile(ctx, tenantID, p); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	s.cacheProfile(ctx, tenantID, p)

	s.logger.Debug("profile updated",
		"tenant_id", tenantID,
		"entity_id", ev.EntityID,
		"version", p.Version,
		"risk_score", p.RiskScore,
	)

	return p, nil
}

func (s *Store) applyTransaction(p *domain.BehaviorProfile, ev *domain.Event) {
	amount := ev.Transaction.Amount

	// Welford's online update keeps mean and M2 without storing history.
	p.TxCount++
	delta := amount - p.TxMean
	p.TxMean += delta / float64(p.TxCount)
	delta2 := amount - p.TxMean
	p.TxM2 += delta * delta2

	if amount > p.MaxAmount {
		p.MaxAmount = amount
	}

	if !p.LastTxTime.IsZero() {
		ageDays := ev.Timestamp.Sub(p.CreatedAt).Hours() / 24
		if ageDays >= 1 {
			p.TxPerDay = float64(p.TxCount) / ageDays
		} else {
			p.TxPerDay = float64(p.TxCount)
		}
	}
	if ev.Timestamp.After(p.LastTxTime) {
		p.LastTxTime = ev.Timestamp
	}
}

func (s *Store) applyLogin(p *domain.BehaviorProfile, ev *domain.Event) {
	p.LoginCount++
	p.LoginHours[ev.Timestamp.UTC().Hour()]++
}

func (s *Store) touchDevice(p *domain.BehaviorProfile, deviceID string, now time.Time) {
	if d := p.Device(deviceID); d != nil {
		d.SeenCount++
		d.LastSeen = now
		d.Trust = trustFor(d.SeenCount)
		return
	}
	p.Devices = append(p.Devices, domain.DeviceRecord{
		DeviceID:  deviceID,
		Trust:     trustFor(1),
		SeenCount: 1,
		FirstSeen: now,
		LastSeen:  now,
	})
}

func (s *Store) touchLocation(p *domain.BehaviorProfile, location string, now time.Time) {
	if l := p.LocationRecordFor(location); l != nil {
		l.SeenCount++
		l.LastSeen = now
		l.Trust = trustFor(l.SeenCount)
		return
	}
	p.Locations = append(p.Locations, domain.LocationRecord{
		Location:  location,
		Trust:     trustFor(1),
		SeenCount: 1,
		LastSeen:  now,
	})
}

func trustFor(seenCount int64) float64 {
	trust := float64(seenCount) / trustSaturation
	if trust > 1 {
		return 1
	}
	return trust
}

func (s *Store) cacheProfile(ctx context.Context, tenantID string, p *domain.BehaviorProfile) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, tenantID, cacheKey(p.EntityID), data, cacheTTL); err != nil {
		s.logger.Warn("failed to cache profile", "entity_id", p.EntityID, "error", err)
	}
}

func cacheKey(entityID string) string {
	return "profile:" + entityID
}
