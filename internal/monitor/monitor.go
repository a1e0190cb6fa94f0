// Package monitor tracks model performance and drives the shadow
// deployment lifecycle.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// predictionThreshold is the score above which a model is considered to
// have flagged an event, for outcome labeling.
const predictionThreshold = 0.6

// Monitor computes rolling performance metrics from labeled outcomes and
// recommends keep/retrain/retire per model version. It also handles the
// promotion of shadow models and the creation of retrained versions.
type Monitor struct {
	repo   domain.Repository
	engine *scoring.Engine
	cfg    domain.MonitorConfig
	logger *slog.Logger
}

// NewMonitor creates a model monitor.
func NewMonitor(repo domain.Repository, engine *scoring.Engine, cfg domain.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		repo:   repo,
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "monitor"),
	}
}

// HandleCaseClosed is the bus handler for case resolutions: every decision
// referenced by the case's alerts yields one labeled outcome per model that
// scored the event. Confirmed fraud labels true, false positive labels
// false; inconclusive resolutions produce no label.
func (m *Monitor) HandleCaseClosed(ctx context.Context, msg *domain.Message) error {
	var c domain.FraudCase
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		return fmt.Errorf("malformed case payload: %w", err)
	}

	var actual bool
	switch c.Resolution {
	case domain.ResolutionConfirmedFraud:
		actual = true
	case domain.ResolutionFalsePositive:
		actual = false
	default:
		return nil
	}

	for _, alertID := range c.AlertIDs {
		alert, err := m.repo.GetAlert(ctx, msg.TenantID, alertID)
		if err != nil {
			m.logger.Warn("outcome labeling: alert lookup failed", "alert_id", alertID, "error", err)
			continue
		}
		for _, ref := range alert.Evidence {
			decision, err := m.repo.GetDecision(ctx, msg.TenantID, ref)
			if errors.Is(err, domain.ErrNotFound) {
				continue // evidence item is an event or action ID
			}
			if err != nil {
				m.logger.Warn("outcome labeling: decision lookup failed", "decision_id", ref, "error", err)
				continue
			}
			m.recordOutcomes(ctx, msg.TenantID, decision, actual)
		}
	}
	return nil
}

func (m *Monitor) recordOutcomes(ctx context.Context, tenantID string, decision *domain.Decision, actual bool) {
	for _, score := range decision.ModelScores {
		if score.Excluded {
			continue
		}
		outcome := &domain.ModelOutcome{
			ModelID:   score.ModelID,
			Version:   score.Version,
			EventID:   decision.EventID,
			Score:     score.Score,
			Predicted: score.Score >= predictionThreshold,
			Actual:    actual,
			Timestamp: time.Now().UTC(),
		}
		if err := m.repo.SaveOutcome(ctx, tenantID, outcome); err != nil {
			m.logger.Warn("failed to save outcome",
				"model_id", score.ModelID, "event_id", decision.EventID, "error", err)
		}
	}
}

// Performance computes the confusion matrix and derived metrics for a model
// version over the evaluation window.
func (m *Monitor) Performance(ctx context.Context, tenantID string, modelID string, version string) (*domain.ModelPerformance, error) {
	windowStart := time.Now().UTC().Add(-m.cfg.EvaluationWindow)
	outcomes, err := m.repo.ListOutcomes(ctx, tenantID, modelID, version, windowStart)
	if err != nil {
		return nil, err
	}

	perf := &domain.ModelPerformance{
		ModelID:     modelID,
		Version:     version,
		WindowStart: windowStart,
		SampleCount: int64(len(outcomes)),
	}

	for _, o := range outcomes {
		switch {
		case o.Predicted && o.Actual:
			perf.TruePositives++
		case o.Predicted && !o.Actual:
			perf.FalsePositives++
		case !o.Predicted && !o.Actual:
			perf.TrueNegatives++
		case !o.Predicted && o.Actual:
			perf.FalseNegatives++
		}
	}

	total := float64(perf.SampleCount)
	if total > 0 {
		perf.Accuracy = float64(perf.TruePositives+perf.TrueNegatives) / total
	}
	if p := perf.TruePositives + perf.FalsePositives; p > 0 {
		perf.Precision = float64(perf.TruePositives) / float64(p)
	}
	if r := perf.TruePositives + perf.FalseNegatives; r > 0 {
		perf.Recall = float64(perf.TruePositives) / float64(r)
	}
	if perf.Precision+perf.Recall > 0 {
		perf.F1 = 2 * perf.Precision * perf.Recall / (perf.Precision + perf.Recall)
	}
	if n := perf.FalsePositives + perf.TrueNegatives; n > 0 {
		perf.FalsePositiveRate = float64(perf.FalsePositives) / float64(n)
	}
	if n := perf.FalseNegatives + perf.TruePositives; n > 0 {
		perf.FalseNegativeRate = float64(perf.FalseNegatives) / float64(n)
	}

	return perf, nil
}

// Health evaluates a model version and returns a recommendation.
func (m *Monitor) Health(ctx context.Context, tenantID string, modelID string, version string) (*domain.ModelHealth, error) {
	if _, err := m.repo.GetModel(ctx, tenantID, modelID, version); err != nil {
		return nil, err
	}

	perf, err := m.Performance(ctx, tenantID, modelID, version)
	if err != nil {
		return nil, err
	}

	health := &domain.ModelHealth{
		ModelID:        modelID,
		Version:        version,
		Performance:    perf,
		Recommendation: "keep",
	}

	// Recommendations need a minimum sample base to mean anything.
	if perf.SampleCount < 20 {
		return health, nil
	}

	switch {
	case perf.FalsePositiveRate > m.cfg.RetireFPRThreshold:
		health.Recommendation = "retire"
	case perf.F1 < 0.5 || perf.Accuracy < 0.7:
		health.Recommendation = "retrain"
	}

	return health, nil
}

// Promote activates a shadow model version: its active predecessor (same
// model ID) retires and hands over its ensemble weight, so the active
// weights still sum to 1. Promotion requires the configured minimum of
// labeled shadow samples.
func (m *Monitor) Promote(ctx context.Context, tenantID string, modelID string, version string) (*domain.ScoringModel, error) {
	candidate, err := m.repo.GetModel(ctx, tenantID, modelID, version)
	if err != nil {
		return nil, err
	}
	if candidate.Status != domain.ModelStatusShadow {
		return nil, fmt.Errorf("%w: model %s %s is %s, want shadow", domain.ErrInvalidTransition, modelID, version, candidate.Status)
	}

	perf, err := m.Performance(ctx, tenantID, modelID, version)
	if err != nil {
		return nil, err
	}
	if perf.SampleCount < m.cfg.MinShadowSamples {
		return nil, fmt.Errorf("%w: %d shadow samples, need %d",
			domain.ErrInvalidTransition, perf.SampleCount, m.cfg.MinShadowSamples)
	}

	// Find and retire the active predecessor.
	active, err := m.repo.ListModels(ctx, tenantID, domain.ModelStatusActive)
	if err != nil {
		return nil, err
	}
	var predecessor *domain.ScoringModel
	for _, mm := range active {
		if mm.ID == modelID {
			predecessor = mm
			break
		}
	}
	if predecessor == nil {
		return nil, fmt.Errorf("%w: no active predecessor for model %s", domain.ErrInvalidTransition, modelID)
	}

	if err := m.repo.UpdateModelStatus(ctx, tenantID, modelID, predecessor.Version, domain.ModelStatusRetired); err != nil {
		return nil, err
	}

	candidate.Status = domain.ModelStatusActive
	candidate.EnsembleWeight = predecessor.EnsembleWeight
	if err := m.repo.SaveModel(ctx, tenantID, candidate); err != nil {
		return nil, err
	}

	if err := m.reloadEngine(ctx, tenantID); err != nil {
		return nil, err
	}

	m.logger.Info("model promoted",
		"tenant_id", tenantID,
		"model_id", modelID,
		"version", version,
		"retired_version", predecessor.Version,
	)
	return candidate, nil
}

// Retrain creates the next version of a model in shadow status. Until a
// training backend is wired in, the new version copies the current feature
// set; weight fitting happens offline and is uploaded via the model API.
func (m *Monitor) Retrain(ctx context.Context, tenantID string, modelID string) (*domain.ScoringModel, error) {
	versions, err := m.repo.ListModels(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}

	var latest *domain.ScoringModel
	maxVersion := 0
	for _, mm := range versions {
		if mm.ID != modelID {
			continue
		}
		v := versionNumber(mm.Version)
		if latest == nil || v > maxVersion {
			latest = mm
			maxVersion = v
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}

	next := &domain.ScoringModel{
		ID:             latest.ID,
		TenantID:       tenantID,
		Name:           latest.Name,
		Version:        fmt.Sprintf("v%d", maxVersion+1),
		Type:           latest.Type,
		Features:       append([]domain.FeatureWeight(nil), latest.Features...),
		EnsembleWeight: latest.EnsembleWeight,
		Status:         domain.ModelStatusShadow,
		CreatedAt:      time.Now().UTC(),
	}

	if err := m.repo.SaveModel(ctx, tenantID, next); err != nil {
		return nil, err
	}
	if err := m.reloadEngine(ctx, tenantID); err != nil {
		return nil, err
	}

	m.logger.Info("model retrained into shadow",
		"tenant_id", tenantID,
		"model_id", modelID,
		"version", next.Version,
	)
	return next, nil
}

func (m *Monitor) reloadEngine(ctx context.Context, tenantID string) error {
	models, err := m.repo.ListModels(ctx, tenantID, "")
	if err != nil {
		return err
	}
	return m.engine.ReloadModels(models)
}

// versionNumber parses "v3" style version strings; unknown formats rank 0.
func versionNumber(v string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
	if err != nil {
		return 0
	}
	return n
}
