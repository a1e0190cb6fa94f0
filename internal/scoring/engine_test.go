package scoring

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func activeModel(id string, ensembleWeight float64, features ...domain.FeatureWeight) *domain.ScoringModel {
	return &domain.ScoringModel{
		ID:             id,
		TenantID:       "tenant-001",
		Name:           id,
		Version:        "v1",
		Type:           domain.ModelTypeBehavioral,
		Features:       features,
		EnsembleWeight: ensembleWeight,
		Status:         domain.ModelStatusActive,
	}
}

func TestNewEngine(t *testing.T) {
	engine := newTestEngine(t)
	if engine.ActiveCount() != 0 {
		t.Errorf("expected 0 active models, got %d", engine.ActiveCount())
	}
}

func TestValidateModel(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		model   *domain.ScoringModel
		wantErr bool
	}{
		{
			name: "valid direct feature",
			model: activeModel("m1", 1.0,
				domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
			wantErr: false,
		},
		{
			name: "valid expression feature",
			model: activeModel("m2", 1.0,
				domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0,
					Expression: "features.velocity > 0.8 ? 1.0 : features.velocity"}),
			wantErr: false,
		},
		{
			name:    "nil model",
			model:   nil,
			wantErr: true,
		},
		{
			name:    "no features",
			model:   activeModel("m3", 1.0),
			wantErr: true,
		},
		{
			name: "negative feature weight",
			model: activeModel("m4", 1.0,
				domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: -0.5}),
			wantErr: true,
		},
		{
			name: "ensemble weight out of range",
			model: activeModel("m5", 1.5,
				domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
			wantErr: true,
		},
		{
			name: "invalid CEL expression",
			model: activeModel("m6", 1.0,
				domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0,
					Expression: "features.velocity >>> broken"}),
			wantErr: true,
		},
		{
			name: "expression returns wrong type",
			model: activeModel("m7", 1.0,
				domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0,
					Expression: "'not a number'"}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.ValidateModel(tt.model)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr && err != nil && !errors.Is(err, domain.ErrInvalidModelConfig) {
				t.Errorf("expected ErrInvalidModelConfig, got: %v", err)
			}
		})
	}
}

func TestReloadModelsWeightSum(t *testing.T) {
	engine := newTestEngine(t)

	t.Run("RejectsBadWeightSum", func(t *testing.T) {
		models := []*domain.ScoringModel{
			activeModel("a", 0.5, domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
			activeModel("b", 0.3, domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0}),
		}
		if err := engine.ReloadModels(models); !errors.Is(err, domain.ErrInvalidModelConfig) {
			t.Errorf("expected ErrInvalidModelConfig for weight sum 0.8, got: %v", err)
		}
	})

	t.Run("AcceptsExactPartition", func(t *testing.T) {
		models := []*domain.ScoringModel{
			activeModel("a", 0.6, domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
			activeModel("b", 0.4, domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0}),
		}
		if err := engine.ReloadModels(models); err != nil {
			t.Fatalf("ReloadModels failed: %v", err)
		}
		if engine.ActiveCount() != 2 {
			t.Errorf("expected 2 active models, got %d", engine.ActiveCount())
		}
	})

	t.Run("RetiredModelsIgnored", func(t *testing.T) {
		retired := activeModel("c", 0.9, domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0})
		retired.Status = domain.ModelStatusRetired
		models := []*domain.ScoringModel{
			activeModel("a", 1.0, domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
			retired,
		}
		if err := engine.ReloadModels(models); err != nil {
			t.Fatalf("ReloadModels failed: %v", err)
		}
		if engine.ActiveCount() != 1 {
			t.Errorf("expected 1 active model, got %d", engine.ActiveCount())
		}
	})

	t.Run("ShadowModelsExemptFromSum", func(t *testing.T) {
		shadow := activeModel("s", 0.0, domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0})
		shadow.Status = domain.ModelStatusShadow
		models := []*domain.ScoringModel{
			activeModel("a", 1.0, domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
			shadow,
		}
		if err := engine.ReloadModels(models); err != nil {
			t.Fatalf("ReloadModels failed: %v", err)
		}
	})
}

func TestScoreEmptyEnsemble(t *testing.T) {
	engine := newTestEngine(t)

	vec := &domain.FeatureVector{Features: map[string]float64{}}
	_, err := engine.Score(context.Background(), vec)
	if !errors.Is(err, ErrNoUsableModels) {
		t.Errorf("expected ErrNoUsableModels, got: %v", err)
	}
}

func TestScoreWeightedBlend(t *testing.T) {
	engine := newTestEngine(t)

	models := []*domain.ScoringModel{
		activeModel("a", 0.6, domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
		activeModel("b", 0.4, domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0}),
	}
	if err := engine.ReloadModels(models); err != nil {
		t.Fatalf("ReloadModels failed: %v", err)
	}

	vec := &domain.FeatureVector{
		Type: domain.EventTypeTransaction,
		Features: map[string]float64{
			domain.FeatureAmountZScore: 1.0,
			domain.FeatureVelocity:     0.5,
		},
	}

	result, err := engine.Score(context.Background(), vec)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	// 1.0*0.6 + 0.5*0.4 = 0.8
	if math.Abs(result.RiskScore-0.8) > 0.001 {
		t.Errorf("expected risk score 0.8, got %.4f", result.RiskScore)
	}
	if len(result.ModelScores) != 2 {
		t.Fatalf("expected 2 model scores, got %d", len(result.ModelScores))
	}
	// Model scores are sorted by ID for deterministic audit records.
	if result.ModelScores[0].ModelID != "a" || result.ModelScores[1].ModelID != "b" {
		t.Errorf("expected model scores ordered a, b; got %s, %s",
			result.ModelScores[0].ModelID, result.ModelScores[1].ModelID)
	}
	if len(result.Contributions) == 0 {
		t.Error("expected factor contributions for explainability")
	}
}

func TestScoreFailSoftRenormalization(t *testing.T) {
	engine := newTestEngine(t)

	// Model b's expression yields 2.0, outside [0,1], so evaluation fails
	// and the model is excluded from the blend.
	models := []*domain.ScoringModel{
		activeModel("a", 0.5, domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
		activeModel("b", 0.5, domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0,
			Expression: "2.0"}),
	}
	if err := engine.ReloadModels(models); err != nil {
		t.Fatalf("ReloadModels failed: %v", err)
	}

	vec := &domain.FeatureVector{
		Features: map[string]float64{domain.FeatureAmountZScore: 0.4},
	}

	result, err := engine.Score(context.Background(), vec)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	// With b excluded, a's weight renormalizes to 1.0.
	if math.Abs(result.RiskScore-0.4) > 0.001 {
		t.Errorf("expected renormalized score 0.4, got %.4f", result.RiskScore)
	}

	var excluded *domain.ModelScore
	for i := range result.ModelScores {
		if result.ModelScores[i].ModelID == "b" {
			excluded = &result.ModelScores[i]
		}
	}
	if excluded == nil {
		t.Fatal("expected excluded model to remain in model scores")
	}
	if !excluded.Excluded || excluded.Err == "" {
		t.Errorf("expected model b excluded with error, got excluded=%v err=%q", excluded.Excluded, excluded.Err)
	}
}

func TestScoreAllModelsFail(t *testing.T) {
	engine := newTestEngine(t)

	models := []*domain.ScoringModel{
		activeModel("a", 1.0, domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0,
			Expression: "2.0"}),
	}
	if err := engine.ReloadModels(models); err != nil {
		t.Fatalf("ReloadModels failed: %v", err)
	}

	vec := &domain.FeatureVector{Features: map[string]float64{}}
	_, err := engine.Score(context.Background(), vec)
	if !errors.Is(err, ErrNoUsableModels) {
		t.Errorf("expected ErrNoUsableModels when every model fails, got: %v", err)
	}
}

func TestScoreMissingFeatureCountsAsZero(t *testing.T) {
	engine := newTestEngine(t)

	models := []*domain.ScoringModel{
		activeModel("a", 1.0,
			domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 0.5},
			domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 0.5}),
	}
	if err := engine.ReloadModels(models); err != nil {
		t.Fatalf("ReloadModels failed: %v", err)
	}

	// velocity absent from the vector: contributes 0 but its weight still
	// counts, so the score halves instead of inflating.
	vec := &domain.FeatureVector{
		Features: map[string]float64{domain.FeatureAmountZScore: 1.0},
	}

	result, err := engine.Score(context.Background(), vec)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if math.Abs(result.RiskScore-0.5) > 0.001 {
		t.Errorf("expected 0.5 with missing feature, got %.4f", result.RiskScore)
	}
}

func TestScoreExpressionFeature(t *testing.T) {
	engine := newTestEngine(t)

	models := []*domain.ScoringModel{
		activeModel("a", 1.0,
			domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0,
				Expression: "features.velocity > 0.8 ? 1.0 : features.velocity"}),
	}
	if err := engine.ReloadModels(models); err != nil {
		t.Fatalf("ReloadModels failed: %v", err)
	}

	tests := []struct {
		velocity float64
		want     float64
	}{
		{velocity: 0.3, want: 0.3},
		{velocity: 0.9, want: 1.0}, // saturates past 0.8
	}

	for _, tt := range tests {
		vec := &domain.FeatureVector{
			Features: map[string]float64{domain.FeatureVelocity: tt.velocity},
		}
		result, err := engine.Score(context.Background(), vec)
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if math.Abs(result.RiskScore-tt.want) > 0.001 {
			t.Errorf("velocity %.1f: expected %.1f, got %.4f", tt.velocity, tt.want, result.RiskScore)
		}
	}
}

func TestScoreShadow(t *testing.T) {
	engine := newTestEngine(t)

	shadow := activeModel("shadow-1", 0.0,
		domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0})
	shadow.Status = domain.ModelStatusShadow
	failing := activeModel("shadow-2", 0.0,
		domain.FeatureWeight{Feature: domain.FeatureVelocity, Weight: 1.0, Expression: "2.0"})
	failing.Status = domain.ModelStatusShadow

	models := []*domain.ScoringModel{
		activeModel("a", 1.0, domain.FeatureWeight{Feature: domain.FeatureAmountZScore, Weight: 1.0}),
		shadow,
		failing,
	}
	if err := engine.ReloadModels(models); err != nil {
		t.Fatalf("ReloadModels failed: %v", err)
	}

	vec := &domain.FeatureVector{
		Features: map[string]float64{domain.FeatureAmountZScore: 0.7},
	}

	scores := engine.ScoreShadow(context.Background(), vec)
	if len(scores) != 2 {
		t.Fatalf("expected 2 shadow scores, got %d", len(scores))
	}
	for _, s := range scores {
		if s.Weight != 0 {
			t.Errorf("shadow score %s carries ensemble weight %.2f, want 0", s.ModelID, s.Weight)
		}
	}
}

func TestDefaultModelsHighRiskScenario(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.ReloadModels(DefaultModels("tenant-001")); err != nil {
		t.Fatalf("failed to load default models: %v", err)
	}

	// Large transfer at an unusual hour from an unseen device: the kind of
	// event the default ensemble must put in the critical band.
	vec := &domain.FeatureVector{
		Type: domain.EventTypeTransaction,
		Features: map[string]float64{
			domain.FeatureAmountZScore:  1.0,
			domain.FeatureAmountRatio:   0.9,
			domain.FeatureVelocity:      0.3,
			domain.FeatureHourDeviation: 0.9,
			domain.FeatureNewDevice:     1.0,
			domain.FeatureDeviceTrust:   1.0,
			domain.FeatureProfileRisk:   0.2,
		},
	}

	result, err := engine.Score(context.Background(), vec)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if result.RiskScore < 0.8 {
		t.Errorf("expected risk score >= 0.8 for high-risk scenario, got %.4f", result.RiskScore)
	}
}
