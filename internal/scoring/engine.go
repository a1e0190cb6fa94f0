// Package scoring provides the weighted ensemble scoring engine.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNoUsableModels is returned when every active model failed for an event.
// Callers fall back to the configured fallback band.
var ErrNoUsableModels = errors.New("no usable models in ensemble")

// weightSumTolerance bounds the allowed drift of active ensemble weights
// from 1.0 when loading a model set.
const weightSumTolerance = 0.001

// Engine evaluates the active model ensemble against feature vectors.
// Models are compiled once at load time; scoring is lock-free apart from a
// read lock on the model set.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	active     map[string]*compiledModel // keyed by model ID
	shadow     map[string]*compiledModel
	maxWorkers int
}

type compiledModel struct {
	model    *domain.ScoringModel
	programs map[string]cel.Program // per-feature derivation expressions
}

// NewEngine creates a scoring engine with an empty model set.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("confidence_low", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		active:     make(map[string]*compiledModel),
		shadow:     make(map[string]*compiledModel),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateModel compiles a model's expressions and checks its weights
// without mutating the loaded set.
func (e *Engine) ValidateModel(model *domain.ScoringModel) error {
	if model == nil {
		return fmt.Errorf("%w: model is required", domain.ErrInvalidModelConfig)
	}
	if len(model.Features) == 0 {
		return fmt.Errorf("%w: model %s has no features", domain.ErrInvalidModelConfig, model.ID)
	}
	for _, fw := range model.Features {
		if fw.Weight < 0 {
			return fmt.Errorf("%w: model %s feature %s has negative weight", domain.ErrInvalidModelConfig, model.ID, fw.Feature)
		}
	}
	if model.EnsembleWeight < 0 || model.EnsembleWeight > 1 {
		return fmt.Errorf("%w: model %s ensemble weight out of range", domain.ErrInvalidModelConfig, model.ID)
	}
	_, err := e.compileModel(model)
	return err
}

// ReloadModels replaces the loaded model set. Active ensemble weights must
// sum to 1 within tolerance. Retired models are ignored.
func (e *Engine) ReloadModels(models []*domain.ScoringModel) error {
	newActive := make(map[string]*compiledModel)
	newShadow := make(map[string]*compiledModel)
	var weightSum float64

	for _, m := range models {
		if m.Status == domain.ModelStatusRetired {
			continue
		}
		compiled, err := e.compileModel(m)
		if err != nil {
			return err
		}
		switch m.Status {
		case domain.ModelStatusActive:
			newActive[m.ID] = compiled
			weightSum += m.EnsembleWeight
		case domain.ModelStatusShadow:
			newShadow[m.ID] = compiled
		}
	}

	if len(newActive) > 0 && (weightSum < 1-weightSumTolerance || weightSum > 1+weightSumTolerance) {
		return fmt.Errorf("%w: active ensemble weights sum to %.4f, want 1.0", domain.ErrInvalidModelConfig, weightSum)
	}

	e.mu.Lock()
	e.active = newActive
	e.shadow = newShadow
	e.mu.Unlock()

	return nil
}

// ActiveCount returns the number of loaded active models.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// Score blends the active models into one risk score. A model that fails to
// evaluate is excluded and the remaining ensemble weights are renormalized,
// so one bad model degrades explainability but never blocks a decision.
func (e *Engine) Score(ctx context.Context, vec *domain.FeatureVector) (*domain.EnsembleResult, error) {
	start := time.Now()

	e.mu.RLock()
	models := make([]*compiledModel, 0, len(e.active))
	for _, m := range e.active {
		models = append(models, m)
	}
	e.mu.RUnlock()

	if len(models) == 0 {
		return nil, ErrNoUsableModels
	}

	activation := activationFor(vec)

	scores := make([]domain.ModelScore, len(models))
	contributions := make([][]domain.FactorContribution, len(models))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, m := range models {
		wg.Add(1)
		go func(idx int, cm *compiledModel) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			scores[idx], contributions[idx] = e.scoreModel(cm, vec, activation)
		}(i, m)
	}
	wg.Wait()

	// Renormalize over the models that produced a score.
	var includedWeight float64
	for _, s := range scores {
		if !s.Excluded {
			includedWeight += s.Weight
		}
	}
	if includedWeight <= 0 {
		return nil, ErrNoUsableModels
	}

	result := &domain.EnsembleResult{
		ModelScores:   scores,
		ConfidenceLow: vec.ConfidenceLow,
	}
	for i, s := range scores {
		if s.Excluded {
			continue
		}
		result.RiskScore += s.Score * (s.Weight / includedWeight)
		result.Contributions = append(result.Contributions, contributions[i]...)
	}
	result.RiskScore = clamp(result.RiskScore)
	result.ProcessMs = time.Since(start).Milliseconds()

	// Deterministic ordering for API responses and audit records.
	sort.Slice(result.ModelScores, func(i, j int) bool {
		return result.ModelScores[i].ModelID < result.ModelScores[j].ModelID
	})

	return result, nil
}

// ScoreShadow evaluates shadow models side-by-side. Failures are reported in
// the per-model scores but never returned as errors; shadow scoring cannot
// affect the decision path.
func (e *Engine) ScoreShadow(ctx context.Context, vec *domain.FeatureVector) []domain.ModelScore {
	e.mu.RLock()
	models := make([]*compiledModel, 0, len(e.shadow))
	for _, m := range e.shadow {
		models = append(models, m)
	}
	e.mu.RUnlock()

	if len(models) == 0 {
		return nil
	}

	activation := activationFor(vec)
	scores := make([]domain.ModelScore, len(models))
	for i, m := range models {
		scores[i], _ = e.scoreModel(m, vec, activation)
		scores[i].Weight = 0 // shadow scores never carry ensemble weight
	}
	return scores
}

// scoreModel computes one model's weighted feature sum. Feature weights are
// normalized within the model; a missing feature contributes zero but its
// weight still counts, so partial vectors score conservatively low rather
// than inflating the remaining features.
func (e *Engine) scoreModel(cm *compiledModel, vec *domain.FeatureVector, activation map[string]any) (domain.ModelScore, []domain.FactorContribution) {
	score := domain.ModelScore{
		ModelID: cm.model.ID,
		Version: cm.model.Version,
		Weight:  cm.model.EnsembleWeight,
	}

	var weightSum float64
	for _, fw := range cm.model.Features {
		weightSum += fw.Weight
	}
	if weightSum <= 0 {
		score.Excluded = true
		score.Err = "model has zero total feature weight"
		return score, nil
	}

	var total float64
	contribs := make([]domain.FactorContribution, 0, len(cm.model.Features))

	for _, fw := range cm.model.Features {
		value, err := e.featureValue(cm, fw, vec, activation)
		if err != nil {
			score.Excluded = true
			score.Err = err.Error()
			return score, nil
		}

		norm := fw.Weight / weightSum
		contribution := value * norm
		total += contribution
		contribs = append(contribs, domain.FactorContribution{
			ModelID:      cm.model.ID,
			Feature:      fw.Feature,
			Value:        value,
			Weight:       norm,
			Contribution: contribution,
		})
	}

	score.Score = clamp(total)
	return score, contribs
}

func (e *Engine) featureValue(cm *compiledModel, fw domain.FeatureWeight, vec *domain.FeatureVector, activation map[string]any) (float64, error) {
	if fw.Expression == "" {
		return vec.Features[fw.Feature], nil
	}

	program := cm.programs[fw.Feature]
	out, _, err := program.Eval(activation)
	if err != nil {
		return 0, fmt.Errorf("feature %s: evaluation error: %w", fw.Feature, err)
	}
	value := toFloat(out)
	if value < 0 || value > 1 {
		return 0, fmt.Errorf("feature %s: expression yielded %.4f, want [0,1]", fw.Feature, value)
	}
	return value, nil
}

func (e *Engine) compileModel(model *domain.ScoringModel) (*compiledModel, error) {
	cm := &compiledModel{
		model:    model,
		programs: make(map[string]cel.Program),
	}

	for _, fw := range model.Features {
		if fw.Expression == "" {
			continue
		}

		ast, issues := e.env.Compile(fw.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: model %s feature %s: %v", domain.ErrInvalidModelConfig, model.ID, fw.Feature, issues.Err())
		}

		outputType := ast.OutputType()
		if outputType != cel.DoubleType && outputType != cel.IntType && outputType != cel.BoolType {
			return nil, fmt.Errorf("%w: model %s feature %s: expression must return bool, int, or double, got %s",
				domain.ErrInvalidModelConfig, model.ID, fw.Feature, outputType)
		}

		program, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: model %s feature %s: %v", domain.ErrInvalidModelConfig, model.ID, fw.Feature, err)
		}
		cm.programs[fw.Feature] = program
	}

	return cm, nil
}

func activationFor(vec *domain.FeatureVector) map[string]any {
	features := make(map[string]float64, len(vec.Features))
	for k, v := range vec.Features {
		features[k] = v
	}
	return map[string]any{
		"features":       features,
		"event_type":     string(vec.Type),
		"confidence_low": vec.ConfidenceLow,
	}
}

func toFloat(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
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
