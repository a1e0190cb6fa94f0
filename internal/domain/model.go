package domain

import "time"

// ModelType categorizes what signals a scoring model consumes.
type ModelType string

const (
	ModelTypeBehavioral    ModelType = "behavioral"
	ModelTypeTransactional ModelType = "transactional"
	ModelTypeNetwork       ModelType = "network"
	ModelTypeHybrid        ModelType = "hybrid"
)

// ModelStatus is the deployment state of a model version.
type ModelStatus string

const (
	// ModelStatusActive models participate in the live ensemble.
	ModelStatusActive ModelStatus = "active"

	// ModelStatusShadow models are scored side-by-side but do not affect
	// decisions. Promotion requires a minimum shadow sample count.
	ModelStatusShadow ModelStatus = "shadow"

	// ModelStatusRetired models are kept for audit replay only.
	ModelStatusRetired ModelStatus = "retired"
)

// ScoringModel defines one weighted scoring model. Immutable once deployed:
// retraining produces a new version, never mutates an existing row.
type ScoringModel struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Type     ModelType `json:"type"`

	// Features are the weighted inputs. Feature weights are relative
	// within the model and normalized at evaluation time.
	Features []FeatureWeight `json:"features"`

	// EnsembleWeight is this model's share of the ensemble score.
	// Active models' ensemble weights must sum to 1.
	EnsembleWeight float64 `json:"ensembleWeight"`

	Status   ModelStatus `json:"status"`
	Accuracy float64     `json:"accuracy,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// FeatureWeight binds a feature to its weight within a model. When
// Expression is set, it is a CEL expression evaluated over the raw feature
// vector and must yield a value in [0,1]; otherwise the named feature is
// read from the vector directly.
type FeatureWeight struct {
	Feature    string  `json:"feature"`
	Weight     float64 `json:"weight"`
	Expression string  `json:"expression,omitempty"`
}

// FeatureVector is the fixed-shape output of the feature extractor.
// All values are normalized to [0,1] before scoring.
type FeatureVector struct {
	TenantID string    `json:"tenantId"`
	EntityID string    `json:"entityId"`
	EventID  string    `json:"eventId"`
	Type     EventType `json:"eventType"`

	Features map[string]float64 `json:"features"`

	// ConfidenceLow is set when no profile existed for the entity and
	// neutral defaults were used.
	ConfidenceLow bool `json:"confidenceLow"`
}

// Canonical feature names emitted by the extractor. Models reference these
// in their FeatureWeight entries.
const (
	FeatureAmountZScore   = "amount_zscore"
	FeatureAmountRatio    = "amount_ratio"
	FeatureVelocity       = "velocity"
	FeatureHourDeviation  = "hour_deviation"
	FeatureNewDevice      = "new_device"
	FeatureDeviceTrust    = "device_trust"
	FeatureLocationTrust  = "location_trust"
	FeatureNewLocation    = "new_location"
	FeatureFailedLogin    = "failed_login"
	FeatureSessionAnomaly = "session_anomaly"
	FeatureProfileRisk    = "profile_risk"
	FeatureProfileAge     = "profile_age"
)

// ModelScore is a single model's output for one event.
type ModelScore struct {
	ModelID  string  `json:"modelId"`
	Version  string  `json:"version"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Err      string  `json:"error,omitempty"` // non-empty when the model was excluded
	Excluded bool    `json:"excluded"`
}

// FactorContribution explains one feature's share of a model score.
type FactorContribution struct {
	ModelID      string  `json:"modelId"`
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// EnsembleResult is the scoring engine output: the blended risk score plus
// per-model and per-factor breakdowns for explainability.
type EnsembleResult struct {
	RiskScore     float64              `json:"riskScore"` // 0.0-1.0
	ModelScores   []ModelScore         `json:"modelScores"`
	Contributions []FactorContribution `json:"contributions,omitempty"`
	ConfidenceLow bool                 `json:"confidenceLow"`
	ProcessMs     int64                `json:"processMs"`
}

// ModelPerformance tracks evaluation metrics for one model version over a
// rolling window.
type ModelPerformance struct {
	ModelID string `json:"modelId"`
	Version string `json:"version"`

	TruePositives  int64 `json:"truePositives"`
	FalsePositives int64 `json:"falsePositives"`
	TrueNegatives  int64 `json:"trueNegatives"`
	FalseNegatives int64 `json:"falseNegatives"`

	Accuracy          float64 `json:"accuracy"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1                float64 `json:"f1"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`
	FalseNegativeRate float64 `json:"falseNegativeRate"`

	WindowStart time.Time `json:"windowStart"`
	SampleCount int64     `json:"sampleCount"`
}

// ModelOutcome is one labeled prediction used for performance tracking:
// what the model predicted for an event versus what the case resolution
// later established.
type ModelOutcome struct {
	ModelID   string    `json:"modelId"`
	Version   string    `json:"version"`
	EventID   string    `json:"eventId"`
	Score     float64   `json:"score"`
	Predicted bool      `json:"predicted"` // model flagged the event
	Actual    bool      `json:"actual"`    // resolution confirmed fraud
	Timestamp time.Time `json:"timestamp"`
}

// ModelHealth is the monitor's recommendation for a model version.
type ModelHealth struct {
	ModelID        string            `json:"modelId"`
	Version        string            `json:"version"`
	Performance    *ModelPerformance `json:"performance"`
	Recommendation string            `json:"recommendation"` // "keep", "retrain", "retire"
}
