package domain

import "time"

// Decision is the complete pipeline output for one event: the blended risk
// score, the routed band, the triggered actions, and processing metadata.
// Decisions are the audit record for replay.
type Decision struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	EventID  string `json:"eventId"`
	EntityID string `json:"entityId"`

	RiskScore float64  `json:"riskScore"`
	Band      RiskBand `json:"band"`

	HumanReviewRequired bool `json:"humanReviewRequired"`

	// Fallback marks a decision produced by the conservative timeout
	// path; the event is queued for asynchronous re-evaluation.
	Fallback bool `json:"fallback,omitempty"`

	ModelScores   []ModelScore         `json:"modelScores,omitempty"`
	Contributions []FactorContribution `json:"contributions,omitempty"`
	Patterns      []SuspiciousPattern  `json:"patterns,omitempty"`
	ActionIDs     []string             `json:"actionIds,omitempty"`
	AlertID       string               `json:"alertId,omitempty"`

	Timestamp time.Time        `json:"timestamp"`
	Metadata  DecisionMetadata `json:"metadata"`
}

// DecisionMetadata carries processing information for observability.
type DecisionMetadata struct {
	TraceID       string `json:"traceId"`
	ExtractMs     int64  `json:"extractMs"`
	ScoringMs     int64  `json:"scoringMs"`
	NetworkMs     int64  `json:"networkMs"`
	RoutingMs     int64  `json:"routingMs"`
	TotalMs       int64  `json:"totalMs"`
	ModelsScored  int    `json:"modelsScored"`
	EngineVersion string `json:"engineVersion"`
}

// DecisionResponse is the API response for event ingestion.
type DecisionResponse struct {
	DecisionID          string   `json:"decisionId"`
	EventID             string   `json:"eventId"`
	EntityID            string   `json:"entityId"`
	RiskScore           float64  `json:"riskScore"`
	Band                RiskBand `json:"band"`
	HumanReviewRequired bool     `json:"humanReviewRequired"`
	Actions             []string `json:"actions,omitempty"`
	AlertID             string   `json:"alertId,omitempty"`
	Fallback            bool     `json:"fallback,omitempty"`

	Metadata DecisionMetadata `json:"metadata"`
}

// ToResponse converts a Decision to its API shape.
func (d *Decision) ToResponse() *DecisionResponse {
	return &DecisionResponse{
		DecisionID:          d.ID,
		EventID:             d.EventID,
		EntityID:            d.EntityID,
		RiskScore:           d.RiskScore,
		Band:                d.Band,
		HumanReviewRequired: d.HumanReviewRequired,
		Actions:             d.ActionIDs,
		AlertID:             d.AlertID,
		Fallback:            d.Fallback,
		Metadata:            d.Metadata,
	}
}
