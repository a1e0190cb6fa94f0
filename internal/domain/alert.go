package domain

import "time"

// AlertSeverity mirrors the risk band that produced the alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

var severityOrder = []AlertSeverity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Bump returns the next severity up, saturating at critical.
func (s AlertSeverity) Bump() AlertSeverity {
	for i, sev := range severityOrder {
		if sev == s && i < len(severityOrder)-1 {
			return severityOrder[i+1]
		}
	}
	return SeverityCritical
}

// SeverityForBand converts a risk band to an alert severity.
func SeverityForBand(b RiskBand) AlertSeverity {
	switch b {
	case BandCritical:
		return SeverityCritical
	case BandHigh:
		return SeverityHigh
	case BandMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AlertType identifies what detection surface raised the alert.
type AlertType string

const (
	AlertTypeScore         AlertType = "risk_score"
	AlertTypeNetwork       AlertType = "network_pattern"
	AlertTypeActionFailure AlertType = "action_failure"
)

// AlertStatus is the alert lifecycle. Transitions are strictly forward
// except for the explicit Reopen operation used by case management.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertAcknowledged  AlertStatus = "acknowledged"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
)

var alertOrder = map[AlertStatus]int{
	AlertNew:           0,
	AlertAcknowledged:  1,
	AlertInvestigating: 2,
	AlertResolved:      3,
}

// CanTransition reports whether from -> to is a legal forward move.
func (s AlertStatus) CanTransition(to AlertStatus) bool {
	cur, ok := alertOrder[s]
	next, ok2 := alertOrder[to]
	if !ok || !ok2 {
		return false
	}
	return next == cur+1
}

// FraudAlert is one deduplicated alert raised by the pipeline.
type FraudAlert struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenantId"`
	Type     AlertType     `json:"type"`
	Severity AlertSeverity `json:"severity"`
	Status   AlertStatus   `json:"status"`

	// Entities affected; the first entry is the primary entity used for
	// deduplication.
	Entities []string `json:"entities"`

	RiskScore float64 `json:"riskScore"`

	// Evidence items: event IDs, pattern IDs, action IDs.
	Evidence []string `json:"evidence,omitempty"`

	// Occurrences counts merged duplicates within the dedup window.
	Occurrences int64 `json:"occurrences"`

	Escalated bool `json:"escalated"`

	// CaseID is set once the alert is attached to an open case. An alert
	// belongs to at most one open case at a time.
	CaseID string `json:"caseId,omitempty"`

	DetectedAt     time.Time  `json:"detectedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ResponseRequirement sets the acknowledgement deadline per severity; alerts
// unacknowledged past MaxResponseTime are escalated automatically.
type ResponseRequirement struct {
	Severity        AlertSeverity `json:"severity"`
	MaxResponseTime time.Duration `json:"maxResponseTime"`
	Channels        []string      `json:"channels"`      // notification channels
	EscalationSet   []string      `json:"escalationSet"` // expanded channels after escalation
}

// DefaultResponseRequirements returns the standard acknowledgement SLAs.
func DefaultResponseRequirements() []ResponseRequirement {
	return []ResponseRequirement{
		{Severity: SeverityLow, MaxResponseTime: 24 * time.Hour, Channels: []string{"queue"}, EscalationSet: []string{"queue", "email"}},
		{Severity: SeverityMedium, MaxResponseTime: 4 * time.Hour, Channels: []string{"queue", "email"}, EscalationSet: []string{"queue", "email", "sms"}},
		{Severity: SeverityHigh, MaxResponseTime: 30 * time.Minute, Channels: []string{"queue", "email", "sms"}, EscalationSet: []string{"queue", "email", "sms", "oncall"}},
		{Severity: SeverityCritical, MaxResponseTime: 10 * time.Minute, Channels: []string{"queue", "email", "sms", "oncall"}, EscalationSet: []string{"queue", "email", "sms", "oncall", "incident"}},
	}
}
