package domain

import "time"

// CaseStatus is the investigation lifecycle of a fraud case.
type CaseStatus string

const (
	CaseOpen            CaseStatus = "open"
	CaseInvestigating   CaseStatus = "investigating"
	CasePendingApproval CaseStatus = "pending_approval"
	CaseClosed          CaseStatus = "closed"
)

var caseOrder = map[CaseStatus]int{
	CaseOpen:            0,
	CaseInvestigating:   1,
	CasePendingApproval: 2,
	CaseClosed:          3,
}

// CanTransition reports whether from -> to is a legal forward move.
func (s CaseStatus) CanTransition(to CaseStatus) bool {
	cur, ok := caseOrder[s]
	next, ok2 := caseOrder[to]
	if !ok || !ok2 {
		return false
	}
	return next == cur+1
}

// Resolution is the mandatory outcome of a closed case.
type Resolution string

const (
	ResolutionConfirmedFraud  Resolution = "confirmed_fraud"
	ResolutionFalsePositive   Resolution = "false_positive"
	ResolutionInconclusive    Resolution = "inconclusive"
	ResolutionPolicyViolation Resolution = "policy_violation"
)

// ValidResolution reports whether r is one of the allowed outcomes.
func ValidResolution(r Resolution) bool {
	switch r {
	case ResolutionConfirmedFraud, ResolutionFalsePositive, ResolutionInconclusive, ResolutionPolicyViolation:
		return true
	}
	return false
}

// FraudCase groups one or more alerts into an investigable unit. A case is
// never created from zero alerts.
type FraudCase struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// CaseNumber is the globally unique human-readable reference,
	// e.g. "FC-2026-000042".
	CaseNumber string `json:"caseNumber"`

	Status   CaseStatus    `json:"status"`
	Severity AlertSeverity `json:"severity"`

	// AssignedTo is the claiming officer; empty while unassigned.
	AssignedTo string `json:"assignedTo,omitempty"`

	// Entities under investigation, copied from the seeding alert.
	Entities []string `json:"entities,omitempty"`

	// AlertIDs is the evidence list: every alert absorbed into the case.
	AlertIDs []string `json:"alertIds"`

	Tags []string `json:"tags,omitempty"`

	// Timeline is the append-only audit trail. Never rewritten.
	Timeline []CaseEvent `json:"timeline"`

	Resolution     Resolution `json:"resolution,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// CaseEvent is one immutable entry in a case timeline.
type CaseEvent struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"caseId"`
	Timestamp time.Time `json:"timestamp"`

	// Actor is "system" or the officer ID performing the change.
	Actor string `json:"actor"`

	// Kind names the change: "created", "claimed", "status_changed",
	// "alert_added", "note", "action_override", "closed", "alert_reopened".
	Kind string `json:"kind"`

	Note string `json:"note,omitempty"`

	// Attachments reference evidence identifiers (alert IDs, action IDs,
	// document references).
	Attachments []string `json:"attachments,omitempty"`
}

// DashboardStats is the aggregate read model for admin dashboards.
type DashboardStats struct {
	AlertsBySeverity map[AlertSeverity]int64 `json:"alertsBySeverity"`
	AlertsByStatus   map[AlertStatus]int64   `json:"alertsByStatus"`
	CasesByStatus    map[CaseStatus]int64    `json:"casesByStatus"`
	AverageRiskScore float64                 `json:"averageRiskScore"`
	BlockedActions   int64                   `json:"blockedActions"`
	OpenCases        int64                   `json:"openCases"`
}
