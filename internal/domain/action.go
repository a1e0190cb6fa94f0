package domain

import "time"

// ActionType identifies an automated containment action.
type ActionType string

const (
	ActionFreezeAccount       ActionType = "freeze_account"
	ActionBlockTransaction    ActionType = "block_transaction"
	ActionRequireVerification ActionType = "require_verification"
)

// actionRank orders action types by restrictiveness; when an event matches
// several actions the most restrictive set wins and the override is logged.
var actionRank = map[ActionType]int{
	ActionRequireVerification: 0,
	ActionBlockTransaction:    1,
	ActionFreezeAccount:       2,
}

// Rank returns the restrictiveness rank of the action type.
func (a ActionType) Rank() int {
	return actionRank[a]
}

// ActionState is the execution lifecycle of one action instance.
type ActionState string

const (
	ActionPending    ActionState = "pending"
	ActionExecuting  ActionState = "executing"
	ActionSucceeded  ActionState = "succeeded"
	ActionFailed     ActionState = "failed"
	ActionRolledBack ActionState = "rolled_back"
)

// actionTransitions lists the legal state changes. RolledBack is reachable
// from Succeeded only, when a rollback condition later fires.
var actionTransitions = map[ActionState][]ActionState{
	ActionPending:   {ActionExecuting},
	ActionExecuting: {ActionSucceeded, ActionFailed},
	ActionSucceeded: {ActionRolledBack},
}

// CanTransition reports whether from -> to is a legal action state change.
func (s ActionState) CanTransition(to ActionState) bool {
	for _, next := range actionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AutomatedAction is one triggered action instance against an entity.
type AutomatedAction struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenantId"`
	EntityID string     `json:"entityId"`
	Type     ActionType `json:"type"`

	// TriggerEventID links back to the scored event that caused it.
	TriggerEventID string   `json:"triggerEventId"`
	TriggerBand    RiskBand `json:"triggerBand"`

	State    ActionState `json:"state"`
	Attempts int         `json:"attempts"`

	// Parameters are action-specific settings (e.g. freeze duration).
	Parameters map[string]string `json:"parameters,omitempty"`

	// Log is the append-only execution history.
	Log []ActionLogEntry `json:"log,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// ActionLogEntry records one step of an action's execution history.
type ActionLogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	State     ActionState `json:"state"`
	Note      string      `json:"note,omitempty"`
	Actor     string      `json:"actor,omitempty"` // "system" or an officer ID
}

// OverrideRequest is the payload for a manual action override. The
// justification is mandatory and is written to the case timeline.
type OverrideRequest struct {
	OfficerID     string `json:"officerId"`
	Justification string `json:"justification"`
	CaseID        string `json:"caseId,omitempty"`
}
