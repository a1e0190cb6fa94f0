// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Behavior profiles
	GetProfile(ctx context.Context, tenantID string, entityID string) (*BehaviorProfile, error)
	SaveProfile(ctx context.Context, tenantID string, profile *BehaviorProfile) error

	// Event audit log
	SaveEvent(ctx context.Context, tenantID string, ev *Event) error
	GetEvent(ctx context.Context, tenantID string, eventID string) (*Event, error)
	GetEventsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*Event, error)

	// Scoring models (immutable per version; status changes only)
	SaveModel(ctx context.Context, tenantID string, model *ScoringModel) error
	GetModel(ctx context.Context, tenantID string, modelID string, version string) (*ScoringModel, error)
	ListModels(ctx context.Context, tenantID string, status ModelStatus) ([]*ScoringModel, error)
	UpdateModelStatus(ctx context.Context, tenantID string, modelID string, version string, status ModelStatus) error

	// Decisions
	SaveDecision(ctx context.Context, tenantID string, decision *Decision) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*Decision, error)

	// Alerts
	SaveAlert(ctx context.Context, tenantID string, alert *FraudAlert) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*FraudAlert, error)
	FindOpenAlert(ctx context.Context, tenantID string, entityID string, alertType AlertType, since time.Time) (*FraudAlert, error)
	ListAlerts(ctx context.Context, tenantID string, filter AlertFilter) ([]*FraudAlert, error)

	// Cases
	SaveCase(ctx context.Context, tenantID string, c *FraudCase) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*FraudCase, error)
	ListCases(ctx context.Context, tenantID string, filter CaseFilter) ([]*FraudCase, error)
	// ClaimCase atomically assigns an unassigned case (compare-and-swap);
	// returns ErrAlreadyClaimed when another officer won the race.
	ClaimCase(ctx context.Context, tenantID string, caseID string, officerID string) error
	AppendCaseEvent(ctx context.Context, tenantID string, ev *CaseEvent) error
	// NextCaseNumber reserves the next sequence value for case numbers.
	NextCaseNumber(ctx context.Context, tenantID string) (int64, error)

	// Automated actions
	SaveAction(ctx context.Context, tenantID string, action *AutomatedAction) error
	GetAction(ctx context.Context, tenantID string, actionID string) (*AutomatedAction, error)

	// Model performance outcomes
	SaveOutcome(ctx context.Context, tenantID string, outcome *ModelOutcome) error
	ListOutcomes(ctx context.Context, tenantID string, modelID string, version string, since time.Time) ([]*ModelOutcome, error)

	// Dashboard aggregates
	GetDashboardStats(ctx context.Context, tenantID string) (*DashboardStats, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AlertFilter narrows alert listings; zero values match everything.
type AlertFilter struct {
	Status   AlertStatus
	Severity AlertSeverity
	EntityID string
	Limit    int
	Offset   int
}

// CaseFilter narrows case listings; zero values match everything.
type CaseFilter struct {
	Status     CaseStatus
	Severity   AlertSeverity
	AssignedTo string
	Limit      int
	Offset     int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
