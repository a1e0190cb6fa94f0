// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetProfile retrieves a behavior profile with tenant isolation.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, entityID string) (*domain.BehaviorProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT data FROM behavior_profiles
		WHERE tenant_id = ? AND entity_id = ?
	`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	var profile domain.BehaviorProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &profile, nil
}

// SaveProfile upserts a behavior profile. The full profile document is
// stored as JSON; risk score and confidence are lifted into columns for
// dashboard queries.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, profile *domain.BehaviorProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO behavior_profiles (
			entity_id, tenant_id, version, risk_score, confidence, data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, tenant_id) DO UPDATE SET
			version = excluded.version,
			risk_score = excluded.risk_score,
			confidence = excluded.confidence,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		profile.EntityID, tenantID, profile.Version,
		profile.RiskScore, profile.ConfidenceLevel,
		string(data), profile.CreatedAt, profile.LastUpdated,
	)
	return err
}

// SaveEvent stores an event in the audit log.
func (r *SQLRepository) SaveEvent(ctx context.Context, tenantID string, ev *domain.Event) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, _ := json.Marshal(ev.Payload())

	query := `
		INSERT INTO events (
			id, tenant_id, entity_id, type, device_id, ip_address,
			location, timestamp, received_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.EntityID, string(ev.Type),
		ev.DeviceID, ev.IPAddress, ev.Location,
		ev.Timestamp, ev.ReceivedAt, string(payload),
	)
	return err
}

// GetEvent retrieves an event by ID with tenant isolation.
func (r *SQLRepository) GetEvent(ctx context.Context, tenantID string, eventID string) (*domain.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, type, device_id, ip_address,
			   location, timestamp, received_at, payload
		FROM events
		WHERE tenant_id = ? AND id = ?
	`

	ev, err := r.scanEvent(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// GetEventsByEntity retrieves events for an entity since a point in time.
func (r *SQLRepository) GetEventsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, type, device_id, ip_address,
			   location, timestamp, received_at, payload
		FROM events
		WHERE tenant_id = ? AND entity_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, entityID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanEvent(row rowScanner) (*domain.Event, error) {
	var ev domain.Event
	var evType, payload string
	var deviceID, ipAddress, location sql.NullString

	if err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.EntityID, &evType,
		&deviceID, &ipAddress, &location,
		&ev.Timestamp, &ev.ReceivedAt, &payload,
	); err != nil {
		return nil, err
	}

	ev.Type = domain.EventType(evType)
	ev.DeviceID = deviceID.String
	ev.IPAddress = ipAddress.String
	ev.Location = location.String

	if payload != "" && payload != "null" {
		switch ev.Type {
		case domain.EventTypeTransaction:
			ev.Transaction = &domain.TransactionPayload{}
			json.Unmarshal([]byte(payload), ev.Transaction)
		case domain.EventTypeLogin:
			ev.Login = &domain.LoginPayload{}
			json.Unmarshal([]byte(payload), ev.Login)
		case domain.EventTypeSession:
			ev.Session = &domain.SessionPayload{}
			json.Unmarshal([]byte(payload), ev.Session)
		}
	}

	return &ev, nil
}

// SaveModel stores a scoring model version. Re-saving an existing version
// updates only the operational fields (features, ensemble weight, status,
// accuracy); identity fields are immutable.
func (r *SQLRepository) SaveModel(ctx context.Context, tenantID string, model *domain.ScoringModel) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(model.Features)

	query := `
		INSERT INTO scoring_models (
			id, tenant_id, version, name, type, features, ensemble_weight, status, accuracy, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			features = excluded.features,
			ensemble_weight = excluded.ensemble_weight,
			status = excluded.status,
			accuracy = excluded.accuracy
	`

	createdAt := model.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		model.ID, tenantID, model.Version, model.Name, string(model.Type),
		string(features), model.EnsembleWeight, string(model.Status),
		model.Accuracy, createdAt,
	)
	return err
}

// GetModel retrieves one model version with tenant isolation.
func (r *SQLRepository) GetModel(ctx context.Context, tenantID string, modelID string, version string) (*domain.ScoringModel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, version, name, type, features, ensemble_weight, status, accuracy, created_at
		FROM scoring_models
		WHERE tenant_id = ? AND id = ? AND version = ?
	`

	model, err := r.scanModel(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, modelID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return model, err
}

// ListModels retrieves model versions, optionally filtered by status.
func (r *SQLRepository) ListModels(ctx context.Context, tenantID string, status domain.ModelStatus) ([]*domain.ScoringModel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, version, name, type, features, ensemble_weight, status, accuracy, created_at
		FROM scoring_models
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id, created_at"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.ScoringModel
	for rows.Next() {
		model, err := r.scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}

	return models, rows.Err()
}

// UpdateModelStatus changes the deployment status of a model version.
func (r *SQLRepository) UpdateModelStatus(ctx context.Context, tenantID string, modelID string, version string, status domain.ModelStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE scoring_models
		SET status = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), tenantID, modelID, version)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) scanModel(row rowScanner) (*domain.ScoringModel, error) {
	var model domain.ScoringModel
	var mType, status, features string

	if err := row.Scan(
		&model.ID, &model.TenantID, &model.Version, &model.Name, &mType,
		&features, &model.EnsembleWeight, &status, &model.Accuracy, &model.CreatedAt,
	); err != nil {
		return nil, err
	}

	model.Type = domain.ModelType(mType)
	model.Status = domain.ModelStatus(status)
	if err := json.Unmarshal([]byte(features), &model.Features); err != nil {
		return nil, fmt.Errorf("failed to parse model features: %w", err)
	}
	return &model, nil
}

// SaveDecision stores a decision record.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, decision *domain.Decision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	modelScores, _ := json.Marshal(decision.ModelScores)
	contributions, _ := json.Marshal(decision.Contributions)
	patterns, _ := json.Marshal(decision.Patterns)
	actionIDs, _ := json.Marshal(decision.ActionIDs)
	metadata, _ := json.Marshal(decision.Metadata)

	query := `
		INSERT INTO decisions (
			id, tenant_id, event_id, entity_id, risk_score, band,
			human_review, fallback, model_scores, contributions,
			patterns, action_ids, alert_id, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		decision.ID, tenantID, decision.EventID, decision.EntityID,
		decision.RiskScore, string(decision.Band),
		boolToInt(decision.HumanReviewRequired), boolToInt(decision.Fallback),
		string(modelScores), string(contributions), string(patterns),
		string(actionIDs), decision.AlertID, decision.Timestamp, string(metadata),
	)
	return err
}

// GetDecision retrieves a decision by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, event_id, entity_id, risk_score, band,
			   human_review, fallback, model_scores, contributions,
			   patterns, action_ids, alert_id, timestamp, metadata
		FROM decisions
		WHERE tenant_id = ? AND id = ?
	`

	var d domain.Decision
	var band, modelScores, contributions, patterns, actionIDs, metadata string
	var alertID sql.NullString
	var humanReview, fallback int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID).Scan(
		&d.ID, &d.TenantID, &d.EventID, &d.EntityID, &d.RiskScore, &band,
		&humanReview, &fallback, &modelScores, &contributions,
		&patterns, &actionIDs, &alertID, &d.Timestamp, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Band = domain.RiskBand(band)
	d.HumanReviewRequired = humanReview == 1
	d.Fallback = fallback == 1
	d.AlertID = alertID.String
	json.Unmarshal([]byte(modelScores), &d.ModelScores)
	json.Unmarshal([]byte(contributions), &d.Contributions)
	json.Unmarshal([]byte(patterns), &d.Patterns)
	json.Unmarshal([]byte(actionIDs), &d.ActionIDs)
	json.Unmarshal([]byte(metadata), &d.Metadata)

	return &d, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
