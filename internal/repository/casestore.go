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

// SaveAlert upserts a fraud alert. The first entity in the entities slice is
// lifted into the primary_entity column for deduplication lookups.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.FraudAlert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(alert.Entities) == 0 {
		return fmt.Errorf("%w: alert requires at least one entity", ErrInvalidInput)
	}

	entities, _ := json.Marshal(alert.Entities)
	evidence, _ := json.Marshal(alert.Evidence)

	query := `
		INSERT INTO alerts (
			id, tenant_id, type, severity, status, primary_entity, entities,
			risk_score, evidence, occurrences, escalated, case_id,
			detected_at, acknowledged_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			status = excluded.status,
			entities = excluded.entities,
			risk_score = excluded.risk_score,
			evidence = excluded.evidence,
			occurrences = excluded.occurrences,
			escalated = excluded.escalated,
			case_id = excluded.case_id,
			acknowledged_at = excluded.acknowledged_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, string(alert.Type), string(alert.Severity),
		string(alert.Status), alert.Entities[0], string(entities),
		alert.RiskScore, string(evidence), alert.Occurrences,
		boolToInt(alert.Escalated), nullString(alert.CaseID),
		alert.DetectedAt, alert.AcknowledgedAt, alert.UpdatedAt,
	)
	return err
}

// GetAlert retrieves an alert by ID with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.FraudAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := alertSelect + " WHERE tenant_id = ? AND id = ?"

	alert, err := r.scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// FindOpenAlert returns the most recent unresolved alert for the entity and
// type detected within the window. Used for alert deduplication.
func (r *SQLRepository) FindOpenAlert(ctx context.Context, tenantID string, entityID string, alertType domain.AlertType, since time.Time) (*domain.FraudAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := alertSelect + `
		WHERE tenant_id = ? AND primary_entity = ? AND type = ?
		  AND status != ? AND detected_at >= ?
		ORDER BY detected_at DESC
		LIMIT 1
	`

	alert, err := r.scanAlert(r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, entityID, string(alertType), string(domain.AlertResolved), since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListAlerts retrieves alerts matching the filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.FraudAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := alertSelect + " WHERE tenant_id = ?"
	args := []any{tenantID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if filter.EntityID != "" {
		query += " AND primary_entity = ?"
		args = append(args, filter.EntityID)
	}

	query += " ORDER BY detected_at DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.FraudAlert
	for rows.Next() {
		alert, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

const alertSelect = `
	SELECT id, tenant_id, type, severity, status, entities, risk_score,
		   evidence, occurrences, escalated, case_id, detected_at,
		   acknowledged_at, updated_at
	FROM alerts
`

func (r *SQLRepository) scanAlert(row rowScanner) (*domain.FraudAlert, error) {
	var alert domain.FraudAlert
	var aType, severity, status, entities string
	var evidence, caseID sql.NullString
	var escalated int
	var acknowledgedAt sql.NullTime

	if err := row.Scan(
		&alert.ID, &alert.TenantID, &aType, &severity, &status, &entities,
		&alert.RiskScore, &evidence, &alert.Occurrences, &escalated,
		&caseID, &alert.DetectedAt, &acknowledgedAt, &alert.UpdatedAt,
	); err != nil {
		return nil, err
	}

	alert.Type = domain.AlertType(aType)
	alert.Severity = domain.AlertSeverity(severity)
	alert.Status = domain.AlertStatus(status)
	alert.Escalated = escalated == 1
	alert.CaseID = caseID.String
	json.Unmarshal([]byte(entities), &alert.Entities)
	if evidence.Valid {
		json.Unmarshal([]byte(evidence.String), &alert.Evidence)
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		alert.AcknowledgedAt = &t
	}

	return &alert, nil
}

// SaveCase upserts a fraud case. The timeline is persisted separately through
// AppendCaseEvent and is not written here.
func (r *SQLRepository) SaveCase(ctx context.Context, tenantID string, c *domain.FraudCase) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(c.AlertIDs) == 0 {
		return fmt.Errorf("%w: case requires at least one alert", ErrInvalidInput)
	}

	entities, _ := json.Marshal(c.Entities)
	alertIDs, _ := json.Marshal(c.AlertIDs)
	tags, _ := json.Marshal(c.Tags)

	query := `
		INSERT INTO cases (
			id, tenant_id, case_number, status, severity, assigned_to,
			entities, alert_ids, tags, resolution, resolution_note,
			created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			severity = excluded.severity,
			assigned_to = excluded.assigned_to,
			entities = excluded.entities,
			alert_ids = excluded.alert_ids,
			tags = excluded.tags,
			resolution = excluded.resolution,
			resolution_note = excluded.resolution_note,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.CaseNumber, string(c.Status), string(c.Severity),
		nullString(c.AssignedTo), string(entities), string(alertIDs),
		string(tags), nullString(string(c.Resolution)), nullString(c.ResolutionNote),
		c.CreatedAt, c.UpdatedAt, c.ClosedAt,
	)
	return err
}

// GetCase retrieves a case by ID, including its full timeline.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := caseSelect + " WHERE tenant_id = ? AND id = ?"

	c, err := r.scanCase(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	timeline, err := r.caseTimeline(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	c.Timeline = timeline

	return c, nil
}

// ListCases retrieves cases matching the filter, newest first. Timelines are
// not loaded for listings.
func (r *SQLRepository) ListCases(ctx context.Context, tenantID string, filter domain.CaseFilter) ([]*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := caseSelect + " WHERE tenant_id = ?"
	args := []any{tenantID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if filter.AssignedTo != "" {
		query += " AND assigned_to = ?"
		args = append(args, filter.AssignedTo)
	}

	query += " ORDER BY created_at DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.FraudCase
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

// ClaimCase atomically assigns an unassigned case to an officer. The
// conditional update is the compare-and-swap: if another officer claimed the
// case first, zero rows match and ErrAlreadyClaimed is returned.
func (r *SQLRepository) ClaimCase(ctx context.Context, tenantID string, caseID string, officerID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if officerID == "" {
		return fmt.Errorf("%w: officerID is required", ErrInvalidInput)
	}

	query := `
		UPDATE cases
		SET assigned_to = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
		  AND (assigned_to IS NULL OR assigned_to = '')
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		officerID, time.Now().UTC(), tenantID, caseID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a lost race from a missing case.
		if _, err := r.GetCase(ctx, tenantID, caseID); err != nil {
			return err
		}
		return domain.ErrAlreadyClaimed
	}
	return nil
}

// AppendCaseEvent writes one timeline entry. Entries are insert-only.
func (r *SQLRepository) AppendCaseEvent(ctx context.Context, tenantID string, ev *domain.CaseEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	attachments, _ := json.Marshal(ev.Attachments)

	query := `
		INSERT INTO case_events (
			id, tenant_id, case_id, timestamp, actor, kind, note, attachments
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.CaseID, ev.Timestamp,
		ev.Actor, ev.Kind, ev.Note, string(attachments),
	)
	return err
}

// NextCaseNumber reserves the next case sequence value for the tenant.
// The upsert-returning form is atomic on both SQLite and PostgreSQL.
func (r *SQLRepository) NextCaseNumber(ctx context.Context, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO case_counters (tenant_id, seq) VALUES (?, 1)
		ON CONFLICT(tenant_id) DO UPDATE SET seq = case_counters.seq + 1
		RETURNING seq
	`

	var seq int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

const caseSelect = `
	SELECT id, tenant_id, case_number, status, severity, assigned_to,
		   entities, alert_ids, tags, resolution, resolution_note,
		   created_at, updated_at, closed_at
	FROM cases
`

func (r *SQLRepository) scanCase(row rowScanner) (*domain.FraudCase, error) {
	var c domain.FraudCase
	var status, severity, alertIDs string
	var assignedTo, entities, tags, resolution, resolutionNote sql.NullString
	var closedAt sql.NullTime

	if err := row.Scan(
		&c.ID, &c.TenantID, &c.CaseNumber, &status, &severity, &assignedTo,
		&entities, &alertIDs, &tags, &resolution, &resolutionNote,
		&c.CreatedAt, &c.UpdatedAt, &closedAt,
	); err != nil {
		return nil, err
	}

	c.Status = domain.CaseStatus(status)
	c.Severity = domain.AlertSeverity(severity)
	c.AssignedTo = assignedTo.String
	c.Resolution = domain.Resolution(resolution.String)
	c.ResolutionNote = resolutionNote.String
	json.Unmarshal([]byte(alertIDs), &c.AlertIDs)
	if entities.Valid {
		json.Unmarshal([]byte(entities.String), &c.Entities)
	}
	if tags.Valid {
		json.Unmarshal([]byte(tags.String), &c.Tags)
	}
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}

	return &c, nil
}

func (r *SQLRepository) caseTimeline(ctx context.Context, tenantID string, caseID string) ([]domain.CaseEvent, error) {
	query := `
		SELECT id, case_id, timestamp, actor, kind, note, attachments
		FROM case_events
		WHERE tenant_id = ? AND case_id = ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timeline []domain.CaseEvent
	for rows.Next() {
		var ev domain.CaseEvent
		var note, attachments sql.NullString
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Timestamp, &ev.Actor, &ev.Kind, &note, &attachments); err != nil {
			return nil, err
		}
		ev.Note = note.String
		if attachments.Valid {
			json.Unmarshal([]byte(attachments.String), &ev.Attachments)
		}
		timeline = append(timeline, ev)
	}

	return timeline, rows.Err()
}

// SaveAction upserts an automated action, including its execution log.
func (r *SQLRepository) SaveAction(ctx context.Context, tenantID string, action *domain.AutomatedAction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	parameters, _ := json.Marshal(action.Parameters)
	log, _ := json.Marshal(action.Log)

	query := `
		INSERT INTO actions (
			id, tenant_id, entity_id, type, trigger_event_id, trigger_band,
			state, attempts, parameters, log, created_at, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			log = excluded.log,
			executed_at = excluded.executed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		action.ID, tenantID, action.EntityID, string(action.Type),
		action.TriggerEventID, string(action.TriggerBand),
		string(action.State), action.Attempts,
		string(parameters), string(log),
		action.CreatedAt, action.ExecutedAt,
	)
	return err
}

// GetAction retrieves an action by ID with tenant isolation.
func (r *SQLRepository) GetAction(ctx context.Context, tenantID string, actionID string) (*domain.AutomatedAction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, type, trigger_event_id, trigger_band,
			   state, attempts, parameters, log, created_at, executed_at
		FROM actions
		WHERE tenant_id = ? AND id = ?
	`

	var action domain.AutomatedAction
	var aType, band, state string
	var parameters, log sql.NullString
	var executedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, actionID).Scan(
		&action.ID, &action.TenantID, &action.EntityID, &aType,
		&action.TriggerEventID, &band, &state, &action.Attempts,
		&parameters, &log, &action.CreatedAt, &executedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	action.Type = domain.ActionType(aType)
	action.TriggerBand = domain.RiskBand(band)
	action.State = domain.ActionState(state)
	if parameters.Valid {
		json.Unmarshal([]byte(parameters.String), &action.Parameters)
	}
	if log.Valid {
		json.Unmarshal([]byte(log.String), &action.Log)
	}
	if executedAt.Valid {
		t := executedAt.Time
		action.ExecutedAt = &t
	}

	return &action, nil
}

// SaveOutcome records one labeled prediction outcome for a model version.
// Duplicate (model, version, event) outcomes are ignored.
func (r *SQLRepository) SaveOutcome(ctx context.Context, tenantID string, outcome *domain.ModelOutcome) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO model_outcomes (
			tenant_id, model_id, version, event_id, score, predicted, actual, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, model_id, version, event_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, outcome.ModelID, outcome.Version, outcome.EventID,
		outcome.Score, boolToInt(outcome.Predicted), boolToInt(outcome.Actual),
		outcome.Timestamp,
	)
	return err
}

// ListOutcomes retrieves outcomes for a model version since a point in time.
func (r *SQLRepository) ListOutcomes(ctx context.Context, tenantID string, modelID string, version string, since time.Time) ([]*domain.ModelOutcome, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT model_id, version, event_id, score, predicted, actual, timestamp
		FROM model_outcomes
		WHERE tenant_id = ? AND model_id = ? AND version = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, modelID, version, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*domain.ModelOutcome
	for rows.Next() {
		var o domain.ModelOutcome
		var predicted, actual int
		if err := rows.Scan(&o.ModelID, &o.Version, &o.EventID, &o.Score, &predicted, &actual, &o.Timestamp); err != nil {
			return nil, err
		}
		o.Predicted = predicted == 1
		o.Actual = actual == 1
		outcomes = append(outcomes, &o)
	}

	return outcomes, rows.Err()
}

// GetDashboardStats computes the aggregate read model for dashboards.
func (r *SQLRepository) GetDashboardStats(ctx context.Context, tenantID string) (*domain.DashboardStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	stats := &domain.DashboardStats{
		AlertsBySeverity: make(map[domain.AlertSeverity]int64),
		AlertsByStatus:   make(map[domain.AlertStatus]int64),
		CasesByStatus:    make(map[domain.CaseStatus]int64),
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT severity, status, COUNT(*) FROM alerts WHERE tenant_id = ? GROUP BY severity, status`), tenantID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var severity, status string
		var count int64
		if err := rows.Scan(&severity, &status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.AlertsBySeverity[domain.AlertSeverity(severity)] += count
		stats.AlertsByStatus[domain.AlertStatus(status)] += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, r.rebind(
		`SELECT status, COUNT(*) FROM cases WHERE tenant_id = ? GROUP BY status`), tenantID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.CasesByStatus[domain.CaseStatus(status)] += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for status, count := range stats.CasesByStatus {
		if status != domain.CaseClosed {
			stats.OpenCases += count
		}
	}

	var avgScore sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT AVG(risk_score) FROM decisions WHERE tenant_id = ?`), tenantID).Scan(&avgScore); err != nil {
		return nil, err
	}
	stats.AverageRiskScore = avgScore.Float64

	if err := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT COUNT(*) FROM actions WHERE tenant_id = ? AND type = ? AND state = ?`),
		tenantID, string(domain.ActionBlockTransaction), string(domain.ActionSucceeded),
	).Scan(&stats.BlockedActions); err != nil {
		return nil, err
	}

	return stats, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		limit = 100
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}
