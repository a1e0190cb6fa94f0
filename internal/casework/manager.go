// Package casework manages fraud case investigation workflows.
package casework

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Manager owns the case lifecycle: opening cases from alerts, the claim
// race, the append-only timeline, and resolution-gated closing.
type Manager struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
}

// NewManager creates a case manager.
func NewManager(repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		bus:    bus,
		logger: logger.With("component", "casework"),
	}
}

// OpenFromAlert creates a case seeded by one alert. The case number is
// reserved from the tenant's sequence and is globally unique. The alert is
// linked back to the case.
func (m *Manager) OpenFromAlert(ctx context.Context, tenantID string, alert *domain.FraudAlert, actor string) (*domain.FraudCase, error) {
	if alert == nil || alert.ID == "" {
		return nil, fmt.Errorf("%w: seeding alert is required", domain.ErrInvalidInput)
	}
	if alert.CaseID != "" {
		return nil, fmt.Errorf("%w: alert %s already belongs to case %s", domain.ErrInvalidInput, alert.ID, alert.CaseID)
	}

	seq, err := m.repo.NextCaseNumber(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve case number: %w", err)
	}

	now := time.Now().UTC()
	c := &domain.FraudCase{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		CaseNumber: fmt.Sprintf("FC-%d-%06d", now.Year(), seq),
		Status:     domain.CaseOpen,
		Severity:   alert.Severity,
		Entities:   append([]string(nil), alert.Entities...),
		AlertIDs:   []string{alert.ID},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.repo.SaveCase(ctx, tenantID, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}

	if err := m.appendEvent(ctx, tenantID, c.ID, actor, "created",
		fmt.Sprintf("case opened from alert %s", alert.ID), []string{alert.ID}); err != nil {
		return nil, err
	}

	alert.CaseID = c.ID
	alert.UpdatedAt = now
	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, fmt.Errorf("failed to link alert: %w", err)
	}

	m.publish(ctx, tenantID, domain.TopicCaseOpened, c)
	m.logger.Info("case opened",
		"tenant_id", tenantID,
		"case_id", c.ID,
		"case_number", c.CaseNumber,
		"severity", string(c.Severity),
	)
	return c, nil
}

// Absorb attaches another alert to an existing case. The case severity
// rises to the alert's if higher; the timeline records the addition.
func (m *Manager) Absorb(ctx context.Context, tenantID string, caseID string, alertID string, actor string) (*domain.FraudCase, error) {
	c, err := m.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.CaseClosed {
		return nil, fmt.Errorf("%w: cannot add alerts to a closed case", domain.ErrInvalidTransition)
	}

	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.CaseID != "" && alert.CaseID != caseID {
		return nil, fmt.Errorf("%w: alert %s already belongs to case %s", domain.ErrInvalidInput, alertID, alert.CaseID)
	}

	for _, id := range c.AlertIDs {
		if id == alertID {
			return c, nil
		}
	}

	now := time.Now().UTC()
	c.AlertIDs = append(c.AlertIDs, alertID)
	for _, e := range alert.Entities {
		if !containsString(c.Entities, e) {
			c.Entities = append(c.Entities, e)
		}
	}
	if severityRank(alert.Severity) > severityRank(c.Severity) {
		c.Severity = alert.Severity
	}
	c.UpdatedAt = now

	if err := m.repo.SaveCase(ctx, tenantID, c); err != nil {
		return nil, err
	}
	if err := m.appendEvent(ctx, tenantID, c.ID, actor, "alert_added",
		fmt.Sprintf("alert %s absorbed", alertID), []string{alertID}); err != nil {
		return nil, err
	}

	alert.CaseID = caseID
	alert.UpdatedAt = now
	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, err
	}

	return c, nil
}

// Claim assigns an unassigned case to an officer via compare-and-swap and
// moves it to investigating. Losing the race returns ErrAlreadyClaimed.
func (m *Manager) Claim(ctx context.Context, tenantID string, caseID string, officerID string) (*domain.FraudCase, error) {
	if err := m.repo.ClaimCase(ctx, tenantID, caseID, officerID); err != nil {
		return nil, err
	}

	c, err := m.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}

	if c.Status == domain.CaseOpen {
		c.Status = domain.CaseInvestigating
		c.UpdatedAt = time.Now().UTC()
		if err := m.repo.SaveCase(ctx, tenantID, c); err != nil {
			return nil, err
		}
	}

	if err := m.appendEvent(ctx, tenantID, caseID, officerID, "claimed", "", nil); err != nil {
		return nil, err
	}
	c.AssignedTo = officerID
	return c, nil
}

// Transition moves a case one step forward in the lifecycle. Closing must
// go through Close, which enforces the resolution requirement.
func (m *Manager) Transition(ctx context.Context, tenantID string, caseID string, to domain.CaseStatus, actor string) (*domain.FraudCase, error) {
	if to == domain.CaseClosed {
		return nil, fmt.Errorf("%w: use Close to close a case", domain.ErrResolutionRequired)
	}

	c, err := m.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: case %s -> %s", domain.ErrInvalidTransition, c.Status, to)
	}

	from := c.Status
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	if err := m.repo.SaveCase(ctx, tenantID, c); err != nil {
		return nil, err
	}
	if err := m.appendEvent(ctx, tenantID, caseID, actor, "status_changed",
		fmt.Sprintf("%s -> %s", from, to), nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Close finishes a case from pending_approval. A valid resolution is
// mandatory; its absence is rejected, never defaulted. All attached alerts
// are resolved with the case.
func (m *Manager) Close(ctx context.Context, tenantID string, caseID string, actor string, resolution domain.Resolution, note string) (*domain.FraudCase, error) {
	if resolution == "" {
		return nil, domain.ErrResolutionRequired
	}
	if !domain.ValidResolution(resolution) {
		return nil, fmt.Errorf("%w: unknown resolution %q", domain.ErrInvalidInput, resolution)
	}

	c, err := m.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(domain.CaseClosed) {
		return nil, fmt.Errorf("%w: case %s -> closed", domain.ErrInvalidTransition, c.Status)
	}

	now := time.Now().UTC()
	c.Status = domain.CaseClosed
	c.Resolution = resolution
	c.ResolutionNote = note
	c.ClosedAt = &now
	c.UpdatedAt = now

	if err := m.repo.SaveCase(ctx, tenantID, c); err != nil {
		return nil, err
	}
	if err := m.appendEvent(ctx, tenantID, caseID, actor, "closed",
		fmt.Sprintf("resolution: %s", resolution), nil); err != nil {
		return nil, err
	}

	for _, alertID := range c.AlertIDs {
		if err := m.resolveAlert(ctx, tenantID, alertID); err != nil {
			m.logger.Warn("failed to resolve alert with case",
				"case_id", caseID, "alert_id", alertID, "error", err)
		}
	}

	m.publish(ctx, tenantID, domain.TopicCaseClosed, c)
	m.logger.Info("case closed",
		"tenant_id", tenantID,
		"case_id", c.ID,
		"case_number", c.CaseNumber,
		"resolution", string(resolution),
	)
	return c, nil
}

// AddNote appends a free-form investigation note to the timeline.
func (m *Manager) AddNote(ctx context.Context, tenantID string, caseID string, actor string, note string, attachments []string) error {
	if note == "" {
		return fmt.Errorf("%w: note text is required", domain.ErrInvalidInput)
	}
	if _, err := m.repo.GetCase(ctx, tenantID, caseID); err != nil {
		return err
	}
	return m.appendEvent(ctx, tenantID, caseID, actor, "note", note, attachments)
}

// RecordOverride writes an action override into the case timeline.
func (m *Manager) RecordOverride(ctx context.Context, tenantID string, caseID string, req *domain.OverrideRequest, actionID string) error {
	return m.appendEvent(ctx, tenantID, caseID, req.OfficerID, "action_override",
		req.Justification, []string{actionID})
}

// resolveAlert walks an alert forward to resolved, however far along it is.
func (m *Manager) resolveAlert(ctx context.Context, tenantID string, alertID string) error {
	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for alert.Status != domain.AlertResolved {
		var next domain.AlertStatus
		switch alert.Status {
		case domain.AlertNew:
			next = domain.AlertAcknowledged
		case domain.AlertAcknowledged:
			next = domain.AlertInvestigating
		case domain.AlertInvestigating:
			next = domain.AlertResolved
		default:
			return fmt.Errorf("%w: alert in state %s", domain.ErrInvalidTransition, alert.Status)
		}
		alert.Status = next
	}
	if alert.AcknowledgedAt == nil {
		alert.AcknowledgedAt = &now
	}
	alert.UpdatedAt = now
	return m.repo.SaveAlert(ctx, tenantID, alert)
}

func (m *Manager) appendEvent(ctx context.Context, tenantID string, caseID string, actor string, kind string, note string, attachments []string) error {
	if actor == "" {
		actor = "system"
	}
	ev := &domain.CaseEvent{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Timestamp:   time.Now().UTC(),
		Actor:       actor,
		Kind:        kind,
		Note:        note,
		Attachments: attachments,
	}
	if err := m.repo.AppendCaseEvent(ctx, tenantID, ev); err != nil {
		return fmt.Errorf("failed to append case event: %w", err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, tenantID string, topic string, c *domain.FraudCase) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		m.logger.Warn("failed to publish case event", "topic", topic, "error", err)
	}
}

func severityRank(s domain.AlertSeverity) int {
	switch s {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityHigh:
		return 2
	case domain.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
