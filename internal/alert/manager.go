// Package alert raises, deduplicates, and escalates fraud alerts.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// dedupeLockTTL bounds how long a crashed caller can hold a dedup
	// bucket; contenders give up retrying well before it expires.
	dedupeLockTTL   = 5 * time.Second
	dedupeLockTries = 25
	dedupeLockRetry = 10 * time.Millisecond
)

// Manager owns the alert lifecycle: creation with deduplication, status
// transitions, and the periodic escalation sweep for unacknowledged alerts
// past their severity's response deadline.
type Manager struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	cfg    domain.AlertConfig
	logger *slog.Logger

	// slas indexes response requirements by severity.
	slas map[domain.AlertSeverity]domain.ResponseRequirement

	// tenants tracks tenants with alert activity so the sweep knows whom
	// to visit.
	mu      sync.Mutex
	tenants map[string]bool

	stop chan struct{}
	done chan struct{}
}

// NewManager creates an alert manager with the default response SLAs.
func NewManager(repo domain.Repository, cache domain.Cache, bus domain.EventBus, cfg domain.AlertConfig, logger *slog.Logger) *Manager {
	slas := make(map[domain.AlertSeverity]domain.ResponseRequirement)
	for _, rr := range domain.DefaultResponseRequirements() {
		slas[rr.Severity] = rr
	}
	return &Manager{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "alert"),
		slas:    slas,
		tenants: make(map[string]bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Raise creates an alert or merges it into an open duplicate. Duplicates
// share (primary entity, type) within the dedup window: the existing alert's
// occurrence count increments and its severity rises to the higher of the
// two. Returns the surviving alert.
func (m *Manager) Raise(ctx context.Context, tenantID string, alert *domain.FraudAlert) (*domain.FraudAlert, error) {
	if len(alert.Entities) == 0 {
		return nil, fmt.Errorf("%w: alert requires at least one entity", domain.ErrInvalidInput)
	}
	m.trackTenant(tenantID)

	// Raise is called concurrently from pipeline shards and bus handlers.
	// The bucket lock makes the find-then-save dedupe atomic per
	// (entity, type). On cache failure the raise proceeds unguarded: a
	// duplicate alert beats a dropped risk signal.
	lockKey := "alert:dedupe:" + string(alert.Type) + ":" + alert.Entities[0]
	locked := false
	for i := 0; i < dedupeLockTries; i++ {
		won, err := m.cache.SetIfAbsent(ctx, tenantID, lockKey, []byte("1"), dedupeLockTTL)
		if err != nil {
			break
		}
		if won {
			locked = true
			break
		}
		time.Sleep(dedupeLockRetry)
	}
	if locked {
		defer m.cache.Delete(ctx, tenantID, lockKey)
	}

	now := time.Now().UTC()
	since := now.Add(-m.cfg.DedupeWindow)

	existing, err := m.repo.FindOpenAlert(ctx, tenantID, alert.Entities[0], alert.Type, since)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("dedupe lookup failed: %w", err)
	}

	if existing != nil {
		existing.Occurrences++
		if severityRank(alert.Severity) > severityRank(existing.Severity) {
			existing.Severity = alert.Severity
		}
		if alert.RiskScore > existing.RiskScore {
			existing.RiskScore = alert.RiskScore
		}
		existing.Evidence = append(existing.Evidence, alert.Evidence...)
		existing.UpdatedAt = now
		if err := m.repo.SaveAlert(ctx, tenantID, existing); err != nil {
			return nil, fmt.Errorf("failed to merge alert: %w", err)
		}
		m.logger.Debug("alert merged",
			"tenant_id", tenantID,
			"alert_id", existing.ID,
			"occurrences", existing.Occurrences,
		)
		return existing, nil
	}

	alert.ID = uuid.New().String()
	alert.TenantID = tenantID
	alert.Status = domain.AlertNew
	alert.Occurrences = 1
	alert.DetectedAt = now
	alert.UpdatedAt = now
	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	m.publish(ctx, tenantID, domain.TopicAlertCreated, alert)
	m.logger.Info("alert raised",
		"tenant_id", tenantID,
		"alert_id", alert.ID,
		"type", string(alert.Type),
		"severity", string(alert.Severity),
		"entity_id", alert.Entities[0],
	)
	return alert, nil
}

// Transition moves an alert one step forward in its lifecycle. Acknowledging
// stamps AcknowledgedAt, which stops the escalation clock.
func (m *Manager) Transition(ctx context.Context, tenantID string, alertID string, to domain.AlertStatus) (*domain.FraudAlert, error) {
	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	if !alert.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: alert %s -> %s", domain.ErrInvalidTransition, alert.Status, to)
	}

	now := time.Now().UTC()
	alert.Status = to
	alert.UpdatedAt = now
	if to == domain.AlertAcknowledged {
		alert.AcknowledgedAt = &now
	}

	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Reopen returns a resolved alert to investigating. Used by case management
// when a closed line of inquiry turns out to be live.
func (m *Manager) Reopen(ctx context.Context, tenantID string, alertID string) (*domain.FraudAlert, error) {
	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status != domain.AlertResolved {
		return nil, fmt.Errorf("%w: only resolved alerts can be reopened", domain.ErrInvalidTransition)
	}

	alert.Status = domain.AlertInvestigating
	alert.UpdatedAt = time.Now().UTC()
	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// AttachCase links an alert to its investigating case.
func (m *Manager) AttachCase(ctx context.Context, tenantID string, alertID string, caseID string) error {
	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return err
	}
	alert.CaseID = caseID
	alert.UpdatedAt = time.Now().UTC()
	return m.repo.SaveAlert(ctx, tenantID, alert)
}

// HandleActionFailure is the bus handler for exhausted action retries: every
// failed action surfaces as a critical alert.
func (m *Manager) HandleActionFailure(ctx context.Context, msg *domain.Message) error {
	var action domain.AutomatedAction
	if err := json.Unmarshal(msg.Payload, &action); err != nil {
		return fmt.Errorf("malformed action payload: %w", err)
	}

	_, err := m.Raise(ctx, msg.TenantID, &domain.FraudAlert{
		Type:      domain.AlertTypeActionFailure,
		Severity:  domain.SeverityCritical,
		Entities:  []string{action.EntityID},
		RiskScore: 1.0,
		Evidence:  []string{action.ID, action.TriggerEventID},
	})
	return err
}

// Start launches the escalation sweep loop.
func (m *Manager) Start(ctx context.Context) {
	go m.sweepLoop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)

	interval := m.cfg.EscalationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep escalates unacknowledged alerts past their severity's response
// deadline: severity bumps one level and the escalated flag is set, once.
func (m *Manager) sweep(ctx context.Context) {
	for _, tenantID := range m.trackedTenants() {
		alerts, err := m.repo.ListAlerts(ctx, tenantID, domain.AlertFilter{Status: domain.AlertNew, Limit: 500})
		if err != nil {
			m.logger.Error("escalation sweep failed", "tenant_id", tenantID, "error", err)
			continue
		}

		now := time.Now().UTC()
		for _, alert := range alerts {
			if alert.Escalated {
				continue
			}
			sla, ok := m.slas[alert.Severity]
			if !ok || now.Sub(alert.DetectedAt) < sla.MaxResponseTime {
				continue
			}

			alert.Severity = alert.Severity.Bump()
			alert.Escalated = true
			alert.UpdatedAt = now
			if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
				m.logger.Error("failed to escalate alert", "alert_id", alert.ID, "error", err)
				continue
			}

			m.publish(ctx, tenantID, domain.TopicAlertEscalated, alert)
			m.logger.Warn("alert escalated",
				"tenant_id", tenantID,
				"alert_id", alert.ID,
				"severity", string(alert.Severity),
				"channels", m.slas[alert.Severity].EscalationSet,
			)
		}
	}
}

func (m *Manager) trackTenant(tenantID string) {
	m.mu.Lock()
	m.tenants[tenantID] = true
	m.mu.Unlock()
}

func (m *Manager) trackedTenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tenants))
	for t := range m.tenants {
		out = append(out, t)
	}
	return out
}

func (m *Manager) publish(ctx context.Context, tenantID string, topic string, alert *domain.FraudAlert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		m.logger.Warn("failed to publish alert event", "topic", topic, "error", err)
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
