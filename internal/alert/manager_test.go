package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestManager(t *testing.T) (*Manager, domain.Repository, *bus.ChannelBus) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-alert-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	busImpl := bus.NewChannelBus(100)
	t.Cleanup(func() { busImpl.Close() })

	cfg := domain.AlertConfig{
		DedupeWindow:       15 * time.Minute,
		EscalationInterval: time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(repo, cache.NewLRUCache(1000), busImpl, cfg, logger), repo, busImpl
}

func scoreAlert(entity string, severity domain.AlertSeverity, score float64) *domain.FraudAlert {
	return &domain.FraudAlert{
		Type:      domain.AlertTypeScore,
		Severity:  severity,
		Entities:  []string{entity},
		RiskScore: score,
		Evidence:  []string{"ev-" + entity},
	}
}

func TestRaiseDeduplicates(t *testing.T) {
	manager, _, busImpl := newTestManager(t)
	ctx := context.Background()

	created := make(chan *domain.Message, 10)
	if _, err := busImpl.Subscribe(ctx, "tenant-001", domain.TopicAlertCreated, func(ctx context.Context, msg *domain.Message) error {
		created <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	first, err := manager.Raise(ctx, "tenant-001", scoreAlert("entity-1", domain.SeverityHigh, 0.7))
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if first.Status != domain.AlertNew || first.Occurrences != 1 {
		t.Errorf("unexpected initial alert: status=%s occurrences=%d", first.Status, first.Occurrences)
	}

	// Two more raises inside the dedup window merge into the same alert,
	// keeping the highest severity and risk score.
	second, err := manager.Raise(ctx, "tenant-001", scoreAlert("entity-1", domain.SeverityCritical, 0.9))
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	third, err := manager.Raise(ctx, "tenant-001", scoreAlert("entity-1", domain.SeverityMedium, 0.5))
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	if second.ID != first.ID || third.ID != first.ID {
		t.Errorf("expected one surviving alert, got IDs %s, %s, %s", first.ID, second.ID, third.ID)
	}
	if third.Occurrences != 3 {
		t.Errorf("expected 3 occurrences, got %d", third.Occurrences)
	}
	if third.Severity != domain.SeverityCritical {
		t.Errorf("expected merged severity critical, got %s", third.Severity)
	}
	if third.RiskScore != 0.9 {
		t.Errorf("expected merged risk score 0.9, got %.2f", third.RiskScore)
	}
	if len(third.Evidence) != 3 {
		t.Errorf("expected merged evidence from all raises, got %d items", len(third.Evidence))
	}

	// Only the first raise publishes a creation event.
	select {
	case <-created:
	case <-time.After(time.Second):
		t.Fatal("expected alert.created for the first raise")
	}
	select {
	case <-created:
		t.Error("merged raises must not publish alert.created")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRaiseConcurrentDuplicates(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	// Raises arrive from pipeline shards and bus handlers at once. The
	// dedup bucket lock must serialize them into a single merged alert
	// rather than racing find-then-save into several open alerts.
	const raisers = 8
	errs := make(chan error, raisers)
	var wg sync.WaitGroup
	wg.Add(raisers)
	for i := 0; i < raisers; i++ {
		go func() {
			defer wg.Done()
			_, err := manager.Raise(ctx, "tenant-001", scoreAlert("entity-1", domain.SeverityHigh, 0.7))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Raise failed: %v", err)
		}
	}

	alerts, err := repo.ListAlerts(ctx, "tenant-001", domain.AlertFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one deduplicated alert, got %d", len(alerts))
	}
	if alerts[0].Occurrences != raisers {
		t.Errorf("expected %d occurrences, got %d", raisers, alerts[0].Occurrences)
	}
}

func TestRaiseSeparatesByEntityAndType(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := manager.Raise(ctx, "tenant-001", scoreAlert("entity-1", domain.SeverityHigh, 0.7))
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	b, err := manager.Raise(ctx, "tenant-001", scoreAlert("entity-2", domain.SeverityHigh, 0.7))
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if a.ID == b.ID {
		t.Error("different entities must not merge")
	}

	network := &domain.FraudAlert{
		Type:      domain.AlertTypeNetwork,
		Severity:  domain.SeverityHigh,
		Entities:  []string{"entity-1"},
		RiskScore: 0.7,
	}
	c, err := manager.Raise(ctx, "tenant-001", network)
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if c.ID == a.ID {
		t.Error("different alert types must not merge")
	}
}

func TestRaiseRequiresEntity(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, err := manager.Raise(context.Background(), "tenant-001", &domain.FraudAlert{
		Type:     domain.AlertTypeScore,
		Severity: domain.SeverityHigh,
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without entities, got: %v", err)
	}
}

func TestAlertTransitions(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	alert, err := manager.Raise(ctx, "tenant-001", scoreAlert("entity-1", domain.SeverityHigh, 0.7))
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	// Skipping a step is rejected.
	if _, err := manager.Transition(ctx, "tenant-001", alert.ID, domain.AlertInvestigating); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for new -> investigating, got: %v", err)
	}

	ack, err := manager.Transition(ctx, "tenant-001", alert.ID, domain.AlertAcknowledged)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if ack.AcknowledgedAt == nil {
		t.Error("acknowledging must stamp AcknowledgedAt")
	}

	if _, err := manager.Transition(ctx, "tenant-001", alert.ID, domain.AlertInvestigating); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	resolved, err := manager.Transition(ctx, "tenant-001", alert.ID, domain.AlertResolved)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// Backward moves are rejected; only Reopen goes back.
	if _, err := manager.Transition(ctx, "tenant-001", alert.ID, domain.AlertNew); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition going backward, got: %v", err)
	}

	reopened, err := manager.Reopen(ctx, "tenant-001", resolved.ID)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if reopened.Status != domain.AlertInvestigating {
		t.Errorf("expected investigating after reopen, got %s", reopened.Status)
	}

	// Reopening a non-resolved alert is rejected.
	if _, err := manager.Reopen(ctx, "tenant-001", reopened.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition reopening live alert, got: %v", err)
	}
}

func TestHandleActionFailure(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	action := &domain.AutomatedAction{
		ID:             "action-1",
		TenantID:       "tenant-001",
		EntityID:       "entity-1",
		Type:           domain.ActionFreezeAccount,
		TriggerEventID: "ev-1",
		State:          domain.ActionFailed,
	}
	payload, _ := json.Marshal(action)

	err := manager.HandleActionFailure(ctx, &domain.Message{
		TenantID: "tenant-001",
		Topic:    domain.TopicActionFailed,
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("HandleActionFailure failed: %v", err)
	}

	alerts, err := repo.ListAlerts(ctx, "tenant-001", domain.AlertFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Type != domain.AlertTypeActionFailure || alerts[0].Severity != domain.SeverityCritical {
		t.Errorf("expected critical action_failure alert, got %s/%s", alerts[0].Type, alerts[0].Severity)
	}
}

func TestEscalationSweep(t *testing.T) {
	manager, repo, busImpl := newTestManager(t)
	ctx := context.Background()

	escalated := make(chan *domain.Message, 10)
	if _, err := busImpl.Subscribe(ctx, "tenant-001", domain.TopicAlertEscalated, func(ctx context.Context, msg *domain.Message) error {
		escalated <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// A high-severity alert unacknowledged past its 30-minute deadline.
	overdue := &domain.FraudAlert{
		ID:          "alert-overdue",
		TenantID:    "tenant-001",
		Type:        domain.AlertTypeScore,
		Severity:    domain.SeverityHigh,
		Status:      domain.AlertNew,
		Entities:    []string{"entity-1"},
		RiskScore:   0.7,
		Occurrences: 1,
		DetectedAt:  time.Now().UTC().Add(-time.Hour),
		UpdatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	if err := repo.SaveAlert(ctx, "tenant-001", overdue); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}

	// A fresh alert inside its deadline.
	fresh := &domain.FraudAlert{
		ID:          "alert-fresh",
		TenantID:    "tenant-001",
		Type:        domain.AlertTypeNetwork,
		Severity:    domain.SeverityHigh,
		Status:      domain.AlertNew,
		Entities:    []string{"entity-2"},
		RiskScore:   0.7,
		Occurrences: 1,
		DetectedAt:  time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := repo.SaveAlert(ctx, "tenant-001", fresh); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}

	manager.trackTenant("tenant-001")
	manager.sweep(ctx)

	got, err := repo.GetAlert(ctx, "tenant-001", "alert-overdue")
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if got.Severity != domain.SeverityCritical {
		t.Errorf("expected severity bump to critical, got %s", got.Severity)
	}
	if !got.Escalated {
		t.Error("expected escalated flag")
	}

	untouched, err := repo.GetAlert(ctx, "tenant-001", "alert-fresh")
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if untouched.Escalated || untouched.Severity != domain.SeverityHigh {
		t.Errorf("fresh alert must not escalate: escalated=%v severity=%s", untouched.Escalated, untouched.Severity)
	}

	select {
	case <-escalated:
	case <-time.After(time.Second):
		t.Fatal("expected alert.escalated on the bus")
	}

	// A second sweep does not escalate the same alert twice.
	manager.sweep(ctx)
	select {
	case <-escalated:
		t.Error("escalation must be one-shot")
	case <-time.After(50 * time.Millisecond):
	}
}
