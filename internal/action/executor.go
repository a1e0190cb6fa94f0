// Package action executes and tracks automated containment actions.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Handler carries out one action type against the downstream system
// (account service, payment gateway). Implementations must be idempotent.
type Handler func(ctx context.Context, action *domain.AutomatedAction) error

// RollbackHandler reverses a previously succeeded action.
type RollbackHandler func(ctx context.Context, action *domain.AutomatedAction) error

// Executor runs the action state machine: pending -> executing ->
// succeeded/failed, with bounded retries, per (entity, type) cooldown, and
// idempotent trigger deduplication.
type Executor struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	cfg       domain.ActionConfig
	logger    *slog.Logger
	handlers  map[domain.ActionType]Handler
	rollbacks map[domain.ActionType]RollbackHandler
}

// NewExecutor creates an action executor with no-op handlers. Deployments
// register real handlers per action type.
func NewExecutor(repo domain.Repository, cache domain.Cache, bus domain.EventBus, cfg domain.ActionConfig, logger *slog.Logger) *Executor {
	return &Executor{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "action"),
		handlers:  make(map[domain.ActionType]Handler),
		rollbacks: make(map[domain.ActionType]RollbackHandler),
	}
}

// RegisterHandler installs the execution handler for an action type.
func (e *Executor) RegisterHandler(t domain.ActionType, h Handler) {
	e.handlers[t] = h
}

// RegisterRollback installs the rollback handler for an action type.
func (e *Executor) RegisterRollback(t domain.ActionType, h RollbackHandler) {
	e.rollbacks[t] = h
}

// Trigger executes a set of actions for a routed decision. When the routing
// carries several action types, the full set runs but ordering is by
// restrictiveness so the strongest containment lands first. Returns the IDs
// of all created actions; cooldown-suppressed types are skipped silently
// and logged.
func (e *Executor) Trigger(ctx context.Context, tenantID string, ev *domain.Event, routing *domain.Routing) ([]string, error) {
	if len(routing.Actions) == 0 {
		return nil, nil
	}

	ordered := append([]domain.ActionType(nil), routing.Actions...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Rank() > ordered[j].Rank() })

	var ids []string
	for _, actionType := range ordered {
		id, err := e.execute(ctx, tenantID, ev, actionType, routing.Band)
		if err == domain.ErrActionCooldown {
			e.logger.Debug("action suppressed by cooldown",
				"tenant_id", tenantID, "entity_id", ev.EntityID, "type", string(actionType))
			continue
		}
		if err != nil {
			return ids, err
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// execute runs one action through its lifecycle. The idempotency gate makes
// concurrent triggers for the same (entity, type, event) collapse to a
// single execution; the cooldown gate suppresses repeats across events.
func (e *Executor) execute(ctx context.Context, tenantID string, ev *domain.Event, actionType domain.ActionType, band domain.RiskBand) (string, error) {
	idemKey := fmt.Sprintf("action:trigger:%s:%s:%s", ev.EntityID, actionType, ev.ID)
	won, err := e.cache.SetIfAbsent(ctx, tenantID, idemKey, []byte("1"), e.cfg.CooldownWindow)
	if err != nil {
		return "", fmt.Errorf("idempotency check failed: %w", err)
	}
	if !won {
		return "", nil // another shard already owns this trigger
	}

	cooldownKey := fmt.Sprintf("action:cooldown:%s:%s", ev.EntityID, actionType)
	won, err = e.cache.SetIfAbsent(ctx, tenantID, cooldownKey, []byte("1"), e.cfg.CooldownWindow)
	if err != nil {
		return "", fmt.Errorf("cooldown check failed: %w", err)
	}
	if !won {
		return "", domain.ErrActionCooldown
	}

	now := time.Now().UTC()
	action := &domain.AutomatedAction{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		EntityID:       ev.EntityID,
		Type:           actionType,
		TriggerEventID: ev.ID,
		TriggerBand:    band,
		State:          domain.ActionPending,
		CreatedAt:      now,
		Log: []domain.ActionLogEntry{
			{Timestamp: now, State: domain.ActionPending, Actor: "system", Note: "triggered by decision"},
		},
	}
	if err := e.repo.SaveAction(ctx, tenantID, action); err != nil {
		return "", fmt.Errorf("failed to persist action: %w", err)
	}

	if err := e.run(ctx, tenantID, action); err != nil {
		e.failAction(ctx, tenantID, action, err)
		return action.ID, nil // a failed action is still a decision outcome
	}

	return action.ID, nil
}

// run drives pending -> executing -> succeeded with exponential backoff on
// transient handler failures.
func (e *Executor) run(ctx context.Context, tenantID string, action *domain.AutomatedAction) error {
	if err := e.transition(ctx, tenantID, action, domain.ActionExecuting, "system", ""); err != nil {
		return err
	}

	handler, ok := e.handlers[action.Type]
	if !ok {
		handler = func(context.Context, *domain.AutomatedAction) error { return nil }
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(e.cfg.RetryBaseDelay)),
		uint64(e.cfg.MaxRetries),
	), ctx)

	err := backoff.Retry(func() error {
		action.Attempts++
		return handler(ctx, action)
	}, policy)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	action.ExecutedAt = &now
	if err := e.transition(ctx, tenantID, action, domain.ActionSucceeded, "system", ""); err != nil {
		return err
	}

	e.publish(ctx, tenantID, domain.TopicActionExecuted, action)
	e.logger.Info("action executed",
		"tenant_id", tenantID,
		"action_id", action.ID,
		"entity_id", action.EntityID,
		"type", string(action.Type),
		"attempts", action.Attempts,
	)
	return nil
}

// failAction marks the action failed and publishes the failure so the alert
// manager raises a critical alert. Exhausted retries never vanish silently.
func (e *Executor) failAction(ctx context.Context, tenantID string, action *domain.AutomatedAction, cause error) {
	if err := e.transition(ctx, tenantID, action, domain.ActionFailed, "system", cause.Error()); err != nil {
		e.logger.Error("failed to record action failure", "action_id", action.ID, "error", err)
	}

	e.publish(ctx, tenantID, domain.TopicActionFailed, action)
	e.logger.Error("action failed after retries",
		"tenant_id", tenantID,
		"action_id", action.ID,
		"entity_id", action.EntityID,
		"type", string(action.Type),
		"attempts", action.Attempts,
		"error", cause,
	)
}

// Rollback reverses a succeeded action. Only succeeded actions can roll
// back; anything else is an invalid transition.
func (e *Executor) Rollback(ctx context.Context, tenantID string, actionID string, actor string, reason string) (*domain.AutomatedAction, error) {
	action, err := e.repo.GetAction(ctx, tenantID, actionID)
	if err != nil {
		return nil, err
	}

	if !action.State.CanTransition(domain.ActionRolledBack) {
		return nil, fmt.Errorf("%w: cannot roll back action in state %s", domain.ErrInvalidTransition, action.State)
	}

	if rollback, ok := e.rollbacks[action.Type]; ok {
		if err := rollback(ctx, action); err != nil {
			return nil, fmt.Errorf("rollback handler failed: %w", err)
		}
	}

	if err := e.transition(ctx, tenantID, action, domain.ActionRolledBack, actor, reason); err != nil {
		return nil, err
	}
	return action, nil
}

// Override records a manual officer decision on an action. The justification
// is mandatory and lands in the action log; case timeline linkage is the
// caller's responsibility.
func (e *Executor) Override(ctx context.Context, tenantID string, actionID string, req *domain.OverrideRequest) (*domain.AutomatedAction, error) {
	if req.OfficerID == "" || req.Justification == "" {
		return nil, fmt.Errorf("%w: officer ID and justification are required", domain.ErrInvalidInput)
	}
	return e.Rollback(ctx, tenantID, actionID, req.OfficerID, "override: "+req.Justification)
}

// transition applies one legal state change and appends to the action log.
func (e *Executor) transition(ctx context.Context, tenantID string, action *domain.AutomatedAction, to domain.ActionState, actor string, note string) error {
	if !action.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, action.State, to)
	}
	action.State = to
	action.Log = append(action.Log, domain.ActionLogEntry{
		Timestamp: time.Now().UTC(),
		State:     to,
		Actor:     actor,
		Note:      note,
	})
	return e.repo.SaveAction(ctx, tenantID, action)
}

func (e *Executor) publish(ctx context.Context, tenantID string, topic string, action *domain.AutomatedAction) {
	payload, err := json.Marshal(action)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		e.logger.Warn("failed to publish action event", "topic", topic, "error", err)
	}
}
