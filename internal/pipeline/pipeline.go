// Package pipeline orchestrates event scoring end to end: dedupe, feature
// extraction, ensemble scoring, network analysis, routing, actions, alerts,
// and profile updates.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/action"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/network"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/threshold"
)

const engineVersion = "kestrel/1"

// Pipeline shards events by entity so each entity's events process in
// order, while different entities run concurrently across shards.
type Pipeline struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	profiles  *profile.Store
	extractor *feature.Extractor
	engine    *scoring.Engine
	analyzer  *network.Analyzer
	router    *threshold.Router
	actions   *action.Executor
	alerts    *alert.Manager
	cfg       domain.PipelineConfig
	logger    *slog.Logger
	tracer    trace.Tracer

	shards []chan *task
	wg     sync.WaitGroup

	mu         sync.Mutex
	requeueSub map[string]domain.Subscription
	closed     bool
}

type task struct {
	ctx     context.Context
	event   *domain.Event
	requeue bool // redelivery of a fallback event, bypasses dedupe
	result  chan taskResult
}

type taskResult struct {
	decision *domain.Decision
	err      error
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Profiles  *profile.Store
	Extractor *feature.Extractor
	Engine    *scoring.Engine
	Analyzer  *network.Analyzer
	Router    *threshold.Router
	Actions   *action.Executor
	Alerts    *alert.Manager
}

// New creates a pipeline. Start must be called before Process.
func New(deps Deps, cfg domain.PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if cfg.ShardQueueSize <= 0 {
		cfg.ShardQueueSize = 256
	}
	// The fallback band is fail-closed: never below medium.
	if cfg.FallbackBand.Rank() < domain.BandMedium.Rank() {
		cfg.FallbackBand = domain.BandMedium
	}

	return &Pipeline{
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		profiles:   deps.Profiles,
		extractor:  deps.Extractor,
		engine:     deps.Engine,
		analyzer:   deps.Analyzer,
		router:     deps.Router,
		actions:    deps.Actions,
		alerts:     deps.Alerts,
		cfg:        cfg,
		logger:     logger.With("component", "pipeline"),
		tracer:     otel.Tracer("kestrel/pipeline"),
		requeueSub: make(map[string]domain.Subscription),
	}
}

// Start launches the shard workers.
func (p *Pipeline) Start(ctx context.Context) {
	p.shards = make([]chan *task, p.cfg.ShardCount)
	for i := range p.shards {
		p.shards[i] = make(chan *task, p.cfg.ShardQueueSize)
		p.wg.Add(1)
		go p.worker(p.shards[i])
	}
}

// Stop drains the shards and waits for in-flight events to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, sub := range p.requeueSub {
		sub.Unsubscribe()
	}
	p.mu.Unlock()

	for _, shard := range p.shards {
		close(shard)
	}
	p.wg.Wait()
}

// Process scores one event synchronously. Events for the same entity are
// serialized on their shard; the caller blocks until the decision is made.
func (p *Pipeline) Process(ctx context.Context, ev *domain.Event) (*domain.Decision, error) {
	return p.submit(ctx, ev, false)
}

func (p *Pipeline) submit(ctx context.Context, ev *domain.Event, requeue bool) (*domain.Decision, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	p.ensureRequeueSubscription(ctx, ev.TenantID)

	t := &task{
		ctx:     ctx,
		event:   ev,
		requeue: requeue,
		result:  make(chan taskResult, 1),
	}

	shard := p.shards[p.shardFor(ev.EntityID)]
	select {
	case shard <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.result:
		return res.decision, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) shardFor(entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32()) % len(p.shards)
}

func (p *Pipeline) worker(shard chan *task) {
	defer p.wg.Done()
	for t := range shard {
		decision, err := p.process(t.ctx, t.event, t.requeue)
		t.result <- taskResult{decision: decision, err: err}
	}
}

// process runs the full decision path for one event.
func (p *Pipeline) process(ctx context.Context, ev *domain.Event, requeue bool) (*domain.Decision, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()
	start := time.Now()
	tenantID := ev.TenantID

	// At-least-once delivery: the event ID claim makes redeliveries
	// no-ops. Requeued fallback events re-enter deliberately.
	if !requeue {
		won, err := p.cache.SetIfAbsent(ctx, tenantID, "event:seen:"+ev.ID, []byte("1"), p.cfg.DedupeTTL)
		if err != nil {
			p.logger.Warn("dedupe check failed, continuing", "event_id", ev.ID, "error", err)
		} else if !won {
			return nil, domain.ErrDuplicateEvent
		}
	}

	if err := p.repo.SaveEvent(ctx, tenantID, ev); err != nil && !requeue {
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	prof, err := p.profiles.Get(ctx, tenantID, ev.EntityID)
	if err != nil {
		return nil, err
	}

	extractStart := time.Now()
	vec, err := p.extractor.Extract(ctx, ev, prof)
	if err != nil {
		return nil, fmt.Errorf("feature extraction failed: %w", err)
	}
	extractMs := time.Since(extractStart).Milliseconds()

	// Scoring and network analysis run in parallel under their own
	// deadlines. A scoring miss falls back; a network miss just loses
	// patterns for this event.
	var (
		result    *domain.EnsembleResult
		scoreErr  error
		patterns  []*domain.SuspiciousPattern
		scoringMs int64
		networkMs int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.Now()
		sctx, cancel := context.WithTimeout(gctx, p.cfg.ScoringTimeout)
		defer cancel()
		// The scorer may outlive the deadline; it hands its outcome over
		// a buffered channel so the abandoned goroutine never writes to
		// variables this function still reads.
		type scoreOutcome struct {
			result *domain.EnsembleResult
			err    error
		}
		done := make(chan scoreOutcome, 1)
		go func() {
			r, err := p.engine.Score(sctx, vec)
			done <- scoreOutcome{result: r, err: err}
		}()
		select {
		case out := <-done:
			result, scoreErr = out.result, out.err
		case <-sctx.Done():
			scoreErr = domain.ErrScoringTimeout
		}
		scoringMs = time.Since(t).Milliseconds()
		return nil
	})
	g.Go(func() error {
		t := time.Now()
		nctx, cancel := context.WithTimeout(gctx, p.cfg.NetworkTimeout)
		defer cancel()
		var nerr error
		patterns, nerr = p.analyzer.Analyze(nctx, ev)
		if nerr != nil {
			p.logger.Warn("network analysis incomplete", "event_id", ev.ID, "error", nerr)
		}
		networkMs = time.Since(t).Milliseconds()
		return nil
	})
	g.Wait()

	decision := &domain.Decision{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		EventID:   ev.ID,
		EntityID:  ev.EntityID,
		Timestamp: time.Now().UTC(),
	}

	if scoreErr != nil {
		// Fail closed: conservative band, flag for review, requeue for
		// async re-evaluation. A risk signal is never dropped.
		p.logger.Error("scoring failed, using fallback band",
			"event_id", ev.ID, "error", scoreErr)
		decision.Fallback = true
		decision.RiskScore = 0.5
		decision.Band = p.cfg.FallbackBand
		decision.HumanReviewRequired = true
		if !requeue {
			p.requeueEvent(ctx, tenantID, ev)
		}
	} else {
		decision.RiskScore = result.RiskScore
		decision.ModelScores = result.ModelScores
		decision.Contributions = result.Contributions

		shadow := p.engine.ScoreShadow(ctx, vec)
		decision.ModelScores = append(decision.ModelScores, shadow...)
	}

	routingStart := time.Now()
	routing := p.router.Route(tenantID, decision.RiskScore, patterns)
	if !decision.Fallback {
		decision.Band = routing.Band
		decision.HumanReviewRequired = routing.HumanReviewRequired
	} else if routing.Band.Rank() > decision.Band.Rank() {
		// Network findings can still upgrade a fallback decision.
		decision.Band = routing.Band
	}
	routingMs := time.Since(routingStart).Milliseconds()

	for _, pat := range patterns {
		decision.Patterns = append(decision.Patterns, *pat)
	}

	actionIDs, err := p.actions.Trigger(ctx, tenantID, ev, routing)
	if err != nil {
		p.logger.Error("action trigger failed", "event_id", ev.ID, "error", err)
	}
	decision.ActionIDs = actionIDs

	p.raiseAlerts(ctx, tenantID, ev, decision, patterns)

	decision.Metadata = domain.DecisionMetadata{
		TraceID:       span.SpanContext().TraceID().String(),
		ExtractMs:     extractMs,
		ScoringMs:     scoringMs,
		NetworkMs:     networkMs,
		RoutingMs:     routingMs,
		TotalMs:       time.Since(start).Milliseconds(),
		ModelsScored:  len(decision.ModelScores),
		EngineVersion: engineVersion,
	}

	if err := p.repo.SaveDecision(ctx, tenantID, decision); err != nil {
		return nil, fmt.Errorf("failed to persist decision: %w", err)
	}

	if _, err := p.profiles.Apply(ctx, tenantID, ev, decision.RiskScore); err != nil {
		p.logger.Error("profile update failed", "entity_id", ev.EntityID, "error", err)
	}

	p.publishDecision(ctx, tenantID, decision)

	p.logger.Info("event scored",
		"tenant_id", tenantID,
		"event_id", ev.ID,
		"entity_id", ev.EntityID,
		"risk_score", decision.RiskScore,
		"band", string(decision.Band),
		"fallback", decision.Fallback,
		"total_ms", decision.Metadata.TotalMs,
	)

	return decision, nil
}

// raiseAlerts creates the risk-score alert for every non-low band and one
// network-pattern alert per detected pattern.
func (p *Pipeline) raiseAlerts(ctx context.Context, tenantID string, ev *domain.Event, decision *domain.Decision, patterns []*domain.SuspiciousPattern) {
	if decision.Band.Rank() > domain.BandLow.Rank() {
		raised, err := p.alerts.Raise(ctx, tenantID, &domain.FraudAlert{
			Type:      domain.AlertTypeScore,
			Severity:  domain.SeverityForBand(decision.Band),
			Entities:  []string{ev.EntityID},
			RiskScore: decision.RiskScore,
			Evidence:  []string{ev.ID, decision.ID},
		})
		if err != nil {
			p.logger.Error("failed to raise score alert", "event_id", ev.ID, "error", err)
		} else {
			decision.AlertID = raised.ID
		}
	}

	for _, pat := range patterns {
		severity := domain.SeverityHigh
		if pat.AutomaticBlocking {
			severity = domain.SeverityCritical
		}
		if _, err := p.alerts.Raise(ctx, tenantID, &domain.FraudAlert{
			Type:      domain.AlertTypeNetwork,
			Severity:  severity,
			Entities:  pat.Entities,
			RiskScore: pat.Confidence,
			Evidence:  append([]string{pat.ID, decision.ID}, pat.Evidence...),
		}); err != nil {
			p.logger.Error("failed to raise pattern alert", "pattern_id", pat.ID, "error", err)
		}
	}
}

func (p *Pipeline) requeueEvent(ctx context.Context, tenantID string, ev *domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, tenantID, domain.TopicEventRequeued, payload); err != nil {
		p.logger.Error("failed to requeue event", "event_id", ev.ID, "error", err)
	}
}

func (p *Pipeline) publishDecision(ctx context.Context, tenantID string, decision *domain.Decision) {
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, tenantID, domain.TopicDecision, payload); err != nil {
		p.logger.Warn("failed to publish decision", "decision_id", decision.ID, "error", err)
	}
}

// ensureRequeueSubscription lazily subscribes to the tenant's requeue topic
// so fallback events get re-evaluated asynchronously.
func (p *Pipeline) ensureRequeueSubscription(ctx context.Context, tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.requeueSub[tenantID]; ok {
		return
	}

	sub, err := p.bus.Subscribe(context.WithoutCancel(ctx), tenantID, domain.TopicEventRequeued,
		func(hctx context.Context, msg *domain.Message) error {
			var ev domain.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			_, err := p.submit(hctx, &ev, true)
			return err
		})
	if err != nil {
		p.logger.Error("failed to subscribe to requeue topic", "tenant_id", tenantID, "error", err)
		return
	}
	p.requeueSub[tenantID] = sub
}
