// Package network detects multi-entity fraud patterns over a sliding
// transaction window.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// txRecord is one transaction observation kept inside the window.
type txRecord struct {
	EventID   string
	From      string
	To        string
	Amount    float64
	Timestamp time.Time
}

type edgeKey struct {
	From string
	To   string
	Type domain.EdgeType
}

// graphWindow is the per-tenant analysis state. Protected by the analyzer
// mutex; the pipeline serializes per entity but different entities hit the
// same tenant graph concurrently.
type graphWindow struct {
	txs     []txRecord
	nodes   map[string]*domain.NetworkNode
	edges   map[edgeKey]*domain.NetworkEdge
	devices map[string][]string // device ID -> entity IDs seen on it
}

// Analyzer maintains per-tenant transaction graphs and runs the pattern
// matchers on every observed transaction.
type Analyzer struct {
	mu      sync.Mutex
	cfg     domain.NetworkConfig
	tenants map[string]*graphWindow
	logger  *slog.Logger
}

// NewAnalyzer creates a network analyzer.
func NewAnalyzer(cfg domain.NetworkConfig, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		tenants: make(map[string]*graphWindow),
		logger:  logger.With("component", "network"),
	}
}

// Analyze folds the event into the tenant's graph window and returns every
// pattern the matchers find. Non-transaction events update device-sharing
// edges only. Multiple matches on the same entities are returned as
// distinct patterns.
func (a *Analyzer) Analyze(ctx context.Context, ev *domain.Event) ([]*domain.SuspiciousPattern, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g := a.window(ev.TenantID)
	now := ev.Timestamp
	a.evict(g, now)

	if ev.DeviceID != "" {
		a.observeDevice(g, ev, now)
	}

	if ev.Type != domain.EventTypeTransaction {
		return nil, nil
	}

	rec := txRecord{
		EventID:   ev.ID,
		From:      ev.EntityID,
		To:        ev.Transaction.CounterpartyID,
		Amount:    ev.Transaction.Amount,
		Timestamp: now,
	}
	a.observeTransaction(g, rec, now)

	var patterns []*domain.SuspiciousPattern
	matchers := []func(*graphWindow, txRecord) *domain.SuspiciousPattern{
		a.matchCircular,
		a.matchRapidMovement,
		a.matchStructuring,
		a.matchWashTrading,
		a.matchSynchronized,
	}
	for _, match := range matchers {
		select {
		case <-ctx.Done():
			return patterns, ctx.Err()
		default:
		}
		if p := match(g, rec); p != nil {
			p.ID = uuid.New().String()
			p.TenantID = ev.TenantID
			p.DetectedAt = time.Now().UTC()
			markSuspicious(g, p.Entities)
			patterns = append(patterns, p)
			a.logger.Info("pattern detected",
				"tenant_id", ev.TenantID,
				"pattern", string(p.Type),
				"confidence", p.Confidence,
				"entities", len(p.Entities),
			)
		}
	}

	return patterns, nil
}

// Snapshot returns the current nodes and edges for a tenant, for the
// inspection API.
func (a *Analyzer) Snapshot(tenantID string) ([]*domain.NetworkNode, []*domain.NetworkEdge) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.tenants[tenantID]
	if !ok {
		return nil, nil
	}

	nodes := make([]*domain.NetworkNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		cp := *n
		nodes = append(nodes, &cp)
	}
	edges := make([]*domain.NetworkEdge, 0, len(g.edges))
	for _, e := range g.edges {
		cp := *e
		edges = append(edges, &cp)
	}
	return nodes, edges
}

func (a *Analyzer) window(tenantID string) *graphWindow {
	g, ok := a.tenants[tenantID]
	if !ok {
		g = &graphWindow{
			nodes:   make(map[string]*domain.NetworkNode),
			edges:   make(map[edgeKey]*domain.NetworkEdge),
			devices: make(map[string][]string),
		}
		a.tenants[tenantID] = g
	}
	return g
}

// evict drops transactions and edges that fell out of the window.
func (a *Analyzer) evict(g *graphWindow, now time.Time) {
	cutoff := now.Add(-a.cfg.WindowWidth)

	kept := g.txs[:0]
	for _, tx := range g.txs {
		if tx.Timestamp.After(cutoff) {
			kept = append(kept, tx)
		}
	}
	g.txs = kept

	for k, e := range g.edges {
		if !e.LastSeen.After(cutoff) {
			delete(g.edges, k)
		}
	}
	for id, n := range g.nodes {
		if !n.LastSeen.After(cutoff) {
			delete(g.nodes, id)
		}
	}
}

func (a *Analyzer) observeTransaction(g *graphWindow, rec txRecord, now time.Time) {
	g.txs = append(g.txs, rec)
	a.touchNode(g, rec.From, domain.NodeUser, now)
	a.touchNode(g, rec.To, domain.NodeAccount, now)
	a.touchEdge(g, rec.From, rec.To, domain.EdgeTransaction, rec.Amount, now)
}

func (a *Analyzer) observeDevice(g *graphWindow, ev *domain.Event, now time.Time) {
	a.touchNode(g, ev.DeviceID, domain.NodeDevice, now)
	entities := g.devices[ev.DeviceID]
	for _, known := range entities {
		if known == ev.EntityID {
			return
		}
		a.touchEdge(g, known, ev.EntityID, domain.EdgeDeviceSharing, 1, now)
	}
	g.devices[ev.DeviceID] = append(entities, ev.EntityID)
}

func (a *Analyzer) touchNode(g *graphWindow, id string, nodeType domain.NodeType, now time.Time) {
	if n, ok := g.nodes[id]; ok {
		n.LastSeen = now
		return
	}
	g.nodes[id] = &domain.NetworkNode{
		ID:        id,
		Type:      nodeType,
		FirstSeen: now,
		LastSeen:  now,
	}
}

func (a *Analyzer) touchEdge(g *graphWindow, from, to string, edgeType domain.EdgeType, weight float64, now time.Time) {
	k := edgeKey{From: from, To: to, Type: edgeType}
	if e, ok := g.edges[k]; ok {
		e.Weight += weight
		e.Frequency++
		e.LastSeen = now
		return
	}
	g.edges[k] = &domain.NetworkEdge{
		From:      from,
		To:        to,
		Type:      edgeType,
		Weight:    weight,
		Frequency: 1,
		LastSeen:  now,
	}
}

func markSuspicious(g *graphWindow, entities []string) {
	for _, id := range entities {
		if n, ok := g.nodes[id]; ok {
			n.Suspicious = true
			if n.RiskLevel < 0.8 {
				n.RiskLevel = 0.8
			}
		}
	}
}
