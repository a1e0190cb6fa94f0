package network

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestAnalyzer() *Analyzer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAnalyzer(domain.DefaultConfig().Network, logger)
}

func txEvent(id, from, to string, amount float64, ts time.Time) *domain.Event {
	return &domain.Event{
		ID:        id,
		TenantID:  "tenant-001",
		EntityID:  from,
		Type:      domain.EventTypeTransaction,
		Timestamp: ts,
		Transaction: &domain.TransactionPayload{
			TransactionID:  id,
			CounterpartyID: to,
			Amount:         amount,
			Currency:       "USD",
		},
	}
}

func findPattern(patterns []*domain.SuspiciousPattern, pt domain.PatternType) *domain.SuspiciousPattern {
	for _, p := range patterns {
		if p.Type == pt {
			return p
		}
	}
	return nil
}

func TestStructuringDetection(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	// Three transfers of 9,900 just under the 10,000 reporting threshold.
	// The first two must not fire.
	for i, id := range []string{"tx-1", "tx-2"} {
		patterns, err := a.Analyze(ctx, txEvent(id, "smurf-1", "dest-1", 9900, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if findPattern(patterns, domain.PatternStructuring) != nil {
			t.Fatalf("structuring fired after %d slices", i+1)
		}
	}

	patterns, err := a.Analyze(ctx, txEvent("tx-3", "smurf-1", "dest-2", 9900, base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	p := findPattern(patterns, domain.PatternStructuring)
	if p == nil {
		t.Fatal("expected structuring pattern after three sub-threshold slices")
	}
	if p.Confidence < 0.7 {
		t.Errorf("expected confidence >= 0.7, got %.2f", p.Confidence)
	}
	if len(p.Evidence) != 3 {
		t.Errorf("expected 3 evidence events, got %d", len(p.Evidence))
	}
	if len(p.Entities) != 1 || p.Entities[0] != "smurf-1" {
		t.Errorf("expected single entity smurf-1, got %v", p.Entities)
	}
	if p.Coordinated {
		t.Error("structuring is a single-entity pattern, not coordinated")
	}
	if p.ID == "" || p.TenantID != "tenant-001" {
		t.Errorf("pattern missing identifiers: id=%q tenant=%q", p.ID, p.TenantID)
	}
}

func TestStructuringFanInDetection(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	// Smurfing: three unrelated senders each move 9,900 into the same
	// recipient. No single sender clears the threshold, but the fan-in
	// total does.
	if _, err := a.Analyze(ctx, txEvent("tx-1", "smurf-1", "collector-1", 9900, base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if _, err := a.Analyze(ctx, txEvent("tx-2", "smurf-2", "collector-1", 9900, base.Add(time.Minute))); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	patterns, err := a.Analyze(ctx, txEvent("tx-3", "smurf-3", "collector-1", 9900, base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	p := findPattern(patterns, domain.PatternStructuring)
	if p == nil {
		t.Fatal("expected structuring pattern for multi-sender fan-in")
	}
	if p.Confidence < 0.7 {
		t.Errorf("expected confidence >= 0.7, got %.2f", p.Confidence)
	}
	if !p.Coordinated {
		t.Error("multi-sender fan-in is coordinated")
	}
	if len(p.Entities) != 4 {
		t.Errorf("expected 3 senders plus the collector, got %v", p.Entities)
	}
	if len(p.Evidence) != 3 {
		t.Errorf("expected 3 evidence events, got %d", len(p.Evidence))
	}
}

func TestCircularDetection(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	if _, err := a.Analyze(ctx, txEvent("tx-1", "acct-a", "acct-b", 100, base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if _, err := a.Analyze(ctx, txEvent("tx-2", "acct-b", "acct-c", 200, base.Add(time.Minute))); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	// Closing the loop: C -> A completes a 3-node cycle.
	patterns, err := a.Analyze(ctx, txEvent("tx-3", "acct-c", "acct-a", 300, base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	p := findPattern(patterns, domain.PatternCircularTransactions)
	if p == nil {
		t.Fatal("expected circular pattern on cycle close")
	}
	if !p.Coordinated {
		t.Error("circular flows are coordinated")
	}
	if len(p.Entities) != 3 {
		t.Errorf("expected 3 entities on the cycle, got %v", p.Entities)
	}
}

func TestRapidMovementDetection(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	if _, err := a.Analyze(ctx, txEvent("tx-in", "source-1", "mule-1", 1000, base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	// The mule forwards 95% of the funds one minute later.
	patterns, err := a.Analyze(ctx, txEvent("tx-out", "mule-1", "sink-1", 950, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	p := findPattern(patterns, domain.PatternRapidMovement)
	if p == nil {
		t.Fatal("expected rapid-movement pattern")
	}
	if !p.Coordinated {
		t.Error("rapid movement is coordinated")
	}
	if len(p.Entities) != 3 {
		t.Errorf("expected source, mule, sink; got %v", p.Entities)
	}
	if len(p.Evidence) != 2 {
		t.Errorf("expected both legs as evidence, got %v", p.Evidence)
	}
}

func TestRapidMovementIgnoresPartialForward(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	if _, err := a.Analyze(ctx, txEvent("tx-in", "source-1", "mule-1", 1000, base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	// Only half the funds move onward: below the pass-through ratio.
	patterns, err := a.Analyze(ctx, txEvent("tx-out", "mule-1", "sink-1", 500, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if findPattern(patterns, domain.PatternRapidMovement) != nil {
		t.Error("partial forward should not fire rapid movement")
	}
}

func TestWashTradingDetection(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	if _, err := a.Analyze(ctx, txEvent("tx-1", "trader-a", "trader-b", 500, base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if _, err := a.Analyze(ctx, txEvent("tx-2", "trader-b", "trader-a", 900, base.Add(time.Minute))); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	// Third leg balances the volume: 900 each way across 3 transfers.
	patterns, err := a.Analyze(ctx, txEvent("tx-3", "trader-a", "trader-b", 400, base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	p := findPattern(patterns, domain.PatternWashTrading)
	if p == nil {
		t.Fatal("expected wash-trading pattern on balanced back-and-forth volume")
	}
	if len(p.Entities) != 2 {
		t.Errorf("expected both traders, got %v", p.Entities)
	}
}

func TestSynchronizedDetection(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	// Three distinct senders hit the same counterparty with near-identical
	// amounts inside the sync window.
	if _, err := a.Analyze(ctx, txEvent("tx-1", "sender-1", "target-1", 1000, base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if _, err := a.Analyze(ctx, txEvent("tx-2", "sender-2", "target-1", 1000, base.Add(time.Minute))); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	patterns, err := a.Analyze(ctx, txEvent("tx-3", "sender-3", "target-1", 1000, base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	p := findPattern(patterns, domain.PatternSynchronizedTransactions)
	if p == nil {
		t.Fatal("expected synchronized pattern with 3 senders")
	}
	if !p.Coordinated {
		t.Error("synchronized transactions are coordinated")
	}
	if p.AutomaticBlocking {
		t.Errorf("3 senders at confidence %.2f should not auto-block", p.Confidence)
	}

	// A fourth sender pushes the confidence past the auto-block bar.
	patterns, err = a.Analyze(ctx, txEvent("tx-4", "sender-4", "target-1", 1000, base.Add(3*time.Minute)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	p = findPattern(patterns, domain.PatternSynchronizedTransactions)
	if p == nil {
		t.Fatal("expected synchronized pattern with 4 senders")
	}
	if !p.AutomaticBlocking {
		t.Errorf("expected auto-blocking at confidence %.2f", p.Confidence)
	}
}

func TestWindowEviction(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	if _, err := a.Analyze(ctx, txEvent("tx-old", "old-a", "old-b", 100, base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	// A transaction past the 30-minute window evicts the stale graph.
	if _, err := a.Analyze(ctx, txEvent("tx-new", "new-a", "new-b", 100, base.Add(31*time.Minute))); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	nodes, edges := a.Snapshot("tenant-001")
	for _, n := range nodes {
		if n.ID == "old-a" || n.ID == "old-b" {
			t.Errorf("node %s should have been evicted", n.ID)
		}
	}
	if len(nodes) != 2 {
		t.Errorf("expected 2 nodes after eviction, got %d", len(nodes))
	}
	if len(edges) != 1 {
		t.Errorf("expected 1 edge after eviction, got %d", len(edges))
	}
}

func TestDeviceSharingEdges(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	login := func(id, entity string, ts time.Time) *domain.Event {
		return &domain.Event{
			ID:        id,
			TenantID:  "tenant-001",
			EntityID:  entity,
			Type:      domain.EventTypeLogin,
			DeviceID:  "device-shared",
			Timestamp: ts,
			Login:     &domain.LoginPayload{Method: "password", Successful: true},
		}
	}

	if _, err := a.Analyze(ctx, login("ev-1", "user-1", base)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if _, err := a.Analyze(ctx, login("ev-2", "user-2", base.Add(time.Minute))); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	_, edges := a.Snapshot("tenant-001")
	found := false
	for _, e := range edges {
		if e.Type == domain.EdgeDeviceSharing && e.From == "user-1" && e.To == "user-2" {
			found = true
		}
	}
	if !found {
		t.Error("expected device-sharing edge between user-1 and user-2")
	}
}

func TestTenantGraphIsolation(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	base := time.Now().UTC()

	ev := txEvent("tx-1", "acct-a", "acct-b", 100, base)
	if _, err := a.Analyze(ctx, ev); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	nodes, _ := a.Snapshot("tenant-other")
	if len(nodes) != 0 {
		t.Errorf("expected empty graph for other tenant, got %d nodes", len(nodes))
	}
}
