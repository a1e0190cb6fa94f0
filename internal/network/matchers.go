package network

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// maxCycleLength bounds the circular-transaction search.
	maxCycleLength = 5

	// rapidPassThroughRatio is the share of received funds that must move
	// onward for rapid-movement detection.
	rapidPassThroughRatio = 0.8

	// structuringFloor is the fraction of the reporting threshold below
	// which amounts are too small to count as structuring slices.
	structuringFloor = 0.5

	// structuringMinCount is the minimum number of sub-threshold slices.
	structuringMinCount = 3

	// washBalanceRatio is the minimum back-and-forth volume symmetry for
	// wash trading.
	washBalanceRatio = 0.7
)

// matchCircular searches for a transaction cycle starting and ending at the
// sender: A -> B -> ... -> A. Shorter cycles score higher.
func (a *Analyzer) matchCircular(g *graphWindow, rec txRecord) *domain.SuspiciousPattern {
	adjacency := make(map[string][]string)
	for k := range g.edges {
		if k.Type == domain.EdgeTransaction {
			adjacency[k.From] = append(adjacency[k.From], k.To)
		}
	}

	path := []string{rec.From, rec.To}
	cycle := findCycle(adjacency, rec.From, rec.To, path, maxCycleLength)
	if cycle == nil {
		return nil
	}

	// 3-node cycles are the classic layering loop; confidence decays with
	// cycle length.
	confidence := 1.0 - 0.1*float64(len(cycle))
	if confidence < a.cfg.CircularConfidence {
		return nil
	}

	return &domain.SuspiciousPattern{
		Type:        domain.PatternCircularTransactions,
		Confidence:  confidence,
		Entities:    cycle,
		Evidence:    []string{rec.EventID},
		Coordinated: true,
		WindowStart: rec.Timestamp.Add(-a.cfg.WindowWidth),
		WindowEnd:   rec.Timestamp,
	}
}

// findCycle walks transaction edges depth-first looking for a path back to
// origin. Returns the distinct entities on the cycle, or nil.
func findCycle(adjacency map[string][]string, origin, current string, path []string, maxLen int) []string {
	if len(path) > maxLen {
		return nil
	}
	for _, next := range adjacency[current] {
		if next == origin && len(path) >= 3 {
			return path
		}
		if contains(path, next) {
			continue
		}
		if cycle := findCycle(adjacency, origin, next, append(path, next), maxLen); cycle != nil {
			return cycle
		}
	}
	return nil
}

// matchRapidMovement looks for funds passing through the sender: an inbound
// transfer followed quickly by an outbound transfer of most of the amount.
func (a *Analyzer) matchRapidMovement(g *graphWindow, rec txRecord) *domain.SuspiciousPattern {
	var inbound *txRecord
	for i := range g.txs {
		tx := &g.txs[i]
		if tx.To != rec.From || tx.EventID == rec.EventID {
			continue
		}
		if rec.Amount < tx.Amount*rapidPassThroughRatio || rec.Amount > tx.Amount {
			continue
		}
		if !tx.Timestamp.Before(rec.Timestamp) {
			continue
		}
		if inbound == nil || tx.Timestamp.After(inbound.Timestamp) {
			inbound = tx
		}
	}
	if inbound == nil {
		return nil
	}

	// The faster the pass-through, the higher the confidence.
	gap := rec.Timestamp.Sub(inbound.Timestamp)
	confidence := 0.9 - 0.3*float64(gap)/float64(a.cfg.WindowWidth)
	if confidence < a.cfg.RapidConfidence {
		return nil
	}

	return &domain.SuspiciousPattern{
		Type:        domain.PatternRapidMovement,
		Confidence:  confidence,
		Entities:    []string{inbound.From, rec.From, rec.To},
		Evidence:    []string{inbound.EventID, rec.EventID},
		Coordinated: true,
		WindowStart: inbound.Timestamp,
		WindowEnd:   rec.Timestamp,
	}
}

// matchStructuring detects amounts sliced just under the reporting
// threshold. Two shapes count: one sender spreading sub-threshold slices
// whose total clears the threshold, and several senders fanning
// sub-threshold slices into a common recipient (smurfing).
func (a *Analyzer) matchStructuring(g *graphWindow, rec txRecord) *domain.SuspiciousPattern {
	threshold := a.cfg.StructuringThreshold
	if threshold <= 0 || rec.Amount >= threshold || rec.Amount < threshold*structuringFloor {
		return nil
	}

	if p := a.structuredSlices(g, rec, false); p != nil {
		return p
	}
	return a.structuredSlices(g, rec, true)
}

// structuredSlices aggregates sub-threshold slices grouped by the sender
// (byRecipient false) or by the common recipient (byRecipient true) and
// builds the pattern when both slice count and total clear the bar.
func (a *Analyzer) structuredSlices(g *graphWindow, rec txRecord, byRecipient bool) *domain.SuspiciousPattern {
	threshold := a.cfg.StructuringThreshold

	var slices []txRecord
	var total float64
	for _, tx := range g.txs {
		if byRecipient {
			if tx.To != rec.To {
				continue
			}
		} else if tx.From != rec.From {
			continue
		}
		if tx.Amount >= threshold || tx.Amount < threshold*structuringFloor {
			continue
		}
		slices = append(slices, tx)
		total += tx.Amount
	}

	if len(slices) < structuringMinCount || total < threshold {
		return nil
	}

	confidence := math.Min(1, 0.5+0.1*float64(len(slices)))
	if confidence < a.cfg.StructuringConfidence {
		return nil
	}

	evidence := make([]string, 0, len(slices))
	senders := make(map[string]bool)
	start := slices[0].Timestamp
	for _, tx := range slices {
		evidence = append(evidence, tx.EventID)
		senders[tx.From] = true
		if tx.Timestamp.Before(start) {
			start = tx.Timestamp
		}
	}

	entities := []string{rec.From}
	coordinated := false
	if byRecipient {
		// A single sender fanning into one recipient is already the
		// sender-grouped case.
		if len(senders) < 2 {
			return nil
		}
		entities = make([]string, 0, len(senders)+1)
		for s := range senders {
			entities = append(entities, s)
		}
		entities = append(entities, rec.To)
		coordinated = true
	}

	return &domain.SuspiciousPattern{
		Type:        domain.PatternStructuring,
		Confidence:  confidence,
		Entities:    entities,
		Evidence:    evidence,
		Coordinated: coordinated,
		WindowStart: start,
		WindowEnd:   rec.Timestamp,
	}
}

// matchWashTrading detects symmetric back-and-forth volume between two
// entities: both directions present with comparable cumulative amounts.
func (a *Analyzer) matchWashTrading(g *graphWindow, rec txRecord) *domain.SuspiciousPattern {
	forward, ok := g.edges[edgeKey{From: rec.From, To: rec.To, Type: domain.EdgeTransaction}]
	if !ok {
		return nil
	}
	reverse, ok := g.edges[edgeKey{From: rec.To, To: rec.From, Type: domain.EdgeTransaction}]
	if !ok {
		return nil
	}
	if forward.Frequency+reverse.Frequency < 3 {
		return nil
	}

	smaller, larger := forward.Weight, reverse.Weight
	if smaller > larger {
		smaller, larger = larger, smaller
	}
	if larger == 0 || smaller/larger < washBalanceRatio {
		return nil
	}

	confidence := math.Min(1, 0.6+0.05*float64(forward.Frequency+reverse.Frequency))
	if confidence < a.cfg.WashConfidence {
		return nil
	}

	return &domain.SuspiciousPattern{
		Type:        domain.PatternWashTrading,
		Confidence:  confidence,
		Entities:    []string{rec.From, rec.To},
		Evidence:    []string{rec.EventID},
		Coordinated: true,
		WindowStart: rec.Timestamp.Add(-a.cfg.WindowWidth),
		WindowEnd:   rec.Timestamp,
	}
}

// matchSynchronized detects distinct senders converging on the same
// counterparty inside a tight window. High-confidence matches with enough
// participants set AutomaticBlocking.
func (a *Analyzer) matchSynchronized(g *graphWindow, rec txRecord) *domain.SuspiciousPattern {
	cutoff := rec.Timestamp.Add(-a.cfg.SyncMaxWindow)

	senders := make(map[string]bool)
	var evidence []string
	var amounts []float64
	start := rec.Timestamp
	for _, tx := range g.txs {
		if tx.To != rec.To || tx.Timestamp.Before(cutoff) {
			continue
		}
		if !senders[tx.From] {
			senders[tx.From] = true
			amounts = append(amounts, tx.Amount)
		}
		evidence = append(evidence, tx.EventID)
		if tx.Timestamp.Before(start) {
			start = tx.Timestamp
		}
	}

	if len(senders) < a.cfg.SyncMinEntities {
		return nil
	}

	confidence := 0.6 + 0.1*float64(len(senders)-a.cfg.SyncMinEntities)
	if amountsSimilar(amounts) {
		confidence += 0.2
	}
	confidence = math.Min(1, confidence)
	if confidence < a.cfg.SyncConfidence {
		return nil
	}

	entities := make([]string, 0, len(senders)+1)
	for s := range senders {
		entities = append(entities, s)
	}
	entities = append(entities, rec.To)

	return &domain.SuspiciousPattern{
		Type:              domain.PatternSynchronizedTransactions,
		Confidence:        confidence,
		Entities:          entities,
		Evidence:          evidence,
		Coordinated:       true,
		AutomaticBlocking: confidence >= a.cfg.AutoBlockConfidence,
		WindowStart:       start,
		WindowEnd:         rec.Timestamp,
	}
}

// amountsSimilar reports whether all amounts fall within 10% of their mean.
func amountsSimilar(amounts []float64) bool {
	if len(amounts) < 2 {
		return false
	}
	var sum float64
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(len(amounts))
	if mean == 0 {
		return false
	}
	for _, a := range amounts {
		if math.Abs(a-mean)/mean > 0.1 {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
