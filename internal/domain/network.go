package domain

import "time"

// NodeType discriminates network graph nodes.
type NodeType string

const (
	NodeUser     NodeType = "user"
	NodeAccount  NodeType = "account"
	NodeDevice   NodeType = "device"
	NodeLocation NodeType = "location"
)

// NetworkNode is one entity observed inside an analysis window.
type NetworkNode struct {
	ID         string   `json:"id"`
	Type       NodeType `json:"type"`
	RiskLevel  float64  `json:"riskLevel"`
	Suspicious bool     `json:"suspicious"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// EdgeType discriminates relationships between nodes.
type EdgeType string

const (
	EdgeTransaction       EdgeType = "transaction"
	EdgeDeviceSharing     EdgeType = "device_sharing"
	EdgeLocationOverlap   EdgeType = "location_overlap"
	EdgeTimingCorrelation EdgeType = "timing_correlation"
)

// NetworkEdge is a weighted relationship between two nodes.
type NetworkEdge struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Type      EdgeType `json:"type"`
	Weight    float64  `json:"weight"`    // cumulative (e.g. total amount)
	Frequency int64    `json:"frequency"` // occurrences in the window

	LastSeen time.Time `json:"lastSeen"`
}

// PatternType names a detected multi-entity fraud pattern.
type PatternType string

const (
	PatternCircularTransactions     PatternType = "circular_transactions"
	PatternRapidMovement            PatternType = "rapid_movement"
	PatternStructuring              PatternType = "structuring"
	PatternWashTrading              PatternType = "wash_trading"
	PatternSynchronizedTransactions PatternType = "synchronized_transactions"
)

// SuspiciousPattern is one detected coordinated-fraud finding. Multiple
// matches on the same entity set are reported as distinct patterns, never
// merged.
type SuspiciousPattern struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenantId"`
	Type       PatternType `json:"type"`
	Confidence float64     `json:"confidence"` // 0.0-1.0

	// Entities participating in the pattern.
	Entities []string `json:"entities"`

	// Evidence references the event/edge identifiers backing the match.
	Evidence []string `json:"evidence,omitempty"`

	// Coordinated marks patterns requiring multiple entities acting in
	// concert; these can upgrade the routing band.
	Coordinated bool `json:"coordinated"`

	// AutomaticBlocking is set by coordinated-activity detection when
	// entity count, window width, and confidence all clear the bar. The
	// action executor consumes it.
	AutomaticBlocking bool `json:"automaticBlocking"`

	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	DetectedAt  time.Time `json:"detectedAt"`
}
