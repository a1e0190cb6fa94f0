package domain

// RiskBand is a named severity tier an action/review policy attaches to.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// bandRank orders bands for upgrade comparisons.
var bandRank = map[RiskBand]int{
	BandLow:      0,
	BandMedium:   1,
	BandHigh:     2,
	BandCritical: 3,
}

// Rank returns the ordinal position of the band (low=0 .. critical=3).
func (b RiskBand) Rank() int {
	return bandRank[b]
}

// MaxBand returns the higher of two bands.
func MaxBand(a, b RiskBand) RiskBand {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RiskThreshold maps a score range to a band, its automated actions, and
// the human-review flag. The configured set of thresholds must partition
// [0,1] exactly: no gaps, no overlaps. Lower bound inclusive, upper bound
// exclusive except for the final band which includes 1.0.
type RiskThreshold struct {
	Band                RiskBand     `json:"band"`
	Lower               float64      `json:"lower"`
	Upper               float64      `json:"upper"`
	Actions             []ActionType `json:"actions,omitempty"`
	HumanReviewRequired bool         `json:"humanReviewRequired"`
}

// DefaultThresholds returns the standard four-band partition of [0,1].
func DefaultThresholds() []RiskThreshold {
	return []RiskThreshold{
		{Band: BandLow, Lower: 0.0, Upper: 0.4},
		{Band: BandMedium, Lower: 0.4, Upper: 0.6, Actions: []ActionType{ActionRequireVerification}, HumanReviewRequired: false},
		{Band: BandHigh, Lower: 0.6, Upper: 0.8, Actions: []ActionType{ActionRequireVerification, ActionBlockTransaction}, HumanReviewRequired: true},
		{Band: BandCritical, Lower: 0.8, Upper: 1.0, Actions: []ActionType{ActionFreezeAccount, ActionBlockTransaction}, HumanReviewRequired: true},
	}
}

// Routing is the threshold engine output for one scored event.
type Routing struct {
	Band                RiskBand     `json:"band"`
	Actions             []ActionType `json:"actions,omitempty"`
	HumanReviewRequired bool         `json:"humanReviewRequired"`

	// Upgraded is set when network findings raised the band above what
	// the score alone would have produced. UpgradeReason names the
	// pattern that forced it.
	Upgraded      bool   `json:"upgraded,omitempty"`
	UpgradeReason string `json:"upgradeReason,omitempty"`
}
