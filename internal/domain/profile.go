package domain

import (
	"math"
	"time"
)

// BehaviorProfile holds the historical baseline for one entity. One profile
// per (tenant, entity); mutated incrementally after each finalized decision,
// never deleted, only superseded (Version bumps on every write).
type BehaviorProfile struct {
	EntityID string `json:"entityId"`
	TenantID string `json:"tenantId"`
	Version  int64  `json:"version"`

	// Transaction baseline (Welford running statistics).
	TxCount    int64     `json:"txCount"`
	TxMean     float64   `json:"txMean"`
	TxM2       float64   `json:"txM2"` // sum of squared deviations
	TxPerDay   float64   `json:"txPerDay"`
	MaxAmount  float64   `json:"maxAmount"`
	LastTxTime time.Time `json:"lastTxTime,omitempty"`

	// Login baseline: histogram of login hours (UTC, 0-23).
	LoginHours [24]int64 `json:"loginHours"`
	LoginCount int64     `json:"loginCount"`

	// Known devices and locations with trust levels.
	Devices   []DeviceRecord   `json:"devices,omitempty"`
	Locations []LocationRecord `json:"locations,omitempty"`

	// Rolling risk score (EWMA of decision scores) and how much history
	// backs this profile up.
	RiskScore       float64 `json:"riskScore"`
	ConfidenceLevel float64 `json:"confidenceLevel"` // 0.0-1.0

	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// DeviceRecord is a device fingerprint the entity has been seen on.
type DeviceRecord struct {
	DeviceID  string    `json:"deviceId"`
	Trust     float64   `json:"trust"` // 0.0 (new) to 1.0 (established)
	SeenCount int64     `json:"seenCount"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// LocationRecord is a location the entity has been seen at.
type LocationRecord struct {
	Location  string    `json:"location"`
	Trust     float64   `json:"trust"`
	SeenCount int64     `json:"seenCount"`
	LastSeen  time.Time `json:"lastSeen"`
}

// TxStdDev returns the standard deviation of transaction amounts.
func (p *BehaviorProfile) TxStdDev() float64 {
	if p.TxCount < 2 {
		return 0
	}
	variance := p.TxM2 / float64(p.TxCount-1)
	return math.Sqrt(variance)
}

// Device returns the record for a device ID, or nil if unseen.
func (p *BehaviorProfile) Device(deviceID string) *DeviceRecord {
	for i := range p.Devices {
		if p.Devices[i].DeviceID == deviceID {
			return &p.Devices[i]
		}
	}
	return nil
}

// LocationRecordFor returns the record for a location, or nil if unseen.
func (p *BehaviorProfile) LocationRecordFor(location string) *LocationRecord {
	for i := range p.Locations {
		if p.Locations[i].Location == location {
			return &p.Locations[i]
		}
	}
	return nil
}
