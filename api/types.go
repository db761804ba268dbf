package api

import (
	"time"

	"btcmonitor/mempool"
	"btcmonitor/projection"
)

// HealthInfo is the monitor's own health, independent of snapshot content
type HealthInfo struct {
	Status              string    `json:"status"`
	Network             string    `json:"network"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Stale               bool      `json:"stale"`
	Ticks               uint64    `json:"ticks"`
	Timestamp           time.Time `json:"timestamp"`
}

// HistogramInfo is the fee-rate histogram of the last snapshot
type HistogramInfo struct {
	TickID  string              `json:"tick_id"`
	TakenAt time.Time           `json:"taken_at"`
	Count   int                 `json:"count"`
	Buckets []mempool.FeeBucket `json:"buckets"`
}

// TopInfo is the ranked output-value list of the last snapshot
type TopInfo struct {
	TickID   string          `json:"tick_id"`
	TakenAt  time.Time       `json:"taken_at"`
	Coverage float64         `json:"coverage"`
	Entries  []mempool.Entry `json:"entries"`
}

// ProjectionInfo wraps the projection with the tick it belongs to
type ProjectionInfo struct {
	TickID     string                `json:"tick_id"`
	TakenAt    time.Time             `json:"taken_at"`
	Projection projection.Projection `json:"projection"`
}

// Instance is a monitor found on the local network
type Instance struct {
	Name     string    `json:"name"`
	Network  string    `json:"network"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	Path     string    `json:"path"`
	LastSeen time.Time `json:"last_seen"`
}
