package bridge

import (
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults
const (
	DefaultNetworkSendHz = 30
	DefaultSerialSendHz  = 100
	DefaultDeadbandRad   = 0.001

	// MinFlushInterval bounds the flush cadence from below.
	MinFlushInterval = 5 * time.Millisecond

	// errorLogInterval rate-limits write error logs (max once per 5 seconds).
	errorLogInterval = 5 * time.Second
)

// Options configure the coalescer shared by both bridge variants.
type Options struct {
	// SendHz is the target transmit rate. Zero picks the variant default.
	SendHz float64

	// FlushInterval overrides the period derived from SendHz.
	FlushInterval time.Duration

	// DeadbandRad suppresses updates closer than this to the last sent value.
	// Negative disables the deadband; zero picks DefaultDeadbandRad.
	DeadbandRad float64

	// JointMap maps viewer joint names to hardware ids. Unmapped joints use
	// their viewer name.
	JointMap map[string]string

	// OnStatus is invoked on every connect, disconnect, error and telemetry event.
	OnStatus func(Status)

	Clock  clock.Clock
	Logger *slog.Logger
}

// FlushPeriod returns max(5ms, round(1000/sendHz) ms), or the override.
func FlushPeriod(sendHz float64, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if sendHz <= 0 || math.IsNaN(sendHz) || math.IsInf(sendHz, 0) {
		return MinFlushInterval
	}
	ms := time.Duration(math.Round(1000/sendHz)) * time.Millisecond
	if ms < MinFlushInterval {
		return MinFlushInterval
	}
	return ms
}

func (o Options) deadband() float64 {
	switch {
	case o.DeadbandRad < 0:
		return 0
	case o.DeadbandRad == 0:
		return DefaultDeadbandRad
	default:
		return o.DeadbandRad
	}
}

// Status is the externally observable liveness signal.
type Status struct {
	Connected   bool   `json:"connected"`
	LastError   string `json:"lastError,omitempty"`
	LastStateTS int64  `json:"lastStateTs,omitempty"`
}

// Stats are coalescer diagnostics.
type Stats struct {
	Queued  uint64 `json:"queued"`  // updates accepted into the pending queue
	Skipped uint64 `json:"skipped"` // updates inside the deadband
	Sent    uint64 `json:"sent"`    // messages or frames written
	Dropped uint64 `json:"dropped"` // entries discarded (invalid id, failed batch)
	Errors  uint64 `json:"errors"`  // transport write failures
	Pending int    `json:"pending"`
}
