// Package metrics defines the collector the supervisor reports into, with a
// no-op default and a Prometheus implementation.
package metrics

import (
	"time"
)

// Collector receives lifecycle measurements.
type Collector interface {
	// StateTransition records a supervisor state change.
	StateTransition(from, to string)

	// PortNegotiation records how long the port handshake took.
	PortNegotiation(duration time.Duration, err error)

	// HealthCheck records the attempts and time the readiness poll used.
	HealthCheck(attempts int, duration time.Duration, err error)

	// ProvisionRun records one environment provisioning pass.
	ProvisionRun(outcome string, duration time.Duration)

	// AssetSync records files written for one asset directory.
	AssetSync(dir string, written int)

	// StopDuration records how long terminating the backend took.
	StopDuration(duration time.Duration)

	// Error records a failure by kind.
	Error(kind string)
}

type noopCollector struct{}

func (noopCollector) StateTransition(from, to string)                             {}
func (noopCollector) PortNegotiation(duration time.Duration, err error)           {}
func (noopCollector) HealthCheck(attempts int, duration time.Duration, err error) {}
func (noopCollector) ProvisionRun(outcome string, duration time.Duration)         {}
func (noopCollector) AssetSync(dir string, written int)                           {}
func (noopCollector) StopDuration(duration time.Duration)                         {}
func (noopCollector) Error(kind string)                                           {}

// NewNoop returns a collector that discards everything.
func NewNoop() Collector {
	return noopCollector{}
}
