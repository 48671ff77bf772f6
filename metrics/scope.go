package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes the name of every stat it
// collects with the scope's own name, nested per component (e.g. a
// "validator" scope's "rtr" child reports as "validator.rtr.<stat>"). A
// nil Scope is a valid, inert collector: every caller in this repository
// checks for nil before calling into one rather than routing through a
// no-op implementation, since every metrics site already sits behind an
// `if scope != nil` cycle-summary block (validator.Driver.RunCycle,
// rtr.Server.handle, vrpdb.DB.publish).
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64) error
	Gauge(stat string, value int64) error
	GaugeDelta(stat string, value int64) error
	// Timing records a latency sample as a Prometheus summary. Values are
	// caller-supplied in whatever unit the caller tracks (cmd.ProfileCmd
	// passes nanoseconds); unlike the teacher's StatsD-backed version this
	// package doesn't rescale to seconds itself, since Prometheus summaries
	// carry no implicit unit.
	Timing(stat string, delta int64) error
	SetInt(stat string, value int64) error

	MustRegister(...prometheus.Collector)
}

// promScope is a Scope that sends data to Prometheus
type promScope struct {
	prometheus.Registerer
	*autoRegisterer
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that sends data to Prometheus
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		Registerer:     registerer,
		prefix:         strings.Join(scopes, ".") + ".",
		autoRegisterer: newAutoRegisterer(registerer),
	}
}

// NewScope generates a new Scope prefixed by this Scope's prefix plus the
// prefixes given joined by periods
func (s *promScope) NewScope(scopes ...string) Scope {
	scope := strings.Join(scopes, ".")
	return NewPromScope(s.Registerer, s.prefix+scope)
}

// Inc increments the given stat and adds the Scope's prefix to the name
func (s *promScope) Inc(stat string, value int64) error {
	s.autoCounter(s.prefix + stat).Add(float64(value))
	return nil
}

// Gauge sends a gauge stat and adds the Scope's prefix to the name
func (s *promScope) Gauge(stat string, value int64) error {
	s.autoGauge(s.prefix + stat).Set(float64(value))
	return nil
}

// GaugeDelta sends the change in a gauge stat and adds the Scope's prefix to the name
func (s *promScope) GaugeDelta(stat string, value int64) error {
	s.autoGauge(s.prefix + stat).Add(float64(value))
	return nil
}

// Timing records a latency sample and adds the Scope's prefix to the name.
func (s *promScope) Timing(stat string, delta int64) error {
	s.autoSummary(s.prefix + stat).Observe(float64(delta))
	return nil
}

// SetInt sets a stat's integer value and adds the Scope's prefix to the name
func (s *promScope) SetInt(stat string, value int64) error {
	s.autoGauge(s.prefix + stat).Set(float64(value))
	return nil
}
