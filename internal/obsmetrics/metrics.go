// Package obsmetrics provides the MetricsSink trait the engine exposes to a
// host (spec.md §6), grounded on the counter/gauge/histogram shape of the
// teacher's pkg/telemetry metrics helper.
package obsmetrics

// MetricsSink is the trait a host wires in to observe engine internals
// without the engine depending on any particular metrics backend.
type MetricsSink interface {
	IncCounter(name string, delta int64, tags map[string]string)
	ObserveGauge(name string, value float64, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Nop discards every observation. It is the Engine's zero-value default.
type Nop struct{}

func (Nop) IncCounter(string, int64, map[string]string)      {}
func (Nop) ObserveGauge(string, float64, map[string]string)   {}
func (Nop) ObserveHistogram(string, float64, map[string]string) {}
