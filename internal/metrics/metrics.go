// Package metrics is a small facade between the pipeline and whatever metric
// sink a run is configured with. Pipeline code calls the package functions
// unconditionally; when no backend is set they are no-ops, so instrumented
// code paths cost nothing in runs without a metrics sink.
package metrics

import "sync"

// Labels are free-form metric dimensions (e.g. {"entity": "works"}).
type Labels map[string]string

// Backend is the sink interface a metrics implementation provides.
//
// Implementations must be safe for concurrent use: entity workers emit
// metrics from separate goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

var (
	mu      sync.RWMutex
	backend Backend
)

// SetBackend installs the process-wide sink. Pass nil to return to no-op
// behavior. Call before starting pipeline work; swapping mid-run is safe but
// loses no buffered data only if the outgoing backend is flushed separately.
func SetBackend(b Backend) {
	mu.Lock()
	backend = b
	mu.Unlock()
}

// IncCounter adds delta to a counter on the installed backend, if any.
func IncCounter(name string, delta float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	if b != nil {
		b.IncCounter(name, delta, labels)
	}
}

// ObserveHistogram records one sample on the installed backend, if any.
func ObserveHistogram(name string, value float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	if b != nil {
		b.ObserveHistogram(name, value, labels)
	}
}
