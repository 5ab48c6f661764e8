package metrics

import "testing"

type recordingBackend struct {
	counters   map[string]float64
	histograms map[string][]float64
}

func (b *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	b.counters[name] += delta
}

func (b *recordingBackend) ObserveHistogram(name string, value float64, labels Labels) {
	b.histograms[name] = append(b.histograms[name], value)
}

func TestNopWithoutBackend(t *testing.T) {
	SetBackend(nil)
	// Must not panic.
	IncCounter("x", 1, nil)
	ObserveHistogram("y", 0.5, nil)
}

func TestForwardsToBackend(t *testing.T) {
	b := &recordingBackend{counters: map[string]float64{}, histograms: map[string][]float64{}}
	SetBackend(b)
	t.Cleanup(func() { SetBackend(nil) })

	IncCounter("files", 2, Labels{"entity": "works"})
	IncCounter("files", 1, nil)
	ObserveHistogram("dur", 0.25, nil)

	if b.counters["files"] != 3 {
		t.Fatalf("counter = %v", b.counters["files"])
	}
	if len(b.histograms["dur"]) != 1 || b.histograms["dur"][0] != 0.25 {
		t.Fatalf("histogram = %v", b.histograms["dur"])
	}
}
