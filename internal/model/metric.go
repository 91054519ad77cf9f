package model

import (
	"github.com/skein-ml/skein/internal/nn"
)

// Metric accumulates an evaluation function per execution mode, mirroring
// the objective's statistics API. The evaluation function must return the
// same value on every rank (performing its own reduction if needed).
type Metric struct {
	name  string
	eval  func() float64
	stats map[nn.Mode]*evalStats
}

// NewMetric creates a metric from an evaluation function.
func NewMetric(name string, eval func() float64) *Metric {
	return &Metric{
		name:  name,
		eval:  eval,
		stats: make(map[nn.Mode]*evalStats),
	}
}

// Name returns the metric name.
func (m *Metric) Name() string { return m.name }

// Evaluate runs the metric for the current batch and accumulates the
// result into the mode's statistics.
func (m *Metric) Evaluate(mode nn.Mode, batchSize int) float64 {
	v := m.eval()
	s := m.stats[mode]
	if s == nil {
		s = &evalStats{}
		m.stats[mode] = s
	}
	s.add(v, batchSize)
	return v
}

// Mean returns the accumulated mean value for the mode.
func (m *Metric) Mean(mode nn.Mode) float64 {
	if s := m.stats[mode]; s != nil {
		return s.mean()
	}
	return 0
}

// Samples returns the number of samples accumulated for the mode.
func (m *Metric) Samples(mode nn.Mode) int {
	if s := m.stats[mode]; s != nil {
		return s.samples
	}
	return 0
}

// ResetStatistics clears the accumulated statistics for the mode.
func (m *Metric) ResetStatistics(mode nn.Mode) {
	delete(m.stats, mode)
}
