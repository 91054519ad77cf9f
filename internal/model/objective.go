package model

import (
	"github.com/skein-ml/skein/internal/nn"
)

// evalStats accumulates evaluation results per execution mode: the
// sample-weighted sum of values and the number of samples seen.
type evalStats struct {
	sum     float64
	samples int
}

func (s *evalStats) add(value float64, batchSize int) {
	s.sum += value * float64(batchSize)
	s.samples += batchSize
}

func (s *evalStats) mean() float64 {
	if s.samples == 0 {
		return 0
	}
	return s.sum / float64(s.samples)
}

// Objective wraps the terminal loss layer and keeps per-mode accumulated
// statistics across mini-batches. Evaluations come in start/finish pairs;
// the finish accumulates into the current mode's statistics and returns the
// batch objective.
type Objective struct {
	loss    *nn.MeanSquaredError
	pending float64
	stats   map[nn.Mode]*evalStats
}

// NewObjective wraps a loss layer.
func NewObjective(loss *nn.MeanSquaredError) *Objective {
	return &Objective{
		loss:  loss,
		stats: make(map[nn.Mode]*evalStats),
	}
}

// Loss returns the wrapped loss layer.
func (o *Objective) Loss() *nn.MeanSquaredError { return o.loss }

// StartEvaluation captures the loss value of the completed forward pass.
func (o *Objective) StartEvaluation(mode nn.Mode, batchSize int) {
	o.pending = o.loss.Value()
}

// FinishEvaluation accumulates the captured value into the mode's
// statistics and returns it.
func (o *Objective) FinishEvaluation(mode nn.Mode, batchSize int) float64 {
	s := o.stats[mode]
	if s == nil {
		s = &evalStats{}
		o.stats[mode] = s
	}
	s.add(o.pending, batchSize)
	return o.pending
}

// Mean returns the accumulated mean objective for the mode.
func (o *Objective) Mean(mode nn.Mode) float64 {
	if s := o.stats[mode]; s != nil {
		return s.mean()
	}
	return 0
}

// Samples returns the number of samples accumulated for the mode.
func (o *Objective) Samples(mode nn.Mode) int {
	if s := o.stats[mode]; s != nil {
		return s.samples
	}
	return 0
}

// ResetStatistics clears the accumulated statistics for the mode.
func (o *Objective) ResetStatistics(mode nn.Mode) {
	delete(o.stats, mode)
}
