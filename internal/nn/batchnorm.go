package nn

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/skein-ml/skein/internal/dist"
	"github.com/skein-ml/skein/internal/kernel"
	"github.com/skein-ml/skein/internal/parallel"
)

// BatchNormConfig holds configuration for the batch normalization layer.
type BatchNormConfig struct {
	Decay   float64 // Exponential decay of the running statistics (default: 0.9)
	Epsilon float64 // Variance stabilizer (default: 1e-5)
}

// BatchNorm normalizes every feature row to zero mean and unit variance
// across the mini-batch:
//
//	y[r,c] = (x[r,c] - mean[r]) / sqrt(var[r] + eps)
//
// The mini-batch is partitioned column-wise across the ranks of the layer's
// group, so the per-row statistics are computed by local accumulation
// followed by a sum-reduction over the group ("redundant" ranks holding
// different column slices of the same rows). In training mode the layer
// also maintains exponentially decayed running estimates of mean and
// variance, which inference mode uses as frozen constants.
//
// The training backward pass propagates gradients through the statistics
// themselves, with Bessel-corrected denominators matching the forward
// variance. When the reduced sample count is <= 1 the forward variance is
// defined as exactly 1 and the backward input gradient as exactly 0.
type BatchNorm struct {
	base
	comm  dist.Communicator
	group dist.Group
	decay float64
	eps   float64
	par   parallel.Config

	// Running statistics persist across forward calls for the lifetime
	// of training; batchMean/batchVar hold the statistics of the last
	// training-mode forward for use by the backward pass.
	runningMean []float64
	runningVar  []float64
	batchMean   []float64
	batchVar    []float64
	n           int

	// stats is the two-column reduction buffer: column 0 holds means
	// (or their gradients in backward), column 1 variances. It is zeroed
	// at the start of each use, reduced in place, and never persisted.
	stats *dist.Matrix
}

// NewBatchNorm creates a batch normalization layer for inputs with the
// given feature height, partitioned over group. Running mean starts at 0
// and running variance at 1.
func NewBatchNorm(name string, height int, comm dist.Communicator, group dist.Group, config BatchNormConfig) (*BatchNorm, error) {
	if config.Decay == 0 {
		config.Decay = 0.9
	}
	if config.Decay < 0 || config.Decay >= 1 {
		return nil, errors.Errorf("nn: batch norm decay %g outside [0,1)", config.Decay)
	}
	if config.Epsilon == 0 {
		config.Epsilon = 1e-5
	}
	if config.Epsilon < 0 {
		return nil, errors.Errorf("nn: batch norm epsilon %g must be positive", config.Epsilon)
	}
	stats, err := dist.New(dist.StarDist, height, 2, 0, group, comm.Rank())
	if err != nil {
		return nil, errors.Wrap(err, "nn: batch norm statistics buffer")
	}
	l := &BatchNorm{
		base:        base{name: name},
		comm:        comm,
		group:       group,
		decay:       config.Decay,
		eps:         config.Epsilon,
		par:         parallel.DefaultConfig(),
		runningMean: make([]float64, height),
		runningVar:  make([]float64, height),
		batchMean:   make([]float64, height),
		batchVar:    make([]float64, height),
		stats:       stats,
	}
	for i := range l.runningVar {
		l.runningVar[i] = 1
	}
	return l, nil
}

// RunningMean returns the running mean estimate, one entry per feature row.
func (l *BatchNorm) RunningMean() []float64 { return l.runningMean }

// RunningVar returns the running variance estimate.
func (l *BatchNorm) RunningVar() []float64 { return l.runningVar }

// checkInput enforces the participation invariant: every matrix in one
// normalization shares the layer's feature height and group membership.
// Violations are fatal configuration faults; continuing would silently
// corrupt the reduced statistics.
func (l *BatchNorm) checkInput(x *dist.Matrix) {
	if x.Height() != len(l.runningMean) {
		panic(fmt.Sprintf("nn: layer %q: input height %d does not match feature count %d",
			l.name, x.Height(), len(l.runningMean)))
	}
	if !x.Group().Equal(l.group) {
		panic(fmt.Sprintf("nn: layer %q: input group %s does not match layer group %s",
			l.name, x.Group(), l.group))
	}
}

// ForwardProp implements Layer.
func (l *BatchNorm) ForwardProp() {
	x := l.requireInput()
	l.checkInput(x)
	l.output = likeInput(l.output, x, l.comm.Rank())

	height := x.Height()
	if l.mode == Training {
		// Local accumulation, then one sum-reduction across the
		// ranks holding other column slices of the same rows.
		l.stats.Zero()
		sums := l.stats.Data()[:height]
		sumsqs := l.stats.Data()[height : 2*height]
		kernel.RowMoments(x.Data(), height, x.LocalWidth(), x.LDim(), sums, sumsqs, l.par)
		l.comm.AllreduceSum(l.group, l.stats.Data())

		l.n = x.Width()
		kernel.FinalizeMoments(sums, sumsqs, height, l.n, l.par)
		copy(l.batchMean, sums)
		copy(l.batchVar, sumsqs)

		// running = decay*running + (1-decay)*batch
		floats.Scale(l.decay, l.runningMean)
		floats.AddScaled(l.runningMean, 1-l.decay, l.batchMean)
		floats.Scale(l.decay, l.runningVar)
		floats.AddScaled(l.runningVar, 1-l.decay, l.batchVar)

		kernel.Normalize(l.output.Data(), x.Data(), height, x.LocalWidth(), x.LDim(),
			l.batchMean, l.batchVar, l.eps, l.par)
		return
	}

	kernel.Normalize(l.output.Data(), x.Data(), height, x.LocalWidth(), x.LDim(),
		l.runningMean, l.runningVar, l.eps, l.par)
}

// BackProp implements Layer.
func (l *BatchNorm) BackProp() {
	x := l.requireInput()
	l.checkInput(x)
	dy := l.requireOutputGrad()
	l.inputGrad = likeInput(l.inputGrad, x, l.comm.Rank())

	height := x.Height()
	if l.mode != Training {
		kernel.ScaleByInvStd(l.inputGrad.Data(), dy.Data(), height, x.LocalWidth(), x.LDim(),
			l.runningVar, l.eps, l.par)
		return
	}

	// The forward output is constant in the degenerate regime, so the
	// statistics-gradient pass is skipped entirely.
	if l.n <= 1 {
		l.inputGrad.Zero()
		return
	}

	l.stats.Zero()
	dmeans := l.stats.Data()[:height]
	dvars := l.stats.Data()[height : 2*height]
	kernel.BackpropStats(x.Data(), dy.Data(), height, x.LocalWidth(), x.LDim(),
		l.batchMean, l.batchVar, l.eps, dmeans, dvars, l.par)
	l.comm.AllreduceSum(l.group, l.stats.Data())

	kernel.BackpropInput(l.inputGrad.Data(), dy.Data(), x.Data(), height, x.LocalWidth(), x.LDim(),
		l.batchMean, l.batchVar, dmeans, dvars, l.eps, l.n, l.par)
}
