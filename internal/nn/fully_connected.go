package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/skein-ml/skein/internal/dist"
	"github.com/skein-ml/skein/internal/parallel"
)

// FullyConnected applies a learned linear map y = W*x to each sample
// column. The weight tensor W (outHeight x inHeight) is element-distributed
// over the layer's group: every entry has one owning rank, and the complete
// dense matrix is assembled on demand with a sum-reduction of the owned
// pieces (non-owned entries are stored as zero).
//
// The weight gradient is likewise a collective product: each rank
// accumulates the contribution of its local sample columns, the partial
// sums are allreduced, and each rank retains only its owned entries in the
// optimizer's gradient tensor.
type FullyConnected struct {
	base
	comm    dist.Communicator
	group   dist.Group
	weights *Weights
	par     parallel.Config

	wfull   []float64 // dense W, assembled each forward
	scratch []float64 // dense dW accumulator
}

// NewFullyConnected creates a linear layer mapping inHeight features to
// outHeight features.
func NewFullyConnected(name string, outHeight, inHeight int, comm dist.Communicator, group dist.Group) (*FullyConnected, error) {
	values, err := dist.New(dist.ElemDist, outHeight, inHeight, 0, group, comm.Rank())
	if err != nil {
		return nil, errors.Wrapf(err, "nn: fully connected layer %q weights", name)
	}
	return &FullyConnected{
		base:    base{name: name},
		comm:    comm,
		group:   group,
		weights: NewWeights(name+".weight", values),
		par:     parallel.DefaultConfig(),
	}, nil
}

// Weights implements Layer.
func (l *FullyConnected) Weights() []*Weights { return []*Weights{l.weights} }

// ForwardProp implements Layer.
func (l *FullyConnected) ForwardProp() {
	x := l.requireInput()
	w := l.weights.Values()
	if x.Height() != w.Width() {
		panic(fmt.Sprintf("nn: layer %q: input height %d does not match weight width %d",
			l.name, x.Height(), w.Width()))
	}
	if !x.Group().Equal(l.group) {
		panic(fmt.Sprintf("nn: layer %q: input group %s does not match layer group %s",
			l.name, x.Group(), l.group))
	}

	out, in := w.Height(), w.Width()
	l.wfull = w.FullInto(l.comm, l.wfull)

	if l.output == nil || l.output.Width() != x.Width() {
		m, err := dist.New(dist.ColDist, out, x.Width(), 0, l.group, l.comm.Rank())
		if err != nil {
			panic(fmt.Sprintf("nn: layer %q activations: %v", l.name, err))
		}
		l.output = m
	}

	y := l.output
	parallel.ForTile(out, x.LocalWidth(), func(row, col int) {
		acc := 0.0
		for k := 0; k < in; k++ {
			acc += l.wfull[k*out+row] * x.GetLocal(k, col)
		}
		y.SetLocal(acc, row, col)
	}, l.par)
}

// BackProp implements Layer.
func (l *FullyConnected) BackProp() {
	x := l.requireInput()
	dy := l.requireOutputGrad()
	w := l.weights.Values()
	out, in := w.Height(), w.Width()

	// Weight gradient: dW[r,k] = sum over all sample columns of
	// dy[r,c]*x[k,c]. Local columns first, then the group-wide sum.
	if opt := l.weights.Optimizer(); opt != nil {
		if l.scratch == nil {
			l.scratch = make([]float64, out*in)
		}
		clear(l.scratch)
		parallel.ForTile(out, in, func(row, k int) {
			acc := 0.0
			for col := 0; col < x.LocalWidth(); col++ {
				acc += dy.GetLocal(row, col) * x.GetLocal(k, col)
			}
			l.scratch[k*out+row] = acc
		}, l.par)
		l.comm.AllreduceSum(l.group, l.scratch)
		opt.Gradient().SetOwned(l.scratch)
	}

	// Input gradient: dx = W^T dy, purely local in the sample columns.
	l.inputGrad = likeInput(l.inputGrad, x, l.comm.Rank())
	dx := l.inputGrad
	parallel.ForTile(in, x.LocalWidth(), func(k, col int) {
		acc := 0.0
		for row := 0; row < out; row++ {
			acc += l.wfull[k*out+row] * dy.GetLocal(row, col)
		}
		dx.SetLocal(acc, k, col)
	}, l.par)
}
