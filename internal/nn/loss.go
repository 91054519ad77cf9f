package nn

import (
	"fmt"

	"github.com/skein-ml/skein/internal/dist"
	"github.com/skein-ml/skein/internal/parallel"
)

// MeanSquaredError is the terminal objective layer:
//
//	L = 1/(2n) * sum over all entries of (x[r,c] - target[r,c])^2
//
// where n is the global sample count. The local partial sums are combined
// with one reduction over the group, so every rank observes the identical
// scalar. The backward pass seeds the gradient chain with
// dL/dx = (x - target)/n, which needs no reduction: each rank owns its
// sample columns outright.
type MeanSquaredError struct {
	base
	comm   dist.Communicator
	group  dist.Group
	target *dist.Matrix
	value  float64
	par    parallel.Config
}

// NewMeanSquaredError creates the loss layer against the given target
// matrix, which must share shape and group with the layer input.
func NewMeanSquaredError(name string, comm dist.Communicator, target *dist.Matrix) *MeanSquaredError {
	return &MeanSquaredError{
		base:   base{name: name},
		comm:   comm,
		group:  target.Group(),
		target: target,
		par:    parallel.DefaultConfig(),
	}
}

// Value returns the objective scalar of the last ForwardProp, identical on
// every rank of the group.
func (l *MeanSquaredError) Value() float64 { return l.value }

// Target returns the target matrix.
func (l *MeanSquaredError) Target() *dist.Matrix { return l.target }

func (l *MeanSquaredError) checkInput(x *dist.Matrix) {
	if x.Height() != l.target.Height() || x.Width() != l.target.Width() {
		panic(fmt.Sprintf("nn: layer %q: input %dx%d does not match target %dx%d",
			l.name, x.Height(), x.Width(), l.target.Height(), l.target.Width()))
	}
	if !x.Group().Equal(l.group) {
		panic(fmt.Sprintf("nn: layer %q: input group %s does not match target group %s",
			l.name, x.Group(), l.group))
	}
}

// ForwardProp implements Layer.
func (l *MeanSquaredError) ForwardProp() {
	x := l.requireInput()
	l.checkInput(x)

	local := 0.0
	for col := 0; col < x.LocalWidth(); col++ {
		for row := 0; row < x.Height(); row++ {
			d := x.GetLocal(row, col) - l.target.GetLocal(row, col)
			local += d * d
		}
	}
	buf := [1]float64{local}
	l.comm.AllreduceSum(l.group, buf[:])
	l.value = buf[0] / (2 * float64(x.Width()))
}

// BackProp implements Layer. The loss is terminal, so no output gradient is
// required; the chain is seeded here.
func (l *MeanSquaredError) BackProp() {
	x := l.requireInput()
	l.checkInput(x)
	l.inputGrad = likeInput(l.inputGrad, x, l.comm.Rank())

	n := float64(x.Width())
	dx := l.inputGrad
	parallel.ForTile(x.Height(), x.LocalWidth(), func(row, col int) {
		dx.SetLocal((x.GetLocal(row, col)-l.target.GetLocal(row, col))/n, row, col)
	}, l.par)
}
