package check_test

import (
	"testing"

	"github.com/skein-ml/skein/internal/dist"
	"github.com/skein-ml/skein/internal/model"
	"github.com/skein-ml/skein/internal/nn"
	"github.com/skein-ml/skein/internal/reader"
)

// scaleLayer multiplies every input entry by a single scalar weight, but
// deliberately reports an analytical weight gradient of twice the true
// value. It exists to exercise the divergence paths of the checker.
type scaleLayer struct {
	name    string
	comm    dist.Communicator
	group   dist.Group
	weights *nn.Weights

	input      *dist.Matrix
	output     *dist.Matrix
	outputGrad *dist.Matrix
	inputGrad  *dist.Matrix
	wfull      []float64
}

func newScaleLayer(name string, comm dist.Communicator, group dist.Group, initial float64) *scaleLayer {
	values, err := dist.New(dist.ElemDist, 1, 1, 0, group, comm.Rank())
	if err != nil {
		panic(err)
	}
	values.Set(initial, 0, 0)
	return &scaleLayer{
		name:    name,
		comm:    comm,
		group:   group,
		weights: nn.NewWeights(name+".weight", values),
	}
}

func (l *scaleLayer) Name() string                  { return l.name }
func (l *scaleLayer) IsInput() bool                 { return false }
func (l *scaleLayer) SetMode(nn.Mode)               {}
func (l *scaleLayer) SetInput(x *dist.Matrix)       { l.input = x }
func (l *scaleLayer) Activations() *dist.Matrix     { return l.output }
func (l *scaleLayer) SetOutputGrad(dy *dist.Matrix) { l.outputGrad = dy }
func (l *scaleLayer) InputGrad() *dist.Matrix       { return l.inputGrad }
func (l *scaleLayer) Weights() []*nn.Weights        { return []*nn.Weights{l.weights} }

func (l *scaleLayer) ForwardProp() {
	x := l.input
	l.wfull = l.weights.Values().FullInto(l.comm, l.wfull)
	w := l.wfull[0]

	if l.output == nil {
		out, err := dist.New(dist.ColDist, x.Height(), x.Width(), 0, l.group, l.comm.Rank())
		if err != nil {
			panic(err)
		}
		l.output = out
	}
	for col := 0; col < x.LocalWidth(); col++ {
		for row := 0; row < x.Height(); row++ {
			l.output.SetLocal(w*x.GetLocal(row, col), row, col)
		}
	}
}

func (l *scaleLayer) BackProp() {
	x, dy := l.input, l.outputGrad
	w := l.wfull[0]

	grad := 0.0
	for col := 0; col < x.LocalWidth(); col++ {
		for row := 0; row < x.Height(); row++ {
			grad += dy.GetLocal(row, col) * x.GetLocal(row, col)
		}
	}
	buf := [1]float64{grad}
	l.comm.AllreduceSum(l.group, buf[:])

	if opt := l.weights.Optimizer(); opt != nil {
		// The sabotage: double the true gradient.
		opt.Gradient().Set(2*buf[0], 0, 0)
	}

	if l.inputGrad == nil {
		dx, err := dist.New(dist.ColDist, x.Height(), x.Width(), 0, l.group, l.comm.Rank())
		if err != nil {
			panic(err)
		}
		l.inputGrad = dx
	}
	for col := 0; col < x.LocalWidth(); col++ {
		for row := 0; row < x.Height(); row++ {
			l.inputGrad.SetLocal(w*dy.GetLocal(row, col), row, col)
		}
	}
}

// brokenModel assembles input -> scaleLayer (with the doubled gradient)
// -> mse on a one-rank world.
func brokenModel(t *testing.T) *model.Model {
	t.Helper()
	comm := dist.NewLocalWorld(1).Comm(0)
	g := dist.WorldGroup(1)

	r, err := reader.NewSlice([][]float64{{1}, {2}})
	if err != nil {
		panic(err)
	}
	in, err := nn.NewInput("input", 1, 2, comm, g, r)
	if err != nil {
		panic(err)
	}

	scale := newScaleLayer("scale", comm, g, 1.5)
	scale.weights.AttachOptimizer(nn.NewSGD(nn.SGDConfig{}))

	target, err := dist.New(dist.ColDist, 1, 2, 0, g, 0)
	if err != nil {
		panic(err)
	}
	loss := nn.NewMeanSquaredError("mse", comm, target)

	m, err := model.New(comm, model.NewObjective(loss), in, scale, loss)
	if err != nil {
		panic(err)
	}
	return m
}
