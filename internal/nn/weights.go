package nn

import (
	"github.com/skein-ml/skein/internal/dist"
)

// Weights is an optimizable parameter tensor: a distributed matrix of
// values plus an optional attached optimizer holding the gradient buffer.
// Each entry has a single owning rank determined by the matrix partition;
// only the owner reads or writes the true value.
type Weights struct {
	name   string
	values *dist.Matrix
	opt    *SGD
}

// NewWeights wraps a value matrix as a parameter tensor.
func NewWeights(name string, values *dist.Matrix) *Weights {
	return &Weights{name: name, values: values}
}

// Name returns the parameter name (e.g. "fc1.weight").
func (w *Weights) Name() string { return w.name }

// Values returns the distributed value matrix.
func (w *Weights) Values() *dist.Matrix { return w.values }

// Optimizer returns the attached optimizer, or nil. Weights without an
// optimizer are frozen: no gradient is kept for them.
func (w *Weights) Optimizer() *SGD { return w.opt }

// AttachOptimizer attaches opt and allocates its gradient state with the
// same shape and partition as the values.
func (w *Weights) AttachOptimizer(opt *SGD) {
	opt.attach(w.values)
	w.opt = opt
}

// SetValue stores v into entry (row, col) on the owning rank; elsewhere it
// is a no-op. Safe to call collectively with identical arguments.
func (w *Weights) SetValue(v float64, row, col int) {
	w.values.Set(v, row, col)
}

// GetValue returns entry (row, col) on the owning rank and the zero
// placeholder elsewhere.
func (w *Weights) GetValue(row, col int) float64 {
	return w.values.Get(row, col)
}

// Initialize fills the owned entries from f(row, col). f must be a pure
// function of its arguments so that ranks agree on the logical tensor.
func (w *Weights) Initialize(f func(row, col int) float64) {
	for col := 0; col < w.values.Width(); col++ {
		for row := 0; row < w.values.Height(); row++ {
			w.values.Set(f(row, col), row, col)
		}
	}
}
