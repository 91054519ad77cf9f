package nn

import (
	"gonum.org/v1/gonum/floats"

	"github.com/skein-ml/skein/internal/dist"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// SGD implements stochastic gradient descent with optional momentum over a
// distributed parameter tensor.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// The gradient buffer lives on the optimizer, parallel-shaped to the
// weights it is attached to, and is produced once per backward pass.
type SGD struct {
	lr       float64
	momentum float64
	gradient *dist.Matrix
	velocity *dist.Matrix
}

// NewSGD creates an SGD optimizer. Gradient state is allocated when the
// optimizer is attached to weights.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{lr: config.LR, momentum: config.Momentum}
}

func (o *SGD) attach(values *dist.Matrix) {
	g := values.Clone()
	g.Zero()
	o.gradient = g
	if o.momentum != 0 {
		v := values.Clone()
		v.Zero()
		o.velocity = v
	}
}

// Gradient returns the gradient tensor, parallel-shaped to the attached
// weights. Nil before attachment.
func (o *SGD) Gradient() *dist.Matrix { return o.gradient }

// ClearGradient zeroes the accumulated gradient.
func (o *SGD) ClearGradient() {
	if o.gradient != nil {
		o.gradient.Zero()
	}
}

// Step applies one update to the attached weights. Non-owned entries are
// zero in both the values and the gradient, so updating the raw local
// buffers keeps the placeholder invariant intact.
func (o *SGD) Step(w *Weights) {
	values := w.Values().Data()
	grad := o.gradient.Data()
	if o.velocity != nil {
		vel := o.velocity.Data()
		floats.Scale(o.momentum, vel)
		floats.Add(vel, grad)
		floats.AddScaled(values, -o.lr, vel)
		return
	}
	floats.AddScaled(values, -o.lr, grad)
}
