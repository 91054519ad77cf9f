// Package nn implements the layer abstractions and the batch normalization
// primitive for the Skein training toolkit.
//
// Layers form an ordered chain managed by the model package: each layer
// reads the previous layer's activations, owns its own output buffer, and
// produces the gradient with respect to its input during the backward pass.
// All matrices flowing between layers of one chain share their feature
// height and communication group.
package nn

import (
	"fmt"

	"github.com/skein-ml/skein/internal/dist"
)

// Mode is the execution mode of a forward/backward invocation.
type Mode int

// Execution modes.
const (
	Training Mode = iota
	Validation
	Testing
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case Validation:
		return "validation"
	case Testing:
		return "testing"
	default:
		return "invalid"
	}
}

// Layer is the base interface of every component in the layer chain.
//
// Input layers are distinguished by an explicit capability method rather
// than type inspection: IsInput reports that the layer loads data and must
// be skipped by objective-only forward passes.
type Layer interface {
	// Name returns the layer name used in diagnostics.
	Name() string

	// IsInput reports whether the layer is a data-loading layer.
	IsInput() bool

	// SetMode switches the layer between training and inference behavior.
	SetMode(m Mode)

	// SetInput wires the previous layer's activations as this layer's
	// input. Input layers ignore it.
	SetInput(x *dist.Matrix)

	// Activations returns the output of the last ForwardProp, or nil for
	// terminal layers without activations.
	Activations() *dist.Matrix

	// SetOutputGrad wires the next layer's input gradient as this
	// layer's dL/dy.
	SetOutputGrad(dy *dist.Matrix)

	// InputGrad returns dL/dx produced by the last BackProp.
	InputGrad() *dist.Matrix

	// ForwardProp computes the layer output from its input.
	ForwardProp()

	// BackProp computes the gradient with respect to the layer input
	// (and any weights) from the output gradient.
	BackProp()

	// Weights returns the optimizable parameter tensors owned by the
	// layer, if any.
	Weights() []*Weights
}

// base carries the chain wiring shared by every layer implementation.
type base struct {
	name       string
	mode       Mode
	input      *dist.Matrix
	output     *dist.Matrix
	outputGrad *dist.Matrix
	inputGrad  *dist.Matrix
}

func (b *base) Name() string                  { return b.name }
func (b *base) IsInput() bool                 { return false }
func (b *base) SetMode(m Mode)                { b.mode = m }
func (b *base) SetInput(x *dist.Matrix)       { b.input = x }
func (b *base) Activations() *dist.Matrix     { return b.output }
func (b *base) SetOutputGrad(dy *dist.Matrix) { b.outputGrad = dy }
func (b *base) InputGrad() *dist.Matrix       { return b.inputGrad }
func (b *base) Weights() []*Weights           { return nil }

// likeInput allocates dst shaped like x (same height, width, stride and
// group) when it is nil or no longer matches.
func likeInput(dst *dist.Matrix, x *dist.Matrix, rank int) *dist.Matrix {
	if dst != nil && dst.Height() == x.Height() && dst.Width() == x.Width() &&
		dst.LDim() == x.LDim() && dst.Group().Equal(x.Group()) {
		return dst
	}
	m, err := dist.New(x.Dist(), x.Height(), x.Width(), x.LDim(), x.Group(), rank)
	if err != nil {
		panic(fmt.Sprintf("nn: allocating activation buffer: %v", err))
	}
	return m
}

// requireInput panics when a compute layer runs before being wired.
func (b *base) requireInput() *dist.Matrix {
	if b.input == nil {
		panic(fmt.Sprintf("nn: layer %q has no input wired", b.name))
	}
	return b.input
}

// requireOutputGrad panics when a backward pass runs before the next layer
// delivered its gradient.
func (b *base) requireOutputGrad() *dist.Matrix {
	if b.outputGrad == nil {
		panic(fmt.Sprintf("nn: layer %q has no output gradient wired", b.name))
	}
	return b.outputGrad
}
