// Package model manages an ordered chain of layers together with the
// objective and metric accumulators, and drives synchronized forward and
// backward passes over it.
package model

import (
	"github.com/pkg/errors"

	"github.com/skein-ml/skein/internal/dist"
	"github.com/skein-ml/skein/internal/nn"
)

// Model is an ordered layer chain. Layer i reads layer i-1's activations;
// the last layer must be the objective layer. Every rank of the
// communication group runs the same chain so collective calls inside the
// layers stay matched.
type Model struct {
	comm      dist.Communicator
	layers    []nn.Layer
	objective *Objective
	metrics   []*Metric
	mode      nn.Mode
	batchSize int
}

// New assembles a model from its layers in forward order. The first layer
// must be a data-loading layer and the last the loss layer the objective
// wraps.
func New(comm dist.Communicator, objective *Objective, layers ...nn.Layer) (*Model, error) {
	if len(layers) < 2 {
		return nil, errors.Errorf("model: need at least an input and an objective layer, got %d", len(layers))
	}
	if objective == nil {
		return nil, errors.New("model: objective must not be nil")
	}
	if !layers[0].IsInput() {
		return nil, errors.Errorf("model: first layer %q must be a data-loading layer", layers[0].Name())
	}
	if layers[len(layers)-1] != nn.Layer(objective.loss) {
		return nil, errors.Errorf("model: last layer %q must be the objective's loss layer", layers[len(layers)-1].Name())
	}
	m := &Model{
		comm:      comm,
		layers:    layers,
		objective: objective,
		batchSize: layers[0].Activations().Width(),
	}
	m.SetMode(nn.Training)
	return m, nil
}

// Comm returns the model's communicator.
func (m *Model) Comm() dist.Communicator { return m.comm }

// Layers returns the layer chain in forward order.
func (m *Model) Layers() []nn.Layer { return m.layers }

// Objective returns the objective accumulator.
func (m *Model) Objective() *Objective { return m.objective }

// Metrics returns the attached metrics.
func (m *Model) Metrics() []*Metric { return m.metrics }

// AddMetric attaches a metric accumulator.
func (m *Model) AddMetric(met *Metric) { m.metrics = append(m.metrics, met) }

// Mode returns the current execution mode.
func (m *Model) Mode() nn.Mode { return m.mode }

// BatchSize returns the mini-batch width of the model's input layer.
func (m *Model) BatchSize() int { return m.batchSize }

// SetMode switches every layer between training and inference behavior.
func (m *Model) SetMode(mode nn.Mode) {
	m.mode = mode
	for _, l := range m.layers {
		l.SetMode(mode)
	}
}

// Weights enumerates the optimizable parameter tensors of all layers.
func (m *Model) Weights() []*nn.Weights {
	var ws []*nn.Weights
	for _, l := range m.layers {
		ws = append(ws, l.Weights()...)
	}
	return ws
}

// ClearGradients zeroes the gradient buffers of every attached optimizer.
func (m *Model) ClearGradients() {
	for _, w := range m.Weights() {
		if opt := w.Optimizer(); opt != nil {
			opt.ClearGradient()
		}
	}
}

// ForwardInputLayers runs the forward pass of data-loading layers only,
// loading the next mini-batch into their activations.
func (m *Model) ForwardInputLayers() {
	for _, l := range m.layers {
		if l.IsInput() {
			l.ForwardProp()
		}
	}
}

// ForwardProp runs a full forward pass over every layer, data loading
// included.
func (m *Model) ForwardProp() {
	m.forward(false)
}

// forward wires the chain and runs the forward pass; with skipInput set,
// data-loading layers are assumed to already hold data.
func (m *Model) forward(skipInput bool) {
	for i, l := range m.layers {
		if i > 0 {
			l.SetInput(m.layers[i-1].Activations())
		}
		if skipInput && l.IsInput() {
			continue
		}
		l.ForwardProp()
	}
}

// BackProp runs the backward pass in reverse layer order. The terminal
// objective layer seeds the gradient chain itself.
func (m *Model) BackProp() {
	for i := len(m.layers) - 1; i >= 0; i-- {
		if i < len(m.layers)-1 {
			m.layers[i].SetOutputGrad(m.layers[i+1].InputGrad())
		}
		m.layers[i].BackProp()
	}
}

// EvaluateObjective computes the objective scalar for the data currently
// held by the input layers: a forward pass that skips data loading, then an
// objective evaluation. Every rank returns the identical value.
func (m *Model) EvaluateObjective() float64 {
	m.forward(true)
	m.objective.StartEvaluation(m.mode, m.batchSize)
	return m.objective.FinishEvaluation(m.mode, m.batchSize)
}

// EvaluateMetrics evaluates and accumulates every attached metric.
func (m *Model) EvaluateMetrics() {
	for _, met := range m.metrics {
		met.Evaluate(m.mode, m.batchSize)
	}
}

// ResetStatistics clears the accumulated objective and metric statistics
// for the given mode.
func (m *Model) ResetStatistics(mode nn.Mode) {
	m.objective.ResetStatistics(mode)
	for _, met := range m.metrics {
		met.ResetStatistics(mode)
	}
}

// UpdateWeights applies one optimizer step to every optimizable tensor.
func (m *Model) UpdateWeights() {
	for _, w := range m.Weights() {
		if opt := w.Optimizer(); opt != nil {
			opt.Step(w)
		}
	}
}
