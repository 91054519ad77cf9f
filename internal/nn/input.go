package nn

import (
	"github.com/pkg/errors"

	"github.com/skein-ml/skein/internal/dist"
	"github.com/skein-ml/skein/internal/reader"
)

// Input is a data-loading layer. Its forward pass fetches the next
// mini-batch from the attached reader into its activations; it has no
// backward behavior. Objective-only forward passes skip input layers, which
// therefore must already hold data.
type Input struct {
	base
	reader reader.Reader
}

// NewInput creates an input layer producing height x batchSize activations
// partitioned over group.
func NewInput(name string, height, batchSize int, comm dist.Communicator, group dist.Group, r reader.Reader) (*Input, error) {
	if r == nil {
		return nil, errors.Errorf("nn: input layer %q requires a reader", name)
	}
	out, err := dist.New(dist.ColDist, height, batchSize, 0, group, comm.Rank())
	if err != nil {
		return nil, errors.Wrapf(err, "nn: input layer %q activations", name)
	}
	return &Input{
		base:   base{name: name, output: out},
		reader: r,
	}, nil
}

// IsInput implements Layer.
func (l *Input) IsInput() bool { return true }

// DataReader returns the attached reader, so callers that consumed samples
// on the side can rewind it.
func (l *Input) DataReader() reader.Reader { return l.reader }

// ForwardProp implements Layer: it loads the next mini-batch.
func (l *Input) ForwardProp() {
	l.reader.FetchBatch(l.output)
}

// BackProp implements Layer. Input layers have nothing to propagate.
func (l *Input) BackProp() {}
