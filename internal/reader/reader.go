// Package reader provides mini-batch data access for input layers.
//
// A reader owns a cursor over its sample set. Fetching a mini-batch
// advances the cursor; SetInitialPosition rewinds it to the start and is
// idempotent, which lets callers that consumed samples for side-effect-free
// work (such as gradient checking) restore the training position.
package reader

import (
	"github.com/pkg/errors"

	"github.com/skein-ml/skein/internal/dist"
)

// Reader is the data-loading collaborator consumed by input layers.
type Reader interface {
	// FetchBatch fills the local columns of dst with the next mini-batch
	// and advances the read position by dst.Width() samples. Every rank
	// of dst's group calls FetchBatch collectively; each fills only the
	// columns it owns.
	FetchBatch(dst *dist.Matrix)

	// Position returns the current sample cursor.
	Position() int

	// SetInitialPosition rewinds the cursor to the first sample.
	SetInitialPosition()
}

// Slice is an in-memory Reader over a fixed dense sample set. Samples wrap
// around when the cursor passes the end, so any mini-batch size is valid.
type Slice struct {
	height  int
	samples [][]float64 // samples[i] is one column of length height
	pos     int
}

// NewSlice creates a reader over the given samples. Every sample must have
// the same feature count.
func NewSlice(samples [][]float64) (*Slice, error) {
	if len(samples) == 0 {
		return nil, errors.New("reader: sample set must not be empty")
	}
	height := len(samples[0])
	for i, s := range samples {
		if len(s) != height {
			return nil, errors.Errorf("reader: sample %d has %d features, want %d", i, len(s), height)
		}
	}
	return &Slice{height: height, samples: samples}, nil
}

// Height returns the feature count of each sample.
func (r *Slice) Height() int { return r.height }

// NumSamples returns the size of the underlying sample set.
func (r *Slice) NumSamples() int { return len(r.samples) }

// FetchBatch implements Reader.
func (r *Slice) FetchBatch(dst *dist.Matrix) {
	if dst.Height() != r.height {
		panic(errors.Errorf("reader: matrix height %d does not match feature count %d", dst.Height(), r.height))
	}
	for localCol := 0; localCol < dst.LocalWidth(); localCol++ {
		sample := r.samples[(r.pos+dst.GlobalCol(localCol))%len(r.samples)]
		for row := 0; row < r.height; row++ {
			dst.SetLocal(sample[row], row, localCol)
		}
	}
	r.pos += dst.Width()
}

// Position implements Reader.
func (r *Slice) Position() int { return r.pos }

// SetInitialPosition implements Reader.
func (r *Slice) SetInitialPosition() { r.pos = 0 }
