package nn

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skein-ml/skein/internal/dist"
)

// singleRank returns a communicator and world group for a one-process world.
func singleRank(t *testing.T) (dist.Communicator, dist.Group) {
	t.Helper()
	return dist.NewLocalWorld(1).Comm(0), dist.WorldGroup(1)
}

// colMatrix builds a ColDist matrix from dense column-major values. It is
// also used from per-rank goroutines, so it panics instead of failing the
// test on allocation errors.
func colMatrix(t *testing.T, comm dist.Communicator, g dist.Group, height, width int, vals []float64) *dist.Matrix {
	t.Helper()
	m, err := dist.New(dist.ColDist, height, width, 0, g, comm.Rank())
	if err != nil {
		panic(err)
	}
	for localCol := 0; localCol < m.LocalWidth(); localCol++ {
		col := m.GlobalCol(localCol)
		for row := 0; row < height; row++ {
			m.SetLocal(vals[col*height+row], row, localCol)
		}
	}
	return m
}

func TestBatchNorm_ForwardKnownValues(t *testing.T) {
	comm, g := singleRank(t)
	bn, err := NewBatchNorm("bn", 1, comm, g, BatchNormConfig{Decay: 0.9})
	require.NoError(t, err)
	bn.SetMode(Training)

	x := colMatrix(t, comm, g, 1, 3, []float64{1, 2, 3})
	bn.SetInput(x)
	bn.ForwardProp()

	// Batch statistics: mean 2, Bessel-corrected variance
	// (14/3 - 4) * 3/2 = 1.
	if bn.batchMean[0] != 2 {
		t.Errorf("batch mean = %g, want 2", bn.batchMean[0])
	}
	if math.Abs(bn.batchVar[0]-1) > 1e-14 {
		t.Errorf("batch var = %g, want 1", bn.batchVar[0])
	}

	// Running statistics: 0.9*0 + 0.1*2 = 0.2 and 0.9*1 + 0.1*1 = 1.
	if math.Abs(bn.RunningMean()[0]-0.2) > 1e-12 {
		t.Errorf("running mean = %g, want 0.2", bn.RunningMean()[0])
	}
	if math.Abs(bn.RunningVar()[0]-1) > 1e-12 {
		t.Errorf("running var = %g, want 1", bn.RunningVar()[0])
	}

	// Output (eps = 1e-5): close to [-1, 0, 1].
	y := bn.Activations()
	want := []float64{-1, 0, 1}
	for col := 0; col < 3; col++ {
		if math.Abs(y.GetLocal(0, col)-want[col]) > 1e-4 {
			t.Errorf("y[0,%d] = %g, want %g", col, y.GetLocal(0, col), want[col])
		}
	}
}

func TestBatchNorm_InferenceFreezesRunningStats(t *testing.T) {
	comm, g := singleRank(t)
	bn, err := NewBatchNorm("bn", 1, comm, g, BatchNormConfig{Epsilon: 1e-12})
	require.NoError(t, err)
	bn.SetMode(Testing)

	x := colMatrix(t, comm, g, 1, 2, []float64{3, 5})
	bn.SetInput(x)
	bn.ForwardProp()

	// Initial running stats are mean 0, var 1, and inference leaves them
	// untouched.
	if bn.RunningMean()[0] != 0 || bn.RunningVar()[0] != 1 {
		t.Errorf("running stats mutated in inference mode: mean=%g var=%g",
			bn.RunningMean()[0], bn.RunningVar()[0])
	}
	y := bn.Activations()
	if math.Abs(y.GetLocal(0, 0)-3) > 1e-9 || math.Abs(y.GetLocal(0, 1)-5) > 1e-9 {
		t.Errorf("inference output = [%g %g], want [3 5]",
			y.GetLocal(0, 0), y.GetLocal(0, 1))
	}
}

func TestBatchNorm_DegenerateSingleSample(t *testing.T) {
	comm, g := singleRank(t)
	bn, err := NewBatchNorm("bn", 2, comm, g, BatchNormConfig{})
	require.NoError(t, err)
	bn.SetMode(Training)

	x := colMatrix(t, comm, g, 2, 1, []float64{4, -3})
	bn.SetInput(x)
	bn.ForwardProp()

	// n == 1: variance exactly 1, mean is the sample itself.
	if bn.batchVar[0] != 1 || bn.batchVar[1] != 1 {
		t.Errorf("batch var = %v, want exactly 1", bn.batchVar)
	}
	if bn.batchMean[0] != 4 || bn.batchMean[1] != -3 {
		t.Errorf("batch mean = %v, want [4 -3]", bn.batchMean)
	}

	// Backward gradient with respect to the input is exactly zero.
	dy := colMatrix(t, comm, g, 2, 1, []float64{7, 9})
	bn.SetOutputGrad(dy)
	bn.BackProp()
	dx := bn.InputGrad()
	if dx.GetLocal(0, 0) != 0 || dx.GetLocal(1, 0) != 0 {
		t.Errorf("dx = [%g %g], want exactly zero", dx.GetLocal(0, 0), dx.GetLocal(1, 0))
	}
}

func TestBatchNorm_BackwardMatchesFiniteDifference(t *testing.T) {
	comm, g := singleRank(t)
	const height, width = 2, 4

	vals := []float64{0.3, -1.2, 0.8, 0.4, -0.5, 2.1, 1.7, -0.9}
	dyVals := []float64{1.1, -0.2, 0.6, -1.4, 0.9, 0.3, -0.7, 0.5}

	forward := func(vals []float64) *dist.Matrix {
		bn, err := NewBatchNorm("bn", height, comm, g, BatchNormConfig{})
		require.NoError(t, err)
		bn.SetMode(Training)
		bn.SetInput(colMatrix(t, comm, g, height, width, vals))
		bn.ForwardProp()
		return bn.Activations()
	}

	objective := func(vals []float64) float64 {
		y := forward(vals)
		total := 0.0
		for col := 0; col < width; col++ {
			for row := 0; row < height; row++ {
				total += dyVals[col*height+row] * y.GetLocal(row, col)
			}
		}
		return total
	}

	bn, err := NewBatchNorm("bn", height, comm, g, BatchNormConfig{})
	require.NoError(t, err)
	bn.SetMode(Training)
	bn.SetInput(colMatrix(t, comm, g, height, width, vals))
	bn.ForwardProp()
	bn.SetOutputGrad(colMatrix(t, comm, g, height, width, dyVals))
	bn.BackProp()
	dx := bn.InputGrad()

	const h = 1e-6
	for col := 0; col < width; col++ {
		for row := 0; row < height; row++ {
			i := col*height + row
			plus := append([]float64(nil), vals...)
			plus[i] += h
			minus := append([]float64(nil), vals...)
			minus[i] -= h
			numerical := (objective(plus) - objective(minus)) / (2 * h)
			if math.Abs(numerical-dx.GetLocal(row, col)) > 1e-5 {
				t.Errorf("entry (%d,%d): analytical %g, numerical %g",
					row, col, dx.GetLocal(row, col), numerical)
			}
		}
	}
}

func TestBatchNorm_MultiRankMatchesSingleRank(t *testing.T) {
	const size = 2
	const height, width = 2, 6
	vals := []float64{
		1, -2, 2, 0.5, 3, 1.5, 4, -0.5, 5, 2.5, 6, -1.5,
	}

	// Reference run on one rank.
	comm1, g1 := singleRank(t)
	ref, err := NewBatchNorm("bn", height, comm1, g1, BatchNormConfig{})
	require.NoError(t, err)
	ref.SetMode(Training)
	ref.SetInput(colMatrix(t, comm1, g1, height, width, vals))
	ref.ForwardProp()

	// Distributed run: the mini-batch columns are split over two ranks.
	world := dist.NewLocalWorld(size)
	g := dist.WorldGroup(size)
	var wg sync.WaitGroup
	outputs := make([]*BatchNorm, size)
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comm := world.Comm(rank)
			bn, err := NewBatchNorm("bn", height, comm, g, BatchNormConfig{})
			if err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			bn.SetMode(Training)
			bn.SetInput(colMatrix(t, comm, g, height, width, vals))
			bn.ForwardProp()
			outputs[rank] = bn
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		bn := outputs[rank]
		if bn == nil {
			t.Fatalf("rank %d did not finish", rank)
		}
		for row := 0; row < height; row++ {
			if math.Abs(bn.batchMean[row]-ref.batchMean[row]) > 1e-12 {
				t.Errorf("rank %d row %d: mean %g, want %g",
					rank, row, bn.batchMean[row], ref.batchMean[row])
			}
			if math.Abs(bn.batchVar[row]-ref.batchVar[row]) > 1e-12 {
				t.Errorf("rank %d row %d: var %g, want %g",
					rank, row, bn.batchVar[row], ref.batchVar[row])
			}
		}
		// Each rank's local output columns agree with the reference.
		y := bn.Activations()
		for localCol := 0; localCol < y.LocalWidth(); localCol++ {
			col := y.GlobalCol(localCol)
			for row := 0; row < height; row++ {
				want := ref.Activations().GetLocal(row, col)
				if math.Abs(y.GetLocal(row, localCol)-want) > 1e-12 {
					t.Errorf("rank %d entry (%d,%d): %g, want %g",
						rank, row, col, y.GetLocal(row, localCol), want)
				}
			}
		}
	}
}

func TestBatchNorm_GroupMismatchPanics(t *testing.T) {
	world := dist.NewLocalWorld(2)
	comm := world.Comm(0)
	layerGroup := dist.NewGroup([]int{0})
	inputGroup := dist.NewGroup([]int{0, 1})

	bn, err := NewBatchNorm("bn", 1, comm, layerGroup, BatchNormConfig{})
	require.NoError(t, err)

	x, err := dist.New(dist.ColDist, 1, 2, 0, inputGroup, 0)
	require.NoError(t, err)
	bn.SetInput(x)
	require.Panics(t, func() { bn.ForwardProp() })
}

func TestNewBatchNorm_ConfigValidation(t *testing.T) {
	comm, g := singleRank(t)

	_, err := NewBatchNorm("bn", 1, comm, g, BatchNormConfig{Decay: 1})
	require.Error(t, err)

	_, err = NewBatchNorm("bn", 1, comm, g, BatchNormConfig{Epsilon: -1})
	require.Error(t, err)

	bn, err := NewBatchNorm("bn", 1, comm, g, BatchNormConfig{})
	require.NoError(t, err)
	if bn.decay != 0.9 || bn.eps != 1e-5 {
		t.Errorf("defaults: decay=%g eps=%g, want 0.9 and 1e-5", bn.decay, bn.eps)
	}
}
