// Package kernel implements the data-parallel numeric kernels behind batch
// normalization: per-row moment accumulation, the elementwise normalization
// transform, and the backward kernels that carry gradients through the batch
// statistics.
//
// All kernels operate on column-major buffers with an explicit leading
// dimension (the storage stride between adjacent columns, ldim >= height).
// Row/tile parallelism follows the parallel package: each worker touches
// only its assigned rows or entries, and accumulation across the columns of
// a row is done serially by the worker owning that row, so a row's
// contribution is fully reduced before any cross-process combination.
package kernel

import (
	"fmt"
	"math"

	"github.com/skein-ml/skein/internal/parallel"
)

func checkDims(op string, n, height, width, ldim int) {
	if ldim < height {
		panic(fmt.Sprintf("%s: leading dimension %d smaller than height %d", op, ldim, height))
	}
	if width > 0 && n < (width-1)*ldim+height {
		panic(fmt.Sprintf("%s: buffer length %d too small for %dx%d with ldim %d", op, n, height, width, ldim))
	}
}

// RowMoments accumulates, for every row r, the sum and the sum of squares of
// x over all local columns, adding into sums[r] and sumsqs[r]. Callers zero
// the accumulators first and cross-process-reduce them afterwards.
func RowMoments(x []float64, height, width, ldim int, sums, sumsqs []float64, cfg parallel.Config) {
	checkDims("kernel: row moments", len(x), height, width, ldim)
	if len(sums) < height || len(sumsqs) < height {
		panic(fmt.Sprintf("kernel: row moments: accumulators shorter than height %d", height))
	}
	parallel.For(height, func(row int) {
		sum, sumsq := 0.0, 0.0
		for col := 0; col < width; col++ {
			v := x[col*ldim+row]
			sum += v
			sumsq += v * v
		}
		sums[row] += sum
		sumsqs[row] += sumsq
	}, cfg)
}

// FinalizeMoments turns globally reduced sums and sums of squares into the
// per-row mean and Bessel-corrected sample variance, in place:
//
//	mean = sum/n
//	var  = (sumsq/n - mean^2) * n/(n-1)
//
// n is the total sample count across the communication group. For n <= 1
// the variance is defined as exactly 1 and the mean is the degenerate
// single-sample value, which keeps the backward pass well defined.
func FinalizeMoments(sums, sumsqs []float64, height, n int, cfg parallel.Config) {
	if len(sums) < height || len(sumsqs) < height {
		panic(fmt.Sprintf("kernel: finalize moments: accumulators shorter than height %d", height))
	}
	parallel.For(height, func(row int) {
		if n <= 1 {
			// sums[row] already holds the degenerate single-sample mean.
			sumsqs[row] = 1
			return
		}
		mean := sums[row] / float64(n)
		variance := (sumsqs[row]/float64(n) - mean*mean) * float64(n) / float64(n-1)
		sums[row] = mean
		sumsqs[row] = variance
	}, cfg)
}

// Normalize applies the normalization transform elementwise:
//
//	y[r,c] = (x[r,c] - means[r]) / sqrt(vars[r] + eps)
//
// x and y share dimensions and leading dimension; y may alias x.
func Normalize(y, x []float64, height, width, ldim int, means, vars []float64, eps float64, cfg parallel.Config) {
	checkDims("kernel: normalize", len(x), height, width, ldim)
	checkDims("kernel: normalize", len(y), height, width, ldim)
	parallel.ForTile(height, width, func(row, col int) {
		invStd := 1 / math.Sqrt(vars[row]+eps)
		y[col*ldim+row] = (x[col*ldim+row] - means[row]) * invStd
	}, cfg)
}

// BackpropStats accumulates the per-row gradient of the loss with respect to
// the batch mean and variance from the elementwise output gradient dy:
//
//	dmeans[r] += -sum_c dy[r,c] / sqrt(vars[r] + eps)
//	dvars[r]  += -sum_c dy[r,c] * (x[r,c] - means[r]) / 2 / (vars[r] + eps)^1.5
//
// Callers zero the accumulators first and cross-process-reduce them
// afterwards, over the same group that reduced the forward statistics.
func BackpropStats(x, dy []float64, height, width, ldim int, means, vars []float64, eps float64, dmeans, dvars []float64, cfg parallel.Config) {
	checkDims("kernel: backprop stats", len(x), height, width, ldim)
	checkDims("kernel: backprop stats", len(dy), height, width, ldim)
	parallel.For(height, func(row int) {
		invStd := 1 / math.Sqrt(vars[row]+eps)
		dvarScale := invStd * invStd * invStd / 2
		dmean, dvar := 0.0, 0.0
		for col := 0; col < width; col++ {
			g := dy[col*ldim+row]
			dmean -= g * invStd
			dvar -= g * (x[col*ldim+row] - means[row]) * dvarScale
		}
		dmeans[row] += dmean
		dvars[row] += dvar
	}, cfg)
}

// BackpropInput combines the elementwise gradient with the globally reduced
// statistics gradients into the full input gradient:
//
//	dx[r,c] = dy[r,c]/sqrt(vars[r]+eps) + dmeans[r]/n + dvars[r]*(x[r,c]-means[r])*2/(n-1)
//
// This is the chain rule through both the direct elementwise path and the
// indirect path via the batch statistics. n must be greater than 1; callers
// handle the degenerate regime by zeroing dx instead.
func BackpropInput(dx, dy, x []float64, height, width, ldim int, means, vars, dmeans, dvars []float64, eps float64, n int, cfg parallel.Config) {
	if n <= 1 {
		panic(fmt.Sprintf("kernel: backprop input: sample count %d not meaningful", n))
	}
	checkDims("kernel: backprop input", len(dx), height, width, ldim)
	checkDims("kernel: backprop input", len(dy), height, width, ldim)
	checkDims("kernel: backprop input", len(x), height, width, ldim)
	parallel.ForTile(height, width, func(row, col int) {
		invStd := 1 / math.Sqrt(vars[row]+eps)
		dx[col*ldim+row] = dy[col*ldim+row]*invStd +
			dmeans[row]/float64(n) +
			dvars[row]*(x[col*ldim+row]-means[row])*2/float64(n-1)
	}, cfg)
}

// ScaleByInvStd is the inference-mode backward kernel:
//
//	dx[r,c] = dy[r,c] / sqrt(vars[r] + eps)
//
// Running statistics are constants with respect to the input, so there is no
// statistics-gradient term and no cross-process reduction.
func ScaleByInvStd(dx, dy []float64, height, width, ldim int, vars []float64, eps float64, cfg parallel.Config) {
	checkDims("kernel: scale by inv std", len(dx), height, width, ldim)
	checkDims("kernel: scale by inv std", len(dy), height, width, ldim)
	parallel.ForTile(height, width, func(row, col int) {
		dx[col*ldim+row] = dy[col*ldim+row] / math.Sqrt(vars[row]+eps)
	}, cfg)
}
