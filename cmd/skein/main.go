// Package main provides the skein gradient-check driver.
//
// It builds a small model (input -> fully connected -> batch
// normalization -> mean squared error) on an in-process multi-rank
// world, runs one training step, and then verifies the analytical
// gradients of every optimizable weight against central finite
// differences.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/skein-ml/skein/internal/check"
	"github.com/skein-ml/skein/internal/dist"
	"github.com/skein-ml/skein/internal/model"
	"github.com/skein-ml/skein/internal/nn"
	"github.com/skein-ml/skein/internal/reader"
)

const version = "v0.1.0-dev"

func main() {
	var (
		ranks          = flag.Int("ranks", 2, "number of in-process ranks")
		features       = flag.Int("features", 4, "feature dimension")
		batchSize      = flag.Int("batch", 8, "mini-batch width")
		stepSize       = flag.Float64("step", 0, "finite-difference step (0 derives one from the objective)")
		verbose        = flag.Bool("verbose", false, "report every entry, not just failures")
		errorOnFailure = flag.Bool("error-on-failure", false, "abort on the first failing entry")
		showVersion    = flag.Bool("version", false, "print the version and exit")
	)
	klog.InitFlags(nil)
	flag.Parse()

	if *showVersion {
		fmt.Printf("skein %s\n", version)
		return
	}
	if *ranks < 1 {
		fmt.Fprintln(os.Stderr, "skein: -ranks must be at least 1")
		os.Exit(2)
	}

	cfg := check.Config{
		StepSize:       *stepSize,
		Verbose:        *verbose,
		ErrorOnFailure: *errorOnFailure,
	}

	world := dist.NewLocalWorld(*ranks)
	group := dist.WorldGroup(*ranks)

	reports := make([]*check.Report, *ranks)
	errs := make([]error, *ranks)

	var wg sync.WaitGroup
	for rank := 0; rank < *ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comm := world.Comm(rank)
			m, err := buildModel(comm, group, *features, *batchSize)
			if err != nil {
				errs[rank] = err
				return
			}

			// One training step so the check runs against weights
			// that have already moved off their initial values.
			m.SetMode(nn.Training)
			m.ForwardProp()
			m.BackProp()
			m.UpdateWeights()
			m.ResetStatistics(nn.Training)

			reports[rank], errs[rank] = check.Run(m, cfg)
		}(rank)
	}
	wg.Wait()

	failed := false
	for rank, err := range errs {
		if err != nil {
			fmt.Fprintf(os.Stderr, "skein: rank %d: %v\n", rank, err)
			failed = true
		}
	}
	failures := 0
	for _, r := range reports {
		if r != nil {
			failures += len(r.Failures)
		}
	}
	if failures > 0 {
		fmt.Fprintf(os.Stderr, "skein: %d gradient entries outside the expected error bound\n", failures)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("skein: all gradients within the expected error bound")
}

// buildModel assembles the demonstration model for one rank. Every rank
// constructs identical weights and data so the collective reductions
// agree.
func buildModel(comm dist.Communicator, group dist.Group, features, batchSize int) (*model.Model, error) {
	samples := make([][]float64, 4*batchSize)
	for i := range samples {
		s := make([]float64, features)
		for r := range s {
			s[r] = math.Sin(float64(i+1) * float64(r+2) / 3)
		}
		samples[i] = s
	}
	rd, err := reader.NewSlice(samples)
	if err != nil {
		return nil, err
	}

	in, err := nn.NewInput("data", features, batchSize, comm, group, rd)
	if err != nil {
		return nil, err
	}

	fc, err := nn.NewFullyConnected("fc", features, features, comm, group)
	if err != nil {
		return nil, err
	}
	w := fc.Weights()[0]
	w.Initialize(nn.GlorotUniform(features, features, 1))
	w.AttachOptimizer(nn.NewSGD(nn.SGDConfig{LR: 0.05}))

	bn, err := nn.NewBatchNorm("bn", features, comm, group, nn.BatchNormConfig{})
	if err != nil {
		return nil, err
	}

	target, err := dist.New(dist.ColDist, features, batchSize, 0, group, comm.Rank())
	if err != nil {
		return nil, err
	}
	for col := 0; col < batchSize; col++ {
		for row := 0; row < features; row++ {
			target.Set(math.Tanh(float64(row+col)/float64(features)), row, col)
		}
	}
	loss := nn.NewMeanSquaredError("mse", comm, target)

	return model.New(comm, model.NewObjective(loss), in, fc, bn, loss)
}
