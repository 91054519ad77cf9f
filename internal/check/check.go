// Package check implements finite-difference verification of the
// analytical gradients produced by a model's backward pass.
//
// The driver perturbs every entry of every optimizable weight tensor by
// +-h and +-2h, re-evaluates the scalar objective after each perturbation,
// and combines the four values with a five-point central-difference stencil:
//
//	f'(x) ~ ( -f(x+2h) + 8 f(x+h) - 8 f(x-h) + f(x-2h) ) / 12h
//
// Each entry of a distributed weight tensor has a single owning rank; only
// the owner holds the true value and judges the comparison, but every rank
// executes every objective evaluation so the collective reductions inside
// the forward pass stay matched.
package check

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/skein-ml/skein/internal/model"
	"github.com/skein-ml/skein/internal/nn"
	"github.com/skein-ml/skein/internal/reader"
)

// Config holds the recognized gradient-check options.
type Config struct {
	// Modes lists the execution modes to check. Empty means every mode.
	Modes []nn.Mode

	// StepSize is the finite-difference step h. Zero or negative derives
	// a step from the objective value and machine epsilon.
	StepSize float64

	// Verbose reports every entry instead of only the failing ones.
	Verbose bool

	// ErrorOnFailure aborts the procedure after the first failing entry
	// instead of logging and continuing.
	ErrorOnFailure bool

	// Out receives the textual report. Defaults to os.Stdout.
	Out io.Writer
}

// Entry is the comparison outcome for one weight tensor entry, evaluated by
// its owning rank.
type Entry struct {
	Weight        string
	Row, Col      int
	Value         float64
	Analytical    float64
	Numerical     float64
	Error         float64
	RelativeError float64
}

// Report summarizes one gradient-check run on one rank. Failures contains
// only entries owned by this rank; each rank judges its own partition.
type Report struct {
	Objective     float64
	StepSize      float64
	ExpectedError float64
	Failures      []Entry
}

// Run executes the gradient check against the model's current execution
// mode. It is side-effect-free on training bookkeeping: weights are
// restored bit-identically, data readers are rewound and objective/metric
// statistics are reset.
//
// With ErrorOnFailure set, the first failing entry (on its owning rank)
// aborts the run with a non-nil error; otherwise all failures are reported
// and a nil error is returned. An abort leaves the other ranks mid-check
// with unmatched collectives, so callers must treat the error as fatal for
// the whole world, never as a per-rank condition to recover from.
func Run(m *model.Model, cfg Config) (*Report, error) {
	mode := m.Mode()

	// Return immediately if this mode is not being checked.
	if len(cfg.Modes) > 0 && !containsMode(cfg.Modes, mode) {
		return &Report{}, nil
	}

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	comm := m.Comm()

	// Reset statistics and gradients.
	m.ResetStatistics(mode)
	m.ClearGradients()

	// Load data in input layers; objective evaluations below assume the
	// data is already resident.
	m.ForwardInputLayers()

	objective := m.EvaluateObjective()

	// Choose the finite difference step. By Taylor's theorem the
	// truncation error of the stencil is bounded by |f'''''| / 18 * h^4,
	// and evaluating f to relative accuracy epsilon costs epsilon*|f|/h.
	// Assuming f(chi) ~ f(x) and |f'''''| ~ 1, h is chosen so the
	// floating-point term stays near sqrt(epsilon). The 0.9 exponents
	// are empirical slack.
	epsilon := math.Pow(math.Nextafter(1, 2)-1, 0.9)
	step := cfg.StepSize
	if step <= 0 {
		step = math.Abs(objective) * math.Sqrt(epsilon)
	}
	expected := math.Pow(epsilon*objective/step+math.Pow(step, 4)/18, 0.9)

	report := &Report{
		Objective:     objective,
		StepSize:      step,
		ExpectedError: expected,
	}

	// Compute the analytical gradients.
	m.BackProp()

	klog.V(1).Infof("gradient check: rank=%d mode=%s objective=%g step=%g expected=%g",
		comm.Rank(), mode, objective, step, expected)

	if comm.IsCoordinator() {
		fmt.Fprintln(out, "----------------------------------------------------------------")
		fmt.Fprintln(out, "Gradient checking...")
		fmt.Fprintf(out, "  Objective function value = %g\n", objective)
		fmt.Fprintf(out, "  Step size                = %g\n", step)
		fmt.Fprintf(out, "  Expected gradient error  = %g\n", expected)
	}

	var failure error
	for _, w := range m.Weights() {
		opt := w.Optimizer()
		if opt == nil {
			continue
		}
		if comm.IsCoordinator() {
			fmt.Fprintf(out, "Checking %s\n", w.Name())
		}

		values := w.Values()
		gradient := opt.Gradient()

		for col := 0; col < values.Width(); col++ {
			for row := 0; row < values.Height(); row++ {
				local := values.IsLocal(row, col)
				initial := values.Get(row, col) // zero placeholder off-owner

				// Objective values at the four stencil points;
				// the entry is restored after each evaluation.
				w.SetValue(initial+2*step, row, col)
				f2h := m.EvaluateObjective()
				w.SetValue(initial+step, row, col)
				fh := m.EvaluateObjective()
				w.SetValue(initial-step, row, col)
				fnh := m.EvaluateObjective()
				w.SetValue(initial-2*step, row, col)
				fn2h := m.EvaluateObjective()
				w.SetValue(initial, row, col)

				// Only the weight owner judges the comparison.
				if !local {
					continue
				}
				analytical := gradient.Get(row, col)
				numerical := (-f2h + 8*fh - 8*fnh + fn2h) / (12 * step)
				errVal := math.Abs(analytical - numerical)
				relative := 0.0
				if errVal != 0 {
					relative = errVal / math.Max(math.Abs(analytical), math.Abs(numerical))
				}
				entry := Entry{
					Weight:        w.Name(),
					Row:           row,
					Col:           col,
					Value:         initial,
					Analytical:    analytical,
					Numerical:     numerical,
					Error:         errVal,
					RelativeError: relative,
				}

				if errVal > expected || math.IsNaN(errVal) || math.IsInf(errVal, 0) {
					report.Failures = append(report.Failures, entry)
					fmt.Fprintf(out, "  GRADIENT ERROR: %s, entry (%d,%d)\n", entry.Weight, row, col)
					printEntry(out, entry)
					if cfg.ErrorOnFailure {
						failure = errors.Errorf(
							"check: large difference between analytical and numerical gradients (%s entry (%d,%d))",
							entry.Weight, row, col)
					}
				} else if cfg.Verbose {
					fmt.Fprintf(out, "  %s, entry (%d,%d)\n", entry.Weight, row, col)
					printEntry(out, entry)
				}
				if failure != nil {
					break
				}
			}
			if failure != nil {
				break
			}
		}
		if failure != nil {
			break
		}
	}
	if comm.IsCoordinator() {
		fmt.Fprintln(out, "----------------------------------------------------------------")
	}

	// Clean up: the objective evaluations consumed samples, so rewind
	// every data reader, and drop the statistics the check accumulated.
	for _, l := range m.Layers() {
		if !l.IsInput() {
			continue
		}
		if dl, ok := l.(interface{ DataReader() reader.Reader }); ok {
			dl.DataReader().SetInitialPosition()
		}
	}
	m.ResetStatistics(mode)

	return report, failure
}

func printEntry(out io.Writer, e Entry) {
	fmt.Fprintf(out, "    Weight              = %g\n", e.Value)
	fmt.Fprintf(out, "    Analytical gradient = %g\n", e.Analytical)
	fmt.Fprintf(out, "    Numerical gradient  = %g\n", e.Numerical)
	fmt.Fprintf(out, "    Error               = %g\n", e.Error)
	fmt.Fprintf(out, "    Relative error      = %g\n", e.RelativeError)
}

func containsMode(modes []nn.Mode, mode nn.Mode) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
