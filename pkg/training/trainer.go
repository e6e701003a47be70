// Package training fits the parameters of a refinement hook so that refined
// MLEM reconstructions match a known ground truth.
//
// Gradients of the full reconstruction with respect to the refiner parameters
// are not available here, so the trainer uses gonum's derivative-free
// Nelder-Mead simplex method on the mean squared error.
package training

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/optimize"

	"mlemrecon/pkg/imaging"
	"mlemrecon/pkg/reconstruction"
	"mlemrecon/pkg/refine"
)

// ErrNoParameters is returned when the refiner exposes an empty parameter vector.
var ErrNoParameters = errors.New("training: refiner has no parameters")

// Trainer owns the data a refiner is fitted against.
type Trainer struct {
	// Reconstructor runs the refined MLEM loop for every loss evaluation.
	Reconstructor *reconstruction.Reconstructor

	// Measured is the sinogram fed to every reconstruction.
	Measured *imaging.Sinogram

	// Truth is the ground-truth image the loss compares against.
	Truth *imaging.Image

	// Epochs bounds the number of optimizer iterations.
	Epochs int

	// MaxEvaluations bounds the number of reconstructions. Zero means no
	// bound beyond Epochs.
	MaxEvaluations int

	// Logger receives one event per epoch. Nil disables logging.
	Logger *zerolog.Logger
}

// FitResult summarizes a training run.
type FitResult struct {
	InitialLoss float64
	FinalLoss   float64
	Params      []float64
	Evaluations int
	// Rejected counts evaluations whose refiner failed or produced a
	// non-finite loss. They are scored as +Inf.
	Rejected int
	Epochs   int
	// History holds the best loss seen at the end of every epoch.
	History  []float64
	Status   optimize.Status
	Duration time.Duration
}

// Loss reconstructs with refiner and returns the MSE against the truth.
func (t *Trainer) Loss(refiner refine.Refiner) (float64, error) {
	res, err := t.Reconstructor.Reconstruct(t.Measured, refiner)
	if err != nil {
		return 0, err
	}
	if err := res.Image.SameShape(t.Truth); err != nil {
		return 0, err
	}
	return reconstruction.MeanSquaredError(res.Image.Data, t.Truth.Data), nil
}

// Fit minimizes the reconstruction loss over p's parameters and leaves p set
// to the best parameters found.
func (t *Trainer) Fit(p refine.Parametric) (*FitResult, error) {
	if t.Reconstructor == nil || t.Measured == nil || t.Truth == nil {
		return nil, errors.New("training: trainer requires a reconstructor, a measured sinogram and a ground truth")
	}
	if t.Epochs < 1 {
		return nil, fmt.Errorf("training: epochs must be at least 1, got %d", t.Epochs)
	}
	x0 := p.Params()
	if len(x0) == 0 {
		return nil, ErrNoParameters
	}

	logger := zerolog.Nop()
	if t.Logger != nil {
		logger = *t.Logger
	}

	initial, err := t.Loss(p)
	if err != nil {
		return nil, fmt.Errorf("training: initial loss: %w", err)
	}

	var evalErr error
	evaluations, rejected := 0, 0
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			evaluations++
			if err := p.SetParams(x); err != nil {
				evalErr = err
				return math.Inf(1)
			}
			loss, err := t.Loss(p)
			switch {
			case errors.Is(err, reconstruction.ErrRefinement):
				// Parameters that make the refiner blow up are rejected, not fatal.
				rejected++
				return math.Inf(1)
			case err != nil:
				evalErr = err
				return math.Inf(1)
			case math.IsNaN(loss):
				rejected++
				return math.Inf(1)
			}
			return loss
		},
	}

	history := make([]float64, 0, t.Epochs)
	recorder := &epochRecorder{logger: logger, history: &history}
	settings := &optimize.Settings{
		MajorIterations: t.Epochs,
		FuncEvaluations: t.MaxEvaluations,
		Recorder:        recorder,
	}

	start := time.Now()
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if evalErr != nil {
		return nil, fmt.Errorf("training: %w", evalErr)
	}
	if err != nil && result == nil {
		return nil, fmt.Errorf("training: optimizer failed: %w", err)
	}

	best := result.X
	final := result.F
	if final > initial {
		best, final = x0, initial
	}
	if err := p.SetParams(best); err != nil {
		return nil, err
	}

	logger.Info().
		Float64("initial_loss", initial).
		Float64("final_loss", final).
		Int("evaluations", evaluations).
		Int("rejected", rejected).
		Str("status", result.Status.String()).
		Msg("refiner training finished")

	return &FitResult{
		InitialLoss: initial,
		FinalLoss:   final,
		Params:      append([]float64(nil), best...),
		Evaluations: evaluations,
		Rejected:    rejected,
		Epochs:      len(history),
		History:     history,
		Status:      result.Status,
		Duration:    time.Since(start),
	}, nil
}

// epochRecorder implements optimize.Recorder and logs the loss after every
// major iteration.
type epochRecorder struct {
	logger  zerolog.Logger
	history *[]float64
}

func (r *epochRecorder) Init() error { return nil }

func (r *epochRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	*r.history = append(*r.history, loc.F)
	r.logger.Debug().
		Int("epoch", stats.MajorIterations).
		Float64("loss", loc.F).
		Int("evaluations", stats.FuncEvaluations).
		Msg("training epoch")
	return nil
}
