// Package reconstruction implements maximum-likelihood expectation-maximization
// (MLEM) for Poisson projection data, with an optional learned refinement step
// applied after every multiplicative update.
package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"mlemrecon/pkg/geometry"
	"mlemrecon/pkg/imaging"
	"mlemrecon/pkg/projector"
	"mlemrecon/pkg/refine"
)

// DefaultEpsilon regularizes both MLEM divisions. Changing it changes results
// bit for bit, so tests depend on this exact value.
const DefaultEpsilon = 1.0e-9

var (
	// ErrInvalidIterations is returned when fewer than one iteration is requested.
	ErrInvalidIterations = errors.New("reconstruction: number of iterations must be at least 1")

	// ErrInvalidEpsilon is returned for a negative or non-finite epsilon.
	ErrInvalidEpsilon = errors.New("reconstruction: epsilon must be a finite non-negative number")

	// ErrInvalidCounts is returned when the measured sinogram or the initial
	// estimate holds negative or non-finite values.
	ErrInvalidCounts = errors.New("reconstruction: values must be finite and non-negative")

	// ErrRefinement wraps any error returned by a refinement hook.
	ErrRefinement = errors.New("reconstruction: refinement failed")

	// ErrRefinementShape is returned when a refinement hook returns an image
	// whose shape differs from the estimate.
	ErrRefinementShape = errors.New("reconstruction: refinement returned a mismatched shape")
)

// Params holds the MLEM configuration.
type Params struct {
	// NumIterations is the number of MLEM updates to perform (at least 1).
	NumIterations int

	// Epsilon is added to the forward projection and to the sensitivity map
	// before dividing. Zero selects DefaultEpsilon.
	Epsilon float64

	// NumCores bounds the goroutines used inside one projection.
	// Zero selects runtime.NumCPU().
	NumCores int

	// Initial is an optional starting estimate. When nil the estimate starts
	// at all ones.
	Initial *imaging.Image

	// Logger receives per-iteration debug events. Nil disables logging.
	Logger *zerolog.Logger
}

// Diagnostics exposes intermediate arrays of the last iteration for display,
// plus the Poisson log-likelihood of every estimate entering an iteration.
// None of it is fed back into the reconstruction.
type Diagnostics struct {
	// ForwardProjection is M·recon for the estimate entering the last iteration.
	ForwardProjection *imaging.Sinogram

	// Ratio is measured / (ForwardProjection + ε).
	Ratio *imaging.Sinogram

	// Correction is Mᵗ·Ratio / (sensitivity + ε).
	Correction *imaging.Image

	// LogLikelihood[k] is Σ y·log(fp+ε) − fp for the estimate entering
	// iteration k.
	LogLikelihood []float64
}

// Result is the output of one reconstruction run.
type Result struct {
	Image       *imaging.Image
	Iterations  int
	Refined     bool
	Duration    time.Duration
	Diagnostics Diagnostics
}

// Reconstructor runs MLEM against a fixed system matrix.
//
// The sensitivity map is computed once in NewReconstructor and reused by every
// call to Reconstruct. A Reconstructor never mutates its matrix or sensitivity
// map, so one instance may serve concurrent Reconstruct calls.
type Reconstructor struct {
	params      Params
	epsilon     float64
	projector   *projector.Projector
	sensitivity *imaging.Image
	logger      zerolog.Logger
}

// NewReconstructor validates params and precomputes the sensitivity map.
//
// Parameters:
//   - m: the system matrix shared by forward and backward projection
//   - params: iteration count, epsilon, worker count and optional logger
//
// Returns:
//   - a Reconstructor ready to run, or a configuration error
func NewReconstructor(m *geometry.SystemMatrix, params *Params) (*Reconstructor, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: nil params", ErrInvalidIterations)
	}
	if params.NumIterations < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidIterations, params.NumIterations)
	}
	eps := params.Epsilon
	if eps < 0 || math.IsNaN(eps) || math.IsInf(eps, 0) {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidEpsilon, eps)
	}
	if eps == 0 {
		eps = DefaultEpsilon
	}
	cores := params.NumCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}

	proj, err := projector.New(m, cores)
	if err != nil {
		return nil, err
	}

	g := m.Geometry()
	if params.Initial != nil {
		if params.Initial.Size != g.ImageSize || len(params.Initial.Data) != g.Pixels() {
			return nil, fmt.Errorf("initial estimate: %w: want %dx%d", imaging.ErrShapeMismatch, g.ImageSize, g.ImageSize)
		}
		if params.Initial.HasNegative() || !params.Initial.IsFinite() {
			return nil, fmt.Errorf("initial estimate: %w", ErrInvalidCounts)
		}
	}

	sens, err := proj.Sensitivity()
	if err != nil {
		return nil, fmt.Errorf("failed to compute sensitivity map: %w", err)
	}

	logger := zerolog.Nop()
	if params.Logger != nil {
		logger = *params.Logger
	}

	kept := *params
	if kept.Initial != nil {
		kept.Initial = kept.Initial.Clone()
	}

	return &Reconstructor{
		params:      kept,
		epsilon:     eps,
		projector:   proj,
		sensitivity: sens,
		logger:      logger,
	}, nil
}

// Sensitivity returns a copy of the sensitivity map.
func (r *Reconstructor) Sensitivity() *imaging.Image { return r.sensitivity.Clone() }

// Projector returns the projector used for both directions.
func (r *Reconstructor) Projector() *projector.Projector { return r.projector }

// Epsilon returns the regularization constant in use.
func (r *Reconstructor) Epsilon() float64 { return r.epsilon }

// Iterations returns the configured iteration count.
func (r *Reconstructor) Iterations() int { return r.params.NumIterations }

// Reconstruct runs NumIterations MLEM updates against measured.
//
// Each iteration computes
//
//	fp         = M·recon
//	ratio      = measured / (fp + ε)
//	correction = Mᵗ·ratio / (sens + ε)
//	recon      = recon · correction
//
// When refiner is non-nil the last step becomes
//
//	recon = |recon · correction + refiner(recon)|
//
// where the refiner sees the estimate from before the update. The absolute
// value keeps the estimate non-negative after the additive correction.
// A refiner error or shape mismatch aborts the run.
func (r *Reconstructor) Reconstruct(measured *imaging.Sinogram, refiner refine.Refiner) (*Result, error) {
	g := r.projector.Geometry()
	if measured == nil || measured.Angles != g.Angles || measured.Bins != g.RadialBins || len(measured.Data) != g.Bins() {
		return nil, fmt.Errorf("measured sinogram: %w: want %dx%d", imaging.ErrShapeMismatch, g.Angles, g.RadialBins)
	}
	if measured.HasNegative() || !measured.IsFinite() {
		return nil, fmt.Errorf("measured sinogram: %w", ErrInvalidCounts)
	}

	refined := refiner != nil
	labels := strconv.FormatBool(refined)
	start := time.Now()

	var recon *imaging.Image
	if r.params.Initial != nil {
		recon = r.params.Initial.Clone()
	} else {
		var err error
		if recon, err = imaging.Ones(g.ImageSize); err != nil {
			return nil, err
		}
	}

	eps := r.epsilon
	diag := Diagnostics{LogLikelihood: make([]float64, 0, r.params.NumIterations)}

	for it := 0; it < r.params.NumIterations; it++ {
		fp, err := r.projector.Forward(recon)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it+1, err)
		}
		ll := PoissonLogLikelihood(measured, fp, eps)
		diag.LogLikelihood = append(diag.LogLikelihood, ll)

		ratio := &imaging.Sinogram{Angles: fp.Angles, Bins: fp.Bins, Data: make([]float64, len(fp.Data))}
		for i, y := range measured.Data {
			ratio.Data[i] = y / (fp.Data[i] + eps)
		}

		correction, err := r.projector.Backward(ratio)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it+1, err)
		}
		for i, s := range r.sensitivity.Data {
			correction.Data[i] /= s + eps
		}

		if refined {
			delta, err := refiner.Refine(recon.Clone())
			if err != nil {
				refinementFailures.Inc()
				return nil, fmt.Errorf("iteration %d: %w: %w", it+1, ErrRefinement, err)
			}
			if delta == nil || delta.Size != recon.Size || len(delta.Data) != len(recon.Data) {
				refinementFailures.Inc()
				return nil, fmt.Errorf("iteration %d: %w", it+1, ErrRefinementShape)
			}
			for i := range recon.Data {
				recon.Data[i] = math.Abs(recon.Data[i]*correction.Data[i] + delta.Data[i])
			}
		} else {
			for i := range recon.Data {
				recon.Data[i] *= correction.Data[i]
			}
		}

		diag.ForwardProjection = fp
		diag.Ratio = ratio
		diag.Correction = correction
		iterationsTotal.WithLabelValues(labels).Inc()

		r.logger.Trace().
			Int("iteration", it+1).
			Float64("log_likelihood", ll).
			Float64("total_intensity", recon.Sum()).
			Msg("MLEM iteration complete")
	}

	elapsed := time.Since(start)
	reconstructionsTotal.WithLabelValues(labels).Inc()
	reconstructionDuration.WithLabelValues(labels).Observe(elapsed.Seconds())

	r.logger.Debug().
		Int("iterations", r.params.NumIterations).
		Bool("refined", refined).
		Dur("duration", elapsed).
		Msg("MLEM reconstruction finished")

	return &Result{
		Image:       recon,
		Iterations:  r.params.NumIterations,
		Refined:     refined,
		Duration:    elapsed,
		Diagnostics: diag,
	}, nil
}

// PoissonLogLikelihood returns Σ y·log(fp+ε) − fp, dropping the constant
// log(y!) term. Bins with y = 0 contribute −fp only.
func PoissonLogLikelihood(measured, fp *imaging.Sinogram, eps float64) float64 {
	var ll float64
	for i, y := range measured.Data {
		f := fp.Data[i]
		if y > 0 {
			ll += y * math.Log(f+eps)
		}
		ll -= f
	}
	return ll
}
