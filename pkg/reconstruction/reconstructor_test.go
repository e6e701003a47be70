package reconstruction

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlemrecon/pkg/geometry"
	"mlemrecon/pkg/imaging"
	"mlemrecon/pkg/phantom"
	"mlemrecon/pkg/refine"
)

// newTestSetup builds a system matrix for an n×n image with default sampling
// and the noiseless sinogram of a centred disc.
func newTestSetup(t *testing.T, n int) (*geometry.SystemMatrix, *imaging.Image, *imaging.Sinogram) {
	t.Helper()
	g, err := geometry.NewGeometry(n, 0, 0)
	require.NoError(t, err)
	m, err := geometry.Build(g)
	require.NoError(t, err)

	truth, err := phantom.Disc(n, 0.5, 1)
	require.NoError(t, err)

	r, err := NewReconstructor(m, &Params{NumIterations: 1, NumCores: 1})
	require.NoError(t, err)
	measured, err := r.Projector().Forward(truth)
	require.NoError(t, err)
	return m, truth, measured
}

func newReconstructor(t *testing.T, m *geometry.SystemMatrix, params Params) *Reconstructor {
	t.Helper()
	r, err := NewReconstructor(m, &params)
	require.NoError(t, err)
	return r
}

func TestNewReconstructorValidation(t *testing.T) {
	m, _, _ := newTestSetup(t, 4)
	wrongSize, _ := imaging.Ones(5)
	negative, _ := imaging.Ones(4)
	negative.Data[3] = -1

	testCases := []struct {
		name    string
		params  *Params
		wantErr error
	}{
		{"nil params", nil, ErrInvalidIterations},
		{"zero iterations", &Params{NumIterations: 0}, ErrInvalidIterations},
		{"negative epsilon", &Params{NumIterations: 1, Epsilon: -1e-9}, ErrInvalidEpsilon},
		{"nan epsilon", &Params{NumIterations: 1, Epsilon: math.NaN()}, ErrInvalidEpsilon},
		{"initial wrong shape", &Params{NumIterations: 1, Initial: wrongSize}, imaging.ErrShapeMismatch},
		{"initial negative", &Params{NumIterations: 1, Initial: negative}, ErrInvalidCounts},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReconstructor(m, tc.params)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	_, err := NewReconstructor(nil, &Params{NumIterations: 1})
	assert.Error(t, err)
}

func TestNewReconstructorDefaults(t *testing.T) {
	m, _, _ := newTestSetup(t, 4)
	r := newReconstructor(t, m, Params{NumIterations: 3})

	assert.Equal(t, DefaultEpsilon, r.Epsilon())
	assert.Equal(t, 3, r.Iterations())
	assert.GreaterOrEqual(t, r.Projector().Workers(), 1)
}

func TestReconstructRejectsBadSinogram(t *testing.T) {
	m, _, measured := newTestSetup(t, 4)
	r := newReconstructor(t, m, Params{NumIterations: 1})

	wrong, _ := imaging.NewSinogram(measured.Angles+1, measured.Bins)
	_, err := r.Reconstruct(wrong, nil)
	assert.ErrorIs(t, err, imaging.ErrShapeMismatch)

	_, err = r.Reconstruct(nil, nil)
	assert.ErrorIs(t, err, imaging.ErrShapeMismatch)

	negative := measured.Clone()
	negative.Data[0] = -1
	_, err = r.Reconstruct(negative, nil)
	assert.ErrorIs(t, err, ErrInvalidCounts)

	notFinite := measured.Clone()
	notFinite.Data[0] = math.Inf(1)
	_, err = r.Reconstruct(notFinite, nil)
	assert.ErrorIs(t, err, ErrInvalidCounts)
}

func TestReconstructResultShape(t *testing.T) {
	m, _, measured := newTestSetup(t, 8)
	r := newReconstructor(t, m, Params{NumIterations: 4})

	res, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Image.Size)
	assert.Len(t, res.Image.Data, 64)
	assert.Equal(t, 4, res.Iterations)
	assert.False(t, res.Refined)
	assert.Len(t, res.Diagnostics.LogLikelihood, 4)
	assert.Equal(t, measured.Angles, res.Diagnostics.ForwardProjection.Angles)
	assert.Equal(t, measured.Bins, res.Diagnostics.Ratio.Bins)
	assert.Equal(t, 8, res.Diagnostics.Correction.Size)
}

func TestReconstructNonNegative(t *testing.T) {
	m, _, measured := newTestSetup(t, 12)
	noisy, err := phantom.PoissonCounts(measured, 20, 7)
	require.NoError(t, err)

	for _, iterations := range []int{1, 3, 10} {
		r := newReconstructor(t, m, Params{NumIterations: iterations, NumCores: 2})
		res, err := r.Reconstruct(noisy, nil)
		require.NoError(t, err)
		assert.False(t, res.Image.HasNegative(), "iterations %d", iterations)
		assert.True(t, res.Image.IsFinite(), "iterations %d", iterations)
	}
}

func TestReconstructZeroSinogram(t *testing.T) {
	m, _, measured := newTestSetup(t, 4)
	zero, err := imaging.NewSinogram(measured.Angles, measured.Bins)
	require.NoError(t, err)

	r := newReconstructor(t, m, Params{NumIterations: 1})
	res, err := r.Reconstruct(zero, nil)
	require.NoError(t, err)

	assert.True(t, res.Image.IsFinite())
	for i, v := range res.Image.Data {
		assert.Equal(t, 0.0, v, "pixel %d", i)
	}
	for _, v := range res.Diagnostics.Ratio.Data {
		assert.Equal(t, 0.0, v)
	}
}

// TestReconstructFixedPoint starts from the true image on noiseless data, which
// MLEM should leave unchanged up to the ε regularization.
func TestReconstructFixedPoint(t *testing.T) {
	m, truth, measured := newTestSetup(t, 8)
	r := newReconstructor(t, m, Params{NumIterations: 3, Initial: truth})

	res, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)
	for i := range truth.Data {
		assert.InDelta(t, truth.Data[i], res.Image.Data[i], 1e-6, "pixel %d", i)
	}
}

// TestReconstructPreservesCounts checks that after one update the
// sensitivity-weighted intensity equals the total measured counts.
func TestReconstructPreservesCounts(t *testing.T) {
	m, _, measured := newTestSetup(t, 10)
	r := newReconstructor(t, m, Params{NumIterations: 1})

	res, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)

	sens := r.Sensitivity()
	var weighted float64
	for i, v := range res.Image.Data {
		weighted += sens.Data[i] * v
	}
	total := measured.Sum()
	assert.InDelta(t, total, weighted, 1e-6*total)
}

func TestReconstructLogLikelihoodNonDecreasing(t *testing.T) {
	m, _, measured := newTestSetup(t, 16)
	r := newReconstructor(t, m, Params{NumIterations: 20})

	res, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)

	ll := res.Diagnostics.LogLikelihood
	for k := 1; k < len(ll); k++ {
		tol := 1e-9 * math.Max(1, math.Abs(ll[k-1]))
		assert.GreaterOrEqual(t, ll[k]+tol, ll[k-1], "iteration %d", k)
	}
}

func TestReconstructConvergesTowardsTruth(t *testing.T) {
	m, truth, measured := newTestSetup(t, 16)

	few, err := newReconstructor(t, m, Params{NumIterations: 5}).Reconstruct(measured, nil)
	require.NoError(t, err)
	many, err := newReconstructor(t, m, Params{NumIterations: 50}).Reconstruct(measured, nil)
	require.NoError(t, err)

	assert.Less(t, MeanSquaredError(many.Image.Data, truth.Data), MeanSquaredError(few.Image.Data, truth.Data))
}

func TestReconstructDeterministic(t *testing.T) {
	m, _, measured := newTestSetup(t, 16)
	serial := newReconstructor(t, m, Params{NumIterations: 5, NumCores: 1})
	parallel := newReconstructor(t, m, Params{NumIterations: 5, NumCores: 8})

	a, err := serial.Reconstruct(measured, nil)
	require.NoError(t, err)
	b, err := parallel.Reconstruct(measured, nil)
	require.NoError(t, err)
	c, err := serial.Reconstruct(measured, nil)
	require.NoError(t, err)

	assert.Equal(t, a.Image.Data, b.Image.Data)
	assert.Equal(t, a.Image.Data, c.Image.Data)
}

func TestReconstructConcurrentCalls(t *testing.T) {
	m, _, measured := newTestSetup(t, 8)
	r := newReconstructor(t, m, Params{NumIterations: 5, NumCores: 2})
	want, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)

	const runs = 4
	results := make([]*Result, runs)
	errs := make([]error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Reconstruct(measured, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want.Image.Data, results[i].Image.Data)
	}
}

func TestReconstructDoesNotMutateInputs(t *testing.T) {
	m, truth, measured := newTestSetup(t, 8)
	initial := truth.Clone()
	r := newReconstructor(t, m, Params{NumIterations: 3, Initial: initial})
	sensBefore := r.Sensitivity()
	measuredBefore := measured.Clone()

	_, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)

	assert.Equal(t, measuredBefore.Data, measured.Data)
	assert.Equal(t, truth.Data, initial.Data)
	assert.Equal(t, sensBefore.Data, r.Sensitivity().Data)
}

func TestReconstructZeroRefinerMatchesPlain(t *testing.T) {
	m, _, measured := newTestSetup(t, 8)
	r := newReconstructor(t, m, Params{NumIterations: 6})

	plain, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)

	zero := refine.RefinerFunc(func(img *imaging.Image) (*imaging.Image, error) {
		return imaging.NewImage(img.Size)
	})
	conv, err := refine.NewConvolution(3, 0.25)
	require.NoError(t, err)
	cnn, err := refine.New(refine.Spec{Kind: refine.KindCNN, KernelSize: 3, Channels: 2, Layers: 3, Slope: 0.25, Seed: 1})
	require.NoError(t, err)
	attention, err := refine.New(refine.Spec{Kind: refine.KindAttention, KernelSize: 3, Channels: 2, Layers: 3, Slope: 0.25, Seed: 1})
	require.NoError(t, err)

	for name, refiner := range map[string]refine.Refiner{
		"zero":                  zero,
		"untrained convolution": conv,
		"untrained cnn":         cnn,
		"untrained attention":   attention,
	} {
		t.Run(name, func(t *testing.T) {
			refined, err := r.Reconstruct(measured, refiner)
			require.NoError(t, err)
			assert.True(t, refined.Refined)
			assert.Equal(t, plain.Image.Data, refined.Image.Data)
		})
	}
}

func TestReconstructRefinedUpdate(t *testing.T) {
	m, _, measured := newTestSetup(t, 8)
	r := newReconstructor(t, m, Params{NumIterations: 1})

	shift := refine.RefinerFunc(func(img *imaging.Image) (*imaging.Image, error) {
		out, err := imaging.NewImage(img.Size)
		if err != nil {
			return nil, err
		}
		for i := range out.Data {
			out.Data[i] = -5
		}
		return out, nil
	})

	res, err := r.Reconstruct(measured, shift)
	require.NoError(t, err)

	// The estimate entering the only iteration is all ones.
	correction := res.Diagnostics.Correction
	for i, v := range res.Image.Data {
		assert.Equal(t, math.Abs(correction.Data[i]-5), v, "pixel %d", i)
	}
	assert.False(t, res.Image.HasNegative())
}

func TestReconstructRefinerSeesPreviousEstimate(t *testing.T) {
	m, _, measured := newTestSetup(t, 8)

	var seen []*imaging.Image
	recorder := refine.RefinerFunc(func(img *imaging.Image) (*imaging.Image, error) {
		seen = append(seen, img.Clone())
		// Scribbling on the input must not leak into the estimate.
		for i := range img.Data {
			img.Data[i] = 100
		}
		return imaging.NewImage(img.Size)
	})

	r := newReconstructor(t, m, Params{NumIterations: 2})
	refined, err := r.Reconstruct(measured, recorder)
	require.NoError(t, err)
	require.Len(t, seen, 2)

	for _, v := range seen[0].Data {
		assert.Equal(t, 1.0, v)
	}

	one, err := newReconstructor(t, m, Params{NumIterations: 1}).Reconstruct(measured, nil)
	require.NoError(t, err)
	assert.Equal(t, one.Image.Data, seen[1].Data)

	plain, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)
	assert.Equal(t, plain.Image.Data, refined.Image.Data)
}

func TestReconstructRefinerErrors(t *testing.T) {
	m, _, measured := newTestSetup(t, 4)
	r := newReconstructor(t, m, Params{NumIterations: 3})
	boom := errors.New("boom")

	testCases := []struct {
		name    string
		refiner refine.Refiner
		wantErr error
	}{
		{
			name: "refiner error",
			refiner: refine.RefinerFunc(func(*imaging.Image) (*imaging.Image, error) {
				return nil, boom
			}),
			wantErr: ErrRefinement,
		},
		{
			name: "wrong shape",
			refiner: refine.RefinerFunc(func(img *imaging.Image) (*imaging.Image, error) {
				return imaging.NewImage(img.Size + 1)
			}),
			wantErr: ErrRefinementShape,
		},
		{
			name: "nil image",
			refiner: refine.RefinerFunc(func(*imaging.Image) (*imaging.Image, error) {
				return nil, nil
			}),
			wantErr: ErrRefinementShape,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.Reconstruct(measured, tc.refiner)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	_, err := r.Reconstruct(measured, refine.RefinerFunc(func(*imaging.Image) (*imaging.Image, error) {
		return nil, boom
	}))
	assert.ErrorIs(t, err, boom)
}

func TestReconstructLogsIterations(t *testing.T) {
	m, _, measured := newTestSetup(t, 4)
	previous := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.TraceLevel)

	r := newReconstructor(t, m, Params{NumIterations: 3, Logger: &logger})
	_, err := r.Reconstruct(measured, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "MLEM iteration complete"))
	assert.Equal(t, 1, strings.Count(out, "MLEM reconstruction finished"))
}

func TestPoissonLogLikelihood(t *testing.T) {
	measured, _ := imaging.SinogramFromData(1, 3, []float64{0, 2, 1})
	fp, _ := imaging.SinogramFromData(1, 3, []float64{1, 2, 1})

	want := -1 + (2*math.Log(2) - 2) + (math.Log(1) - 1)
	assert.InDelta(t, want, PoissonLogLikelihood(measured, fp, 0), 1e-12)
}
