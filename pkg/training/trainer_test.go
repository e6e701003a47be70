package training

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlemrecon/pkg/geometry"
	"mlemrecon/pkg/imaging"
	"mlemrecon/pkg/phantom"
	"mlemrecon/pkg/reconstruction"
	"mlemrecon/pkg/refine"
)

func newTrainer(t *testing.T, epochs int) *Trainer {
	t.Helper()
	truth, err := phantom.Disc(8, 0.6, 1)
	require.NoError(t, err)
	tr := newTrainerFor(t, truth, 2)
	tr.Epochs = epochs
	tr.MaxEvaluations = 80
	return tr
}

// newTrainerFor returns a trainer whose measurements are the noiseless
// projection of truth and whose reconstructions run the given iterations.
func newTrainerFor(t *testing.T, truth *imaging.Image, iterations int) *Trainer {
	t.Helper()
	g, err := geometry.NewGeometry(truth.Size, 0, 0)
	require.NoError(t, err)
	m, err := geometry.Build(g)
	require.NoError(t, err)

	r, err := reconstruction.NewReconstructor(m, &reconstruction.Params{NumIterations: iterations, NumCores: 1})
	require.NoError(t, err)

	measured, err := r.Projector().Forward(truth)
	require.NoError(t, err)

	return &Trainer{
		Reconstructor: r,
		Measured:      measured,
		Truth:         truth,
	}
}

func TestLossMatchesPlainMLEM(t *testing.T) {
	tr := newTrainer(t, 1)

	res, err := tr.Reconstructor.Reconstruct(tr.Measured, nil)
	require.NoError(t, err)
	want := reconstruction.MeanSquaredError(res.Image.Data, tr.Truth.Data)

	conv, err := refine.NewConvolution(3, 0.25)
	require.NoError(t, err)
	got, err := tr.Loss(conv)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFitNeverIncreasesLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping refiner training in short mode")
	}
	tr := newTrainer(t, 10)
	conv, err := refine.NewConvolution(3, 0.25)
	require.NoError(t, err)

	fit, err := tr.Fit(conv)
	require.NoError(t, err)

	assert.LessOrEqual(t, fit.FinalLoss, fit.InitialLoss)
	assert.Greater(t, fit.Evaluations, 0)
	assert.LessOrEqual(t, fit.Epochs, 10)
	assert.Len(t, fit.History, fit.Epochs)
	assert.Equal(t, fit.Params, conv.Params())

	// The refiner is left holding the best parameters.
	loss, err := tr.Loss(conv)
	require.NoError(t, err)
	assert.InDelta(t, fit.FinalLoss, loss, 1e-12)
}

// TestFitImprovesSheppLogan trains a 7x7 convolution against a 2-iteration
// reconstruction of the 16x16 Shepp-Logan phantom, where the under-converged
// estimate leaves room for the refiner to lower the error.
func TestFitImprovesSheppLogan(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping refiner training in short mode")
	}
	truth, err := phantom.SheppLogan(16)
	require.NoError(t, err)
	tr := newTrainerFor(t, truth, 2)
	tr.Epochs = 250

	conv, err := refine.NewConvolution(7, 0.25)
	require.NoError(t, err)

	fit, err := tr.Fit(conv)
	require.NoError(t, err)

	assert.Less(t, fit.FinalLoss, fit.InitialLoss)
	assert.Equal(t, 0, fit.Rejected)
	assert.NotEqual(t, make([]float64, len(fit.Params)-1), fit.Params[:len(fit.Params)-1])
}

func TestFitRejectsFailingParameters(t *testing.T) {
	tr := newTrainer(t, 3)
	p := &fragileRefiner{params: []float64{0}}

	fit, err := tr.Fit(p)
	require.NoError(t, err)
	assert.Greater(t, fit.Rejected, 0)
	assert.Equal(t, fit.InitialLoss, fit.FinalLoss)
	assert.Equal(t, []float64{0}, fit.Params)
}

func TestFitValidation(t *testing.T) {
	conv, err := refine.NewConvolution(1, 0.25)
	require.NoError(t, err)

	t.Run("no epochs", func(t *testing.T) {
		tr := newTrainer(t, 0)
		_, err := tr.Fit(conv)
		assert.Error(t, err)
	})

	t.Run("missing data", func(t *testing.T) {
		tr := newTrainer(t, 1)
		tr.Truth = nil
		_, err := tr.Fit(conv)
		assert.Error(t, err)
	})

	t.Run("no parameters", func(t *testing.T) {
		tr := newTrainer(t, 1)
		_, err := tr.Fit(emptyRefiner{})
		assert.ErrorIs(t, err, ErrNoParameters)
	})
}

type emptyRefiner struct{}

func (emptyRefiner) Refine(img *imaging.Image) (*imaging.Image, error) {
	return imaging.NewImage(img.Size)
}

func (emptyRefiner) Params() []float64 { return nil }

func (emptyRefiner) SetParams([]float64) error { return nil }

// fragileRefiner returns a zero correction at its initial parameter and fails
// everywhere else.
type fragileRefiner struct {
	params []float64
}

func (f *fragileRefiner) Refine(img *imaging.Image) (*imaging.Image, error) {
	if f.params[0] != 0 {
		return nil, errors.New("diverged")
	}
	return imaging.NewImage(img.Size)
}

func (f *fragileRefiner) Params() []float64 { return append([]float64(nil), f.params...) }

func (f *fragileRefiner) SetParams(p []float64) error {
	f.params = append(f.params[:0], p...)
	return nil
}
