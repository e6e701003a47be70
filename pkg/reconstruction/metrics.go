package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mlemrecon/pkg/imaging"
)

// ValidationMetrics compares a reconstruction against a known ground truth.
type ValidationMetrics struct {
	// MSE is the mean squared pixel error. It is also the training loss.
	MSE float64

	// RMSE is the square root of MSE.
	RMSE float64

	// PSNR is the peak signal-to-noise ratio in dB using the dynamic range of
	// the ground truth. It is +Inf for an exact reconstruction.
	PSNR float64

	// SSIM is a global structural similarity index in [-1, 1].
	SSIM float64

	// Correlation is the Pearson correlation between the two images. Scale
	// differences do not affect it.
	Correlation float64

	// EntropyDiff is the absolute difference of the 256-bin histogram entropies.
	EntropyDiff float64
}

// Evaluate computes ValidationMetrics for recon against truth.
func Evaluate(recon, truth *imaging.Image) (ValidationMetrics, error) {
	if recon == nil || truth == nil {
		return ValidationMetrics{}, fmt.Errorf("evaluate: %w: nil image", imaging.ErrShapeMismatch)
	}
	if err := recon.SameShape(truth); err != nil {
		return ValidationMetrics{}, fmt.Errorf("evaluate: %w", err)
	}

	mse := MeanSquaredError(recon.Data, truth.Data)
	m := ValidationMetrics{
		MSE:         mse,
		RMSE:        math.Sqrt(mse),
		SSIM:        calculateSSIM(truth.Data, recon.Data),
		Correlation: calculateCorrelation(truth.Data, recon.Data),
		EntropyDiff: math.Abs(calculateEntropy(truth.Data) - calculateEntropy(recon.Data)),
	}

	lo, hi := floats.Min(truth.Data), floats.Max(truth.Data)
	peak := hi - lo
	if peak <= 0 {
		peak = 1
	}
	if mse == 0 {
		m.PSNR = math.Inf(1)
	} else {
		m.PSNR = 10 * math.Log10(peak*peak/mse)
	}
	return m, nil
}

// MeanSquaredError returns the mean of (a-b)². Both slices must have the same
// length; an empty input yields 0.
func MeanSquaredError(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	d := floats.Distance(a, b, 2)
	return d * d / float64(len(a))
}

// calculateSSIM computes a single-window structural similarity index with the
// usual k1 = 0.01, k2 = 0.03 constants and the reference image's dynamic range.
func calculateSSIM(original, reconstructed []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	lo, hi := floats.Min(original), floats.Max(original)
	L := hi - lo
	if L <= 0 {
		L = 1
	}
	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)
	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

func calculateCorrelation(original, reconstructed []float64) float64 {
	c := stat.Correlation(original, reconstructed, nil)
	if math.IsNaN(c) {
		// One of the images is constant.
		return 0
	}
	return c
}

// calculateEntropy computes the Shannon entropy of a 256-bin histogram.
func calculateEntropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	min, max := floats.Min(data), floats.Max(data)
	if max <= min {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (max - min) / float64(numBins)
	for _, v := range data {
		binIdx := int((v - min) / binWidth)
		if binIdx >= numBins {
			binIdx = numBins - 1
		} else if binIdx < 0 {
			binIdx = 0
		}
		hist[binIdx]++
	}

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}
