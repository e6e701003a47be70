// Package fbp implements filtered back-projection, an analytic baseline to
// compare iterative reconstructions against.
package fbp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"mlemrecon/pkg/imaging"
	"mlemrecon/pkg/projector"
)

// Reconstruct ramp-filters every angle of s along the radial axis and
// back-projects the result with p. The output is scaled by π/nphi and
// negative values, which are filter undershoot, are clipped to zero.
func Reconstruct(p *projector.Projector, s *imaging.Sinogram) (*imaging.Image, error) {
	g := p.Geometry()
	if s == nil || s.Angles != g.Angles || s.Bins != g.RadialBins {
		return nil, fmt.Errorf("filtered back-projection: %w: want %dx%d sinogram", imaging.ErrShapeMismatch, g.Angles, g.RadialBins)
	}

	filtered := RampFilter(s)
	img, err := p.Backward(filtered)
	if err != nil {
		return nil, err
	}
	scale := math.Pi / float64(g.Angles)
	for i, v := range img.Data {
		img.Data[i] = math.Max(0, v*scale)
	}
	return img, nil
}

// RampFilter returns a copy of s with each angle filtered by |ω|.
//
// Rows are zero padded to the next power of two of at least twice the bin
// count so the circular convolution does not wrap around.
func RampFilter(s *imaging.Sinogram) *imaging.Sinogram {
	n := paddedLength(s.Bins)
	fft := fourier.NewFFT(n)

	// Gonum's real FFT returns n/2+1 coefficients; ramp[k] = k/n is |ω| on
	// that half spectrum.
	ramp := make([]float64, n/2+1)
	for k := range ramp {
		ramp[k] = float64(k) / float64(n)
	}

	out := &imaging.Sinogram{Angles: s.Angles, Bins: s.Bins, Data: make([]float64, len(s.Data))}
	row := make([]float64, n)
	coeff := make([]complex128, n/2+1)
	for ph := 0; ph < s.Angles; ph++ {
		clear(row)
		copy(row, s.Row(ph))

		fft.Coefficients(coeff, row)
		for k := range coeff {
			coeff[k] *= complex(ramp[k], 0)
		}
		fft.Sequence(row, coeff)

		// Sequence is unnormalized.
		dst := out.Row(ph)
		for b := range dst {
			dst[b] = row[b] / float64(n)
		}
	}
	return out
}

func paddedLength(bins int) int {
	n := 1
	for n < 2*bins {
		n <<= 1
	}
	return n
}
