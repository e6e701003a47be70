package refine

import (
	"fmt"

	"mlemrecon/pkg/imaging"
)

// Convolution is a single-channel convolution followed by a parametric ReLU:
//
//	out = prelu(kernel ⊛ img + bias)
//
// The image is zero padded so the output keeps the input shape. A freshly
// created Convolution has an all-zero kernel and bias and therefore returns a
// zero correction until it is trained.
type Convolution struct {
	layer *convLayer
}

// NewConvolution returns a zero-initialized size×size refiner whose PReLU
// uses the given negative slope.
func NewConvolution(size int, slope float64) (*Convolution, error) {
	l, err := newConvLayer(1, 1, size, slope)
	if err != nil {
		return nil, err
	}
	return &Convolution{layer: l}, nil
}

// Size returns the kernel side length.
func (c *Convolution) Size() int { return c.layer.size }

// Params returns kernel weights (row-major), then bias, then slope.
func (c *Convolution) Params() []float64 {
	return c.layer.appendParams(make([]float64, 0, c.layer.numParams()))
}

// SetParams replaces all parameters, in the order returned by Params.
func (c *Convolution) SetParams(p []float64) error {
	if len(p) != c.layer.numParams() {
		return fmt.Errorf("%w: got %d, want %d", ErrParamCount, len(p), c.layer.numParams())
	}
	c.layer.setParams(p)
	return nil
}

// Refine applies the convolution to img.
func (c *Convolution) Refine(img *imaging.Image) (*imaging.Image, error) {
	out, err := c.layer.forward(&featureMap{channels: 1, size: img.Size, data: img.Data})
	if err != nil {
		return nil, err
	}
	return &imaging.Image{Size: img.Size, Data: out.data}, nil
}
