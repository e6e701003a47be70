// Package refine defines the image refinement hook injected between MLEM
// iterations, along with trainable convolutional and attention refiners.
package refine

import (
	"errors"
	"fmt"

	"mlemrecon/pkg/imaging"
)

var (
	// ErrKernelSize is returned for even or non-positive kernel sizes.
	ErrKernelSize = errors.New("refine: kernel size must be odd and positive")

	// ErrParamCount is returned when SetParams receives the wrong number of values.
	ErrParamCount = errors.New("refine: wrong number of parameters")

	// ErrChannels is returned for non-positive or mismatched channel counts.
	ErrChannels = errors.New("refine: invalid channel count")

	// ErrLayers is returned when a network is requested with too few layers.
	ErrLayers = errors.New("refine: a network needs at least 2 layers")

	// ErrUnknownKind is returned by New for an unrecognized refiner kind.
	ErrUnknownKind = errors.New("refine: unknown refiner kind")

	// ErrNonFinite is returned when activations overflow to NaN or ±Inf.
	ErrNonFinite = errors.New("refine: non-finite activation")
)

// Refiner maps the current estimate to an image-shaped additive correction.
//
// Implementations may hold parameters that an external trainer updates
// between calls. The reconstruction engine treats a Refiner as opaque: it only
// requires that the returned image has the same shape as the input.
type Refiner interface {
	Refine(img *imaging.Image) (*imaging.Image, error)
}

// RefinerFunc adapts an ordinary function to the Refiner interface.
type RefinerFunc func(img *imaging.Image) (*imaging.Image, error)

// Refine calls f(img).
func (f RefinerFunc) Refine(img *imaging.Image) (*imaging.Image, error) { return f(img) }

// Parametric is a Refiner whose parameters can be read and replaced as a flat
// vector, which is what an optimizer works with.
type Parametric interface {
	Refiner
	Params() []float64
	SetParams(p []float64) error
}

// Chain sums the corrections of several refiners evaluated on the same input.
func Chain(refiners ...Refiner) Refiner {
	return RefinerFunc(func(img *imaging.Image) (*imaging.Image, error) {
		total, err := imaging.NewImage(img.Size)
		if err != nil {
			return nil, err
		}
		for _, r := range refiners {
			c, err := r.Refine(img)
			if err != nil {
				return nil, err
			}
			if err := total.SameShape(c); err != nil {
				return nil, err
			}
			for i, v := range c.Data {
				total.Data[i] += v
			}
		}
		return total, nil
	})
}

// Kind names a refiner architecture.
type Kind string

const (
	// KindConvolution is a single k×k convolution with PReLU.
	KindConvolution Kind = "conv"
	// KindCNN is a stack of multi-channel convolutions with PReLU.
	KindCNN Kind = "cnn"
	// KindAttention is a CNN with self-attention after its first two layers.
	KindAttention Kind = "attention"
)

// Spec describes a refiner architecture. Channels, Layers and Seed only
// apply to the network kinds.
type Spec struct {
	Kind       Kind    `yaml:"kind"`
	KernelSize int     `yaml:"kernelSize"`
	Channels   int     `yaml:"channels,omitempty"`
	Layers     int     `yaml:"layers,omitempty"`
	Slope      float64 `yaml:"slope"`
	Seed       uint64  `yaml:"seed,omitempty"`
}

// New builds an untrained refiner. Every kind returns a zero correction until
// its parameters are changed. An empty kind selects KindConvolution.
func New(spec Spec) (Parametric, error) {
	net := NetworkConfig{
		Channels:   spec.Channels,
		Layers:     spec.Layers,
		KernelSize: spec.KernelSize,
		Slope:      spec.Slope,
		Seed:       spec.Seed,
	}
	switch spec.Kind {
	case KindConvolution, "":
		return NewConvolution(spec.KernelSize, spec.Slope)
	case KindCNN:
		return NewCNN(net)
	case KindAttention:
		return NewAttentionCNN(net)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}
