package refine

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"mlemrecon/pkg/imaging"
)

// attentionBlocks is the number of leading convolutions followed by an
// attention layer in NewAttentionCNN.
const attentionBlocks = 2

// NetworkConfig sizes a multi-layer refiner.
type NetworkConfig struct {
	// Channels is the width of every hidden layer.
	Channels int
	// Layers is the number of convolutions, including the 1→C input and the
	// C→1 output layer.
	Layers int
	// KernelSize is the odd side length shared by all convolutions.
	KernelSize int
	// Slope is the initial PReLU slope of every layer.
	Slope float64
	// Seed drives the initialization of the hidden layers.
	Seed uint64
}

// Network is a sequence of convolution and attention layers mapping a
// single-channel image to a single-channel correction.
//
// Hidden layers start from seeded random weights while the output
// convolution starts at zero, so an untrained Network returns a zero
// correction yet every output weight still receives a signal once training
// moves it.
type Network struct {
	kind   Kind
	layers []layer
}

// NewCNN builds Layers convolutions 1→C, C→C, ..., C→1, each followed by a
// PReLU.
func NewCNN(cfg NetworkConfig) (*Network, error) {
	return newNetwork(KindCNN, cfg, 0)
}

// NewAttentionCNN builds the same stack as NewCNN with a self-attention layer
// after each of the first two convolutions. The output convolution is never
// followed by attention.
func NewAttentionCNN(cfg NetworkConfig) (*Network, error) {
	return newNetwork(KindAttention, cfg, attentionBlocks)
}

func newNetwork(kind Kind, cfg NetworkConfig, attention int) (*Network, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrChannels, cfg.Channels)
	}
	if cfg.Layers < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrLayers, cfg.Layers)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	n := &Network{kind: kind}
	for i := 0; i < cfg.Layers; i++ {
		in, out := cfg.Channels, cfg.Channels
		if i == 0 {
			in = 1
		}
		last := i == cfg.Layers-1
		if last {
			out = 1
		}
		conv, err := newConvLayer(in, out, cfg.KernelSize, cfg.Slope)
		if err != nil {
			return nil, err
		}
		if !last {
			conv.randomize(rng)
		}
		n.layers = append(n.layers, conv)

		if i < attention && !last {
			att, err := newAttentionLayer(cfg.Channels)
			if err != nil {
				return nil, err
			}
			att.randomize(rng)
			n.layers = append(n.layers, att)
		}
	}
	return n, nil
}

// Kind reports the architecture.
func (n *Network) Kind() Kind { return n.kind }

// NumParams returns the length of the parameter vector.
func (n *Network) NumParams() int {
	total := 0
	for _, l := range n.layers {
		total += l.numParams()
	}
	return total
}

// Params returns every layer's parameters in order. Convolutions contribute
// weights, biases and slope; attention layers contribute query, key and
// value weights and biases.
func (n *Network) Params() []float64 {
	p := make([]float64, 0, n.NumParams())
	for _, l := range n.layers {
		p = l.appendParams(p)
	}
	return p
}

// SetParams replaces all parameters, in the order returned by Params.
func (n *Network) SetParams(p []float64) error {
	if len(p) != n.NumParams() {
		return fmt.Errorf("%w: got %d, want %d", ErrParamCount, len(p), n.NumParams())
	}
	for _, l := range n.layers {
		p = l.setParams(p)
	}
	return nil
}

// Refine runs img through the network.
func (n *Network) Refine(img *imaging.Image) (*imaging.Image, error) {
	x := &featureMap{channels: 1, size: img.Size, data: img.Data}
	for i, l := range n.layers {
		next, err := l.forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		x = next
	}
	if x.channels != 1 {
		return nil, fmt.Errorf("%w: network produced %d channels", ErrChannels, x.channels)
	}
	for _, v := range x.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrNonFinite
		}
	}
	return &imaging.Image{Size: img.Size, Data: x.data}, nil
}
