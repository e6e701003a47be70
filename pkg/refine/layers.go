package refine

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// featureMap is a stack of size×size channels. Channel c, pixel (x, y) is
// stored at data[c*size*size + x + y*size].
type featureMap struct {
	channels int
	size     int
	data     []float64
}

func newFeatureMap(channels, size int) *featureMap {
	return &featureMap{channels: channels, size: size, data: make([]float64, channels*size*size)}
}

func (f *featureMap) channel(c int) []float64 {
	n := f.size * f.size
	return f.data[c*n : (c+1)*n]
}

// layer is one stage of a Network. Parameters are exchanged as a flat vector
// so a whole network can be handed to an optimizer.
type layer interface {
	forward(in *featureMap) (*featureMap, error)
	numParams() int
	appendParams(dst []float64) []float64
	// setParams consumes numParams values from p and returns the rest.
	setParams(p []float64) []float64
}

// convLayer is a zero-padded multi-channel convolution followed by a PReLU
// with a single shared slope.
type convLayer struct {
	in, out, size int
	// weights[((o*in + i)*size + ky)*size + kx]
	weights []float64
	bias    []float64
	slope   float64
}

func newConvLayer(in, out, size int, slope float64) (*convLayer, error) {
	if size <= 0 || size%2 == 0 {
		return nil, fmt.Errorf("%w: %d", ErrKernelSize, size)
	}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: %d→%d channels", ErrChannels, in, out)
	}
	return &convLayer{
		in:      in,
		out:     out,
		size:    size,
		weights: make([]float64, out*in*size*size),
		bias:    make([]float64, out),
		slope:   slope,
	}, nil
}

// randomize draws weights and biases from U(-1/√fanIn, 1/√fanIn).
func (l *convLayer) randomize(rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(l.in*l.size*l.size))
	for i := range l.weights {
		l.weights[i] = (2*rng.Float64() - 1) * bound
	}
	for i := range l.bias {
		l.bias[i] = (2*rng.Float64() - 1) * bound
	}
}

func (l *convLayer) numParams() int { return len(l.weights) + len(l.bias) + 1 }

func (l *convLayer) appendParams(dst []float64) []float64 {
	dst = append(dst, l.weights...)
	dst = append(dst, l.bias...)
	return append(dst, l.slope)
}

func (l *convLayer) setParams(p []float64) []float64 {
	p = p[copy(l.weights, p):]
	p = p[copy(l.bias, p):]
	l.slope = p[0]
	return p[1:]
}

func (l *convLayer) forward(in *featureMap) (*featureMap, error) {
	if in.channels != l.in {
		return nil, fmt.Errorf("%w: convolution expects %d channels, got %d", ErrChannels, l.in, in.channels)
	}
	n := in.size
	half := l.size / 2
	out := newFeatureMap(l.out, n)
	for o := 0; o < l.out; o++ {
		dst := out.channel(o)
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				sum := l.bias[o]
				for i := 0; i < l.in; i++ {
					src := in.channel(i)
					kernel := l.weights[(o*l.in+i)*l.size*l.size:]
					for ky := 0; ky < l.size; ky++ {
						sy := y + ky - half
						if sy < 0 || sy >= n {
							continue
						}
						for kx := 0; kx < l.size; kx++ {
							sx := x + kx - half
							if sx < 0 || sx >= n {
								continue
							}
							sum += kernel[kx+ky*l.size] * src[sx+sy*n]
						}
					}
				}
				if sum < 0 {
					sum *= l.slope
				}
				dst[x+y*n] = sum
			}
		}
	}
	return out, nil
}

// attentionLayer is non-local self-attention over all pixels of a feature
// map, with a residual connection:
//
//	q, k = 1×1 projections to max(C/8, 1) channels
//	v    = 1×1 projection to C channels
//	out  = v · softmax(qᵀk)ᵀ + x
//
// The HW×HW attention map is never materialized; each output pixel computes
// its softmax row on the fly.
type attentionLayer struct {
	channels, inner int
	// query and key weights are [inner][channels], value is [channels][channels].
	queryW, queryB []float64
	keyW, keyB     []float64
	valueW, valueB []float64
}

func newAttentionLayer(channels int) (*attentionLayer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrChannels, channels)
	}
	inner := max(channels/8, 1)
	return &attentionLayer{
		channels: channels,
		inner:    inner,
		queryW:   make([]float64, inner*channels),
		queryB:   make([]float64, inner),
		keyW:     make([]float64, inner*channels),
		keyB:     make([]float64, inner),
		valueW:   make([]float64, channels*channels),
		valueB:   make([]float64, channels),
	}, nil
}

// randomize initializes the query and key projections. The value projection
// stays zero, so a fresh layer passes its input through unchanged.
func (a *attentionLayer) randomize(rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(a.channels))
	for _, w := range [][]float64{a.queryW, a.queryB, a.keyW, a.keyB} {
		for i := range w {
			w[i] = (2*rng.Float64() - 1) * bound
		}
	}
}

func (a *attentionLayer) blocks() [][]float64 {
	return [][]float64{a.queryW, a.queryB, a.keyW, a.keyB, a.valueW, a.valueB}
}

func (a *attentionLayer) numParams() int {
	n := 0
	for _, b := range a.blocks() {
		n += len(b)
	}
	return n
}

func (a *attentionLayer) appendParams(dst []float64) []float64 {
	for _, b := range a.blocks() {
		dst = append(dst, b...)
	}
	return dst
}

func (a *attentionLayer) setParams(p []float64) []float64 {
	for _, b := range a.blocks() {
		p = p[copy(b, p):]
	}
	return p
}

// project applies a 1×1 convolution, returning out channels laid out as
// [channel][pixel].
func project(in *featureMap, w, b []float64, out int) []float64 {
	hw := in.size * in.size
	res := make([]float64, out*hw)
	for o := 0; o < out; o++ {
		dst := res[o*hw : (o+1)*hw]
		for p := range dst {
			dst[p] = b[o]
		}
		for i := 0; i < in.channels; i++ {
			weight := w[o*in.channels+i]
			if weight == 0 {
				continue
			}
			src := in.channel(i)
			for p, v := range src {
				dst[p] += weight * v
			}
		}
	}
	return res
}

func (a *attentionLayer) forward(in *featureMap) (*featureMap, error) {
	if in.channels != a.channels {
		return nil, fmt.Errorf("%w: attention expects %d channels, got %d", ErrChannels, a.channels, in.channels)
	}
	hw := in.size * in.size
	query := project(in, a.queryW, a.queryB, a.inner)
	key := project(in, a.keyW, a.keyB, a.inner)
	value := project(in, a.valueW, a.valueB, a.channels)

	out := newFeatureMap(a.channels, in.size)
	copy(out.data, in.data)

	// Rows are independent; each goroutine owns a contiguous block of output pixels.
	workers := runtime.NumCPU()
	chunk := max((hw+workers-1)/workers, 1)
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < hw; start += chunk {
		end := min(start+chunk, hw)
		start := start
		g.Go(func() error {
			scores := make([]float64, hw)
			for i := start; i < end; i++ {
				maxScore := math.Inf(-1)
				for j := 0; j < hw; j++ {
					var s float64
					for c := 0; c < a.inner; c++ {
						s += query[c*hw+i] * key[c*hw+j]
					}
					scores[j] = s
					maxScore = math.Max(maxScore, s)
				}
				if math.IsNaN(maxScore) || math.IsInf(maxScore, 0) {
					return fmt.Errorf("%w: pixel %d", ErrNonFinite, i)
				}
				var total float64
				for j, s := range scores {
					e := math.Exp(s - maxScore)
					scores[j] = e
					total += e
				}
				for c := 0; c < a.channels; c++ {
					v := value[c*hw : (c+1)*hw]
					var acc float64
					for j, w := range scores {
						acc += w * v[j]
					}
					out.data[c*hw+i] += acc / total
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
