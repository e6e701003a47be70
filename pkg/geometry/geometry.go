// Package geometry builds the sparse system matrix of a simplified 2-D
// parallel-beam scanner.
//
// Every image pixel is projected onto the detector axis at each of Angles
// evenly spaced angles in [0, π). The pixel contributes a weight of 1 to the
// single radial bin its centre falls into; pixels that fall outside the
// detector at a given angle contribute nothing for that angle.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDimension is returned for non-positive geometry dimensions.
var ErrInvalidDimension = errors.New("geometry: invalid dimension")

// Geometry describes the image grid and detector sampling.
type Geometry struct {
	// ImageSize is the side length nxd of the square image in pixels.
	ImageSize int `yaml:"imageSize"`

	// RadialBins is the number nrd of detector bins per angle.
	RadialBins int `yaml:"radialBins"`

	// Angles is the number nphi of projection angles spanning [0, π).
	Angles int `yaml:"angles"`
}

// DefaultRadialBins returns ceil(nxd·√2), enough bins to cover the image
// diagonal without truncation.
func DefaultRadialBins(imageSize int) int {
	return int(math.Ceil(float64(imageSize) * math.Sqrt2))
}

// NewGeometry returns a validated geometry. A zero radialBins selects
// DefaultRadialBins and a zero angles selects one angle per image column.
func NewGeometry(imageSize, radialBins, angles int) (Geometry, error) {
	if radialBins == 0 {
		radialBins = DefaultRadialBins(imageSize)
	}
	if angles == 0 {
		angles = imageSize
	}
	g := Geometry{ImageSize: imageSize, RadialBins: radialBins, Angles: angles}
	return g, g.Validate()
}

// Validate fails fast on non-positive dimensions.
func (g Geometry) Validate() error {
	switch {
	case g.ImageSize <= 0:
		return fmt.Errorf("%w: image size %d", ErrInvalidDimension, g.ImageSize)
	case g.RadialBins <= 0:
		return fmt.Errorf("%w: radial bins %d", ErrInvalidDimension, g.RadialBins)
	case g.Angles <= 0:
		return fmt.Errorf("%w: angles %d", ErrInvalidDimension, g.Angles)
	}
	return nil
}

// Pixels returns nxd·nxd, the number of system matrix columns.
func (g Geometry) Pixels() int { return g.ImageSize * g.ImageSize }

// Bins returns nrd·nphi, the number of system matrix rows.
func (g Geometry) Bins() int { return g.RadialBins * g.Angles }

// Angle returns θ = ph·π/nphi.
func (g Geometry) Angle(ph int) float64 {
	return float64(ph) * math.Pi / float64(g.Angles)
}

// BinIndex maps pixel (xv, yv) at angle index ph to its radial bin.
//
// The signed offset of the pixel from the image centre along the detector is
//
//	r = -(xv - nxd/2)·sin θ + (yv - nxd/2)·cos θ
//
// and the bin is floor(r + nrd/2). ok is false when the bin lies outside
// [0, nrd); the pixel is then dropped for that angle rather than clamped.
func (g Geometry) BinIndex(xv, yv, ph int) (bin int, ok bool) {
	theta := g.Angle(ph)
	return g.binFor(xv, yv, math.Sin(theta), math.Cos(theta))
}

func (g Geometry) binFor(xv, yv int, sin, cos float64) (int, bool) {
	half := float64(g.ImageSize) * 0.5
	r := -(float64(xv)-half)*sin + (float64(yv)-half)*cos
	bin := int(math.Floor(r + float64(g.RadialBins)/2.0))
	return bin, bin >= 0 && bin < g.RadialBins
}

// Row returns the system matrix row index bin + ph·nrd.
func (g Geometry) Row(bin, ph int) int { return bin + ph*g.RadialBins }

// Column returns the system matrix column index xv + yv·nxd.
func (g Geometry) Column(xv, yv int) int { return xv + yv*g.ImageSize }
