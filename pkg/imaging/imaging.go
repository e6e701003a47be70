// Package imaging holds the two array types exchanged by the reconstruction
// packages: square images and (angle, radial bin) sinograms.
package imaging

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidSize is returned when an image or sinogram is requested with a
	// non-positive dimension.
	ErrInvalidSize = errors.New("imaging: invalid size")

	// ErrShapeMismatch is returned when two arrays that must agree in shape do not.
	ErrShapeMismatch = errors.New("imaging: shape mismatch")
)

// Image is a square nxd×nxd array of intensities.
//
// Pixel (x, y) is stored at Data[x + y*Size]. The system matrix columns use
// the same ordering, so Data can be fed to a projector without reshaping.
type Image struct {
	Size int
	Data []float64
}

// NewImage allocates a zero image with the given side length.
func NewImage(size int) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: image size %d", ErrInvalidSize, size)
	}
	return &Image{Size: size, Data: make([]float64, size*size)}, nil
}

// Ones returns an image filled with 1.0, the MLEM starting estimate.
func Ones(size int) (*Image, error) {
	img, err := NewImage(size)
	if err != nil {
		return nil, err
	}
	for i := range img.Data {
		img.Data[i] = 1
	}
	return img, nil
}

// ImageFromData wraps data as a size×size image. The slice is not copied.
func ImageFromData(size int, data []float64) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: image size %d", ErrInvalidSize, size)
	}
	if len(data) != size*size {
		return nil, fmt.Errorf("%w: %d values for a %dx%d image", ErrShapeMismatch, len(data), size, size)
	}
	return &Image{Size: size, Data: data}, nil
}

// At returns the value of pixel (x, y).
func (im *Image) At(x, y int) float64 { return im.Data[x+y*im.Size] }

// Set assigns pixel (x, y).
func (im *Image) Set(x, y int, v float64) { im.Data[x+y*im.Size] = v }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{Size: im.Size, Data: make([]float64, len(im.Data))}
	copy(out.Data, im.Data)
	return out
}

// SameShape reports an error unless other has the same side length.
func (im *Image) SameShape(other *Image) error {
	if other == nil || im.Size != other.Size || len(im.Data) != len(other.Data) {
		return fmt.Errorf("%w: image %dx%d vs %s", ErrShapeMismatch, im.Size, im.Size, describeImage(other))
	}
	return nil
}

// Dense returns a gonum matrix view with rows indexed by y and columns by x.
// The view shares storage with the image.
func (im *Image) Dense() *mat.Dense {
	return mat.NewDense(im.Size, im.Size, im.Data)
}

// Max returns the largest pixel value, or 0 for an empty image.
func (im *Image) Max() float64 {
	if len(im.Data) == 0 {
		return 0
	}
	return floats.Max(im.Data)
}

// Sum returns the total intensity.
func (im *Image) Sum() float64 { return floats.Sum(im.Data) }

// HasNegative reports whether any pixel is below zero.
func (im *Image) HasNegative() bool {
	for _, v := range im.Data {
		if v < 0 {
			return true
		}
	}
	return false
}

// IsFinite reports whether every pixel is a finite number.
func (im *Image) IsFinite() bool {
	return allFinite(im.Data)
}

func describeImage(im *Image) string {
	if im == nil {
		return "nil"
	}
	return fmt.Sprintf("%dx%d", im.Size, im.Size)
}

// Sinogram is an Angles×Bins array of projection values.
//
// Bin b at angle index ph is stored at Data[b + ph*Bins], matching the row
// ordering of the system matrix.
type Sinogram struct {
	Angles int
	Bins   int
	Data   []float64
}

// NewSinogram allocates a zero sinogram of shape (angles, bins).
func NewSinogram(angles, bins int) (*Sinogram, error) {
	if angles <= 0 || bins <= 0 {
		return nil, fmt.Errorf("%w: sinogram %dx%d", ErrInvalidSize, angles, bins)
	}
	return &Sinogram{Angles: angles, Bins: bins, Data: make([]float64, angles*bins)}, nil
}

// OnesLike returns a sinogram of the same shape as s filled with 1.0.
func OnesLike(s *Sinogram) *Sinogram {
	out := &Sinogram{Angles: s.Angles, Bins: s.Bins, Data: make([]float64, len(s.Data))}
	for i := range out.Data {
		out.Data[i] = 1
	}
	return out
}

// SinogramFromData wraps data as an (angles, bins) sinogram without copying.
func SinogramFromData(angles, bins int, data []float64) (*Sinogram, error) {
	if angles <= 0 || bins <= 0 {
		return nil, fmt.Errorf("%w: sinogram %dx%d", ErrInvalidSize, angles, bins)
	}
	if len(data) != angles*bins {
		return nil, fmt.Errorf("%w: %d values for a %dx%d sinogram", ErrShapeMismatch, len(data), angles, bins)
	}
	return &Sinogram{Angles: angles, Bins: bins, Data: data}, nil
}

// At returns the value at angle index ph and radial bin b.
func (s *Sinogram) At(ph, b int) float64 { return s.Data[b+ph*s.Bins] }

// Set assigns the value at angle index ph and radial bin b.
func (s *Sinogram) Set(ph, b int, v float64) { s.Data[b+ph*s.Bins] = v }

// Row returns the radial profile for one angle. The slice aliases Data.
func (s *Sinogram) Row(ph int) []float64 { return s.Data[ph*s.Bins : (ph+1)*s.Bins] }

// Clone returns a deep copy.
func (s *Sinogram) Clone() *Sinogram {
	out := &Sinogram{Angles: s.Angles, Bins: s.Bins, Data: make([]float64, len(s.Data))}
	copy(out.Data, s.Data)
	return out
}

// Dense returns a gonum matrix view with one row per angle.
func (s *Sinogram) Dense() *mat.Dense {
	return mat.NewDense(s.Angles, s.Bins, s.Data)
}

// Max returns the largest value, or 0 for an empty sinogram.
func (s *Sinogram) Max() float64 {
	if len(s.Data) == 0 {
		return 0
	}
	return floats.Max(s.Data)
}

// Sum returns the total counts.
func (s *Sinogram) Sum() float64 { return floats.Sum(s.Data) }

// HasNegative reports whether any bin is below zero.
func (s *Sinogram) HasNegative() bool {
	for _, v := range s.Data {
		if v < 0 {
			return true
		}
	}
	return false
}

// IsFinite reports whether every bin is a finite number.
func (s *Sinogram) IsFinite() bool {
	return allFinite(s.Data)
}

func allFinite(data []float64) bool {
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
