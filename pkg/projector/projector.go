// Package projector applies a system matrix and its transpose to images and
// sinograms.
package projector

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"mlemrecon/pkg/geometry"
	"mlemrecon/pkg/imaging"
)

// ErrNilMatrix is returned when a projector is created without a matrix.
var ErrNilMatrix = errors.New("projector: nil system matrix")

// ErrCorruptMatrix is returned when a matrix row references entries outside
// the projected vector.
var ErrCorruptMatrix = errors.New("projector: corrupt system matrix row")

// minRowsPerChunk keeps goroutine overhead small relative to the work in a chunk.
const minRowsPerChunk = 64

// chunksPerWorker oversubscribes the worker limit so uneven rows balance out.
const chunksPerWorker = 4

// Projector pairs forward and backward projection over one system matrix.
//
// Work is split into contiguous row ranges run by at most workers goroutines
// at a time. Every output
// element belongs to exactly one range and is summed in a fixed order, so
// results do not depend on the number of workers.
type Projector struct {
	matrix  *geometry.SystemMatrix
	geom    geometry.Geometry
	workers int
}

// New creates a projector using up to workers goroutines per projection.
// A worker count below 1 is treated as 1.
func New(m *geometry.SystemMatrix, workers int) (*Projector, error) {
	if m == nil {
		return nil, ErrNilMatrix
	}
	if workers < 1 {
		workers = 1
	}
	return &Projector{matrix: m, geom: m.Geometry(), workers: workers}, nil
}

// Matrix returns the underlying system matrix.
func (p *Projector) Matrix() *geometry.SystemMatrix { return p.matrix }

// Geometry returns the geometry of the underlying system matrix.
func (p *Projector) Geometry() geometry.Geometry { return p.geom }

// Workers returns the configured worker count.
func (p *Projector) Workers() int { return p.workers }

// Forward computes sinogram = M · vec(image).
func (p *Projector) Forward(img *imaging.Image) (*imaging.Sinogram, error) {
	if img == nil || img.Size != p.geom.ImageSize || len(img.Data) != p.geom.Pixels() {
		return nil, fmt.Errorf("forward projection: %w: want %dx%d image", imaging.ErrShapeMismatch, p.geom.ImageSize, p.geom.ImageSize)
	}
	out, err := imaging.NewSinogram(p.geom.Angles, p.geom.RadialBins)
	if err != nil {
		return nil, err
	}
	if err := p.apply(p.matrix.Rows(), p.matrix.RowEntries, img.Data, out.Data); err != nil {
		return nil, fmt.Errorf("forward projection: %w", err)
	}
	return out, nil
}

// Backward computes image = Mᵗ · vec(sinogram).
func (p *Projector) Backward(sino *imaging.Sinogram) (*imaging.Image, error) {
	if sino == nil || sino.Angles != p.geom.Angles || sino.Bins != p.geom.RadialBins || len(sino.Data) != p.geom.Bins() {
		return nil, fmt.Errorf("back projection: %w: want %dx%d sinogram", imaging.ErrShapeMismatch, p.geom.Angles, p.geom.RadialBins)
	}
	out, err := imaging.NewImage(p.geom.ImageSize)
	if err != nil {
		return nil, err
	}
	if err := p.apply(p.matrix.Cols(), p.matrix.ColumnEntries, sino.Data, out.Data); err != nil {
		return nil, fmt.Errorf("back projection: %w", err)
	}
	return out, nil
}

// Sensitivity back-projects an all-ones sinogram. Pixel p of the result is
// the number of sinogram bins it contributes to.
func (p *Projector) Sensitivity() (*imaging.Image, error) {
	sino, err := imaging.NewSinogram(p.geom.Angles, p.geom.RadialBins)
	if err != nil {
		return nil, err
	}
	return p.Backward(imaging.OnesLike(sino))
}

// chunkSize returns the number of rows handed to one goroutine.
func chunkSize(rows, workers int) int {
	if workers <= 1 || rows <= minRowsPerChunk {
		return max(rows, 1)
	}
	per := (rows + chunksPerWorker*workers - 1) / (chunksPerWorker * workers)
	return max(per, minRowsPerChunk)
}

// apply computes dst[r] = Σ vals·src[idx] over the entries of each row r.
func (p *Projector) apply(rows int, entries func(int) ([]int, []float64), src, dst []float64) error {
	chunk := chunkSize(rows, p.workers)
	if chunk >= rows {
		return applyRange(0, rows, entries, src, dst)
	}

	var g errgroup.Group
	g.SetLimit(p.workers)
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		start := start
		g.Go(func() error {
			return applyRange(start, end, entries, src, dst)
		})
	}
	return g.Wait()
}

func applyRange(start, end int, entries func(int) ([]int, []float64), src, dst []float64) error {
	for r := start; r < end; r++ {
		idx, vals := entries(r)
		if len(idx) != len(vals) {
			return fmt.Errorf("%w: row %d has %d indices and %d values", ErrCorruptMatrix, r, len(idx), len(vals))
		}
		var sum float64
		for i, c := range idx {
			if c < 0 || c >= len(src) {
				return fmt.Errorf("%w: row %d references index %d of %d", ErrCorruptMatrix, r, c, len(src))
			}
			sum += vals[i] * src[c]
		}
		dst[r] = sum
	}
	return nil
}
