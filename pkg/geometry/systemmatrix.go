package geometry

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// SystemMatrix is the (nrd·nphi)×(nxd·nxd) projection operator in
// compressed sparse row form, together with its exact transpose.
//
// A SystemMatrix is immutable once built and safe for concurrent reads. It
// implements mat.Matrix and mat.NonZeroDoer so gonum routines can consume it
// directly; the projector package uses the row views for its hot loops.
type SystemMatrix struct {
	geom Geometry

	// rowPtr[r]..rowPtr[r+1] indexes the entries of row r in cols/vals.
	rowPtr []int
	cols   []int
	vals   []float64

	// tPtr, tCols and tVals hold the transpose (one row per pixel) built from
	// the same entries, so back-projection uses exactly Mᵗ.
	tPtr  []int
	tCols []int
	tVals []float64
}

// Build computes the system matrix for g.
//
// Entries are accumulated as a coordinate list while walking the pixels and
// angles, then compressed to CSR with a counting sort on the row index. Each
// (pixel, angle) pair yields at most one entry, so no duplicates arise.
func Build(g Geometry) (*SystemMatrix, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	sins := make([]float64, g.Angles)
	coss := make([]float64, g.Angles)
	for ph := 0; ph < g.Angles; ph++ {
		theta := g.Angle(ph)
		sins[ph] = math.Sin(theta)
		coss[ph] = math.Cos(theta)
	}

	capacity := g.Pixels() * g.Angles
	cooRows := make([]int, 0, capacity)
	cooCols := make([]int, 0, capacity)
	for yv := 0; yv < g.ImageSize; yv++ {
		for xv := 0; xv < g.ImageSize; xv++ {
			col := g.Column(xv, yv)
			for ph := 0; ph < g.Angles; ph++ {
				bin, ok := g.binFor(xv, yv, sins[ph], coss[ph])
				if !ok {
					continue
				}
				cooRows = append(cooRows, g.Row(bin, ph))
				cooCols = append(cooCols, col)
			}
		}
	}

	m := &SystemMatrix{geom: g}
	m.rowPtr, m.cols, m.vals = compress(g.Bins(), cooRows, cooCols, ones(len(cooCols)))

	// Walking CSR rows in order keeps each transposed row sorted by sinogram bin.
	tRows := make([]int, 0, len(m.cols))
	tCols := make([]int, 0, len(m.cols))
	tVals := make([]float64, 0, len(m.cols))
	for r := 0; r < g.Bins(); r++ {
		for k := m.rowPtr[r]; k < m.rowPtr[r+1]; k++ {
			tRows = append(tRows, m.cols[k])
			tCols = append(tCols, r)
			tVals = append(tVals, m.vals[k])
		}
	}
	m.tPtr, m.tCols, m.tVals = compress(g.Pixels(), tRows, tCols, tVals)

	return m, nil
}

// compress converts a coordinate list into CSR pointers, column indices and
// values. Entries keep their input order within a row.
func compress(numRows int, rows, cols []int, vals []float64) ([]int, []int, []float64) {
	ptr := make([]int, numRows+1)
	for _, r := range rows {
		ptr[r+1]++
	}
	for r := 0; r < numRows; r++ {
		ptr[r+1] += ptr[r]
	}

	next := make([]int, numRows)
	copy(next, ptr[:numRows])
	outCols := make([]int, len(cols))
	outVals := make([]float64, len(vals))
	for i, r := range rows {
		outCols[next[r]] = cols[i]
		outVals[next[r]] = vals[i]
		next[r]++
	}
	return ptr, outCols, outVals
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// Geometry returns the geometry the matrix was built for.
func (m *SystemMatrix) Geometry() Geometry { return m.geom }

// Rows returns nrd·nphi.
func (m *SystemMatrix) Rows() int { return len(m.rowPtr) - 1 }

// Cols returns nxd·nxd.
func (m *SystemMatrix) Cols() int { return len(m.tPtr) - 1 }

// NNZ returns the number of stored non-zero entries.
func (m *SystemMatrix) NNZ() int { return len(m.cols) }

// RowEntries returns the column indices and values of row r. The slices alias
// the matrix and must not be modified.
func (m *SystemMatrix) RowEntries(r int) ([]int, []float64) {
	lo, hi := m.rowPtr[r], m.rowPtr[r+1]
	return m.cols[lo:hi], m.vals[lo:hi]
}

// ColumnEntries returns the row indices and values of column c, i.e. row c of
// the transpose. The slices alias the matrix and must not be modified.
func (m *SystemMatrix) ColumnEntries(c int) ([]int, []float64) {
	lo, hi := m.tPtr[c], m.tPtr[c+1]
	return m.tCols[lo:hi], m.tVals[lo:hi]
}

// Dims returns the number of rows and columns, satisfying mat.Matrix.
func (m *SystemMatrix) Dims() (r, c int) { return m.Rows(), m.Cols() }

// T returns an implicit transpose view, satisfying mat.Matrix.
func (m *SystemMatrix) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// DoNonZero calls fn for every stored entry in row-major order, satisfying
// mat.NonZeroDoer.
func (m *SystemMatrix) DoNonZero(fn func(i, j int, v float64)) {
	for r := 0; r < m.Rows(); r++ {
		cols, vals := m.RowEntries(r)
		for k, c := range cols {
			fn(r, c, vals[k])
		}
	}
}

// At returns entry (r, c). It panics with mat.ErrIndexOutOfRange outside the
// matrix.
func (m *SystemMatrix) At(r, c int) float64 {
	if r < 0 || r >= m.Rows() || c < 0 || c >= m.Cols() {
		panic(mat.ErrIndexOutOfRange)
	}
	cols, vals := m.RowEntries(r)
	if i, found := slices.BinarySearch(cols, c); found {
		return vals[i]
	}
	return 0
}

// Equal reports whether both matrices have bit-identical structure and values.
func (m *SystemMatrix) Equal(other *SystemMatrix) bool {
	if other == nil {
		return false
	}
	return m.geom == other.geom &&
		slices.Equal(m.rowPtr, other.rowPtr) &&
		slices.Equal(m.cols, other.cols) &&
		slices.Equal(m.vals, other.vals) &&
		slices.Equal(m.tPtr, other.tPtr) &&
		slices.Equal(m.tCols, other.tCols) &&
		slices.Equal(m.tVals, other.tVals)
}

// Dense expands the matrix into a gonum dense matrix. This allocates
// (nrd·nphi)×(nxd·nxd) values and is meant for small geometries only.
func (m *SystemMatrix) Dense() *mat.Dense {
	d := mat.NewDense(m.Rows(), m.Cols(), nil)
	m.DoNonZero(d.Set)
	return d
}
