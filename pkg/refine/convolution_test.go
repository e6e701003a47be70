package refine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlemrecon/pkg/imaging"
)

func TestNewConvolution(t *testing.T) {
	testCases := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"one", 1, false},
		{"seven", 7, false},
		{"even", 4, true},
		{"zero", 0, true},
		{"negative", -3, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewConvolution(tc.size, 0.25)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrKernelSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.size, c.Size())
			assert.Len(t, c.Params(), tc.size*tc.size+2)
		})
	}
}

func TestConvolutionUntrainedIsZero(t *testing.T) {
	c, err := NewConvolution(3, 0.25)
	require.NoError(t, err)
	img, err := imaging.Ones(5)
	require.NoError(t, err)

	out, err := c.Refine(img)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Sum())
}

func TestConvolutionParams(t *testing.T) {
	c, err := NewConvolution(3, 0.25)
	require.NoError(t, err)

	p := c.Params()
	assert.Equal(t, 0.25, p[len(p)-1])

	want := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 0.5, 0.1}
	require.NoError(t, c.SetParams(want))
	assert.Equal(t, want, c.Params())

	// Params returns a copy.
	got := c.Params()
	got[0] = 100
	assert.Equal(t, 1.0, c.Params()[0])

	assert.ErrorIs(t, c.SetParams([]float64{1, 2}), ErrParamCount)
}

func TestConvolutionRefine(t *testing.T) {
	img, err := imaging.ImageFromData(3, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	require.NoError(t, err)

	t.Run("identity kernel", func(t *testing.T) {
		c, err := NewConvolution(3, 0.25)
		require.NoError(t, err)
		params := c.Params()
		params[4] = 1
		require.NoError(t, c.SetParams(params))

		out, err := c.Refine(img)
		require.NoError(t, err)
		assert.Equal(t, img.Data, out.Data)
	})

	t.Run("box kernel zero pads borders", func(t *testing.T) {
		c, err := NewConvolution(3, 0.25)
		require.NoError(t, err)
		params := c.Params()
		for i := 0; i < 9; i++ {
			params[i] = 1
		}
		require.NoError(t, c.SetParams(params))

		out, err := c.Refine(img)
		require.NoError(t, err)
		assert.Equal(t, 45.0, out.At(1, 1))
		assert.Equal(t, 1.0+2+4+5, out.At(0, 0))
		assert.Equal(t, 5.0+6+8+9, out.At(2, 2))
	})

	t.Run("negative outputs use the slope", func(t *testing.T) {
		c, err := NewConvolution(1, 0.25)
		require.NoError(t, err)
		require.NoError(t, c.SetParams([]float64{-2, 1, 0.25}))

		out, err := c.Refine(img)
		require.NoError(t, err)
		// -2·1 + 1 = -1, scaled by 0.25.
		assert.Equal(t, -0.25, out.At(0, 0))
		// -2·2 + 1 = -3, scaled by 0.25.
		assert.Equal(t, -0.75, out.At(1, 0))
	})

	t.Run("input is not modified", func(t *testing.T) {
		c, err := NewConvolution(3, 0.25)
		require.NoError(t, err)
		before := img.Clone()
		_, err = c.Refine(img)
		require.NoError(t, err)
		assert.Equal(t, before.Data, img.Data)
	})
}
