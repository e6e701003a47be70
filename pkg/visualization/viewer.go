package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"mlemrecon/pkg/imaging"
	"mlemrecon/pkg/reconstruction"
)

// Viewer writes images, sinograms and reconstruction diagnostics to disk as
// grayscale PNGs so they can be inspected outside the reconstruction loop.
type Viewer struct {
	// outputDir receives every file the viewer writes
	outputDir string

	// scale is the integer upsampling factor applied to every rendered array
	scale int
}

// NewViewer creates a viewer writing into outputDir. A scale below 1 is
// treated as 1.
func NewViewer(outputDir string, scale int) *Viewer {
	if scale < 1 {
		scale = 1
	}
	return &Viewer{outputDir: outputDir, scale: scale}
}

// OutputDir returns the directory the viewer writes into.
func (v *Viewer) OutputDir() string { return v.outputDir }

// RenderImage converts an image to 16-bit grayscale, normalized by its maximum.
func (v *Viewer) RenderImage(img *imaging.Image) image.Image {
	return v.render(img.Size, img.Size, img.Data)
}

// RenderSinogram converts a sinogram to 16-bit grayscale with one row per angle.
func (v *Viewer) RenderSinogram(s *imaging.Sinogram) image.Image {
	return v.render(s.Bins, s.Angles, s.Data)
}

// render maps data (stored row-major, width values per row) to grayscale.
// Values are divided by max+1e-15 so an all-zero array renders black instead
// of dividing by zero; negative values render black.
func (v *Viewer) render(width, height int, data []float64) image.Image {
	maxVal := 0.0
	for _, d := range data {
		if d > maxVal {
			maxVal = d
		}
	}
	norm := maxVal + 1e-15

	img := image.NewGray16(image.Rect(0, 0, width*v.scale, height*v.scale))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			value := uint16(math.Max(0, math.Min(65535, data[x+y*width]/norm*65535)))
			for dy := 0; dy < v.scale; dy++ {
				for dx := 0; dx < v.scale; dx++ {
					img.SetGray16(x*v.scale+dx, y*v.scale+dy, color.Gray16{Y: value})
				}
			}
		}
	}
	return img
}

// SaveImage writes img as <name>.png and returns the path.
func (v *Viewer) SaveImage(name string, img *imaging.Image) (string, error) {
	return v.save(name, v.RenderImage(img))
}

// SaveSinogram writes s as <name>.png and returns the path.
func (v *Viewer) SaveSinogram(name string, s *imaging.Sinogram) (string, error) {
	return v.save(name, v.RenderSinogram(s))
}

// SaveDiagnostics writes the last-iteration forward projection, ratio and
// correction of a reconstruction, prefixing every file name with prefix.
func (v *Viewer) SaveDiagnostics(prefix string, d reconstruction.Diagnostics) ([]string, error) {
	var paths []string
	if d.ForwardProjection != nil {
		p, err := v.SaveSinogram(prefix+"_forward_projection", d.ForwardProjection)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if d.Ratio != nil {
		p, err := v.SaveSinogram(prefix+"_ratio", d.Ratio)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if d.Correction != nil {
		p, err := v.SaveImage(prefix+"_correction", d.Correction)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (v *Viewer) save(name string, img image.Image) (string, error) {
	if err := os.MkdirAll(v.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(v.outputDir, name+".png")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return path, nil
}
