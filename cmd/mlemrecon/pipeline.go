package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"mlemrecon/internal/models"
	"mlemrecon/pkg/geometry"
	"mlemrecon/pkg/imaging"
	"mlemrecon/pkg/phantom"
	"mlemrecon/pkg/reconstruction"
	"mlemrecon/pkg/visualization"
)

// session holds everything shared by the reconstruct and train commands:
// the geometry, the system matrix, the ground truth and its measurement.
type session struct {
	geom     geometry.Geometry
	matrix   *geometry.SystemMatrix
	recon    *reconstruction.Reconstructor
	truth    *imaging.Image
	measured *imaging.Sinogram
	viewer   *visualization.Viewer
	report   *models.RunReport
}

// newSession runs the acquisition side of the pipeline.
func newSession(command string) (*session, error) {
	report := &models.RunReport{RunID: runID, Command: command, StartedAt: time.Now()}

	geom, err := cfg.ScannerGeometry()
	if err != nil {
		return nil, err
	}
	report.Geometry = models.GeometryReport{ImageSize: geom.ImageSize, RadialBins: geom.RadialBins, Angles: geom.Angles}

	logger.Info().
		Int("image_size", geom.ImageSize).
		Int("radial_bins", geom.RadialBins).
		Int("angles", geom.Angles).
		Msg("Step 1: Building system matrix")
	start := time.Now()
	matrix, err := geometry.Build(geom)
	if err != nil {
		return nil, fmt.Errorf("failed to build system matrix: %w", err)
	}
	report.NonZeros = matrix.NNZ()
	logger.Info().Int("non_zeros", matrix.NNZ()).Dur("elapsed", time.Since(start)).Msg("System matrix ready")

	logger.Info().Str("phantom", cfg.Phantom.Kind).Msg("Step 2: Simulating acquisition")
	truth, err := phantom.New(phantom.Kind(cfg.Phantom.Kind), geom.ImageSize)
	if err != nil {
		return nil, err
	}

	reconLogger := logger.With().Str("component", "mlem").Logger()
	recon, err := reconstruction.NewReconstructor(matrix, &reconstruction.Params{
		NumIterations: cfg.Reconstruction.Iterations,
		Epsilon:       cfg.Reconstruction.Epsilon,
		NumCores:      cfg.Reconstruction.NumCores,
		Logger:        &reconLogger,
	})
	if err != nil {
		return nil, err
	}
	report.Iterations = recon.Iterations()

	measured, err := recon.Projector().Forward(truth)
	if err != nil {
		return nil, fmt.Errorf("failed to simulate sinogram: %w", err)
	}
	if cfg.Phantom.Counts > 0 {
		measured, err = phantom.PoissonCounts(measured, cfg.Phantom.Counts, cfg.Phantom.Seed)
		if err != nil {
			return nil, err
		}
		// Rescale so the reconstruction stays in the phantom's intensity range.
		for i := range measured.Data {
			measured.Data[i] /= cfg.Phantom.Counts
		}
		logger.Info().Float64("counts", cfg.Phantom.Counts).Uint64("seed", cfg.Phantom.Seed).Msg("Applied Poisson noise")
	}

	return &session{
		geom:     geom,
		matrix:   matrix,
		recon:    recon,
		truth:    truth,
		measured: measured,
		viewer:   visualization.NewViewer(filepath.Join(cfg.Output.Dir, runID), 4),
		report:   report,
	}, nil
}

// record evaluates img against the ground truth and appends it to the report.
func (s *session) record(method string, img *imaging.Image, elapsed time.Duration, ll float64) (reconstruction.ValidationMetrics, error) {
	m, err := reconstruction.Evaluate(img, s.truth)
	if err != nil {
		return m, err
	}
	s.report.Results = append(s.report.Results, models.MethodReport{
		Method:        method,
		Duration:      elapsed,
		MSE:           m.MSE,
		RMSE:          m.RMSE,
		PSNR:          m.PSNR,
		SSIM:          m.SSIM,
		Correlation:   m.Correlation,
		EntropyDiff:   m.EntropyDiff,
		LogLikelihood: ll,
	})
	logger.Info().
		Str("method", method).
		Float64("rmse", m.RMSE).
		Float64("psnr", m.PSNR).
		Float64("ssim", m.SSIM).
		Float64("correlation", m.Correlation).
		Msg("Reconstruction quality")
	return m, nil
}

// saveResult writes the reconstruction and its diagnostics when image output is enabled.
func (s *session) saveResult(method string, res *reconstruction.Result) {
	if !cfg.Output.SaveImages {
		return
	}
	if p, err := s.viewer.SaveImage(method, res.Image); err != nil {
		logger.Warn().Err(err).Str("method", method).Msg("Failed to save reconstruction")
	} else {
		s.report.Files = append(s.report.Files, p)
	}
	paths, err := s.viewer.SaveDiagnostics(method, res.Diagnostics)
	if err != nil {
		logger.Warn().Err(err).Str("method", method).Msg("Failed to save diagnostics")
	}
	s.report.Files = append(s.report.Files, paths...)
}

// saveInputs writes the ground truth and the measured sinogram.
func (s *session) saveInputs() {
	if !cfg.Output.SaveImages {
		return
	}
	if p, err := s.viewer.SaveImage("truth", s.truth); err != nil {
		logger.Warn().Err(err).Msg("Failed to save ground truth")
	} else {
		s.report.Files = append(s.report.Files, p)
	}
	if p, err := s.viewer.SaveSinogram("sinogram", s.measured); err != nil {
		logger.Warn().Err(err).Msg("Failed to save sinogram")
	} else {
		s.report.Files = append(s.report.Files, p)
	}
}

// finish writes the run report and, when configured, the metrics textfile.
func (s *session) finish() error {
	dir := s.viewer.OutputDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := yaml.Marshal(s.report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	reportPath := filepath.Join(dir, "report.yaml")
	if err := os.WriteFile(reportPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	logger.Info().Str("path", reportPath).Msg("Run report saved")

	if cfg.Output.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.Output.MetricsFile, prometheus.DefaultGatherer); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		logger.Info().Str("path", cfg.Output.MetricsFile).Msg("Metrics written")
	}
	return nil
}

func lastLogLikelihood(res *reconstruction.Result) float64 {
	ll := res.Diagnostics.LogLikelihood
	if len(ll) == 0 {
		return 0
	}
	return ll[len(ll)-1]
}
