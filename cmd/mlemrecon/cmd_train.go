package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mlemrecon/internal/models"
	"mlemrecon/pkg/refine"
	"mlemrecon/pkg/training"
)

var warmStartPath string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fit a refiner to the simulated ground truth",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Refinement.Epochs < 1 {
			return fmt.Errorf("refinement.epochs must be at least 1 to train")
		}
		s, err := newSession("train")
		if err != nil {
			return err
		}
		s.saveInputs()

		p, spec, err := newTrainable(warmStartPath)
		if err != nil {
			return err
		}

		trainLogger := logger.With().Str("component", "trainer").Logger()
		trainer := &training.Trainer{
			Reconstructor:  s.recon,
			Measured:       s.measured,
			Truth:          s.truth,
			Epochs:         cfg.Refinement.Epochs,
			MaxEvaluations: cfg.Refinement.MaxEvaluations,
			Logger:         &trainLogger,
		}

		logger.Info().
			Str("kind", string(spec.Kind)).
			Int("kernel_size", spec.KernelSize).
			Int("params", len(p.Params())).
			Int("epochs", cfg.Refinement.Epochs).
			Msg("Step 3: Training refiner")
		fit, err := trainer.Fit(p)
		if err != nil {
			return err
		}
		s.report.Training = &models.TrainingReport{
			Kind:        string(spec.Kind),
			NumParams:   len(fit.Params),
			InitialLoss: fit.InitialLoss,
			FinalLoss:   fit.FinalLoss,
			Epochs:      fit.Epochs,
			Evaluations: fit.Evaluations,
			Rejected:    fit.Rejected,
			Status:      fit.Status.String(),
		}

		dir := s.viewer.OutputDir()
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		out := filepath.Join(dir, "refiner.yaml")
		if err := refine.Save(out, spec, p); err != nil {
			return err
		}
		s.report.Training.RefinerFile = out
		logger.Info().Str("path", out).Msg("Trained refiner saved")

		logger.Info().Msg("Step 4: Comparing plain and refined MLEM")
		base, err := s.recon.Reconstruct(s.measured, nil)
		if err != nil {
			return fmt.Errorf("MLEM reconstruction failed: %w", err)
		}
		if _, err := s.record("mlem", base.Image, base.Duration, lastLogLikelihood(base)); err != nil {
			return err
		}
		s.saveResult("mlem", base)

		refined, err := s.recon.Reconstruct(s.measured, p)
		if err != nil {
			return fmt.Errorf("refined MLEM reconstruction failed: %w", err)
		}
		if _, err := s.record("mlem_refined", refined.Image, refined.Duration, lastLogLikelihood(refined)); err != nil {
			return err
		}
		s.saveResult("mlem_refined", refined)

		return s.finish()
	},
}

func init() {
	trainCmd.Flags().StringVar(&warmStartPath, "refiner", "", "Start from a previously trained refiner instead of the configured architecture")
}

// newTrainable returns the refiner to train: the one stored at path, or an
// untrained refiner built from the refinement section.
func newTrainable(path string) (refine.Parametric, refine.Spec, error) {
	if path != "" {
		return refine.Load(path)
	}
	spec := cfg.RefinerSpec()
	p, err := refine.New(spec)
	if err != nil {
		return nil, refine.Spec{}, fmt.Errorf("building %s refiner: %w", spec.Kind, err)
	}
	return p, spec, nil
}
