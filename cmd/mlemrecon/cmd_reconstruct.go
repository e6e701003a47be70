package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mlemrecon/pkg/fbp"
	"mlemrecon/pkg/refine"
)

var refinerPaths []string

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Simulate an acquisition and reconstruct it with MLEM and FBP",
	RunE: func(cmd *cobra.Command, args []string) error {
		refiner, err := buildRefiner(refinerPaths)
		if err != nil {
			return err
		}

		s, err := newSession("reconstruct")
		if err != nil {
			return err
		}
		s.saveInputs()

		logger.Info().Msg("Step 3: Filtered back-projection baseline")
		start := time.Now()
		baseline, err := fbp.Reconstruct(s.recon.Projector(), s.measured)
		if err != nil {
			return fmt.Errorf("filtered back-projection failed: %w", err)
		}
		if _, err := s.record("fbp", baseline, time.Since(start), 0); err != nil {
			return err
		}
		if cfg.Output.SaveImages {
			if p, err := s.viewer.SaveImage("fbp", baseline); err == nil {
				s.report.Files = append(s.report.Files, p)
			}
		}

		logger.Info().Int("iterations", s.recon.Iterations()).Msg("Step 4: MLEM reconstruction")
		res, err := s.recon.Reconstruct(s.measured, nil)
		if err != nil {
			return fmt.Errorf("MLEM reconstruction failed: %w", err)
		}
		if _, err := s.record("mlem", res.Image, res.Duration, lastLogLikelihood(res)); err != nil {
			return err
		}
		s.saveResult("mlem", res)

		if refiner != nil {
			logger.Info().Msg("Step 5: Refined MLEM reconstruction")
			refined, err := s.recon.Reconstruct(s.measured, refiner)
			if err != nil {
				return fmt.Errorf("refined MLEM reconstruction failed: %w", err)
			}
			if _, err := s.record("mlem_refined", refined.Image, refined.Duration, lastLogLikelihood(refined)); err != nil {
				return err
			}
			s.saveResult("mlem_refined", refined)
		}

		return s.finish()
	},
}

func init() {
	reconstructCmd.Flags().StringSliceVar(&refinerPaths, "refiner", nil,
		"Trained refiner file written by the train command; repeat to sum the corrections of several refiners")
}

// buildRefiner loads the refiners named by paths, falling back to
// refinement.file. Several refiners are chained so their corrections add up.
//
// It returns nil when no trained refiner is available. An untrained refiner
// only ever returns a zero correction, so refinement.enabled without a file
// logs a warning and the refined pass is skipped.
func buildRefiner(paths []string) (refine.Refiner, error) {
	if len(paths) == 0 && cfg.Refinement.File != "" {
		paths = []string{cfg.Refinement.File}
	}
	if len(paths) == 0 {
		if cfg.Refinement.Enabled {
			logger.Warn().
				Str("kind", cfg.Refinement.Kind).
				Msg("Refinement is enabled but no trained refiner was given; an untrained refiner would reproduce plain MLEM, skipping the refined pass")
		}
		return nil, nil
	}

	refiners := make([]refine.Refiner, 0, len(paths))
	for _, path := range paths {
		p, spec, err := refine.Load(path)
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("path", path).
			Str("kind", string(spec.Kind)).
			Int("kernel_size", spec.KernelSize).
			Int("params", len(p.Params())).
			Msg("Loaded refiner")
		refiners = append(refiners, p)
	}
	if len(refiners) == 1 {
		return refiners[0], nil
	}
	return refine.Chain(refiners...), nil
}
