package main

import (
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mlemrecon/internal/logging"
	"mlemrecon/pkg/config"
)

var (
	configPath string
	logLevel   string
	numCores   int
	iterations int

	cfg    *config.Config
	logger zerolog.Logger
	runID  string
)

var rootCmd = &cobra.Command{
	Use:   "mlemrecon",
	Short: "Iterative MLEM tomographic reconstruction with learned refinement",
	Long: `mlemrecon simulates a 2-D parallel-beam acquisition of a phantom and
reconstructs it with maximum-likelihood expectation-maximization, optionally
refining the estimate between iterations with a trained convolutional
or attention network.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == initConfigCmd.Name() {
			return nil
		}

		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		applyOverrides(loaded, cmd.Flags().Changed)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		runID = uuid.NewString()[:8]
		base, err := logging.New(cfg.Logging.Level, cfg.Logging.Console, os.Stderr)
		if err != nil {
			return err
		}
		logger = base.With().Str("run_id", runID).Logger()
		return nil
	},
}

// applyOverrides copies explicitly set flags into c. A zero --cores or
// --iterations keeps the configured value, matching the flag defaults.
func applyOverrides(c *config.Config, changed func(name string) bool) {
	if changed("log-level") {
		c.Logging.Level = logLevel
	}
	if changed("cores") && numCores > 0 {
		c.Reconstruction.NumCores = numCores
	}
	if changed("iterations") && iterations > 0 {
		c.Reconstruction.Iterations = iterations
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&numCores, "cores", 0, "Number of CPU cores used inside one projection (default from config)")
	rootCmd.PersistentFlags().IntVar(&iterations, "iterations", 0, "Number of MLEM iterations (default from config)")

	rootCmd.AddCommand(reconstructCmd, trainCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("mlemrecon failed: %v", err)
	}
}
