package models

import (
	"time"
)

// RunReport summarizes one CLI run and is written next to the output images
type RunReport struct {
	// RunID identifies the run in logs and file names
	RunID string `yaml:"runID"`

	// Command is the CLI subcommand that produced the report
	Command string `yaml:"command"`

	// StartedAt is the wall-clock start of the run
	StartedAt time.Time `yaml:"startedAt"`

	// Geometry is the (imageSize, radialBins, angles) triple
	Geometry GeometryReport `yaml:"geometry"`

	// NonZeros is the number of stored system matrix entries
	NonZeros int `yaml:"nonZeros"`

	// Iterations is the number of MLEM updates per reconstruction
	Iterations int `yaml:"iterations"`

	// Results holds one entry per reconstruction method that was run
	Results []MethodReport `yaml:"results"`

	// Training is set when a refiner was fitted
	Training *TrainingReport `yaml:"training,omitempty"`

	// Files lists the images written during the run
	Files []string `yaml:"files,omitempty"`
}

// GeometryReport mirrors the scanner geometry
type GeometryReport struct {
	ImageSize  int `yaml:"imageSize"`
	RadialBins int `yaml:"radialBins"`
	Angles     int `yaml:"angles"`
}

// MethodReport holds the quality metrics of one reconstruction
type MethodReport struct {
	Method        string        `yaml:"method"`
	Duration      time.Duration `yaml:"duration"`
	MSE           float64       `yaml:"mse"`
	RMSE          float64       `yaml:"rmse"`
	PSNR          float64       `yaml:"psnr"`
	SSIM          float64       `yaml:"ssim"`
	Correlation   float64       `yaml:"correlation"`
	EntropyDiff   float64       `yaml:"entropyDiff"`
	LogLikelihood float64       `yaml:"logLikelihood,omitempty"`
}

// TrainingReport summarizes refiner fitting
type TrainingReport struct {
	Kind        string  `yaml:"kind"`
	NumParams   int     `yaml:"numParams"`
	InitialLoss float64 `yaml:"initialLoss"`
	FinalLoss   float64 `yaml:"finalLoss"`
	Epochs      int     `yaml:"epochs"`
	Evaluations int     `yaml:"evaluations"`
	Rejected    int     `yaml:"rejected"`
	Status      string  `yaml:"status"`
	// RefinerFile is where the trained parameters were written
	RefinerFile string `yaml:"refinerFile"`
}
