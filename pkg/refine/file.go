package refine

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a trained refiner.
type File struct {
	Spec   `yaml:",inline"`
	Params []float64 `yaml:"params"`
}

// Save writes p together with the Spec needed to rebuild it.
func Save(path string, spec Spec, p Parametric) error {
	data, err := yaml.Marshal(File{Spec: spec, Params: p.Params()})
	if err != nil {
		return fmt.Errorf("error marshaling refiner: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating refiner directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing refiner file: %w", err)
	}
	return nil
}

// Load rebuilds the refiner stored at path. Files without a kind are read as
// a single convolution.
func Load(path string) (Parametric, Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Spec{}, fmt.Errorf("error reading refiner file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, Spec{}, fmt.Errorf("error parsing refiner file: %w", err)
	}
	if f.Kind == "" {
		f.Kind = KindConvolution
	}
	p, err := New(f.Spec)
	if err != nil {
		return nil, Spec{}, fmt.Errorf("refiner file %s: %w", path, err)
	}
	if err := p.SetParams(f.Params); err != nil {
		return nil, Spec{}, fmt.Errorf("refiner file %s: %w", path, err)
	}
	return p, f.Spec, nil
}
