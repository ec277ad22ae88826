package confidence

import (
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Weights is the versioned factor weight table. Scoring is a pure function
// over these weights so the fusion logic stays independently auditable;
// any change to the table must bump Version.
type Weights struct {
	Version          string  `yaml:"version"`
	ChronologicalGap float64 `yaml:"chronological_gap"`
	Structural       float64 `yaml:"structural"`
	Corroboration    float64 `yaml:"corroboration"`
}

// DefaultWeights returns the built-in weight table.
func DefaultWeights() Weights {
	return Weights{
		Version:          "v1",
		ChronologicalGap: 0.35,
		Structural:       0.35,
		Corroboration:    0.30,
	}
}

// Validate checks that weights are non-negative and sum to 1.0.
func (w Weights) Validate() error {
	if w.ChronologicalGap < 0 || w.Structural < 0 || w.Corroboration < 0 {
		return eris.New("confidence: negative weight")
	}
	sum := w.ChronologicalGap + w.Structural + w.Corroboration
	if math.Abs(sum-1.0) > 1e-9 {
		return eris.Errorf("confidence: weights sum to %f, want 1.0", sum)
	}
	if w.Version == "" {
		return eris.New("confidence: weight table missing version")
	}
	return nil
}

// LoadWeights reads a weight table from a yaml file. An empty path returns
// the defaults.
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return DefaultWeights(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, eris.Wrapf(err, "confidence: read weights %s", path)
	}
	var w Weights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Weights{}, eris.Wrap(err, "confidence: parse weights")
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}
