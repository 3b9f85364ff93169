package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"horizon-workflow/internal/models"
)

//go:embed defaults.yaml
var defaultSequences []byte

type sequenceFile struct {
	Sequences []models.ProcessSequence `yaml:"sequences"`
}

// Parse decodes and validates a YAML sequence document. Every sequence must be valid; the first
// failure is returned with the offending product type in the message.
func Parse(data []byte) ([]models.ProcessSequence, error) {
	var f sequenceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode sequences: %w", err)
	}
	out := make([]models.ProcessSequence, 0, len(f.Sequences))
	seen := make(map[string]bool, len(f.Sequences))
	for _, s := range f.Sequences {
		v, err := Validate(s)
		if err != nil {
			return nil, fmt.Errorf("sequence %q: %w", s.ProductType, err)
		}
		if seen[v.ProductType] {
			return nil, models.Errorf(models.ErrValidation, "product type %q defined twice", v.ProductType)
		}
		seen[v.ProductType] = true
		out = append(out, v)
	}
	return out, nil
}

// LoadFile reads and parses a YAML sequence file from disk.
func LoadFile(path string) ([]models.ProcessSequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Defaults returns the built-in sequences.
func Defaults() []models.ProcessSequence {
	seqs, err := Parse(defaultSequences)
	if err != nil {
		panic(fmt.Sprintf("embedded default sequences are invalid: %v", err))
	}
	return seqs
}

// Marshal renders sequences in the same document shape Parse accepts.
func Marshal(seqs []models.ProcessSequence) ([]byte, error) {
	return yaml.Marshal(sequenceFile{Sequences: seqs})
}
