package shape

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a shape. Exactly one of Stages or Patterns
// must be set.
type File struct {
	Stages   []Stage   `yaml:"stages"`
	Patterns []Pattern `yaml:"patterns"`
}

var ErrEmptyShape = errors.New("shape file defines no stages or patterns")

// LoadFile reads a YAML (or JSON) shape file.
func LoadFile(path string) (Shape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shape file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a shape document.
func Parse(data []byte) (Shape, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse shape file: %w", err)
	}
	return f.Build()
}

// Build validates f and returns the shape it describes.
func (f File) Build() (Shape, error) {
	switch {
	case len(f.Stages) > 0 && len(f.Patterns) > 0:
		return nil, errors.New("shape file: stages and patterns are mutually exclusive")
	case len(f.Stages) > 0:
		var prevEnd time.Duration
		for i, st := range f.Stages {
			if st.Duration <= 0 {
				return nil, fmt.Errorf("stage %d: duration must be positive", i)
			}
			if st.Users < 0 {
				return nil, fmt.Errorf("stage %d: users must be non-negative", i)
			}
			if st.SpawnRate <= 0 {
				return nil, fmt.Errorf("stage %d: spawn_rate must be positive", i)
			}
			if i > 0 && st.Duration <= prevEnd {
				return nil, fmt.Errorf("stage %d: duration %s must exceed previous stage end %s", i, st.Duration, prevEnd)
			}
			prevEnd = st.Duration
		}
		return &Stages{List: append([]Stage(nil), f.Stages...)}, nil
	case len(f.Patterns) > 0:
		for i, p := range f.Patterns {
			switch p.Type {
			case PatternRamp, PatternStep, PatternSpike:
			default:
				return nil, fmt.Errorf("pattern %d: unknown type %q", i, p.Type)
			}
			if p.SpawnRate < 0 {
				return nil, fmt.Errorf("pattern %d: spawn_rate must not be negative", i)
			}
		}
		plan := CompilePlan(f.Patterns)
		if plan == nil {
			return nil, ErrEmptyShape
		}
		return plan, nil
	default:
		return nil, ErrEmptyShape
	}
}
