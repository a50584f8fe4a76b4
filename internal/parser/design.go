package parser

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
	"gopkg.in/yaml.v3"
)

// LoadDesign reads a design file. Relative sample file paths are resolved
// against the directory of the design file.
func LoadDesign(path string) (*workflow.Design, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read design: %w", err)
	}
	var d workflow.Design
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%s: YAML parse error: %w", path, err)
	}
	base := filepath.Dir(path)
	for _, s := range d.Samples {
		if s == nil {
			return nil, fmt.Errorf("%s: empty sample entry", path)
		}
		for field, files := range s.Files {
			for i, f := range files {
				files[i] = resolvePath(base, f)
			}
			s.Files[field] = files
		}
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &d, nil
}

type catalog struct {
	Formats []*model.Format `yaml:"formats"`
}

// LoadFormats reads a format catalog and registers its formats in reg.
func LoadFormats(path string, reg *model.FormatRegistry) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read format catalog: %w", err)
	}
	var c catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("%s: YAML parse error: %w", path, err)
	}
	if errs := validateFormats(c.Formats); len(errs) > 0 {
		return fmt.Errorf("%s: %w", path, model.NewValidationError("format catalog validation failed", errs...))
	}
	for _, f := range c.Formats {
		if err := reg.Register(f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
