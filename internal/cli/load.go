package cli

import (
	"fmt"
	"log/slog"

	"github.com/me/pipeflow/internal/module"
	"github.com/me/pipeflow/internal/module/builtin"
	"github.com/me/pipeflow/internal/parser"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

// loadOptions overrides the design and format catalog of a definition.
type loadOptions struct {
	DesignPath  string
	FormatsPath string
}

// newModuleRegistry returns the registry holding every builtin module.
func newModuleRegistry(logger *slog.Logger) *module.Registry {
	reg := module.NewRegistry(logger)
	builtin.Register(reg)
	return reg
}

// newFormatRegistry returns the built-in formats extended by the catalog at
// path, if any.
func newFormatRegistry(path string) (*model.FormatRegistry, error) {
	formats := model.DefaultFormats()
	if path != "" {
		if err := parser.LoadFormats(path, formats); err != nil {
			return nil, err
		}
	}
	return formats, nil
}

// loadWorkflow parses the definition at path and builds its graph under runID.
func loadWorkflow(path, runID string, opts loadOptions, logger *slog.Logger) (*workflow.Workflow, error) {
	p := parser.New(logger)
	def, err := p.ParseFile(path)
	if err != nil {
		return nil, err
	}

	formats, err := newFormatRegistry(opts.FormatsPath)
	if err != nil {
		return nil, err
	}
	if err := def.RegisterFormats(formats); err != nil {
		return nil, err
	}

	designPath := opts.DesignPath
	if designPath == "" {
		designPath = def.DesignPath()
	}
	var design *workflow.Design
	if designPath != "" {
		if design, err = parser.LoadDesign(designPath); err != nil {
			return nil, err
		}
		logger.Info("design loaded", "path", designPath, "samples", len(design.Samples))
	}

	specs, err := p.StepSpecs(def, design)
	if err != nil {
		return nil, err
	}
	wf, err := workflow.NewBuilder(newModuleRegistry(logger), formats, design, logger).Build(runID, def.Name, specs)
	if err != nil {
		return nil, fmt.Errorf("build workflow %s: %w", def.Name, err)
	}
	return wf, nil
}
