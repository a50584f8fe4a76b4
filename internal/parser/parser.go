// Package parser loads workflow definitions, design files, and format
// catalogs from YAML.
package parser

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/pipeflow/internal/paramexpr"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
	"gopkg.in/yaml.v3"
)

// Definition is a parsed workflow definition.
type Definition struct {
	Name    string          `yaml:"name"`
	Globals map[string]any  `yaml:"globals,omitempty"`
	Design  string          `yaml:"design,omitempty"`
	Formats []*model.Format `yaml:"formats,omitempty"`
	Steps   []StepDef       `yaml:"steps"`
	// BaseDir is the directory of the definition file; relative design and
	// catalog paths are resolved against it.
	BaseDir string `yaml:"-"`
}

// StepDef is one step of a workflow definition.
type StepDef struct {
	ID     string `yaml:"id"`
	Module string `yaml:"module"`
	Kind   string `yaml:"kind,omitempty"`
	// Skip is a literal boolean or an expression.
	Skip       string        `yaml:"skip,omitempty"`
	Parameters OrderedParams `yaml:"parameters,omitempty"`
}

// OrderedParams keeps the declaration order of a YAML parameter mapping.
// Modules declare ports in parameter order.
type OrderedParams model.Parameters

// UnmarshalYAML decodes a mapping of scalar values.
func (p *OrderedParams) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	out := make(OrderedParams, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: parameter %q must be a scalar", val.Line, key.Value)
		}
		out = append(out, model.Parameter{Name: key.Value, Value: val.Value})
	}
	*p = out
	return nil
}

// Parser converts YAML documents into workflow definitions.
type Parser struct {
	logger *slog.Logger
	eval   *paramexpr.Evaluator
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger.With("component", "parser"),
		eval:   paramexpr.NewEvaluator(nil),
	}
}

// ParseFile reads and parses a workflow definition file.
func (p *Parser) ParseFile(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	def, err := p.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.BaseDir = filepath.Dir(path)
	return def, nil
}

// Parse parses a workflow definition document.
func (p *Parser) Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if apiErr := Validate(&def); apiErr != nil {
		return nil, apiErr
	}
	p.logger.Debug("workflow parsed", "name", def.Name, "steps", len(def.Steps))
	return &def, nil
}

// DesignPath returns the design file path of def resolved against BaseDir,
// or "" if the definition names none.
func (def *Definition) DesignPath() string {
	return resolvePath(def.BaseDir, def.Design)
}

// RegisterFormats adds the inline formats of def to reg.
func (def *Definition) RegisterFormats(reg *model.FormatRegistry) error {
	for _, f := range def.Formats {
		if err := reg.Register(f); err != nil {
			return fmt.Errorf("workflow %s: %w", def.Name, err)
		}
	}
	return nil
}

// StepSpecs evaluates the parameter and skip expressions of def against its
// globals and the design and returns the step declarations for the graph
// builder.
func (p *Parser) StepSpecs(def *Definition, design *workflow.Design) ([]workflow.StepSpec, error) {
	designScope := DesignScope(design)
	specs := make([]workflow.StepSpec, 0, len(def.Steps))
	for _, sd := range def.Steps {
		scope := &paramexpr.Scope{Globals: def.Globals, Design: designScope, Step: sd.ID}

		params := make(model.Parameters, 0, len(sd.Parameters))
		for _, prm := range sd.Parameters {
			v, err := p.eval.EvaluateString(prm.Value, scope)
			if err != nil {
				return nil, fmt.Errorf("step %s: parameter %s: %w", sd.ID, prm.Name, err)
			}
			params = append(params, model.Parameter{Name: prm.Name, Value: v})
		}

		skip, err := p.eval.EvaluateBool(sd.Skip, scope)
		if err != nil {
			return nil, fmt.Errorf("step %s: skip: %w", sd.ID, err)
		}

		specs = append(specs, workflow.StepSpec{
			ID:         sd.ID,
			Module:     sd.Module,
			Kind:       model.StepKind(strings.ToUpper(sd.Kind)),
			Parameters: params,
			Skip:       skip,
		})
	}
	return specs, nil
}

// DesignScope exposes a design to parameter expressions as
// design.metadata and design.samples.
func DesignScope(d *workflow.Design) map[string]any {
	scope := map[string]any{"metadata": map[string]any{}, "samples": []any{}}
	if d == nil {
		return scope
	}
	meta := make(map[string]any, len(d.Metadata))
	for k, v := range d.Metadata {
		meta[k] = v
	}
	samples := make([]any, 0, len(d.Samples))
	for _, s := range d.Samples {
		sm := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			sm[k] = v
		}
		samples = append(samples, map[string]any{
			"id":       s.ID,
			"name":     s.DisplayName(),
			"metadata": sm,
		})
	}
	scope["metadata"] = meta
	scope["samples"] = samples
	return scope
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
