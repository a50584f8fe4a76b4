package parser

import (
	"fmt"
	"strings"

	"github.com/me/pipeflow/pkg/model"
)

// Validate checks the structure of a workflow definition. Returns nil if
// valid, or an *model.APIError with FieldError details. Linking and module
// checks happen later in the graph builder.
func Validate(def *Definition) *model.APIError {
	var errs []model.FieldError

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, model.FieldError{Field: "name", Message: "workflow name is required"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, model.FieldError{Field: "steps", Message: "workflow must have at least one step"})
	}
	errs = append(errs, validateSteps(def.Steps)...)
	errs = append(errs, validateFormats(def.Formats)...)

	if len(errs) == 0 {
		return nil
	}
	return model.NewValidationError("workflow validation failed", errs...)
}

func validateSteps(steps []StepDef) []model.FieldError {
	var errs []model.FieldError
	seen := make(map[string]bool)
	for i, s := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			errs = append(errs, model.FieldError{Field: field + ".id", Message: "step id is required"})
		} else if seen[s.ID] {
			errs = append(errs, model.FieldError{Field: field + ".id", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		seen[s.ID] = true

		if s.Module == "" {
			errs = append(errs, model.FieldError{Field: field + ".module", Message: "step module is required"})
		}
		switch model.StepKind(strings.ToUpper(s.Kind)) {
		case "", model.StepKindStandard, model.StepKindGenerator:
		default:
			errs = append(errs, model.FieldError{
				Field:   field + ".kind",
				Message: fmt.Sprintf("kind %q is not allowed; expected STANDARD or GENERATOR", s.Kind),
			})
		}
	}
	return errs
}

func validateFormats(formats []*model.Format) []model.FieldError {
	var errs []model.FieldError
	for i, f := range formats {
		if f == nil || f.Name == "" {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("formats[%d].name", i), Message: "format name is required"})
			continue
		}
		if f.Generator != nil && f.Generator.Module == "" {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("formats[%d].generator.module", i),
				Message: fmt.Sprintf("generator of format %q names no module", f.Name),
			})
		}
	}
	return errs
}
