// Package paramexpr evaluates the $(...) and ${...} expressions allowed in
// step parameters and skip flags, using an embedded JavaScript runtime.
package paramexpr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// Scope holds the variables visible to an expression.
type Scope struct {
	// Globals are the workflow-level variables.
	Globals map[string]any
	// Design exposes the design metadata and samples.
	Design map[string]any
	// Step is the id of the step whose parameters are evaluated.
	Step string
}

// Evaluator evaluates parameter expressions.
type Evaluator struct {
	lib []string
}

// NewEvaluator creates an Evaluator. lib holds JavaScript sources run in
// every VM before the expression, for shared helper functions.
func NewEvaluator(lib []string) *Evaluator {
	return &Evaluator{lib: lib}
}

func (e *Evaluator) setupVM(scope *Scope) (*goja.Runtime, error) {
	vm := goja.New()
	for i, src := range e.lib {
		if _, err := vm.RunString(src); err != nil {
			return nil, fmt.Errorf("lib[%d]: %w", i, err)
		}
	}
	globals, design := map[string]any{}, map[string]any{}
	if scope != nil {
		if scope.Globals != nil {
			globals = scope.Globals
		}
		if scope.Design != nil {
			design = scope.Design
		}
	}
	if err := vm.Set("globals", globals); err != nil {
		return nil, fmt.Errorf("set globals: %w", err)
	}
	if err := vm.Set("design", design); err != nil {
		return nil, fmt.Errorf("set design: %w", err)
	}
	step := ""
	if scope != nil {
		step = scope.Step
	}
	if err := vm.Set("step", step); err != nil {
		return nil, fmt.Errorf("set step: %w", err)
	}
	return vm, nil
}

// Evaluate evaluates expr in scope. Supported forms:
//   - references and expressions: $(globals.genome), $(design.samples.length * 2)
//   - code blocks: ${ return globals.threads + 1; }
//   - interpolation: "--threads $(globals.threads)"
//
// A sole expression returns its typed value; interpolation yields a string.
// \$( escapes a literal "$(".
func (e *Evaluator) Evaluate(expr string, scope *Scope) (any, error) {
	if !IsExpression(expr) {
		return unescape(expr), nil
	}
	vm, err := e.setupVM(scope)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "${") {
		if idx := matchingBrace(trimmed); idx == len(trimmed)-1 {
			return runBlock(vm, trimmed)
		}
	}
	return interpolate(vm, expr)
}

// EvaluateString evaluates expr and formats the result as a string.
func (e *Evaluator) EvaluateString(expr string, scope *Scope) (string, error) {
	v, err := e.Evaluate(expr, scope)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

// EvaluateBool evaluates expr as a flag. Literal "true"/"false" (and the
// other strconv.ParseBool spellings) are accepted without an expression.
func (e *Evaluator) EvaluateBool(expr string, scope *Scope) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	v, err := e.Evaluate(expr, scope)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("expression %q did not return a boolean: %q", expr, b)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("expression %q did not return a boolean: %T", expr, v)
}

func runBlock(vm *goja.Runtime, block string) (any, error) {
	code := strings.TrimSpace(block[2 : len(block)-1])
	val, err := vm.RunString("(function() { " + code + " })()")
	if err != nil {
		return nil, fmt.Errorf("javascript error: %w", err)
	}
	return val.Export(), nil
}

func interpolate(vm *goja.Runtime, expr string) (any, error) {
	matches := findExpressions(expr)
	if len(matches) == 1 && matches[0].start == 0 && matches[0].end == len(expr) {
		return evalOne(vm, matches[0].expr)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(unescape(expr[last:m.start]))
		v, err := evalOne(vm, m.expr)
		if err != nil {
			return nil, err
		}
		b.WriteString(toString(v))
		last = m.end
	}
	b.WriteString(unescape(expr[last:]))
	return b.String(), nil
}

func evalOne(vm *goja.Runtime, code string) (any, error) {
	if strings.HasPrefix(strings.TrimSpace(code), "{") {
		code = "(" + code + ")"
	}
	val, err := vm.RunString(code)
	if err != nil {
		return nil, fmt.Errorf("expression error in $(%s): %w", code, err)
	}
	if goja.IsUndefined(val) {
		return nil, fmt.Errorf("expression $(%s) is undefined", code)
	}
	return val.Export(), nil
}

type exprMatch struct {
	start int
	end   int
	expr  string
}

// findExpressions returns the unescaped $(...) spans of s with balanced
// parentheses.
func findExpressions(s string) []exprMatch {
	var matches []exprMatch
	for i := 0; i < len(s)-1; i++ {
		if s[i] != '$' || s[i+1] != '(' || (i > 0 && s[i-1] == '\\') {
			continue
		}
		depth, j := 1, i+2
		for j < len(s) && depth > 0 {
			switch s[j] {
			case '(':
				depth++
			case ')':
				depth--
			}
			j++
		}
		if depth != 0 {
			break
		}
		matches = append(matches, exprMatch{start: i, end: j, expr: s[i+2 : j-1]})
		i = j - 1
	}
	return matches
}

func matchingBrace(s string) int {
	depth := 0
	for i, c := range s {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// IsExpression reports whether s contains an unescaped expression.
func IsExpression(s string) bool {
	if strings.HasPrefix(strings.TrimSpace(s), "${") {
		return true
	}
	return len(findExpressions(s)) > 0
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, "\\$(", "$(")
	return strings.ReplaceAll(s, "\\${", "${")
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
