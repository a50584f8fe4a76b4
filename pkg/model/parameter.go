package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Parameter is a named step parameter as declared in the workflow definition.
type Parameter struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Int returns the parameter value as an int.
func (p Parameter) Int() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(p.Value))
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	return n, nil
}

// Bool returns the parameter value as a bool.
func (p Parameter) Bool() (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(p.Value))
	if err != nil {
		return false, fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	return b, nil
}

// Parameters is an ordered parameter set.
type Parameters []Parameter

// Get returns the value of the first parameter with the given name.
func (ps Parameters) Get(name string) (string, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// WithPrefix returns the parameters whose name starts with prefix, with the
// prefix stripped from the returned names.
func (ps Parameters) WithPrefix(prefix string) Parameters {
	var out Parameters
	for _, p := range ps {
		if strings.HasPrefix(p.Name, prefix) {
			out = append(out, Parameter{Name: strings.TrimPrefix(p.Name, prefix), Value: p.Value})
		}
	}
	return out
}

// FromMap converts a map into Parameters sorted by name.
func FromMap(m map[string]string) Parameters {
	ps := make(Parameters, 0, len(m))
	for k, v := range m {
		ps = append(ps, Parameter{Name: k, Value: v})
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
	return ps
}
