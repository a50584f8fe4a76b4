// Package task holds the unit of work dispatched to step business logic and
// the results it produces.
package task

import (
	"fmt"
	"sort"

	"github.com/me/pipeflow/internal/data"
)

// ContextName returns the canonical name of task id of stepID. It is also the
// base name of the persisted task artifacts.
func ContextName(stepID string, id int) string {
	return fmt.Sprintf("%s_context#%d", stepID, id)
}

// Context is one concrete combination of input data, one value per input
// port, paired with freshly allocated output data, one per output port.
type Context struct {
	ID        int
	StepID    string
	JobID     string
	OutputDir string
	inputs    map[string]data.Data
	outputs   map[string]data.Data
}

// NewContext creates a task context.
func NewContext(stepID string, id int, inputs, outputs map[string]data.Data) *Context {
	if inputs == nil {
		inputs = map[string]data.Data{}
	}
	if outputs == nil {
		outputs = map[string]data.Data{}
	}
	return &Context{ID: id, StepID: stepID, inputs: inputs, outputs: outputs}
}

// Name returns ContextName(StepID, ID).
func (c *Context) Name() string {
	return ContextName(c.StepID, c.ID)
}

// Input returns the value received on the named input port.
func (c *Context) Input(port string) (data.Data, bool) {
	d, ok := c.inputs[port]
	return d, ok
}

// InputElement returns the single element received on a non-list input port.
func (c *Context) InputElement(port string) (*data.Element, error) {
	d, ok := c.inputs[port]
	if !ok {
		return nil, fmt.Errorf("%s: no input port %q", c.Name(), port)
	}
	e, ok := d.(*data.Element)
	if !ok {
		return nil, fmt.Errorf("%s: input port %q carries a list", c.Name(), port)
	}
	return e, nil
}

// InputList returns the list received on a list input port.
func (c *Context) InputList(port string) (*data.List, error) {
	d, ok := c.inputs[port]
	if !ok {
		return nil, fmt.Errorf("%s: no input port %q", c.Name(), port)
	}
	l, ok := d.(*data.List)
	if !ok {
		return nil, fmt.Errorf("%s: input port %q does not carry a list", c.Name(), port)
	}
	return l, nil
}

// Output returns the placeholder allocated for the named output port.
func (c *Context) Output(port string) (data.Data, bool) {
	d, ok := c.outputs[port]
	return d, ok
}

// OutputElement returns the element allocated for a non-list output port.
func (c *Context) OutputElement(port string) (*data.Element, error) {
	d, ok := c.outputs[port]
	if !ok {
		return nil, fmt.Errorf("%s: no output port %q", c.Name(), port)
	}
	e, ok := d.(*data.Element)
	if !ok {
		return nil, fmt.Errorf("%s: output port %q is a list", c.Name(), port)
	}
	return e, nil
}

// OutputList returns the list allocated for a list output port.
func (c *Context) OutputList(port string) (*data.List, error) {
	d, ok := c.outputs[port]
	if !ok {
		return nil, fmt.Errorf("%s: no output port %q", c.Name(), port)
	}
	l, ok := d.(*data.List)
	if !ok {
		return nil, fmt.Errorf("%s: output port %q is not a list", c.Name(), port)
	}
	return l, nil
}

// ReplaceOutput swaps the value of an output port, used when the outputs of
// a task are restored from a previous run.
func (c *Context) ReplaceOutput(port string, d data.Data) {
	c.outputs[port] = d
}

// Inputs returns a copy of the input values keyed by port name.
func (c *Context) Inputs() map[string]data.Data {
	return copyData(c.inputs)
}

// Outputs returns a copy of the output values keyed by port name.
func (c *Context) Outputs() map[string]data.Data {
	return copyData(c.outputs)
}

// InputPorts returns the sorted input port names.
func (c *Context) InputPorts() []string {
	return sortedKeys(c.inputs)
}

// OutputPorts returns the sorted output port names.
func (c *Context) OutputPorts() []string {
	return sortedKeys(c.outputs)
}

func copyData(m map[string]data.Data) map[string]data.Data {
	out := make(map[string]data.Data, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]data.Data) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
