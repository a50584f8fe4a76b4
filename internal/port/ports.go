package port

import (
	"fmt"

	"github.com/me/pipeflow/pkg/model"
)

// InputPorts is the ordered set of input ports of a step.
type InputPorts struct {
	ports  []*InputPort
	byName map[string]*InputPort
}

// NewInputPorts builds the input ports of stepID from specs, resolving formats
// in formats. Port names must be unique.
func NewInputPorts(stepID string, specs []Spec, formats *model.FormatRegistry) (*InputPorts, error) {
	ps := &InputPorts{byName: make(map[string]*InputPort, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("step %s: input port name is required", stepID)
		}
		if _, dup := ps.byName[s.Name]; dup {
			return nil, fmt.Errorf("step %s: duplicate input port %q", stepID, s.Name)
		}
		f, ok := formats.Get(s.Format)
		if !ok {
			return nil, fmt.Errorf("step %s: input port %q: unknown format %q", stepID, s.Name, s.Format)
		}
		p := &InputPort{
			name:                 s.Name,
			stepID:               stepID,
			format:               f,
			list:                 s.List,
			requiredInWorkingDir: s.RequiredInWorkingDir,
			optional:             s.Optional,
		}
		ps.ports = append(ps.ports, p)
		ps.byName[s.Name] = p
	}
	return ps, nil
}

// Get returns the port with the given name.
func (ps *InputPorts) Get(name string) (*InputPort, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// All returns the ports in declaration order.
func (ps *InputPorts) All() []*InputPort {
	out := make([]*InputPort, len(ps.ports))
	copy(out, ps.ports)
	return out
}

// Len returns the number of ports.
func (ps *InputPorts) Len() int { return len(ps.ports) }

// OutputPorts is the ordered set of output ports of a step.
type OutputPorts struct {
	ports  []*OutputPort
	byName map[string]*OutputPort
}

// NewOutputPorts builds the output ports of stepID from specs.
func NewOutputPorts(stepID string, specs []Spec, formats *model.FormatRegistry) (*OutputPorts, error) {
	ps := &OutputPorts{byName: make(map[string]*OutputPort, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("step %s: output port name is required", stepID)
		}
		if _, dup := ps.byName[s.Name]; dup {
			return nil, fmt.Errorf("step %s: duplicate output port %q", stepID, s.Name)
		}
		f, ok := formats.Get(s.Format)
		if !ok {
			return nil, fmt.Errorf("step %s: output port %q: unknown format %q", stepID, s.Name, s.Format)
		}
		compression := s.Compression
		if compression == "" {
			compression = model.CompressionNone
		}
		ps.add(&OutputPort{name: s.Name, stepID: stepID, format: f, list: s.List, compression: compression})
	}
	return ps, nil
}

// NewEmptyOutputPorts returns an empty set to which ports are added later.
func NewEmptyOutputPorts() *OutputPorts {
	return &OutputPorts{byName: make(map[string]*OutputPort)}
}

// Add appends p, failing if a port with the same name exists.
func (ps *OutputPorts) Add(p *OutputPort) error {
	if _, dup := ps.byName[p.name]; dup {
		return fmt.Errorf("step %s: duplicate output port %q", p.stepID, p.name)
	}
	ps.add(p)
	return nil
}

func (ps *OutputPorts) add(p *OutputPort) {
	ps.ports = append(ps.ports, p)
	ps.byName[p.name] = p
}

// Get returns the port with the given name.
func (ps *OutputPorts) Get(name string) (*OutputPort, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// ByFormat returns the first port producing the named format.
func (ps *OutputPorts) ByFormat(format string) (*OutputPort, bool) {
	for _, p := range ps.ports {
		if p.format.Name == format {
			return p, true
		}
	}
	return nil, false
}

// All returns the ports in declaration order.
func (ps *OutputPorts) All() []*OutputPort {
	out := make([]*OutputPort, len(ps.ports))
	copy(out, ps.ports)
	return out
}

// Len returns the number of ports.
func (ps *OutputPorts) Len() int { return len(ps.ports) }
