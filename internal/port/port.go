// Package port defines the typed input and output ports attached to a step.
package port

import (
	"fmt"

	"github.com/me/pipeflow/pkg/model"
)

// Spec declares a port as returned by a module.
type Spec struct {
	Name   string
	Format string
	// List ports carry an ordered list of elements closed by an explicit
	// end-of-stream token.
	List bool
	// Compression applies to output ports only.
	Compression model.Compression
	// RequiredInWorkingDir and Optional apply to input ports only.
	RequiredInWorkingDir bool
	Optional             bool
}

// InputPort is a port through which a step receives data. It references
// exactly one producing output port, or none for workflow-external sources.
type InputPort struct {
	name                 string
	stepID               string
	format               *model.Format
	list                 bool
	requiredInWorkingDir bool
	optional             bool
	link                 *OutputPort
}

func (p *InputPort) Name() string               { return p.name }
func (p *InputPort) StepID() string             { return p.stepID }
func (p *InputPort) Format() *model.Format      { return p.format }
func (p *InputPort) IsList() bool               { return p.list }
func (p *InputPort) RequiredInWorkingDir() bool { return p.requiredInWorkingDir }
func (p *InputPort) Optional() bool             { return p.optional }

// Link returns the producing output port, or nil if unlinked.
func (p *InputPort) Link() *OutputPort { return p.link }

func (p *InputPort) String() string {
	return p.stepID + "." + p.name
}

// OutputPort is a port through which a step emits data. It may fan out to
// several consuming input ports.
type OutputPort struct {
	name        string
	stepID      string
	format      *model.Format
	list        bool
	compression model.Compression
	links       []*InputPort
}

func (p *OutputPort) Name() string                   { return p.name }
func (p *OutputPort) StepID() string                 { return p.stepID }
func (p *OutputPort) Format() *model.Format          { return p.format }
func (p *OutputPort) IsList() bool                   { return p.list }
func (p *OutputPort) Compression() model.Compression { return p.compression }

// Links returns the input ports fed by this port.
func (p *OutputPort) Links() []*InputPort {
	out := make([]*InputPort, len(p.links))
	copy(out, p.links)
	return out
}

func (p *OutputPort) String() string {
	return p.stepID + "." + p.name
}

// NewOutputPort creates a standalone output port. It is used for ports that
// are not declared by a module, such as design source ports.
func NewOutputPort(stepID, name string, format *model.Format, list bool) *OutputPort {
	return &OutputPort{name: name, stepID: stepID, format: format, list: list, compression: model.CompressionNone}
}

// Link binds in to out. The formats of both ports must match and in must not
// already be linked elsewhere.
func Link(out *OutputPort, in *InputPort) error {
	if out.format.Name != in.format.Name {
		return fmt.Errorf("link %s -> %s: format mismatch %s != %s", out, in, out.format.Name, in.format.Name)
	}
	if in.link != nil && in.link != out {
		return fmt.Errorf("link %s -> %s: input already linked to %s", out, in, in.link)
	}
	if in.link == out {
		return nil
	}
	in.link = out
	out.links = append(out.links, in)
	return nil
}

// Unlink removes the link of in, if any.
func Unlink(in *InputPort) {
	out := in.link
	if out == nil {
		return
	}
	for i, l := range out.links {
		if l == in {
			out.links = append(out.links[:i], out.links[i+1:]...)
			break
		}
	}
	in.link = nil
}
