// Package dataflow routes data tokens between steps and turns the tokens
// received by a step into task contexts.
package dataflow

import (
	"fmt"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/port"
)

// Token is an immutable message carrying one data value, or the end of the
// stream, from an output port to a linked input port.
type Token struct {
	id     uint64
	origin *port.OutputPort
	data   data.Data
	end    bool
}

func (t *Token) ID() uint64               { return t.id }
func (t *Token) Origin() *port.OutputPort { return t.origin }
func (t *Token) Data() data.Data          { return t.data }
func (t *Token) IsEndOfStream() bool      { return t.end }

func (t *Token) String() string {
	if t.end {
		return fmt.Sprintf("token#%d(%s, end)", t.id, t.origin)
	}
	return fmt.Sprintf("token#%d(%s, %s)", t.id, t.origin, t.data.Name())
}
