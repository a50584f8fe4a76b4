package dataflow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/port"
)

// Router owns the managers of one run and forwards every emitted token to the
// managers of the linked consuming steps. Token ids are unique per router.
type Router struct {
	seq    atomic.Uint64
	logger *slog.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		managers: make(map[string]*Manager),
		logger:   logger.With("component", "router"),
	}
}

// Register adds m, keyed by its step id.
func (r *Router) Register(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := m.step.ID()
	if _, dup := r.managers[id]; dup {
		return fmt.Errorf("manager for step %q already registered", id)
	}
	r.managers[id] = m
	return nil
}

// Manager returns the manager of stepID.
func (r *Router) Manager(stepID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[stepID]
	return m, ok
}

// Managers returns every registered manager.
func (r *Router) Managers() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}

// NewToken creates a data token originating from origin.
func (r *Router) NewToken(origin *port.OutputPort, d data.Data) *Token {
	return &Token{id: r.seq.Add(1), origin: origin, data: d}
}

// NewEndToken creates the end-of-stream token of origin.
func (r *Router) NewEndToken(origin *port.OutputPort) *Token {
	return &Token{id: r.seq.Add(1), origin: origin, end: true}
}

// Emit sends d from origin to every linked input port.
func (r *Router) Emit(origin *port.OutputPort, d data.Data) error {
	return r.send(r.NewToken(origin, d))
}

// EmitEnd closes the stream of origin on every linked input port.
func (r *Router) EmitEnd(origin *port.OutputPort) error {
	return r.send(r.NewEndToken(origin))
}

func (r *Router) send(tok *Token) error {
	var errs []error
	for _, in := range tok.origin.Links() {
		m, ok := r.Manager(in.StepID())
		if !ok {
			errs = append(errs, fmt.Errorf("%s: no manager for step %q", tok, in.StepID()))
			continue
		}
		if err := m.PostToken(in.Name(), tok); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("token delivery failed", "token", tok.String(), "error", err)
		return err
	}
	return nil
}
