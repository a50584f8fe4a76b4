package server

import (
	"log/slog"
	"sync"

	"github.com/me/pipeflow/internal/workflow"
)

// clientBuffer is the number of state events queued per stream client.
const clientBuffer = 64

// Broker fans the state transitions of one workflow out to event stream
// clients. A client that falls behind loses events rather than blocking the
// step that changes state.
type Broker struct {
	mu          sync.Mutex
	clients     map[chan workflow.StateEvent]struct{}
	closed      bool
	unsubscribe func()
	logger      *slog.Logger
}

// NewBroker subscribes a broker to wf.
func NewBroker(wf *workflow.Workflow, logger *slog.Logger) *Broker {
	b := &Broker{
		clients: make(map[chan workflow.StateEvent]struct{}),
		logger:  logger,
	}
	b.unsubscribe = wf.Subscribe(b.publish)
	return b
}

func (b *Broker) publish(ev workflow.StateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("sse client lagging, event dropped", "step_id", ev.StepID, "to", ev.To)
		}
	}
}

// Subscribe registers a client. The channel is closed when the broker closes
// or the returned cancel function is called.
func (b *Broker) Subscribe() (<-chan workflow.StateEvent, func()) {
	ch := make(chan workflow.StateEvent, clientBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[ch]; ok {
			delete(b.clients, ch)
			close(ch)
		}
	}
}

// Clients returns the number of subscribed clients.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close detaches the broker from the workflow and closes every client.
func (b *Broker) Close() {
	b.unsubscribe()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}
