package executor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunningTask is a task holding a worker slot.
type RunningTask struct {
	Name  string    `json:"name"`
	Since time.Time `json:"since"`
}

// Pool bounds the number of tasks running at once across every step of a
// run and records which tasks hold a slot. A Pool of size 0 is unlimited.
// The zero value is not usable; call NewPool.
type Pool struct {
	slots chan struct{} // nil when unlimited

	mu      sync.Mutex
	running map[string]time.Time
}

// NewPool creates a pool with size slots; size <= 0 means unlimited.
func NewPool(size int) *Pool {
	p := &Pool{running: make(map[string]time.Time)}
	if size > 0 {
		p.slots = make(chan struct{}, size)
	}
	return p
}

// Acquire blocks until a slot is free and assigns it to the named task. It
// returns false if ctx is cancelled first.
func (p *Pool) Acquire(ctx context.Context, name string) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return false
		}
	}
	p.mu.Lock()
	p.running[name] = time.Now()
	p.mu.Unlock()
	return true
}

// Release frees the slot of the named task.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	delete(p.running, name)
	p.mu.Unlock()
	if p.slots != nil {
		<-p.slots
	}
}

// Size returns the number of slots, 0 meaning unlimited.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Running returns the tasks holding a slot, oldest first.
func (p *Pool) Running() []RunningTask {
	p.mu.Lock()
	out := make([]RunningTask, 0, len(p.running))
	for name, since := range p.running {
		out = append(out, RunningTask{Name: name, Since: since})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].Name < out[j].Name
	})
	return out
}
