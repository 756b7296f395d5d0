package domain

import (
	"context"
	"sync"
)

// State is the progress marker of a compile request.
type State string

const (
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateFinished   State = "finished"
	StateError      State = "error"
)

// Terminal reports whether no further updates follow this state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError
}

// Update is one progress notification: a state and the output available at that point.
type Update struct {
	State  State  `json:"state"`
	Output string `json:"output"`
}

// updateBuffer bounds how many updates a Compilation holds for a slow reader.
// One slot is always kept free for the terminal update.
const updateBuffer = 8

// Compilation is the asynchronous result of one compile call.
// It delivers zero or more progress updates followed by exactly one terminal update.
// Producers never block, so a Compilation nobody reads does not leak its goroutine.
type Compilation struct {
	mu       sync.Mutex
	updates  chan Update
	done     chan struct{}
	resolved bool
	final    Update
}

// NewCompilation returns an unresolved Compilation.
func NewCompilation() *Compilation {
	return &Compilation{
		updates: make(chan Update, updateBuffer),
		done:    make(chan struct{}),
	}
}

// Report records a progress update. Terminal states resolve the Compilation.
// Progress updates past the buffer, or after resolution, are dropped.
func (c *Compilation) Report(state State, output string) {
	if state.Terminal() {
		c.Resolve(state, output)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved || len(c.updates) >= cap(c.updates)-1 {
		return
	}
	c.updates <- Update{State: state, Output: output}
}

// Resolve delivers the terminal update and closes the update stream.
// Only the first call has an effect; it reports whether it won.
func (c *Compilation) Resolve(state State, output string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	c.final = Update{State: state, Output: output}
	c.updates <- c.final
	close(c.updates)
	close(c.done)
	return true
}

// Updates streams every update in order. The channel closes after the terminal one.
func (c *Compilation) Updates() <-chan Update {
	return c.updates
}

// Done is closed once the terminal update is available.
func (c *Compilation) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the Compilation resolves or ctx ends.
// Giving up on the wait does not cancel the request itself.
func (c *Compilation) Wait(ctx context.Context) (Update, error) {
	select {
	case <-c.done:
		return c.final, nil
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}

// OnUpdate calls fn for every update in order, from its own goroutine.
// The last call carries the terminal state.
func (c *Compilation) OnUpdate(fn func(Update)) {
	go func() {
		for u := range c.updates {
			fn(u)
		}
	}()
}
