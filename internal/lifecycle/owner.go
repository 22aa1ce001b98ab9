// Package lifecycle owns the supervised backend for the application's
// lifetime and guarantees it is stopped exactly once.
package lifecycle

import (
	"errors"
	"sync"

	"github.com/mattjoyce/sidecar/internal/supervisor"
)

// ErrNotReady is returned by Port until the backend is Ready.
var ErrNotReady = errors.New("backend not ready yet")

// Backend is the handle the owner manages. *supervisor.Supervisor satisfies it.
type Backend interface {
	Port() (uint16, bool)
	State() supervisor.State
	Stop() error
}

// Owner holds at most one backend. The lock guards only reading and
// swapping the handle; Stop runs outside it.
type Owner struct {
	mu      sync.Mutex
	backend Backend
	onStop  func(Backend)
}

// New returns an empty owner. onStop, if set, runs after each handle the
// owner stops.
func New(onStop func(Backend)) *Owner {
	return &Owner{onStop: onStop}
}

// Adopt installs b, stopping any previous handle first.
func (o *Owner) Adopt(b Backend) error {
	o.mu.Lock()
	prev := o.backend
	o.backend = b
	o.mu.Unlock()

	if prev != nil && prev != b {
		return o.stop(prev)
	}
	return nil
}

// Port returns the negotiated port, or ErrNotReady.
func (o *Owner) Port() (uint16, error) {
	o.mu.Lock()
	b := o.backend
	o.mu.Unlock()

	if b == nil {
		return 0, ErrNotReady
	}
	port, ready := b.Port()
	if !ready {
		return 0, ErrNotReady
	}
	return port, nil
}

// State returns the backend state, or Idle when nothing is held.
func (o *Owner) State() supervisor.State {
	o.mu.Lock()
	b := o.backend
	o.mu.Unlock()

	if b == nil {
		return supervisor.StateIdle
	}
	return b.State()
}

// Stop releases and stops the held backend. Concurrent and repeated calls
// are safe; only the first caller that finds a handle stops it.
func (o *Owner) Stop() error {
	o.mu.Lock()
	b := o.backend
	o.backend = nil
	o.mu.Unlock()

	if b == nil {
		return nil
	}
	return o.stop(b)
}

// Close is Stop, for use with defer.
func (o *Owner) Close() error {
	return o.Stop()
}

func (o *Owner) stop(b Backend) error {
	err := b.Stop()
	if o.onStop != nil {
		o.onStop(b)
	}
	return err
}
