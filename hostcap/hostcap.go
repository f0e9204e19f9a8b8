package hostcap

import (
	"context"
	"fmt"
	"sync"
)

// Func is a single host capability callable from sandboxed code. Arguments
// arrive as decoded JSON; the return value is encoded back to the guest.
// Errors are delivered to the guest as error values, never as faults.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry holds the fixed function set a module may call back into the
// host. The kernel builds one base registry at startup and clones it per
// instance with request-scoped capabilities bound in.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

// All returns a copy of the registered function map.
func (r *Registry) All() map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Func, len(r.funcs))
	for name, fn := range r.funcs {
		out[name] = fn
	}
	return out
}

// Clone returns an independent registry with the same functions, used to
// layer request-scoped capabilities over the process-wide base set.
func (r *Registry) Clone() *Registry {
	return &Registry{funcs: r.All()}
}

// HostCallError wraps a failure of the capability itself (backing store
// unreachable, bad descriptor), as opposed to bad guest arguments. It is
// returned to the calling module as a typed error value.
type HostCallError struct {
	Capability string
	Err        error
}

func (e *HostCallError) Error() string {
	return fmt.Sprintf("host call %s: %v", e.Capability, e.Err)
}

func (e *HostCallError) Unwrap() error { return e.Err }
