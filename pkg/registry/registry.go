// Package registry implements the named-state registry: a concurrent map of
// session name to backed state, with the create/copy/dump/delete lifecycle
// and the id-uniqueness invariant.
package registry

import (
	"fmt"
	"sync"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
	"github.com/codeready-toolchain/rwkvserver/pkg/state"
)

// Syncer is implemented by the scheduler: before a deep copy or a dump, the
// registry must force any resident slot holding this id to write back to
// its backing blob first (I3 in the data model).
type Syncer interface {
	Sync(id string) error
}

// NamedState is the identity-bearing wrapper around a backing blob. Two
// NamedStates with the same id are considered the same conversation state;
// a shallow clone shares the *Backed pointer with its source, a deep clone
// does not.
type NamedState struct {
	ID     string
	Backed *state.BackedState
}

// Registry is the concurrent id -> NamedState store.
type Registry struct {
	mu      sync.RWMutex
	states  map[string]*NamedState
	backend modelbackend.Backend
	sync    Syncer
}

// New constructs an empty registry. SetSyncer must be called once the
// scheduler exists, since registry and scheduler have a circular
// dependency broken by this two-step wiring.
func New(backend modelbackend.Backend) *Registry {
	return &Registry{states: make(map[string]*NamedState), backend: backend}
}

// SetSyncer installs the scheduler's sync capability.
func (r *Registry) SetSyncer(s Syncer) { r.sync = s }

// Create inserts a fresh, zero-initialized NamedState under id.
func (r *Registry) Create(id string) (*NamedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[id]; ok {
		return nil, fmt.Errorf("registry: create %q: %w", id, rwkverrors.ErrAlreadyExists)
	}
	ns := &NamedState{ID: id, Backed: state.New(r.backend)}
	r.states[id] = ns
	return ns, nil
}

// LoadFromDump inserts a NamedState under id whose backing blob was read
// from a dump file.
func (r *Registry) LoadFromDump(id, path string) (*NamedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[id]; ok {
		return nil, fmt.Errorf("registry: load %q: %w", id, rwkverrors.ErrAlreadyExists)
	}
	backed, err := state.Load(path)
	if err != nil {
		return nil, err
	}
	ns := &NamedState{ID: id, Backed: backed}
	r.states[id] = ns
	return ns, nil
}

// Get returns the NamedState for id.
func (r *Registry) Get(id string) (*NamedState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.states[id]
	if !ok {
		return nil, fmt.Errorf("registry: get %q: %w", id, rwkverrors.ErrNotFound)
	}
	return ns, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.states[id]
	return ok
}

// Delete removes id from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[id]; !ok {
		return fmt.Errorf("registry: delete %q: %w", id, rwkverrors.ErrNotFound)
	}
	delete(r.states, id)
	return nil
}

// Copy clones src into a new NamedState under dst. A deep copy forces a
// sync of src first (so the copy can't observe stale bytes while src is
// resident in a slot); a shallow copy aliases the same backing blob.
func (r *Registry) Copy(src, dst string, shallow bool) (*NamedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	source, ok := r.states[src]
	if !ok {
		return nil, fmt.Errorf("registry: copy src %q: %w", src, rwkverrors.ErrNotFound)
	}
	if _, ok := r.states[dst]; ok {
		return nil, fmt.Errorf("registry: copy dst %q: %w", dst, rwkverrors.ErrAlreadyExists)
	}

	if !shallow {
		if r.sync != nil {
			if err := r.sync.Sync(src); err != nil {
				return nil, fmt.Errorf("registry: sync before deep copy: %w", err)
			}
		}
		ns := &NamedState{ID: dst, Backed: source.Backed.Clone()}
		r.states[dst] = ns
		return ns, nil
	}

	ns := &NamedState{ID: dst, Backed: source.Backed}
	r.states[dst] = ns
	return ns, nil
}

// Dump syncs id (so the dump reflects all accepted tokens, I3) then
// serializes its backing blob to path.
func (r *Registry) Dump(id, path string) error {
	r.mu.RLock()
	ns, ok := r.states[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: dump %q: %w", id, rwkverrors.ErrNotFound)
	}
	if r.sync != nil {
		if err := r.sync.Sync(id); err != nil {
			return fmt.Errorf("registry: sync before dump: %w", err)
		}
	}
	return ns.Backed.Dump(path)
}
