// Package pipelinestore is the named-pipeline registry: an RWMutex map of
// pipeline id to *pipeline.Pipeline, the same id -> value-under-RWMutex
// shape as pkg/registry, plus an exclusive per-pipeline lock held for the
// duration of one in-flight generation so no command can mutate a
// pipeline's plug-ins mid-generation.
package pipelinestore

import (
	"fmt"
	"sync"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
)

type entry struct {
	pipeline *pipeline.Pipeline
	genMu    sync.Mutex
}

// Store is the concurrent id -> *pipeline.Pipeline map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Create registers p under p.ID.
func (s *Store) Create(p *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[p.ID]; ok {
		return fmt.Errorf("pipelinestore: create %q: %w", p.ID, rwkverrors.ErrAlreadyExists)
	}
	s.entries[p.ID] = &entry{pipeline: p}
	return nil
}

// Get returns the pipeline registered under id.
func (s *Store) Get(id string) (*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("pipelinestore: get %q: %w", id, rwkverrors.ErrNotFound)
	}
	return e.pipeline, nil
}

// Copy clones src's pipeline under a new id.
func (s *Store) Copy(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.entries[src]
	if !ok {
		return fmt.Errorf("pipelinestore: copy src %q: %w", src, rwkverrors.ErrNotFound)
	}
	if _, ok := s.entries[dst]; ok {
		return fmt.Errorf("pipelinestore: copy dst %q: %w", dst, rwkverrors.ErrAlreadyExists)
	}
	s.entries[dst] = &entry{pipeline: source.pipeline.Clone(dst)}
	return nil
}

// Delete removes id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("pipelinestore: delete %q: %w", id, rwkverrors.ErrNotFound)
	}
	delete(s.entries, id)
	return nil
}

// Reset clears every plug-in in id's pipeline (distinct from the
// generation loop's post-Exhaustion Reset: this is an explicit
// reset_pipeline command, always clearing every component regardless of
// ResetSetting).
func (s *Store) Reset(id string) error {
	e, err := s.getEntry(id)
	if err != nil {
		return err
	}
	e.genMu.Lock()
	defer e.genMu.Unlock()
	for _, row := range e.pipeline.Transformers {
		for _, t := range row {
			t.Clear()
		}
	}
	e.pipeline.Sampler.Clear()
	if e.pipeline.Normalizer != nil {
		e.pipeline.Normalizer.Clear()
	}
	e.pipeline.Terminal.Clear()
	return nil
}

// WithExclusive runs fn while holding id's per-pipeline exclusive lock,
// preventing concurrent modify_pipeline/reset_pipeline calls from racing an
// in-flight generation.
func (s *Store) WithExclusive(id string, fn func(*pipeline.Pipeline) error) error {
	e, err := s.getEntry(id)
	if err != nil {
		return err
	}
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return fn(e.pipeline)
}

func (s *Store) getEntry(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("pipelinestore: %q: %w", id, rwkverrors.ErrNotFound)
	}
	return e, nil
}
