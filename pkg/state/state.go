// Package state implements the backed-state store: the CPU-side image of
// one conversation's recurrent state, and its round trip to/from a GPU
// batch lane and to/from disk.
package state

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
)

// BackedState owns one blob and knows how to move it to/from a batch lane.
type BackedState struct {
	Blob *modelbackend.StateBlob
}

// New returns a zero-initialized backed state for the given backend.
func New(backend modelbackend.Backend) *BackedState {
	return &BackedState{Blob: backend.NewState()}
}

// LoadTo writes this state's contents into batch lane i.
func (s *BackedState) LoadTo(batch modelbackend.Batch, lane int) error {
	return batch.LoadTo(lane, s.Blob)
}

// BackFrom replaces this state's contents with the contents of batch lane i.
func (s *BackedState) BackFrom(batch modelbackend.Batch, lane int) error {
	blob, err := batch.BackFrom(lane)
	if err != nil {
		return err
	}
	s.Blob = blob
	return nil
}

// Clone returns an independent deep copy.
func (s *BackedState) Clone() *BackedState {
	return &BackedState{Blob: s.Blob.Clone()}
}

// dumpRecord is the self-describing on-disk record. encoding/gob is chosen
// as the one ambient concern on the standard library: the schema is a
// small, closed, compile-time-known set of Go structs, so a general binary
// serialization framework would add schema-file ceremony this repo has no
// use for (see DESIGN.md).
type dumpRecord struct {
	Version modelbackend.Version
	Shape   []int
	Data    []float32
}

// Dump writes a self-describing record of this state to path.
func (s *BackedState) Dump(path string) error {
	rec := dumpRecord{Version: s.Blob.Version, Shape: s.Blob.Shape, Data: s.Blob.Data}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("state: encode dump: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("state: write dump %s: %w", path, err)
	}
	return nil
}

// Load reads a dump file back into a BackedState. Returned state is
// bit-exact with whatever produced the dump, per the round-trip invariant.
func Load(path string) (*BackedState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("state: read dump %s: %w", path, err)
	}
	var rec dumpRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("state: decode dump %s: %w", path, err)
	}
	return &BackedState{Blob: &modelbackend.StateBlob{Version: rec.Version, Shape: rec.Shape, Data: rec.Data}}, nil
}
