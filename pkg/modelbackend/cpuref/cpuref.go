// Package cpuref is a deterministic, pure-Go stand-in for a real GPU-backed
// RWKV kernel. It implements the modelbackend.Backend contract closely
// enough to drive the scheduler, pipeline, and WS protocol end to end
// without CUDA, cgo, or a trained checkpoint. It is not a faithful RWKV
// implementation; it is a narrow, opaque surface, same spirit as a cgo
// binding over a native inference library, minus the native call.
package cpuref

import (
	"fmt"
	"math"
	"sync"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
)

// Config controls the reference backend's fabricated dimensions.
type Config struct {
	Version   modelbackend.Version
	StateSize int // number of float32 state cells per lane
	VocabSize int
}

type backend struct {
	cfg Config
}

// New constructs a reference backend. Any non-degenerate StateSize/VocabSize
// works; defaults are applied for zero values.
func New(cfg Config) modelbackend.Backend {
	if cfg.StateSize <= 0 {
		cfg.StateSize = 256
	}
	if cfg.VocabSize <= 0 {
		cfg.VocabSize = 2048
	}
	if cfg.Version == "" {
		cfg.Version = modelbackend.VersionV5
	}
	return &backend{cfg: cfg}
}

func (b *backend) NewState() *modelbackend.StateBlob {
	return &modelbackend.StateBlob{
		Version: b.cfg.Version,
		Shape:   []int{b.cfg.StateSize},
		Data:    make([]float32, b.cfg.StateSize),
	}
}

func (b *backend) VocabSize() int { return b.cfg.VocabSize }

func (b *backend) NewBatch(width int) (modelbackend.Batch, error) {
	lanes := make([]*modelbackend.StateBlob, width)
	return &batch{version: b.cfg.Version, stateSize: b.cfg.StateSize, vocab: b.cfg.VocabSize, lanes: lanes}, nil
}

type batch struct {
	mu        sync.RWMutex
	version   modelbackend.Version
	stateSize int
	vocab     int
	lanes     []*modelbackend.StateBlob
}

func (bt *batch) Width() int                    { return len(bt.lanes) }
func (bt *batch) Version() modelbackend.Version { return bt.version }

func (bt *batch) LoadTo(i int, blob *modelbackend.StateBlob) error {
	if blob.Version != bt.version {
		return modelbackend.ErrVersionMismatch
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if i < 0 || i >= len(bt.lanes) {
		return fmt.Errorf("cpuref: lane %d out of range", i)
	}
	bt.lanes[i] = blob.Clone()
	return nil
}

func (bt *batch) BackFrom(i int) (*modelbackend.StateBlob, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if i < 0 || i >= len(bt.lanes) {
		return nil, fmt.Errorf("cpuref: lane %d out of range", i)
	}
	if bt.lanes[i] == nil {
		return nil, fmt.Errorf("cpuref: lane %d is empty", i)
	}
	return bt.lanes[i].Clone(), nil
}

// Infer runs one deterministic "batched step": each lane's recurrent state
// accumulates a running mix of its recent tokens, and when a lane's queued
// tokens are exhausted for this call it emits logits derived from the
// updated state. The transform is intentionally simple and reproducible so
// tests can assert exact outputs; it is not meant to resemble real RWKV math.
func (b *backend) Infer(bt modelbackend.Batch, tokensPerLane map[int][]uint16) (map[int][]float32, error) {
	cb, ok := bt.(*batch)
	if !ok {
		return nil, fmt.Errorf("cpuref: foreign batch type")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[int][]float32, len(tokensPerLane))
	for lane, tokens := range tokensPerLane {
		if lane < 0 || lane >= len(cb.lanes) || cb.lanes[lane] == nil {
			return nil, fmt.Errorf("cpuref: lane %d not resident", lane)
		}
		state := cb.lanes[lane]
		for _, tok := range tokens {
			mixToken(state.Data, tok)
		}
		out[lane] = logitsFromState(state.Data, b.cfg.VocabSize)
	}
	return out, nil
}

func (b *backend) Softmax(rows [][]float32) [][]float32 {
	result := make([][]float32, len(rows))
	for i, row := range rows {
		result[i] = softmaxRow(row)
	}
	return result
}

func mixToken(state []float32, tok uint16) {
	n := len(state)
	if n == 0 {
		return
	}
	decay := float32(0.9)
	for i := range state {
		state[i] *= decay
	}
	state[int(tok)%n] += 1.0
}

func logitsFromState(state []float32, vocab int) []float32 {
	logits := make([]float32, vocab)
	n := len(state)
	if n == 0 {
		return logits
	}
	for v := 0; v < vocab; v++ {
		logits[v] = state[v%n]
	}
	return logits
}

func softmaxRow(row []float32) []float32 {
	out := make([]float32, len(row))
	if len(row) == 0 {
		return out
	}
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
