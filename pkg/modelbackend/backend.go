// Package modelbackend defines the opaque contract between the scheduler
// and whatever actually executes the recurrent model. The scheduler never
// reaches past this interface: no GPU kernel, tensor library, or CUDA
// binding appears above this boundary.
package modelbackend

import "errors"

// ErrVersionMismatch is returned when a state blob's version tag disagrees
// with the batch's configured model version.
var ErrVersionMismatch = errors.New("modelbackend: state version mismatch")

// Version tags the model family/generation a state blob belongs to.
type Version string

const (
	VersionV4 Version = "v4"
	VersionV5 Version = "v5"
)

// StateBlob is the opaque, serializable CPU-side image of one conversation's
// recurrent state. Its internal shape is backend-specific; callers only
// round-trip it through LoadTo/BackFrom and dump/load.
type StateBlob struct {
	Version Version
	Shape   []int
	Data    []float32
}

// Clone returns a deep, independent copy of the blob.
func (b *StateBlob) Clone() *StateBlob {
	shape := make([]int, len(b.Shape))
	copy(shape, b.Shape)
	data := make([]float32, len(b.Data))
	copy(data, b.Data)
	return &StateBlob{Version: b.Version, Shape: shape, Data: data}
}

// Batch is the backend's resident, fixed-width GPU (or reference CPU) batch.
// Slot index i corresponds to the i-th lane of the batched model.
type Batch interface {
	// LoadTo materializes blob at lane i, replacing whatever was there.
	LoadTo(i int, blob *StateBlob) error
	// BackFrom reads lane i back into a fresh StateBlob.
	BackFrom(i int) (*StateBlob, error)
	// Width is the number of lanes (BATCH).
	Width() int
	// Version is the model version this batch was constructed for.
	Version() Version
}

// Backend constructs batches, runs the batched step function, and performs
// batched softmax. It is the sole extension point for a real GPU model.
type Backend interface {
	// NewBatch allocates a fresh, all-empty batch of the given width.
	NewBatch(width int) (Batch, error)
	// NewState returns a zero-initialized state blob sized for this model.
	NewState() *StateBlob
	// Infer consumes some or all of tokensPerLane; for any lane whose chunk
	// is exhausted it returns that lane's last-token logits. Lanes with no
	// tokens this call are left untouched and absent from the result.
	Infer(batch Batch, tokensPerLane map[int][]uint16) (logitsPerLane map[int][]float32, err error)
	// Softmax runs probability normalization over a batch of logit rows.
	Softmax(rows [][]float32) [][]float32
	// VocabSize reports the model's output vocabulary width.
	VocabSize() int
}
