package cpuref

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
)

func TestInfer_IsDeterministicGivenSameTokenHistory(t *testing.T) {
	b := New(Config{Version: modelbackend.VersionV5, StateSize: 8, VocabSize: 16})
	batch, err := b.NewBatch(2)
	require.NoError(t, err)

	require.NoError(t, batch.LoadTo(0, b.NewState()))
	require.NoError(t, batch.LoadTo(1, b.NewState()))

	out1, err := b.Infer(batch, map[int][]uint16{0: {1, 2, 3}, 1: {1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, out1[0], out1[1], "two lanes fed identical token histories must produce identical logits")
}

func TestInfer_RejectsUnresidentLane(t *testing.T) {
	b := New(Config{Version: modelbackend.VersionV5, StateSize: 4, VocabSize: 8})
	batch, err := b.NewBatch(1)
	require.NoError(t, err)

	_, err = b.Infer(batch, map[int][]uint16{0: {1}})
	require.Error(t, err)
}

func TestLoadTo_RejectsVersionMismatch(t *testing.T) {
	b := New(Config{Version: modelbackend.VersionV5, StateSize: 4, VocabSize: 8})
	batch, err := b.NewBatch(1)
	require.NoError(t, err)

	foreign := &modelbackend.StateBlob{Version: modelbackend.VersionV4, Shape: []int{4}, Data: make([]float32, 4)}
	err = batch.LoadTo(0, foreign)
	require.ErrorIs(t, err, modelbackend.ErrVersionMismatch)
}

func TestBackFrom_EmptyLaneErrors(t *testing.T) {
	b := New(Config{Version: modelbackend.VersionV5, StateSize: 4, VocabSize: 8})
	batch, err := b.NewBatch(1)
	require.NoError(t, err)

	_, err = batch.BackFrom(0)
	require.Error(t, err)
}

func TestSoftmax_RowsSumToOne(t *testing.T) {
	b := New(Config{Version: modelbackend.VersionV5, StateSize: 4, VocabSize: 4})
	rows := b.Softmax([][]float32{{1, 2, 3, 4}, {0, 0, 0, 0}})

	for _, row := range rows {
		var sum float32
		for _, v := range row {
			sum += v
		}
		require.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestStateBlob_CloneIsIndependent(t *testing.T) {
	b := New(Config{Version: modelbackend.VersionV5, StateSize: 4, VocabSize: 8})
	blob := b.NewState()
	blob.Data[0] = 1

	clone := blob.Clone()
	clone.Data[0] = 2
	require.NotEqual(t, blob.Data[0], clone.Data[0])
}
