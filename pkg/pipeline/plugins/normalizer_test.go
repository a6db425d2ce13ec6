package plugins

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
)

func rowSum(row []float32) float32 {
	var sum float32
	for _, v := range row {
		sum += v
	}
	return sum
}

func TestCFGNormalizer_SingleRowJustSoftmaxes(t *testing.T) {
	norm, err := newCFGNormalizer(pipeline.Params{})
	require.NoError(t, err)

	out, err := norm.Normalize([][]float32{{1, 2, 3}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.InDelta(t, 1.0, rowSum(out[0]), 1e-5)
}

func TestCFGNormalizer_CombinesMainAndDynamicBranch(t *testing.T) {
	norm, err := newCFGNormalizer(pipeline.Params{"dynamic_weight": 1.0})
	require.NoError(t, err)

	// dynamic_weight=1.0 fully replaces main with the guidance branch.
	out, err := norm.Normalize([][]float32{{0, 0, 0}, {5, 0, 0}})
	require.NoError(t, err)
	require.Greater(t, out[0][0], out[0][1])
}

func TestCFGNormalizer_RejectsEmptyInput(t *testing.T) {
	norm, err := newCFGNormalizer(pipeline.Params{})
	require.NoError(t, err)

	_, err = norm.Normalize(nil)
	require.Error(t, err)
}

func TestCFGNormalizer_StaticWeightsAppliedInOrder(t *testing.T) {
	norm, err := newCFGNormalizer(pipeline.Params{
		"dynamic_weight": 0.0,
		"static_weights": []any{1.0},
	})
	require.NoError(t, err)

	out, err := norm.Normalize([][]float32{{0, 0}, {0, 0}, {9, 0}})
	require.NoError(t, err)
	require.Greater(t, out[0][0], out[0][1], "the one configured static branch must fully apply with weight 1.0")
}

func TestCFGNormalizer_CloneIsIndependent(t *testing.T) {
	norm, err := newCFGNormalizer(pipeline.Params{"dynamic_weight": 0.5})
	require.NoError(t, err)
	clone := norm.Clone()
	require.NotSame(t, norm, clone)
}
