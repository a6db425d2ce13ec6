package softmax

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend/cpuref"
)

func testBackend() modelbackend.Backend {
	return cpuref.New(cpuref.Config{Version: modelbackend.VersionV5, StateSize: 4, VocabSize: 4})
}

func TestAwait_NormalizesASingleRow(t *testing.T) {
	b := New(testBackend(), 8)
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := b.Await(ctx, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	var sum float32
	for _, v := range out {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}

func TestAwait_ConcurrentCallsAllGetDistinctResults(t *testing.T) {
	b := New(testBackend(), 4)
	defer b.Stop()

	const n = 16
	results := make([][]float32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			row := []float32{float32(i), 0, 0, 0}
			out, err := b.Await(ctx, row)
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	for i, row := range results {
		require.Lenf(t, row, 4, "result %d missing", i)
		if i > 0 {
			// Row i has logit i at index 0, so its probability there grows with i.
			require.Greaterf(t, row[0], results[i-1][0], "result %d is not the softmax of its own row", i)
		}
	}
}

func TestAwait_ContextCancellationUnblocksCaller(t *testing.T) {
	b := New(testBackend(), 8)
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Await(ctx, []float32{1, 2, 3, 4})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBlocking_ReturnsNormalizedRow(t *testing.T) {
	b := New(testBackend(), 8)
	defer b.Stop()

	out := b.Blocking([]float32{0, 0, 0, 0})
	require.Len(t, out, 4)
	for _, v := range out {
		require.InDelta(t, 0.25, v, 1e-5)
	}
}

func TestStop_IsIdempotentAndWaitsForWorker(t *testing.T) {
	b := New(testBackend(), 8)
	b.Stop()
	require.NotPanics(t, b.Stop)
}
