package dumpindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryIndex_PutThenGet(t *testing.T) {
	idx := NewMemoryIndex()
	defer idx.Close()

	rec := Record{DumpID: "d1", Version: "v5", ByteSize: 1024, CreatedAt: time.Unix(0, 0)}
	require.NoError(t, idx.Put(context.Background(), rec))

	got, ok, err := idx.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)
}

func TestMemoryIndex_GetMissingReturnsFalse(t *testing.T) {
	idx := NewMemoryIndex()
	defer idx.Close()

	_, ok, err := idx.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIndex_PutOverwritesExistingRecord(t *testing.T) {
	idx := NewMemoryIndex()
	defer idx.Close()

	require.NoError(t, idx.Put(context.Background(), Record{DumpID: "d1", ByteSize: 1}))
	require.NoError(t, idx.Put(context.Background(), Record{DumpID: "d1", ByteSize: 2}))

	got, ok, err := idx.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), got.ByteSize)
}

func TestMemoryIndex_Delete(t *testing.T) {
	idx := NewMemoryIndex()
	defer idx.Close()

	require.NoError(t, idx.Put(context.Background(), Record{DumpID: "d1"}))
	require.NoError(t, idx.Delete(context.Background(), "d1"))

	_, ok, err := idx.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIndex_DeleteMissingIsNoOp(t *testing.T) {
	idx := NewMemoryIndex()
	defer idx.Close()

	require.NoError(t, idx.Delete(context.Background(), "missing"))
}
