package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend/cpuref"
)

func testBackend() modelbackend.Backend {
	return cpuref.New(cpuref.Config{Version: modelbackend.VersionV5, StateSize: 8, VocabSize: 16})
}

func TestClone_IsIndependent(t *testing.T) {
	s := New(testBackend())
	s.Blob.Data[0] = 1

	clone := s.Clone()
	clone.Blob.Data[0] = 2

	require.NotEqual(t, s.Blob.Data[0], clone.Blob.Data[0])
}

func TestLoadToAndBackFrom_RoundTrips(t *testing.T) {
	backend := testBackend()
	batch, err := backend.NewBatch(2)
	require.NoError(t, err)

	s := New(backend)
	s.Blob.Data[3] = 9

	require.NoError(t, s.LoadTo(batch, 0))

	other := New(backend)
	require.NoError(t, other.BackFrom(batch, 0))
	require.Equal(t, s.Blob.Data, other.Blob.Data)
}

func TestDumpAndLoad_RoundTripIsBitExact(t *testing.T) {
	s := New(testBackend())
	for i := range s.Blob.Data {
		s.Blob.Data[i] = float32(i) * 1.5
	}

	path := t.TempDir() + "/state.bin"
	require.NoError(t, s.Dump(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, s.Blob.Version, loaded.Blob.Version)
	require.Equal(t, s.Blob.Shape, loaded.Blob.Shape)
	require.Equal(t, s.Blob.Data, loaded.Blob.Data)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(t.TempDir() + "/does-not-exist.bin")
	require.Error(t, err)
}
