package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_EmptyPathYieldsByteOnlyTokenizer(t *testing.T) {
	tok, err := New("")
	require.NoError(t, err)

	toks := tok.Encode("hi")
	require.Equal(t, []uint16{'h', 'i'}, toks)
	require.Equal(t, "hi", tok.Decode(toks))
}

func TestNew_MissingFileYieldsByteOnlyTokenizer(t *testing.T) {
	tok, err := New(filepath.Join(t.TempDir(), "does-not-exist.vocab"))
	require.NoError(t, err)

	require.Equal(t, "x", tok.Decode(tok.Encode("x")))
}

func TestEncode_AppliesLowestRankMergeFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	writeVocab(t, path, "MERGE 104 105 256\n")

	tok, err := New(path)
	require.NoError(t, err)

	toks := tok.Encode("hi")
	require.Equal(t, []uint16{256}, toks)
}

func TestDecode_RoundTripsThroughMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	writeVocab(t, path, "MERGE 104 105 256\n")

	tok, err := New(path)
	require.NoError(t, err)

	require.Equal(t, "hi", tok.Decode([]uint16{256}))
}

func TestEncode_IgnoresCommentsAndBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	writeVocab(t, path, "# a comment\n\nMERGE 97 98 256\n")

	tok, err := New(path)
	require.NoError(t, err)

	require.Equal(t, []uint16{256}, tok.Encode("ab"))
}

func writeVocab(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
