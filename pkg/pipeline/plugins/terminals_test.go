package plugins

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
)

func TestLengthedTerminal_StopsAtMaxTokens(t *testing.T) {
	term, err := newLengthedTerminal(pipeline.Params{"max_tokens": 3})
	require.NoError(t, err)

	stop, err := term.Terminate(nil, 2)
	require.NoError(t, err)
	require.False(t, stop)

	stop, err = term.Terminate(nil, 3)
	require.NoError(t, err)
	require.True(t, stop)
}

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(s string) []uint16  { return nil }
func (fakeTokenizer) Decode(toks []uint16) string {
	out := make([]byte, len(toks))
	for i, tok := range toks {
		out[i] = byte(tok)
	}
	return string(out)
}

func TestUntilTerminal_StopsOnceSubstringDecoded(t *testing.T) {
	ctor := NewUntilTerminal(fakeTokenizer{})
	term, err := ctor(pipeline.Params{"substring": "STOP", "min_tokens": 0.0})
	require.NoError(t, err)

	tokens := []uint16{'S', 'T', 'O', 'P'}
	stop, err := term.Terminate(tokens, len(tokens))
	require.NoError(t, err)
	require.True(t, stop)
}

func TestUntilTerminal_RespectsMinTokenFloor(t *testing.T) {
	ctor := NewUntilTerminal(fakeTokenizer{})
	term, err := ctor(pipeline.Params{"substring": "S", "min_tokens": 5.0})
	require.NoError(t, err)

	stop, err := term.Terminate([]uint16{'S'}, 1)
	require.NoError(t, err)
	require.False(t, stop, "min_tokens floor must suppress an otherwise-matching substring")
}

func TestUntilTerminal_EmptySubstringNeverStops(t *testing.T) {
	ctor := NewUntilTerminal(fakeTokenizer{})
	term, err := ctor(pipeline.Params{})
	require.NoError(t, err)

	stop, err := term.Terminate([]uint16{'a'}, 100)
	require.NoError(t, err)
	require.False(t, stop)
}
