package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
)

type fakeTransformer struct {
	updates    [][]uint16
	promptErr  error
	updateErr  error
	cleared    int
	cloneCount int
}

func (f *fakeTransformer) Update(tokens []uint16) error {
	f.updates = append(f.updates, tokens)
	return f.updateErr
}
func (f *fakeTransformer) UpdatePrompt(tokens []uint16) error {
	f.updates = append(f.updates, tokens)
	return f.promptErr
}
func (f *fakeTransformer) Transform(logits []float32) []float32 { return logits }
func (f *fakeTransformer) Clear()                                { f.cleared++ }
func (f *fakeTransformer) Clone() Transformer {
	f.cloneCount++
	return &fakeTransformer{}
}

type fakeSampler struct {
	updateErr error
	cleared   int
}

func (f *fakeSampler) Update(tokens []uint16) error          { return f.updateErr }
func (f *fakeSampler) Sample(probs [][]float32) (uint16, error) { return 0, nil }
func (f *fakeSampler) Clear()                                 { f.cleared++ }
func (f *fakeSampler) Clone() Sampler                          { return &fakeSampler{} }

type fakeTerminal struct{ cleared int }

func (f *fakeTerminal) Terminate(outputTokens []uint16, count int) (bool, error) { return false, nil }
func (f *fakeTerminal) Clear()                                                    { f.cleared++ }
func (f *fakeTerminal) Clone() Terminal                                           { return &fakeTerminal{} }

func newTestPipeline() (*Pipeline, *fakeTransformer, *fakeSampler, *fakeTerminal) {
	tr := &fakeTransformer{}
	sampler := &fakeSampler{}
	term := &fakeTerminal{}
	p := &Pipeline{
		ID:           "p",
		Transformers: [][]Transformer{{tr}},
		Sampler:      sampler,
		Terminal:     term,
		ResetSetting: DefaultUpdateSetting([]int{1}),
	}
	return p, tr, sampler, term
}

func TestUpdatePrompt_FeedsEveryComponent(t *testing.T) {
	p, tr, _, _ := newTestPipeline()
	setting := DefaultUpdateSetting([]int{1})

	err := p.UpdatePrompt([][]uint16{{1, 2, 3}}, setting)
	require.NoError(t, err)
	require.Equal(t, [][]uint16{{1, 2, 3}}, tr.updates)
}

func TestUpdatePrompt_TransformerExhaustionIsHardError(t *testing.T) {
	p, tr, _, _ := newTestPipeline()
	tr.promptErr = rwkverrors.ErrExhaustion
	setting := DefaultUpdateSetting([]int{1})

	err := p.UpdatePrompt([][]uint16{{1}}, setting)
	require.Error(t, err)
	require.ErrorIs(t, err, rwkverrors.ErrExhaustion)
}

func TestUpdateAuto_ExhaustionIsReturnedAsIs(t *testing.T) {
	p, tr, _, _ := newTestPipeline()
	tr.updateErr = rwkverrors.ErrExhaustion
	setting := DefaultUpdateSetting([]int{1})

	err := p.UpdateAuto([][]uint16{{1}}, setting)
	require.ErrorIs(t, err, rwkverrors.ErrExhaustion)
}

func TestUpdate_SkipsComponentsNotSelected(t *testing.T) {
	p, tr, _, _ := newTestPipeline()
	setting := UpdateSetting{Transformers: [][]bool{{false}}, Sampler: false, Normalizer: false}

	err := p.UpdateAuto([][]uint16{{1}}, setting)
	require.NoError(t, err)
	require.Empty(t, tr.updates, "a transformer explicitly deselected must not receive the update")
}

func TestReset_ClearsOnlySelectedComponents(t *testing.T) {
	p, tr, sampler, term := newTestPipeline()
	p.ResetSetting = UpdateSetting{Transformers: [][]bool{{true}}, Sampler: false, Normalizer: false}

	p.Reset()
	require.Equal(t, 1, tr.cleared)
	require.Equal(t, 0, sampler.cleared)
	require.Equal(t, 0, term.cleared, "Reset() does not touch the terminal; only Transformers/Sampler/Normalizer are governed by ResetSetting")
}

func TestClone_ProducesIndependentComponents(t *testing.T) {
	p, tr, _, _ := newTestPipeline()

	clone := p.Clone("clone-id")
	require.Equal(t, "clone-id", clone.ID)
	require.Equal(t, 1, tr.cloneCount)
	require.NotSame(t, p.Transformers[0][0], clone.Transformers[0][0])
	require.NotSame(t, p.Sampler, clone.Sampler)
	require.NotSame(t, p.Terminal, clone.Terminal)
}

func TestNumStates_ReportsTransformerRowCount(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	require.Equal(t, 1, p.NumStates())
}

func TestDefaultUpdateSetting_AllTrue(t *testing.T) {
	setting := DefaultUpdateSetting([]int{2, 1})
	require.True(t, setting.Sampler)
	require.True(t, setting.Normalizer)
	require.Equal(t, [][]bool{{true, true}, {true}}, setting.Transformers)
}
