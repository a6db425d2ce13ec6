// Package pipeline implements the sample pipeline: per-session composition
// of transformers, an optional normalizer, a sampler, and a terminal, plus
// the update/reset/generation-loop protocol. Capability dispatch uses a
// closed registry mapping a type_id to a constructor, avoiding an
// open-ended virtual hierarchy.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
)

// Transformer mutates raw logits for one state row: repetition penalties,
// token masks, grammar constraints.
type Transformer interface {
	Update(tokens []uint16) error
	UpdatePrompt(tokens []uint16) error
	Transform(logits []float32) []float32
	Clear()
	Clone() Transformer
}

// Sampler picks one token id from normalized probability rows.
type Sampler interface {
	Update(tokens []uint16) error
	Sample(probs [][]float32) (uint16, error)
	Clear()
	Clone() Sampler
}

// Normalizer turns raw per-row logits into probability rows, optionally
// combining multiple rows (e.g. classifier-free guidance).
type Normalizer interface {
	Update(tokens []uint16) error
	Normalize(logits [][]float32) ([][]float32, error)
	Clear()
	Clone() Normalizer
}

// Terminal decides whether generation should stop.
type Terminal interface {
	Terminate(outputTokens []uint16, count int) (bool, error)
	Clear()
	Clone() Terminal
}

// UpdateSetting selects which components receive a given update call.
// Missing/absent indices default to true ("update all").
type UpdateSetting struct {
	Transformers [][]bool // [state][transformer] -> update this one?
	Sampler      bool
	Normalizer   bool
}

// DefaultUpdateSetting returns an all-true setting shaped for n states with
// the given transformer counts.
func DefaultUpdateSetting(transformerCounts []int) UpdateSetting {
	rows := make([][]bool, len(transformerCounts))
	for i, n := range transformerCounts {
		row := make([]bool, n)
		for j := range row {
			row[j] = true
		}
		rows[i] = row
	}
	return UpdateSetting{Transformers: rows, Sampler: true, Normalizer: true}
}

// Pipeline owns a rectangular matrix of transformers (rows = states),
// exactly one sampler, one terminal, and optionally one normalizer.
type Pipeline struct {
	ID           string
	Transformers [][]Transformer
	Sampler      Sampler
	Normalizer   Normalizer // nil => per-row softmax via the batcher
	Terminal     Terminal
	ResetSetting UpdateSetting
}

// Clone returns an independent deep copy of the whole pipeline: mutating
// the clone's plug-ins never affects the original's sampling.
func (p *Pipeline) Clone(newID string) *Pipeline {
	rows := make([][]Transformer, len(p.Transformers))
	for i, row := range p.Transformers {
		cloned := make([]Transformer, len(row))
		for j, t := range row {
			cloned[j] = t.Clone()
		}
		rows[i] = cloned
	}
	var norm Normalizer
	if p.Normalizer != nil {
		norm = p.Normalizer.Clone()
	}
	return &Pipeline{
		ID:           newID,
		Transformers: rows,
		Sampler:      p.Sampler.Clone(),
		Normalizer:   norm,
		Terminal:     p.Terminal.Clone(),
		ResetSetting: p.ResetSetting,
	}
}

// NumStates reports N.
func (p *Pipeline) NumStates() int { return len(p.Transformers) }

// UpdatePrompt feeds the prompt tokens to every component selected by
// setting. A transformer's Exhaustion during prompt ingestion is a hard
// error: prompt exhaustion is usually a configuration bug, not a stop
// condition.
func (p *Pipeline) UpdatePrompt(tokensPerState [][]uint16, setting UpdateSetting) error {
	for i, row := range p.Transformers {
		for j, t := range row {
			if !settingBool(setting.Transformers, i, j) {
				continue
			}
			if err := t.UpdatePrompt(tokensPerState[i]); err != nil {
				return fmt.Errorf("pipeline: transformer[%d][%d] update_prompt: %w", i, j, err)
			}
		}
	}
	if setting.Sampler {
		if err := p.Sampler.Update(flatten(tokensPerState)); err != nil {
			if errors.Is(err, rwkverrors.ErrExhaustion) {
				return fmt.Errorf("pipeline: sampler exhausted during prompt: %w", err)
			}
			return fmt.Errorf("pipeline: sampler update_prompt: %w", err)
		}
	}
	if setting.Normalizer && p.Normalizer != nil {
		if err := p.Normalizer.Update(flatten(tokensPerState)); err != nil {
			if errors.Is(err, rwkverrors.ErrExhaustion) {
				return fmt.Errorf("pipeline: normalizer exhausted during prompt: %w", err)
			}
			return fmt.Errorf("pipeline: normalizer update_prompt: %w", err)
		}
	}
	return nil
}

// UpdateAuto feeds autoregressive step tokens. Exhaustion here is returned
// as-is (errors.Is(err, rwkverrors.ErrExhaustion) true) so the caller can
// treat it as a cooperative stop rather than a failure.
func (p *Pipeline) UpdateAuto(tokensPerState [][]uint16, setting UpdateSetting) error {
	for i, row := range p.Transformers {
		for j, t := range row {
			if !settingBool(setting.Transformers, i, j) {
				continue
			}
			if err := t.Update(tokensPerState[i]); err != nil {
				return err
			}
		}
	}
	if setting.Sampler {
		if err := p.Sampler.Update(flatten(tokensPerState)); err != nil {
			return err
		}
	}
	if setting.Normalizer && p.Normalizer != nil {
		if err := p.Normalizer.Update(flatten(tokensPerState)); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears every component selected by p.ResetSetting, used after a
// cooperative-stop Exhaustion during autoregression.
func (p *Pipeline) Reset() {
	for i, row := range p.Transformers {
		for j, t := range row {
			if settingBool(p.ResetSetting.Transformers, i, j) {
				t.Clear()
			}
		}
	}
	if p.ResetSetting.Sampler {
		p.Sampler.Clear()
	}
	if p.ResetSetting.Normalizer && p.Normalizer != nil {
		p.Normalizer.Clear()
	}
}

func settingBool(rows [][]bool, i, j int) bool {
	if i >= len(rows) || j >= len(rows[i]) {
		return true
	}
	return rows[i][j]
}

func flatten(tokensPerState [][]uint16) []uint16 {
	var out []uint16
	for _, toks := range tokensPerState {
		out = append(out, toks...)
	}
	return out
}
