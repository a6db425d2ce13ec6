// Package plugins implements the built-in transformer/sampler/normalizer/
// terminal set: each plug-in is a small struct satisfying the pipeline
// capability interfaces, registered under a fixed type_id.
package plugins

import (
	"math"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
)

// PenaltyMode selects how a penalty is applied to a logit.
type PenaltyMode string

const (
	PenaltySubtract PenaltyMode = "subtract"
	PenaltyDivide   PenaltyMode = "divide"
)

func applyPenalty(logit, amount float32, mode PenaltyMode) float32 {
	switch mode {
	case PenaltyDivide:
		if amount == 0 {
			return logit
		}
		return logit / amount
	default:
		return logit - amount
	}
}

// globalPenalty applies a flat, ever-growing penalty to every token seen
// since the transformer was last cleared, translated from global_penalty.rs.
type globalPenalty struct {
	amount float32
	mode   PenaltyMode
	decay  float32
	counts map[uint16]float32
}

func newGlobalPenalty(params pipeline.Params) (pipeline.Transformer, error) {
	amount := floatParam(params, "amount", 1.0)
	decay := floatParam(params, "decay", 1.0)
	mode := PenaltyMode(stringParam(params, "mode", string(PenaltySubtract)))
	return &globalPenalty{amount: amount, mode: mode, decay: decay, counts: map[uint16]float32{}}, nil
}

func (g *globalPenalty) Update(tokens []uint16) error {
	for id := range g.counts {
		g.counts[id] *= g.decay
	}
	for _, t := range tokens {
		g.counts[t] += g.amount
	}
	return nil
}

func (g *globalPenalty) UpdatePrompt(tokens []uint16) error { return g.Update(tokens) }

func (g *globalPenalty) Transform(logits []float32) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	for id, penalty := range g.counts {
		if int(id) < len(out) {
			out[id] = applyPenalty(out[id], penalty, g.mode)
		}
	}
	return out
}

func (g *globalPenalty) Clear() { g.counts = map[uint16]float32{} }

func (g *globalPenalty) Clone() pipeline.Transformer {
	counts := make(map[uint16]float32, len(g.counts))
	for k, v := range g.counts {
		counts[k] = v
	}
	return &globalPenalty{amount: g.amount, mode: g.mode, decay: g.decay, counts: counts}
}

// slidingPenalty penalizes only tokens within the most recent window
// tokens, translated from sliding_penalty.rs.
type slidingPenalty struct {
	amount float32
	mode   PenaltyMode
	window int
	recent []uint16
}

func newSlidingPenalty(params pipeline.Params) (pipeline.Transformer, error) {
	amount := floatParam(params, "amount", 1.0)
	window := intParam(params, "window", 256)
	mode := PenaltyMode(stringParam(params, "mode", string(PenaltySubtract)))
	return &slidingPenalty{amount: amount, mode: mode, window: window}, nil
}

func (s *slidingPenalty) Update(tokens []uint16) error {
	s.recent = append(s.recent, tokens...)
	if len(s.recent) > s.window {
		s.recent = s.recent[len(s.recent)-s.window:]
	}
	return nil
}

func (s *slidingPenalty) UpdatePrompt(tokens []uint16) error { return s.Update(tokens) }

func (s *slidingPenalty) Transform(logits []float32) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	for _, id := range s.recent {
		if int(id) < len(out) {
			out[id] = applyPenalty(out[id], s.amount, s.mode)
		}
	}
	return out
}

func (s *slidingPenalty) Clear() { s.recent = nil }

func (s *slidingPenalty) Clone() pipeline.Transformer {
	recent := make([]uint16, len(s.recent))
	copy(recent, s.recent)
	return &slidingPenalty{amount: s.amount, mode: s.mode, window: s.window, recent: recent}
}

// disableTokens masks a fixed set of token ids to -Inf, translated from
// disable_tokens.rs.
type disableTokens struct {
	ids map[uint16]bool
}

func newDisableTokens(params pipeline.Params) (pipeline.Transformer, error) {
	ids := map[uint16]bool{}
	for _, v := range sliceParam(params, "ids") {
		ids[uint16(toInt(v))] = true
	}
	return &disableTokens{ids: ids}, nil
}

func (d *disableTokens) Update(tokens []uint16) error       { return nil }
func (d *disableTokens) UpdatePrompt(tokens []uint16) error { return nil }

func (d *disableTokens) Transform(logits []float32) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	for id := range d.ids {
		if int(id) < len(out) {
			out[id] = float32(math.Inf(-1))
		}
	}
	return out
}

func (d *disableTokens) Clear() {}

func (d *disableTokens) Clone() pipeline.Transformer {
	ids := make(map[uint16]bool, len(d.ids))
	for k := range d.ids {
		ids[k] = true
	}
	return &disableTokens{ids: ids}
}

// logitsCompressor divides every logit by a fixed temperature, translated
// from logits_compressor.rs.
type logitsCompressor struct {
	temperature float32
}

func newLogitsCompressor(params pipeline.Params) (pipeline.Transformer, error) {
	temp := floatParam(params, "temperature", 1.0)
	if temp <= 0 {
		temp = 1.0
	}
	return &logitsCompressor{temperature: temp}, nil
}

func (l *logitsCompressor) Update(tokens []uint16) error       { return nil }
func (l *logitsCompressor) UpdatePrompt(tokens []uint16) error { return nil }

func (l *logitsCompressor) Transform(logits []float32) []float32 {
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = v / l.temperature
	}
	return out
}

func (l *logitsCompressor) Clear() {}
func (l *logitsCompressor) Clone() pipeline.Transformer {
	return &logitsCompressor{temperature: l.temperature}
}

// tokenBudget exhausts once more than budget tokens have been fed to it,
// the cooperative-stop analog of a grammar constraint that runs out of
// valid continuations: both signal ErrExhaustion rather than failing.
type tokenBudget struct {
	budget int
	seen   int
}

func newTokenBudget(params pipeline.Params) (pipeline.Transformer, error) {
	budget := intParam(params, "budget", 0)
	return &tokenBudget{budget: budget}, nil
}

func (b *tokenBudget) Update(tokens []uint16) error {
	b.seen += len(tokens)
	if b.budget > 0 && b.seen > b.budget {
		return rwkverrors.ErrExhaustion
	}
	return nil
}

func (b *tokenBudget) UpdatePrompt(tokens []uint16) error { return b.Update(tokens) }

func (b *tokenBudget) Transform(logits []float32) []float32 { return logits }

func (b *tokenBudget) Clear() { b.seen = 0 }

func (b *tokenBudget) Clone() pipeline.Transformer {
	return &tokenBudget{budget: b.budget, seen: b.seen}
}

// RegisterTransformers wires the built-in transformer set into reg.
func RegisterTransformers(reg *pipeline.PluginRegistry) {
	reg.RegisterTransformer("global_penalty", newGlobalPenalty)
	reg.RegisterTransformer("sliding_penalty", newSlidingPenalty)
	reg.RegisterTransformer("disable_tokens", newDisableTokens)
	reg.RegisterTransformer("logits_compressor", newLogitsCompressor)
	reg.RegisterTransformer("token_budget", newTokenBudget)
}
