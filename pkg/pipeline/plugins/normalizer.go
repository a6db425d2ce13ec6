package plugins

import (
	"fmt"
	"math"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
)

// cfgNormalizer implements classifier-free guidance, translated from
// classifier_free_guidance.rs: combine a main row with one dynamic-weight
// branch row and k static-weight branch rows, then softmax each combined
// row independently.
type cfgNormalizer struct {
	dynamicWeight float32
	staticWeights []float32
}

func newCFGNormalizer(params pipeline.Params) (pipeline.Normalizer, error) {
	dynamic := floatParam(params, "dynamic_weight", 1.0)
	var static []float32
	for _, v := range sliceParam(params, "static_weights") {
		static = append(static, floatParam(map[string]any{"w": v}, "w", 1.0))
	}
	return &cfgNormalizer{dynamicWeight: dynamic, staticWeights: static}, nil
}

func (c *cfgNormalizer) Update(tokens []uint16) error { return nil }
func (c *cfgNormalizer) Clear()                       {}
func (c *cfgNormalizer) Clone() pipeline.Normalizer {
	static := make([]float32, len(c.staticWeights))
	copy(static, c.staticWeights)
	return &cfgNormalizer{dynamicWeight: c.dynamicWeight, staticWeights: static}
}

// Normalize expects row 0 to be the main branch and any further rows to be
// guidance branches (row 1 dynamic-weighted, rows 2.. static-weighted in
// order); rows beyond what weights are configured for are ignored.
func (c *cfgNormalizer) Normalize(logits [][]float32) ([][]float32, error) {
	if len(logits) == 0 {
		return nil, fmt.Errorf("plugins: cfg normalizer received no rows")
	}
	main := logits[0]
	combined := make([]float32, len(main))
	copy(combined, main)

	if len(logits) > 1 {
		addWeighted(combined, logits[1], c.dynamicWeight)
	}
	for i := 2; i < len(logits); i++ {
		wi := i - 2
		if wi >= len(c.staticWeights) {
			break
		}
		addWeighted(combined, logits[i], c.staticWeights[wi])
	}

	out := make([][]float32, len(logits))
	out[0] = softmaxRow(combined)
	for i := 1; i < len(logits); i++ {
		out[i] = softmaxRow(logits[i])
	}
	return out, nil
}

func addWeighted(dst, src []float32, weight float32) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] += weight * (src[i] - dst[i])
	}
}

func softmaxRow(row []float32) []float32 {
	out := make([]float32, len(row))
	if len(row) == 0 {
		return out
	}
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// RegisterNormalizers wires the built-in normalizer set into reg.
func RegisterNormalizers(reg *pipeline.PluginRegistry) {
	reg.RegisterNormalizer("classifier_free_guidance", newCFGNormalizer)
}
