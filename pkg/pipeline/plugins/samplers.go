package plugins

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
)

// nucleusSampler implements top-p (nucleus) sampling, translated from
// nucleus.rs: keep the smallest prefix of the sorted probability
// distribution whose cumulative mass reaches p, renormalize, sample.
type nucleusSampler struct {
	p           float32
	temperature float32
}

func newNucleusSampler(params pipeline.Params) (pipeline.Sampler, error) {
	p := floatParam(params, "top_p", 0.9)
	temp := floatParam(params, "temperature", 1.0)
	if temp <= 0 {
		temp = 1.0
	}
	return &nucleusSampler{p: p, temperature: temp}, nil
}

func (n *nucleusSampler) Update(tokens []uint16) error { return nil }
func (n *nucleusSampler) Clear()                       {}
func (n *nucleusSampler) Clone() pipeline.Sampler       { return &nucleusSampler{p: n.p, temperature: n.temperature} }

func (n *nucleusSampler) Sample(probs [][]float32) (uint16, error) {
	if len(probs) == 0 {
		return 0, fmt.Errorf("plugins: nucleus sampler received no rows")
	}
	row := probs[0]
	type idxProb struct {
		id   uint16
		prob float32
	}
	sorted := make([]idxProb, len(row))
	for i, v := range row {
		sorted[i] = idxProb{id: uint16(i), prob: v}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].prob != sorted[j].prob {
			return sorted[i].prob > sorted[j].prob
		}
		return sorted[i].id < sorted[j].id
	})

	var cum float32
	cutoff := len(sorted)
	for i, ip := range sorted {
		cum += ip.prob
		if cum >= n.p {
			cutoff = i + 1
			break
		}
	}
	candidates := sorted[:cutoff]

	var total float32
	for _, c := range candidates {
		total += c.prob
	}
	if total == 0 {
		return candidates[0].id, nil
	}
	r := rand.Float32() * total
	var acc float32
	for _, c := range candidates {
		acc += c.prob
		if r <= acc {
			return c.id, nil
		}
	}
	return candidates[len(candidates)-1].id, nil
}

// typicalSampler implements locally typical sampling, translated from
// typical.rs: keep tokens whose surprisal is closest to the distribution's
// entropy until cumulative mass reaches mass.
type typicalSampler struct {
	mass float32
}

func newTypicalSampler(params pipeline.Params) (pipeline.Sampler, error) {
	return &typicalSampler{mass: floatParam(params, "mass", 0.95)}, nil
}

func (t *typicalSampler) Update(tokens []uint16) error { return nil }
func (t *typicalSampler) Clear()                       {}
func (t *typicalSampler) Clone() pipeline.Sampler       { return &typicalSampler{mass: t.mass} }

func (t *typicalSampler) Sample(probs [][]float32) (uint16, error) {
	if len(probs) == 0 {
		return 0, fmt.Errorf("plugins: typical sampler received no rows")
	}
	row := probs[0]
	entropy := float32(0)
	for _, p := range row {
		if p > 0 {
			entropy -= p * log2(p)
		}
	}
	type scored struct {
		id     uint16
		prob   float32
		surdev float32
	}
	items := make([]scored, len(row))
	for i, p := range row {
		var surprisal float32
		if p > 0 {
			surprisal = -log2(p)
		}
		diff := surprisal - entropy
		if diff < 0 {
			diff = -diff
		}
		items[i] = scored{id: uint16(i), prob: p, surdev: diff}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].surdev != items[j].surdev {
			return items[i].surdev < items[j].surdev
		}
		return items[i].id < items[j].id
	})

	var cum float32
	cutoff := len(items)
	for i, it := range items {
		cum += it.prob
		if cum >= t.mass {
			cutoff = i + 1
			break
		}
	}
	candidates := items[:cutoff]
	var total float32
	for _, c := range candidates {
		total += c.prob
	}
	if total == 0 {
		return candidates[0].id, nil
	}
	r := rand.Float32() * total
	var acc float32
	for _, c := range candidates {
		acc += c.prob
		if r <= acc {
			return c.id, nil
		}
	}
	return candidates[len(candidates)-1].id, nil
}

func log2(x float32) float32 {
	return float32(math.Log2(float64(x)))
}

// RegisterSamplers wires the built-in sampler set into reg.
func RegisterSamplers(reg *pipeline.PluginRegistry) {
	reg.RegisterSampler("nucleus", newNucleusSampler)
	reg.RegisterSampler("typical", newTypicalSampler)
}
