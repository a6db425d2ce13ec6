package plugins

import (
	"strings"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
	"github.com/codeready-toolchain/rwkvserver/pkg/tokenizer"
)

// lengthedTerminal stops after a fixed token count, translated from
// lengthed.rs.
type lengthedTerminal struct {
	max int
}

func newLengthedTerminal(params pipeline.Params) (pipeline.Terminal, error) {
	return &lengthedTerminal{max: intParam(params, "max_tokens", 256)}, nil
}

func (l *lengthedTerminal) Terminate(outputTokens []uint16, count int) (bool, error) {
	return count >= l.max, nil
}
func (l *lengthedTerminal) Clear()                  {}
func (l *lengthedTerminal) Clone() pipeline.Terminal { return &lengthedTerminal{max: l.max} }

// untilTerminal stops once the decoded output contains a configured
// substring, with an optional minimum token floor, translated from
// until.rs.
type untilTerminal struct {
	tok       tokenizer.Tokenizer
	substring string
	minTokens int
}

// NewUntilTerminal is exported (unlike the other constructors) because it
// needs a tokenizer instance injected at server wiring time, not decodable
// from the plain params map alone.
func NewUntilTerminal(tok tokenizer.Tokenizer) func(pipeline.Params) (pipeline.Terminal, error) {
	return func(params pipeline.Params) (pipeline.Terminal, error) {
		return &untilTerminal{
			tok:       tok,
			substring: stringParam(params, "substring", ""),
			minTokens: intParam(params, "min_tokens", 0),
		}, nil
	}
}

func (u *untilTerminal) Terminate(outputTokens []uint16, count int) (bool, error) {
	if count < u.minTokens {
		return false, nil
	}
	if u.substring == "" {
		return false, nil
	}
	decoded := u.tok.Decode(outputTokens)
	return strings.Contains(decoded, u.substring), nil
}

func (u *untilTerminal) Clear() {}
func (u *untilTerminal) Clone() pipeline.Terminal {
	return &untilTerminal{tok: u.tok, substring: u.substring, minTokens: u.minTokens}
}

// RegisterTerminals wires the built-in terminal set into reg. until needs
// a tokenizer, so tok is handed to NewUntilTerminal here.
func RegisterTerminals(reg *pipeline.PluginRegistry, tok tokenizer.Tokenizer) {
	reg.RegisterTerminal("lengthed", newLengthedTerminal)
	reg.RegisterTerminal("until", NewUntilTerminal(tok))
}

// RegisterAll wires every built-in plug-in into reg.
func RegisterAll(reg *pipeline.PluginRegistry, tok tokenizer.Tokenizer) {
	RegisterTransformers(reg)
	RegisterSamplers(reg)
	RegisterNormalizers(reg)
	RegisterTerminals(reg, tok)
}
