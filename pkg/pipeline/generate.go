package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
	"github.com/codeready-toolchain/rwkvserver/pkg/softmax"
	"github.com/codeready-toolchain/rwkvserver/pkg/ticket"
)

// EndReason names why a generation loop stopped.
type EndReason string

const (
	EndByTerminal   EndReason = "by_terminal"
	EndByEOS        EndReason = "by_eos"
	EndByMaxTokens  EndReason = "by_max_tokens"
	EndByExhaustion EndReason = "by_exhaustion"
)

const eosToken uint16 = 0

// Result is the outcome of one full generation.
type Result struct {
	LastToken    uint16
	OutputTokens []uint16
	EndReason    EndReason
}

// Generate runs the full prompt-ingestion + autoregressive loop against an
// already-reserved ticket.
func (p *Pipeline) Generate(
	ctx context.Context,
	tkt *ticket.Ticket,
	promptTokens [][]uint16,
	updateSetting UpdateSetting,
	resetOnExhaustion bool,
	maxTokens int,
	batcher *softmax.Batcher,
) (*Result, error) {
	if err := p.UpdatePrompt(promptTokens, updateSetting); err != nil {
		return nil, err
	}

	logits, err := tkt.Infer(ctx, promptTokens)
	if err != nil {
		return nil, fmt.Errorf("pipeline: prompt infer: %w", err)
	}
	last, err := p.sample(logits, batcher)
	if err != nil {
		return nil, err
	}
	out := []uint16{last}

	for {
		stop, err := p.Terminal.Terminate(out, len(out))
		if err != nil {
			return nil, fmt.Errorf("pipeline: terminal: %w", err)
		}
		if stop {
			return &Result{LastToken: last, OutputTokens: out, EndReason: EndByTerminal}, nil
		}
		if last == eosToken {
			return &Result{LastToken: last, OutputTokens: out, EndReason: EndByEOS}, nil
		}
		if maxTokens > 0 && len(out) >= maxTokens {
			return &Result{LastToken: last, OutputTokens: out, EndReason: EndByMaxTokens}, nil
		}

		stepTokens := make([][]uint16, p.NumStates())
		for i := range stepTokens {
			stepTokens[i] = []uint16{last}
		}

		// updateSetting governs the prompt update only; every component
		// receives the autoregressive step tokens.
		if err := p.UpdateAuto(stepTokens, UpdateSetting{Sampler: true, Normalizer: true}); err != nil {
			if errors.Is(err, rwkverrors.ErrExhaustion) {
				if resetOnExhaustion {
					p.Reset()
				}
				return &Result{LastToken: last, OutputTokens: out, EndReason: EndByExhaustion}, nil
			}
			return nil, fmt.Errorf("pipeline: autoregressive update: %w", err)
		}

		logits, err = tkt.Infer(ctx, stepTokens)
		if err != nil {
			return nil, fmt.Errorf("pipeline: step infer: %w", err)
		}
		last, err = p.sample(logits, batcher)
		if err != nil {
			return nil, err
		}
		out = append(out, last)
	}
}

// sample folds each row's transformers over its logits (one goroutine per
// row), normalizes (via the pipeline's normalizer or, failing that, the
// softmax batcher), and asks the sampler for one token shared by every
// state in the next step.
func (p *Pipeline) sample(logitsPerState [][]float32, batcher *softmax.Batcher) (uint16, error) {
	rows := make([][]float32, len(logitsPerState))
	var wg sync.WaitGroup
	for i, row := range logitsPerState {
		wg.Add(1)
		go func(i int, row []float32) {
			defer wg.Done()
			transformed := row
			for _, t := range p.Transformers[i] {
				transformed = t.Transform(transformed)
			}
			rows[i] = transformed
		}(i, row)
	}
	wg.Wait()

	var probs [][]float32
	if p.Normalizer != nil {
		var err error
		probs, err = p.Normalizer.Normalize(rows)
		if err != nil {
			return 0, fmt.Errorf("pipeline: normalize: %w", err)
		}
	} else {
		probs = make([][]float32, len(rows))
		for i, row := range rows {
			probs[i] = batcher.Blocking(row)
		}
	}

	tok, err := p.Sampler.Sample(probs)
	if err != nil {
		return 0, fmt.Errorf("pipeline: sample: %w", err)
	}
	return tok, nil
}
