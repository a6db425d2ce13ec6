package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
)

type inferReq struct {
	Tokens            [][]uint16 `json:"tokens"`
	States            []string   `json:"states"`
	Pipeline          string     `json:"pipeline"`
	UpdatePrompt      *bool      `json:"update_prompt,omitempty"`
	ResetOnExhaustion *bool      `json:"reset_on_exhaustion,omitempty"`
	TimeoutMs         int        `json:"timeout,omitempty"`
}

type inferResp struct {
	PromptTokens    int    `json:"prompt_tokens"`
	InferredTokens  int    `json:"inferred_tokens"`
	Result          string `json:"result"`
	LastToken       uint16 `json:"last_token"`
	EndReason       string `json:"end_reason"`
}

func handleInfer(ctx context.Context, s *Server, data json.RawMessage) (any, error) {
	var req inferReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if len(req.Tokens) != len(req.States) {
		return nil, fmt.Errorf("infer: tokens/states length mismatch")
	}

	p, err := s.Pipelines.Get(req.Pipeline)
	if err != nil {
		return nil, err
	}

	timeout := s.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	tkt, err := s.Tickets.Create(ctx, req.States, timeout)
	if err != nil {
		return nil, err
	}
	defer tkt.Close()

	promptLen := 0
	for _, toks := range req.Tokens {
		promptLen += len(toks)
	}

	transformerCounts := make([]int, p.NumStates())
	for i, row := range p.Transformers {
		transformerCounts[i] = len(row)
	}
	updateSetting := pipeline.DefaultUpdateSetting(transformerCounts)
	if req.UpdatePrompt != nil && !*req.UpdatePrompt {
		updateSetting = pipeline.UpdateSetting{}
	}
	resetOnExhaustion := true
	if req.ResetOnExhaustion != nil {
		resetOnExhaustion = *req.ResetOnExhaustion
	}

	var result *pipeline.Result
	err = s.Pipelines.WithExclusive(req.Pipeline, func(locked *pipeline.Pipeline) error {
		var genErr error
		result, genErr = locked.Generate(ctx, tkt, req.Tokens, updateSetting, resetOnExhaustion, s.MaxInferTokens, s.Batcher)
		return genErr
	})
	if err != nil {
		return nil, err
	}

	return inferResp{
		PromptTokens:   promptLen,
		InferredTokens: len(result.OutputTokens),
		Result:         s.Tokenizer.Decode(result.OutputTokens),
		LastToken:      result.LastToken,
		EndReason:      string(result.EndReason),
	}, nil
}
