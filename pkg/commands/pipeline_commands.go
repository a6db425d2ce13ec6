package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
)

type pluginSpec struct {
	TypeID string               `json:"type_id"`
	Params pipeline.Params      `json:"params,omitempty"`
}

type createPipelineReq struct {
	ID            string         `json:"id"`
	Transformers  [][]pluginSpec `json:"transformers"`
	Sampler       pluginSpec     `json:"sampler"`
	Terminal      pluginSpec     `json:"terminal"`
	Normalizer    *pluginSpec    `json:"normalizer,omitempty"`
	InitialPrompt [][]uint16     `json:"initial_prompt,omitempty"`
}

func handleCreatePipeline(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var req createPipelineReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	transformers := make([][]pipeline.Transformer, len(req.Transformers))
	for i, row := range req.Transformers {
		built := make([]pipeline.Transformer, len(row))
		for j, spec := range row {
			t, err := s.Plugins.NewTransformer(spec.TypeID, spec.Params)
			if err != nil {
				return nil, fmt.Errorf("transformer[%d][%d]: %w", i, j, err)
			}
			built[j] = t
		}
		transformers[i] = built
	}

	sampler, err := s.Plugins.NewSampler(req.Sampler.TypeID, req.Sampler.Params)
	if err != nil {
		return nil, fmt.Errorf("sampler: %w", err)
	}
	terminal, err := s.Plugins.NewTerminal(req.Terminal.TypeID, req.Terminal.Params)
	if err != nil {
		return nil, fmt.Errorf("terminal: %w", err)
	}
	var normalizer pipeline.Normalizer
	if req.Normalizer != nil {
		normalizer, err = s.Plugins.NewNormalizer(req.Normalizer.TypeID, req.Normalizer.Params)
		if err != nil {
			return nil, fmt.Errorf("normalizer: %w", err)
		}
	}

	transformerCounts := make([]int, len(transformers))
	for i, row := range transformers {
		transformerCounts[i] = len(row)
	}

	p := &pipeline.Pipeline{
		ID:           req.ID,
		Transformers: transformers,
		Sampler:      sampler,
		Normalizer:   normalizer,
		Terminal:     terminal,
		ResetSetting: pipeline.DefaultUpdateSetting(transformerCounts),
	}

	if req.InitialPrompt != nil {
		// A transformer that exhausts while reading the initial prompt is
		// cleared instead of failing pipeline creation.
		for i, row := range transformers {
			for j, t := range row {
				err := t.UpdatePrompt(req.InitialPrompt[i])
				if errors.Is(err, rwkverrors.ErrExhaustion) {
					t.Clear()
				} else if err != nil {
					return nil, fmt.Errorf("initial_prompt: transformer[%d][%d]: %w", i, j, err)
				}
			}
		}
	}

	if err := s.Pipelines.Create(p); err != nil {
		return nil, err
	}
	return nil, nil
}

type copyPipelineReq struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func handleCopyPipeline(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var req copyPipelineReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return nil, s.Pipelines.Copy(req.Source, req.Destination)
}

func handleDeletePipeline(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return nil, s.Pipelines.Delete(id)
}

func handleResetPipeline(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return nil, s.Pipelines.Reset(id)
}

// modification is a tagged union: exactly one of the four action fields is
// populated per entry.
type modification struct {
	ReplaceTransformer *struct {
		TypeID           string          `json:"type_id"`
		Params           pipeline.Params `json:"params,omitempty"`
		StateIndex       int             `json:"state_index"`
		TransformerIndex int             `json:"transformer_index"`
	} `json:"replace_transformer,omitempty"`
	ReplaceSampler *pluginSpec `json:"replace_sampler,omitempty"`
	ReplaceTerminal *pluginSpec `json:"replace_terminal,omitempty"`
	DeleteTransformer *struct {
		StateIndex       int `json:"state_index"`
		TransformerIndex int `json:"transformer_index"`
	} `json:"delete_transformer,omitempty"`
}

type modifyPipelineReq struct {
	PipelineID    string         `json:"pipeline_id"`
	Modifications []modification `json:"modifications"`
}

func handleModifyPipeline(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var req modifyPipelineReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return nil, s.Pipelines.WithExclusive(req.PipelineID, func(p *pipeline.Pipeline) error {
		for _, mod := range req.Modifications {
			switch {
			case mod.ReplaceTransformer != nil:
				m := mod.ReplaceTransformer
				t, err := s.Plugins.NewTransformer(m.TypeID, m.Params)
				if err != nil {
					return err
				}
				if m.StateIndex >= len(p.Transformers) || m.TransformerIndex >= len(p.Transformers[m.StateIndex]) {
					return fmt.Errorf("modify_pipeline: replace_transformer index out of range")
				}
				p.Transformers[m.StateIndex][m.TransformerIndex] = t
			case mod.ReplaceSampler != nil:
				sampler, err := s.Plugins.NewSampler(mod.ReplaceSampler.TypeID, mod.ReplaceSampler.Params)
				if err != nil {
					return err
				}
				p.Sampler = sampler
			case mod.ReplaceTerminal != nil:
				terminal, err := s.Plugins.NewTerminal(mod.ReplaceTerminal.TypeID, mod.ReplaceTerminal.Params)
				if err != nil {
					return err
				}
				p.Terminal = terminal
			case mod.DeleteTransformer != nil:
				m := mod.DeleteTransformer
				if m.StateIndex >= len(p.Transformers) || m.TransformerIndex >= len(p.Transformers[m.StateIndex]) {
					return fmt.Errorf("modify_pipeline: delete_transformer index out of range")
				}
				row := p.Transformers[m.StateIndex]
				p.Transformers[m.StateIndex] = append(row[:m.TransformerIndex], row[m.TransformerIndex+1:]...)
			default:
				return fmt.Errorf("modify_pipeline: empty modification entry")
			}
		}
		return nil
	})
}
