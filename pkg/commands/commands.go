// Package commands implements the wsapi.Dispatcher, wiring together the
// registry, scheduler, ticket pool, pipeline store, and dump index behind a
// string-keyed command table.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/rwkvserver/pkg/dumpindex"
	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
	"github.com/codeready-toolchain/rwkvserver/pkg/pipelinestore"
	"github.com/codeready-toolchain/rwkvserver/pkg/registry"
	"github.com/codeready-toolchain/rwkvserver/pkg/scheduler"
	"github.com/codeready-toolchain/rwkvserver/pkg/softmax"
	"github.com/codeready-toolchain/rwkvserver/pkg/ticket"
	"github.com/codeready-toolchain/rwkvserver/pkg/tokenizer"
)

// Server holds every domain capability the command table dispatches into.
type Server struct {
	Registry       *registry.Registry
	Scheduler      *scheduler.Scheduler
	Tickets        *ticket.Pool
	Pipelines      *pipelinestore.Store
	Plugins        *pipeline.PluginRegistry
	Tokenizer      tokenizer.Tokenizer
	Batcher        *softmax.Batcher
	DumpIndex      dumpindex.Index
	DumpDir        string
	DefaultTimeout time.Duration
	MaxInferTokens int
}

type handlerFunc func(ctx context.Context, s *Server, data json.RawMessage) (any, error)

var table = map[string]handlerFunc{
	"echo":             handleEcho,
	"create_state":     handleCreateState,
	"copy_state":       handleCopyState,
	"delete_state":     handleDeleteState,
	"update_state":     handleUpdateState,
	"dump_state":       handleDumpState,
	"delete_dump":      handleDeleteDump,
	"create_pipeline":  handleCreatePipeline,
	"copy_pipeline":    handleCopyPipeline,
	"delete_pipeline":  handleDeletePipeline,
	"reset_pipeline":   handleResetPipeline,
	"modify_pipeline":  handleModifyPipeline,
	"infer":            handleInfer,
}

// Dispatch resolves command against the fixed table and decodes data into
// that handler's expected shape.
func (s *Server) Dispatch(ctx context.Context, command string, data json.RawMessage) (any, error) {
	handler, ok := table[command]
	if !ok {
		return nil, fmt.Errorf("commands: unknown command %q", command)
	}
	return handler(ctx, s, data)
}

func handleEcho(_ context.Context, _ *Server, data json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type createStateReq struct {
	ID     string `json:"id"`
	DumpID string `json:"dump_id,omitempty"`
}

func handleCreateState(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var req createStateReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.DumpID != "" {
		_, err := s.Registry.LoadFromDump(req.ID, s.dumpPath(req.DumpID))
		return nil, err
	}
	_, err := s.Registry.Create(req.ID)
	return nil, err
}

type copyStateReq struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Shallow     bool   `json:"shallow"`
}

func handleCopyState(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var req copyStateReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	_, err := s.Registry.Copy(req.Source, req.Destination, req.Shallow)
	return nil, err
}

func handleDeleteState(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return nil, s.Registry.Delete(id)
}

type updateStateReq struct {
	States    []string   `json:"states"`
	Tokens    [][]uint16 `json:"tokens"`
	ProbsDist []uint16   `json:"probs_dist,omitempty"`
}

type updateStateResp struct {
	Probs map[string]map[uint16]float32 `json:"probs,omitempty"`
}

// handleUpdateState feeds tokens into named states with no sampling,
// reserving a throwaway ticket just long enough to run one infer step.
// probs_dist, if set, is resolved against every state's own logits, not
// just the last one.
func handleUpdateState(ctx context.Context, s *Server, data json.RawMessage) (any, error) {
	var req updateStateReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	tkt, err := s.Tickets.Create(ctx, req.States, s.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	defer tkt.Close()

	logits, err := tkt.Infer(ctx, req.Tokens)
	if err != nil {
		return nil, err
	}
	if len(req.ProbsDist) == 0 {
		return nil, nil
	}
	out := make(map[string]map[uint16]float32, len(req.States))
	for i, stateID := range req.States {
		probs := s.Batcher.Blocking(logits[i])
		row := make(map[uint16]float32, len(req.ProbsDist))
		for _, id := range req.ProbsDist {
			if int(id) < len(probs) {
				row[id] = probs[id]
			}
		}
		out[stateID] = row
	}
	return updateStateResp{Probs: out}, nil
}

type dumpStateReq struct {
	StateID string `json:"state_id"`
	DumpID  string `json:"dump_id,omitempty"`
}

type dumpStateResp struct {
	DumpID string `json:"dump_id"`
}

// handleDumpState generates a dump id when the caller doesn't supply one,
// so repeated dumps of the same state never collide on disk.
func handleDumpState(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var req dumpStateReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.DumpID == "" {
		req.DumpID = uuid.NewString()
	}
	path := s.dumpPath(req.DumpID)
	if err := s.Registry.Dump(req.StateID, path); err != nil {
		return nil, err
	}
	if s.DumpIndex != nil {
		if info, err := os.Stat(path); err == nil {
			rec := dumpindex.Record{DumpID: req.DumpID, ByteSize: info.Size(), CreatedAt: time.Now()}
			if ns, err := s.Registry.Get(req.StateID); err == nil {
				rec.Version = string(ns.Backed.Blob.Version)
			}
			_ = s.DumpIndex.Put(context.Background(), rec)
		}
	}
	return dumpStateResp{DumpID: req.DumpID}, nil
}

func handleDeleteDump(_ context.Context, s *Server, data json.RawMessage) (any, error) {
	var dumpID string
	if err := json.Unmarshal(data, &dumpID); err != nil {
		return nil, err
	}
	if err := os.Remove(s.dumpPath(dumpID)); err != nil {
		return nil, err
	}
	if s.DumpIndex != nil {
		_ = s.DumpIndex.Delete(context.Background(), dumpID)
	}
	return nil, nil
}

func (s *Server) dumpPath(dumpID string) string {
	return filepath.Join(s.DumpDir, dumpID+".dump")
}
