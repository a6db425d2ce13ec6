// Package e2e provides end-to-end test infrastructure for the inference
// server: a full in-process stack (registry, scheduler, ticket pool,
// softmax batcher, pipeline store, WebSocket hub) served on a random port.
package e2e

import (
	"fmt"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rwkvserver/pkg/commands"
	"github.com/codeready-toolchain/rwkvserver/pkg/dumpindex"
	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend/cpuref"
	pipelinepkg "github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline/plugins"
	"github.com/codeready-toolchain/rwkvserver/pkg/pipelinestore"
	"github.com/codeready-toolchain/rwkvserver/pkg/registry"
	"github.com/codeready-toolchain/rwkvserver/pkg/scheduler"
	"github.com/codeready-toolchain/rwkvserver/pkg/softmax"
	"github.com/codeready-toolchain/rwkvserver/pkg/ticket"
	"github.com/codeready-toolchain/rwkvserver/pkg/tokenizer"
	"github.com/codeready-toolchain/rwkvserver/pkg/wsapi"
)

// TestApp boots a complete inference server for e2e testing, wired
// in-process against the cpuref reference backend rather than a real GPU
// runtime.
type TestApp struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Tickets   *ticket.Pool
	Pipelines *pipelinestore.Store
	Plugins   *pipelinepkg.PluginRegistry
	Server    *commands.Server

	BaseURL string
	WSURL   string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	batchWidth     int
	maxConcurrency int
	vocabSize      int
	maxInferTokens int
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithBatchWidth sets the scheduler's fixed slot-pool width.
func WithBatchWidth(n int) TestAppOption {
	return func(c *testAppConfig) { c.batchWidth = n }
}

// WithMaxConcurrency sets the ticket pool's weighted-semaphore capacity.
func WithMaxConcurrency(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxConcurrency = n }
}

// NewTestApp creates and starts a full in-process server instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		batchWidth:     4,
		maxConcurrency: 4,
		vocabSize:      256,
		maxInferTokens: 64,
	}
	for _, opt := range opts {
		opt(tc)
	}

	backend := cpuref.New(cpuref.Config{
		Version:   modelbackend.VersionV5,
		StateSize: 64,
		VocabSize: tc.vocabSize,
	})

	tok, err := tokenizer.New("")
	require.NoError(t, err)

	reg := registry.New(backend)
	sched, err := scheduler.New(backend, reg, tc.batchWidth, slog.Default())
	require.NoError(t, err)
	go sched.Run()

	tickets := ticket.NewPool(sched, reg, int64(tc.maxConcurrency))
	batcher := softmax.New(backend, tc.maxConcurrency)

	pluginRegistry := pipelinepkg.NewPluginRegistry()
	plugins.RegisterAll(pluginRegistry, tok)

	pipelines := pipelinestore.New()

	dumpDir := t.TempDir()
	dumpIdx := dumpindex.NewMemoryIndex()

	server := &commands.Server{
		Registry:       reg,
		Scheduler:      sched,
		Tickets:        tickets,
		Pipelines:      pipelines,
		Plugins:        pluginRegistry,
		Tokenizer:      tok,
		Batcher:        batcher,
		DumpIndex:      dumpIdx,
		DumpDir:        dumpDir,
		DefaultTimeout: 5 * time.Second,
		MaxInferTokens: tc.maxInferTokens,
	}

	hub := wsapi.NewHub(server, int64(tc.maxConcurrency), slog.New(slog.NewTextHandler(os.Stderr, nil)))

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	wsapi.RegisterRoutes(engine, hub)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	httpServer := httptest.NewUnstartedServer(engine)
	httpServer.Listener.Close()
	httpServer.Listener = ln
	httpServer.Start()

	addr := ln.Addr().String()
	app := &TestApp{
		Registry:  reg,
		Scheduler: sched,
		Tickets:   tickets,
		Pipelines: pipelines,
		Plugins:   pluginRegistry,
		Server:    server,
		BaseURL:   httpServer.URL,
		WSURL:     fmt.Sprintf("ws://%s/ws", addr),
		t:         t,
	}

	t.Cleanup(func() {
		httpServer.Close()
		batcher.Stop()
		sched.Stop()
	})

	return app
}
