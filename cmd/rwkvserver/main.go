// rwkvserver is the CLI entrypoint: parses flags, loads configuration,
// wires the domain services, and serves the WebSocket API until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/rwkvserver/pkg/commands"
	"github.com/codeready-toolchain/rwkvserver/pkg/config"
	"github.com/codeready-toolchain/rwkvserver/pkg/dumpindex"
	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend/cpuref"
	"github.com/codeready-toolchain/rwkvserver/pkg/pipeline/plugins"
	"github.com/codeready-toolchain/rwkvserver/pkg/pipelinestore"
	"github.com/codeready-toolchain/rwkvserver/pkg/registry"
	"github.com/codeready-toolchain/rwkvserver/pkg/scheduler"
	"github.com/codeready-toolchain/rwkvserver/pkg/softmax"
	"github.com/codeready-toolchain/rwkvserver/pkg/ticket"
	"github.com/codeready-toolchain/rwkvserver/pkg/tokenizer"
	"github.com/codeready-toolchain/rwkvserver/pkg/wsapi"

	pipelinepkg "github.com/codeready-toolchain/rwkvserver/pkg/pipeline"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	workerCount := flag.Int("tokio-worker-count", 8, "GOMAXPROCS for the server, bounding how many per-row pipeline transforms run at once")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: rwkvserver [--tokio-worker-count=N] <config.toml> [address] [port]")
		os.Exit(1)
	}
	configPath := args[0]
	address := "127.0.0.1"
	if len(args) > 1 {
		address = args[1]
	}
	port := "5678"
	if len(args) > 2 {
		port = args[2]
	}

	if err := godotenv.Load(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "error", err)
	}

	runtime.GOMAXPROCS(*workerCount)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	backend := cpuref.New(cpuref.Config{
		Version:   modelbackend.VersionV5,
		StateSize: cfg.Model.MaxStateSize,
		VocabSize: 2048,
	})

	tok, err := tokenizer.New(cfg.Tokenizer.Path)
	if err != nil {
		slog.Error("failed to load tokenizer", "error", err)
		os.Exit(1)
	}

	reg := registry.New(backend)
	sched, err := scheduler.New(backend, reg, cfg.Model.MaxBatchCount, slog.Default())
	if err != nil {
		slog.Error("failed to construct scheduler", "error", err)
		os.Exit(1)
	}
	go sched.Run()
	defer sched.Stop()

	tickets := ticket.NewPool(sched, reg, int64(cfg.Model.MaxConcurrency))
	batcher := softmax.New(backend, cfg.Model.MaxConcurrency)
	defer batcher.Stop()

	pluginRegistry := pipelinepkg.NewPluginRegistry()
	plugins.RegisterAll(pluginRegistry, tok)

	pipelines := pipelinestore.New()

	if err := os.MkdirAll(cfg.Axum.StateDump, 0o755); err != nil {
		slog.Error("failed to create state dump directory", "error", err)
		os.Exit(1)
	}

	var dumpIdx dumpindex.Index = dumpindex.NewMemoryIndex()
	if cfg.DumpIndex != nil && cfg.DumpIndex.DSN != "" {
		if err := dumpindex.Migrate(cfg.DumpIndex.DSN); err != nil {
			slog.Error("failed to migrate dump index schema", "error", err)
			os.Exit(1)
		}
		pgIdx, err := dumpindex.NewPostgresIndex(context.Background(), cfg.DumpIndex.DSN)
		if err != nil {
			slog.Error("failed to connect dump index", "error", err)
			os.Exit(1)
		}
		dumpIdx = pgIdx
	}
	defer dumpIdx.Close()

	server := &commands.Server{
		Registry:       reg,
		Scheduler:      sched,
		Tickets:        tickets,
		Pipelines:      pipelines,
		Plugins:        pluginRegistry,
		Tokenizer:      tok,
		Batcher:        batcher,
		DumpIndex:      dumpIdx,
		DumpDir:        cfg.Axum.StateDump,
		DefaultTimeout: 20 * time.Second,
		MaxInferTokens: cfg.Model.MaxInferTokens,
	}

	hub := wsapi.NewHub(server, int64(cfg.Model.MaxConcurrency), slog.Default())

	gin.SetMode(getEnv("GIN_MODE", "release"))
	engine := gin.Default()
	wsapi.RegisterRoutes(engine, hub)

	addr := fmt.Sprintf("%s:%s", address, port)
	httpServer := &http.Server{Addr: addr, Handler: engine}

	go func() {
		slog.Info("rwkvserver listening", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
