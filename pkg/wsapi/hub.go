package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// Dispatcher resolves a command string to a handler and is supplied by the
// server wiring layer (cmd/rwkvserver). Kept as an interface so wsapi has
// no compile-time dependency on the domain packages it dispatches into.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, data json.RawMessage) (any, error)
}

// Hub upgrades and owns every live WebSocket connection. It has no
// broadcast responsibility: each connection only ever talks to the one
// client that opened it, which is why Hub itself is a thin registry rather
// than holding a shared connections map guarded by its own lock.
type Hub struct {
	dispatcher     Dispatcher
	maxConcurrency int64
	log            *slog.Logger
}

// NewHub constructs a hub bound to dispatcher, capping a single
// connection's in-flight commands at maxConcurrency (mirroring the
// backend's own MAX_CONCURRENCY so a flooding client can't outrun the
// scheduler it shares with every other connection).
func NewHub(dispatcher Dispatcher, maxConcurrency int64, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{dispatcher: dispatcher, maxConcurrency: maxConcurrency, log: log}
}

const writeTimeout = 10 * time.Second

// HandleConnection drives one upgraded connection until it closes. A single
// writer goroutine owns conn.WriteMessage, since gorilla/websocket
// connections are not safe for concurrent writers.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	writeCh := make(chan writeJob, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writerLoop(conn, writeCh)
	}()

	sem := semaphore.NewWeighted(h.maxConcurrency)
	var inflight sync.WaitGroup

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		codec := JSONCodec
		if msgType == websocket.BinaryMessage {
			codec = BSONCodec
		}

		var req Request
		if err := codec.Unmarshal(data, &req); err != nil {
			writeResponse(writeCh, codec, parseErrorResponse(err))
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		inflight.Add(1)
		go func(req Request, codec FrameCodec) {
			defer inflight.Done()
			defer sem.Release(1)
			h.handleCommand(ctx, req, codec, writeCh)
		}(req, codec)
	}

	inflight.Wait()
	close(writeCh)
	wg.Wait()
}

// handleCommand dispatches one parsed request and writes its response.
// Commands are dispatched in parallel per connection with no ordering
// guarantee between them; clients correlate responses via echo_id.
func (h *Hub) handleCommand(ctx context.Context, req Request, codec FrameCodec, writeCh chan<- writeJob) {
	start := time.Now()
	result, err := h.dispatcher.Dispatch(ctx, req.Command, req.Data)
	elapsed := time.Since(start)

	resp := Response{EchoID: req.EchoID, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		h.log.Warn("command failed", "command", req.Command, "echo_id", req.EchoID, "error", err)
	} else {
		resp.Status = StatusSuccess
		resp.Result = result
	}
	writeResponse(writeCh, codec, resp)
}

type writeJob struct {
	codec FrameCodec
	resp  Response
}

func writeResponse(ch chan<- writeJob, codec FrameCodec, resp Response) {
	ch <- writeJob{codec: codec, resp: resp}
}

func (h *Hub) writerLoop(conn *websocket.Conn, ch <-chan writeJob) {
	for job := range ch {
		payload, err := job.codec.Marshal(job.resp)
		if err != nil {
			h.log.Error("marshal response failed", "error", err)
			continue
		}
		msgType := websocket.TextMessage
		if _, isBSON := job.codec.(bsonCodec); isBSON {
			msgType = websocket.BinaryMessage
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(msgType, payload); err != nil {
			h.log.Warn("write failed, closing connection", "error", err)
			return
		}
	}
}
