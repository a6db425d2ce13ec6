// Package softmax implements the softmax batcher: a single-consumer worker
// that coalesces scattered softmax calls into batched backend calls.
package softmax

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
)

type request struct {
	row   []float32
	reply chan []float32
}

// Batcher funnels concurrent single-row softmax calls into batched backend
// calls, up to maxBatch rows per call.
type Batcher struct {
	backend  modelbackend.Backend
	reqCh    chan request
	maxBatch int
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs and starts a batcher's worker goroutine.
func New(backend modelbackend.Backend, maxBatch int) *Batcher {
	if maxBatch <= 0 {
		maxBatch = 8
	}
	b := &Batcher{backend: backend, reqCh: make(chan request), maxBatch: maxBatch, stopCh: make(chan struct{})}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Batcher) run() {
	defer b.wg.Done()
	for {
		select {
		case first := <-b.reqCh:
			batch := []request{first}
		drain:
			for len(batch) < b.maxBatch {
				select {
				case req := <-b.reqCh:
					batch = append(batch, req)
				default:
					break drain
				}
			}
			rows := make([][]float32, len(batch))
			for i, req := range batch {
				rows[i] = req.row
			}
			normalized := b.backend.Softmax(rows)
			for i, req := range batch {
				req.reply <- normalized[i]
			}
		case <-b.stopCh:
			return
		}
	}
}

// Await is the async-awaitable variant: it suspends on the reply channel
// until this row's place in a batch has been processed.
func (b *Batcher) Await(ctx context.Context, row []float32) ([]float32, error) {
	reply := make(chan []float32, 1)
	select {
	case b.reqCh <- request{row: row, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stopCh:
		return nil, context.Canceled
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Blocking is the variant for CPU-bound pipeline workers that must not
// participate in cooperative scheduling; it funnels into the same worker.
func (b *Batcher) Blocking(row []float32) []float32 {
	reply := make(chan []float32, 1)
	b.reqCh <- request{row: row, reply: reply}
	return <-reply
}

// Stop shuts the batcher's worker down.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}
