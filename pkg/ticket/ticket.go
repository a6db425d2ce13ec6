// Package ticket implements the infer ticket: a per-session reservation of
// N slots with bidirectional token/logits channels and a bounded-timeout
// concurrency semaphore, since slot reservations are N-wide, not 1-wide.
package ticket

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codeready-toolchain/rwkvserver/pkg/registry"
	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
	"github.com/codeready-toolchain/rwkvserver/pkg/scheduler"
)

const tokenBuffer = 4

// Pool gates ticket creation behind MAX_CONCURRENCY reserved slots and
// submits admitted requests to the scheduler.
type Pool struct {
	sem       *semaphore.Weighted
	scheduler *scheduler.Scheduler
	reg       *registry.Registry
}

// NewPool constructs a ticket pool with the given total concurrency weight
// (must not exceed the scheduler's BATCH width; see config validation).
func NewPool(sched *scheduler.Scheduler, reg *registry.Registry, maxConcurrency int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(maxConcurrency), scheduler: sched, reg: reg}
}

// Ticket owns one session's slot reservation for its lifetime.
type Ticket struct {
	pool     *Pool
	names    []string
	weight   int64
	tokenCh  []chan []uint16
	logitsCh []chan []float32
	closed   bool
}

// Create resolves names to registry entries, acquires len(names) permits
// (bounded by timeout), and submits one InferRequest per name.
func (p *Pool) Create(ctx context.Context, names []string, timeout time.Duration) (*Ticket, error) {
	for _, name := range names {
		if !p.reg.Has(name) {
			return nil, fmt.Errorf("ticket: %q: %w", name, rwkverrors.ErrNotFound)
		}
	}

	weight := int64(len(names))
	acqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.sem.Acquire(acqCtx, weight); err != nil {
		return nil, fmt.Errorf("ticket: acquire %d permits: %w", weight, rwkverrors.ErrTimeout)
	}

	t := &Ticket{pool: p, names: names, weight: weight}
	reqs := make([]scheduler.InferRequest, len(names))
	for i, name := range names {
		tokenCh := make(chan []uint16, tokenBuffer)
		logitsCh := make(chan []float32, 1)
		t.tokenCh = append(t.tokenCh, tokenCh)
		t.logitsCh = append(t.logitsCh, logitsCh)
		reqs[i] = scheduler.InferRequest{ID: name, Tokens: tokenCh, Logits: logitsCh}
	}
	p.scheduler.Submit(reqs)
	return t, nil
}

// StateSize reports N, the number of states this ticket reserved.
func (t *Ticket) StateSize() int { return len(t.names) }

// Infer sends one token list per state and awaits one logits row per
// state, returned in the same order as the ticket's names. All N sends
// precede all N receives: callers observe a synchronization barrier every
// step, matching the continuous-batch ordering guarantee.
func (t *Ticket) Infer(ctx context.Context, tokensPerState [][]uint16) ([][]float32, error) {
	if len(tokensPerState) != len(t.names) {
		return nil, fmt.Errorf("ticket: expected %d token lists, got %d", len(t.names), len(tokensPerState))
	}
	for i, toks := range tokensPerState {
		select {
		case t.tokenCh[i] <- toks:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([][]float32, len(t.names))
	for i := range t.names {
		select {
		case row := <-t.logitsCh[i]:
			out[i] = row
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Close drops the ticket: closes every token sender, which the scheduler
// observes as slot release on its next sweep, and returns the concurrency
// permits. Safe to call more than once.
func (t *Ticket) Close() {
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.tokenCh {
		close(ch)
	}
	t.pool.sem.Release(t.weight)
}
