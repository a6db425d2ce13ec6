// Package scheduler implements the slot pool and continuous-batch inference
// loop: a fixed-width GPU batch, an LRU cache of resident named states, and
// a dedicated worker that blocks on per-slot token channels and a GPU/model
// backend call. The worker runs as a dedicated goroutine, stops gracefully
// via stopCh + sync.Once + WaitGroup, and backs off with jitter when idle.
package scheduler

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/codeready-toolchain/rwkvserver/pkg/modelbackend"
	"github.com/codeready-toolchain/rwkvserver/pkg/registry"
	"github.com/codeready-toolchain/rwkvserver/pkg/rwkverrors"
)

// InferRequest is one named state's admission into the slot pool. A ticket
// fans out one InferRequest per state it reserves; the scheduler treats
// each independently once admitted.
type InferRequest struct {
	ID     string
	Tokens <-chan []uint16
	Logits chan<- []float32
}

type laneState struct {
	slot     int
	id       string
	tokens   <-chan []uint16
	logits   chan<- []float32
	buffered []uint16
	closed   bool
}

// Scheduler owns the batch, the LRU, and the infer loop goroutine.
type Scheduler struct {
	backend modelbackend.Backend
	batch   modelbackend.Batch
	reg     *registry.Registry
	width   int

	mu       sync.RWMutex
	lru      *lru
	reserved map[int]bool

	reqCh    chan []InferRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *slog.Logger
}

// New constructs a scheduler over a fresh batch of the given width and
// registers itself as the registry's sync capability.
func New(backend modelbackend.Backend, reg *registry.Registry, width int, log *slog.Logger) (*Scheduler, error) {
	batch, err := backend.NewBatch(width)
	if err != nil {
		return nil, fmt.Errorf("scheduler: new batch: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		backend:  backend,
		batch:    batch,
		reg:      reg,
		width:    width,
		lru:      newLRU(),
		reserved: make(map[int]bool),
		reqCh:    make(chan []InferRequest),
		stopCh:   make(chan struct{}),
		log:      log,
	}
	reg.SetSyncer(s)
	return s, nil
}

// Width reports BATCH.
func (s *Scheduler) Width() int { return s.width }

// Submit enqueues one ticket's worth of per-state requests for admission.
func (s *Scheduler) Submit(reqs []InferRequest) {
	select {
	case s.reqCh <- reqs:
	case <-s.stopCh:
	}
}

// Run is the dedicated infer-loop goroutine. It pins itself to an OS thread
// because it blocks synchronously on channels and (in a real backend) on
// GPU calls, and must never share an OS thread with cooperatively scheduled
// async work.
func (s *Scheduler) Run() {
	s.wg.Add(1)
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	active := make(map[int]*laneState)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if len(active) == 0 {
			select {
			case reqs := <-s.reqCh:
				s.admit(reqs, active)
			case <-s.stopCh:
				return
			}
		} else {
			s.drainAdmissions(active)
		}

		if len(active) == 0 {
			s.idleBackoff()
			continue
		}

		tokensPerLane, anyActive := s.collectTokens(active)
		if !anyActive {
			s.reap(active)
			continue
		}

		logitsPerLane, err := s.backend.Infer(s.batch, tokensPerLane)
		if err != nil {
			s.log.Error("infer step failed", "error", err)
			s.reap(active)
			continue
		}
		for slot, row := range logitsPerLane {
			lane, ok := active[slot]
			if !ok {
				continue
			}
			select {
			case lane.logits <- row:
			default:
				s.log.Warn("dropped logits for unready consumer", "slot", slot)
			}
		}
		s.reap(active)
	}
}

func (s *Scheduler) idleBackoff() {
	jitter := time.Duration(5+rand.IntN(10)) * time.Millisecond
	select {
	case <-time.After(jitter):
	case <-s.stopCh:
	}
}

func (s *Scheduler) drainAdmissions(active map[int]*laneState) {
	for {
		select {
		case reqs := <-s.reqCh:
			s.admit(reqs, active)
		default:
			return
		}
	}
}

// admit assigns a slot to each request in priority order: resident hit,
// then free slot, then LRU eviction.
func (s *Scheduler) admit(reqs []InferRequest, active map[int]*laneState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range reqs {
		slot, err := s.assignSlotLocked(req.ID)
		if err != nil {
			s.log.Error("slot assignment failed", "id", req.ID, "error", err)
			continue
		}
		s.reserved[slot] = true
		active[slot] = &laneState{slot: slot, id: req.ID, tokens: req.Tokens, logits: req.Logits}
	}
}

func (s *Scheduler) assignSlotLocked(id string) (int, error) {
	if slot, ok := s.lru.slotFor(id); ok && !s.reserved[slot] {
		s.lru.promote(slot, id)
		return slot, nil
	}

	if s.lru.len() < s.width {
		free := s.firstFreeSlotLocked()
		if free >= 0 {
			named, err := s.reg.Get(id)
			if err != nil {
				return 0, err
			}
			if err := named.Backed.LoadTo(s.batch, free); err != nil {
				return 0, err
			}
			s.lru.promote(free, id)
			return free, nil
		}
	}

	evicted, ok := s.lru.evictLRU(func(slot int) bool { return s.reserved[slot] })
	if ok {
		if err := s.writebackLocked(evicted.id, evicted.slot); err != nil {
			return 0, err
		}
		named, err := s.reg.Get(id)
		if err != nil {
			return 0, err
		}
		if err := named.Backed.LoadTo(s.batch, evicted.slot); err != nil {
			return 0, err
		}
		s.lru.promote(evicted.slot, id)
		return evicted.slot, nil
	}

	// Every slot reserved: a ticket reservation promised a slot exists.
	// Reachable only if MAX_CONCURRENCY exceeds BATCH width, which config
	// validation forbids; kept as a diagnosable error rather than a panic.
	return 0, &rwkverrors.SlotAssignmentError{Reason: "no free or evictable slot for " + id}
}

func (s *Scheduler) firstFreeSlotLocked() int {
	occupied := make(map[int]bool, s.lru.len())
	for slot := 0; slot < s.width; slot++ {
		if _, ok := s.lru.idAt(slot); ok {
			occupied[slot] = true
		}
	}
	for slot := 0; slot < s.width; slot++ {
		if !occupied[slot] {
			return slot
		}
	}
	return -1
}

func (s *Scheduler) writebackLocked(id string, slot int) error {
	named, err := s.reg.Get(id)
	if err != nil {
		// The named state was deleted while resident; nothing to write
		// back to, just free the slot.
		return nil
	}
	return named.Backed.BackFrom(s.batch, slot)
}

func (s *Scheduler) collectTokens(active map[int]*laneState) (map[int][]uint16, bool) {
	out := make(map[int][]uint16, len(active))
	any := false
	for slot, lane := range active {
		if lane.closed {
			continue
		}
		if len(lane.buffered) == 0 {
			toks, ok := <-lane.tokens
			if !ok {
				lane.closed = true
				continue
			}
			lane.buffered = toks
		}
	drain:
		for {
			select {
			case toks, ok := <-lane.tokens:
				if !ok {
					lane.closed = true
					break drain
				}
				lane.buffered = append(lane.buffered, toks...)
			default:
				break drain
			}
		}
		if len(lane.buffered) > 0 {
			out[slot] = lane.buffered
			lane.buffered = nil
			any = true
		}
	}
	return out, any
}

func (s *Scheduler) reap(active map[int]*laneState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot, lane := range active {
		if lane.closed {
			delete(s.reserved, slot)
			delete(active, slot)
		}
	}
}

// Sync implements registry.Syncer: if id is currently resident, write its
// slot back to the backing blob so subsequent reads observe every token
// accepted so far (I3).
func (s *Scheduler) Sync(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.lru.slotFor(id)
	if !ok {
		return nil
	}
	return s.writebackLocked(id, slot)
}

// Stop signals the infer loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
