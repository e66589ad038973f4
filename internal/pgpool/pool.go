// Package pgpool implements a fixed-size pool of pgworker.Worker
// connections as a single serializing goroutine ("pool-as-agent"): every
// piece of mutable pool state — which workers are idle, busy, starting, or
// dead, and who is waiting for one — is owned exclusively by one run loop
// goroutine and mutated only through channel sends. This makes the FIFO
// waiter hand-off trivially race-free: a released worker either goes
// straight to the next waiter or to Idle, and both decisions happen inside
// the same select case, never split across a lock acquisition.
package pgpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/pingsrv/pingsrv/internal/pgworker"
)

// ErrPoolClosed is returned by Acquire when the pool has been closed,
// including for acquire requests already queued at the moment of closing.
var ErrPoolClosed = errors.New("pgpool: pool closed")

type workerState int

const (
	stateStarting workerState = iota
	stateIdle
	stateBusy
)

type slot struct {
	id     uuid.UUID
	worker *pgworker.Worker
	state  workerState
}

type acquireReq struct {
	reply chan *pgworker.Worker
}

type startedReq struct {
	id     uuid.UUID
	worker *pgworker.Worker
	err    error
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Size     int
	Idle     int
	Busy     int
	Starting int
	Waiting  int
}

// Pool manages a fixed number of concurrently live pgworker connections.
type Pool struct {
	cfg  pgworker.Config
	size int

	acquireCh chan acquireReq
	releaseCh chan *pgworker.Worker
	deadCh    chan uuid.UUID
	startedCh chan startedReq
	statsCh   chan chan Stats
	closeCh   chan struct{}
	doneCh    chan struct{}

	readyCh   chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	waiters *list.List
	slots   map[uuid.UUID]*slot
}

// New starts size workers against cfg and blocks until either all of them
// become usable or ctx is done. On ctx expiring first, the partially
// started pool is closed and ctx.Err() is returned.
func New(ctx context.Context, size int, cfg pgworker.Config) (*Pool, error) {
	p := &Pool{
		cfg:       cfg,
		size:      size,
		acquireCh: make(chan acquireReq),
		releaseCh: make(chan *pgworker.Worker),
		deadCh:    make(chan uuid.UUID, size),
		startedCh: make(chan startedReq, size*2),
		statsCh:   make(chan chan Stats),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		readyCh:   make(chan struct{}),
		waiters:   list.New(),
		slots:     make(map[uuid.UUID]*slot, size),
	}

	go p.run()

	select {
	case <-p.readyCh:
		return p, nil
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
}

func (p *Pool) run() {
	for i := 0; i < p.size; i++ {
		p.spawn()
	}

	for {
		select {
		case req := <-p.acquireCh:
			p.handleAcquire(req)
		case w := <-p.releaseCh:
			p.handleRelease(w)
		case id := <-p.deadCh:
			p.handleDead(id)
		case sr := <-p.startedCh:
			p.handleStarted(sr)
		case reply := <-p.statsCh:
			reply <- p.snapshotStats()
		case <-p.closeCh:
			p.closeErr = p.drainAndExit()
			close(p.doneCh)
			return
		}
	}
}

func (p *Pool) spawn() {
	id := uuid.New()
	p.slots[id] = &slot{id: id, state: stateStarting}
	cfg := p.cfg
	go func() {
		w, err := pgworker.Start(context.Background(), id, cfg)
		p.startedCh <- startedReq{id: id, worker: w, err: err}
	}()
}

// handleStarted processes the result of one worker's startup attempt. A
// failure spawns a fresh replacement immediately, with no backoff: the
// pool is specified to retry forever rather than give up, matching the
// authentication-failure scenario where no worker ever becomes usable.
func (p *Pool) handleStarted(sr startedReq) {
	if sr.err != nil {
		delete(p.slots, sr.id)
		p.spawn()
		return
	}

	s, ok := p.slots[sr.id]
	if !ok {
		// no slot is registered under this id; discard the worker
		sr.worker.Close()
		return
	}
	s.worker = sr.worker

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		req := front.Value.(acquireReq)
		s.state = stateBusy
		req.reply <- sr.worker
	} else {
		s.state = stateIdle
	}

	p.maybeReady()
}

func (p *Pool) maybeReady() {
	count := 0
	for _, s := range p.slots {
		if s.state == stateIdle || s.state == stateBusy {
			count++
		}
	}
	if count >= p.size {
		p.readyOnce.Do(func() { close(p.readyCh) })
	}
}

// handleAcquire serves an acquire request from the first Idle slot found
// (map iteration order is unspecified and that is fine: selection among
// equally-usable idle workers is not observable to callers), or enqueues
// the request in strict FIFO order if none is idle.
func (p *Pool) handleAcquire(req acquireReq) {
	for _, s := range p.slots {
		if s.state == stateIdle {
			s.state = stateBusy
			req.reply <- s.worker
			return
		}
	}
	p.waiters.PushBack(req)
}

// handleRelease hands the released worker directly to the next waiter
// (Busy to Busy, never passing through Idle) if one is queued, or marks
// the slot Idle otherwise. This direct hand-off is the invariant that
// prevents a concurrently arriving acquirer from stealing the worker out
// from under the waiter that has been patiently queued the longest.
func (p *Pool) handleRelease(w *pgworker.Worker) {
	s, ok := p.slots[w.ID]
	if !ok {
		w.Close()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		req := front.Value.(acquireReq)
		req.reply <- w
		return
	}

	s.state = stateIdle
}

func (p *Pool) handleDead(id uuid.UUID) {
	s, ok := p.slots[id]
	if !ok {
		return
	}
	if s.worker != nil {
		s.worker.Close()
	}
	delete(p.slots, id)
	p.spawn()
}

func (p *Pool) snapshotStats() Stats {
	var st Stats
	st.Size = p.size
	st.Waiting = p.waiters.Len()
	for _, s := range p.slots {
		switch s.state {
		case stateIdle:
			st.Idle++
		case stateBusy:
			st.Busy++
		case stateStarting:
			st.Starting++
		}
	}
	return st
}

// drainAndExit runs inside the run loop when closeCh fires: it releases
// every queued waiter (so Acquire callers unblock with ErrPoolClosed) and
// closes every live worker socket, aggregating any close errors.
func (p *Pool) drainAndExit() error {
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(acquireReq).reply)
	}
	p.waiters.Init()

	var result *multierror.Error
	for _, s := range p.slots {
		if s.worker != nil {
			if err := s.worker.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing worker %s: %w", s.id, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// Acquire blocks until a worker is available and returns it. It never
// times out and takes no context: the pool's contract is that a query
// blocks as long as necessary, with any deadline applied by the caller
// above this layer.
func (p *Pool) Acquire() (*pgworker.Worker, error) {
	reply := make(chan *pgworker.Worker)
	select {
	case p.acquireCh <- acquireReq{reply: reply}:
	case <-p.closeCh:
		return nil, ErrPoolClosed
	}

	w, ok := <-reply
	if !ok {
		return nil, ErrPoolClosed
	}
	return w, nil
}

// Release returns a healthy worker to the pool.
func (p *Pool) Release(w *pgworker.Worker) {
	select {
	case p.releaseCh <- w:
	case <-p.closeCh:
		w.Close()
	}
}

// ReportDead tells the pool that w's connection failed at the transport
// level and must be replaced.
func (p *Pool) ReportDead(w *pgworker.Worker) {
	select {
	case p.deadCh <- w.ID:
	case <-p.closeCh:
	}
}

// Stats returns a snapshot of current pool occupancy.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.closeCh:
		return Stats{Size: p.size}
	}
}

// Close shuts the pool down: queued acquirers unblock with ErrPoolClosed
// and every worker socket is closed. Close is idempotent and returns any
// errors encountered closing worker sockets, aggregated together.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
	<-p.doneCh
	return p.closeErr
}
