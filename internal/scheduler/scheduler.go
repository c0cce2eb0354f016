// Package scheduler runs queued scan sessions on a fixed pool of workers.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("scheduler is stopped")

// Handler processes one session. It owns the session until it returns.
type Handler func(ctx context.Context, sessionID int64)

type job struct {
	runAt     time.Time
	sessionID int64
	seq       int64
}

type jobQueue []job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].runAt.Equal(q[j].runAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].runAt.Before(q[j].runAt)
}
func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x any)   { *q = append(*q, x.(job)) }
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type Scheduler struct {
	handler Handler
	workers int

	mu      sync.Mutex
	queue   jobQueue
	pending map[int64]bool
	seq     int64
	stopped bool
	started bool

	wake   chan struct{}
	jobs   chan job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(workers int, handler Handler) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		handler: handler,
		workers: workers,
		pending: map[int64]bool{},
		wake:    make(chan struct{}, 1),
		jobs:    make(chan job),
	}
}

// Start launches the dispatcher and workers. Handlers receive a context
// derived from ctx that is canceled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
}

// Schedule queues sessionID to run at runAt. A session that is already
// queued or running is not queued again.
func (s *Scheduler) Schedule(runAt time.Time, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.pending[sessionID] {
		return nil
	}
	s.pending[sessionID] = true
	s.seq++
	heap.Push(&s.queue, job{runAt: runAt, sessionID: sessionID, seq: s.seq})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of sessions queued or running.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels running handlers and waits for the workers to exit. Queued
// sessions that have not started are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		var ready []job
		wait := time.Hour

		s.mu.Lock()
		for s.queue.Len() > 0 && !s.queue[0].runAt.After(now) {
			ready = append(ready, heap.Pop(&s.queue).(job))
		}
		if s.queue.Len() > 0 {
			wait = s.queue[0].runAt.Sub(now)
		}
		s.mu.Unlock()

		for _, j := range ready {
			select {
			case s.jobs <- j:
			case <-ctx.Done():
				return
			}
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.handler(ctx, j.sessionID)
			s.mu.Lock()
			delete(s.pending, j.sessionID)
			s.mu.Unlock()
		}
	}
}
