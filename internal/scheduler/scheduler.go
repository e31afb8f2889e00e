// Package scheduler runs tasks one at a time on a single goroutine.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.scheduler")

// Task is a named unit of work.
type Task[T any] struct {
	Name    string
	Execute func(ctx context.Context) (T, error)
}

// job is a queued task with its future, independent of the result type.
type job interface {
	name() string
	id() string
	// run executes the task unless it was cancelled.
	run(ctx context.Context)
	abort(err error)
}

type queued[T any] struct {
	task   Task[T]
	future *Future[T]
	uid    string
}

func (q *queued[T]) name() string { return q.task.Name }
func (q *queued[T]) id() string   { return q.uid }

func (q *queued[T]) run(ctx context.Context) {
	if !q.future.start() {
		log.Debugf("skipping cancelled %s task %s", q.task.Name, q.uid)
		return
	}
	value, err := execute(ctx, q.task)
	q.future.resolve(value, err)
}

func (q *queued[T]) abort(err error) {
	q.future.abort(err)
}

// execute runs the task, turning a panic into an error so the lane survives.
func execute[T any](ctx context.Context, task Task[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s task panicked: %v\n%s", task.Name, r, debug.Stack())
			err = fmt.Errorf("%s task panicked: %v", task.Name, r)
		}
	}()
	return task.Execute(ctx)
}

// Scheduler is a FIFO queue drained by exactly one goroutine.
type Scheduler struct {
	mu      sync.Mutex
	queue   []job
	stopped bool
	wake    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	running sync.WaitGroup
	tickers sync.WaitGroup
}

// NewScheduler creates a Scheduler. The queue grows as needed; capacity
// only sizes the initial allocation.
func NewScheduler(capacity int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:  make([]job, 0, capacity),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
}

// RunScheduler starts the worker goroutine.
func (s *Scheduler) RunScheduler() {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		for {
			j, ok := s.next()
			if !ok {
				return
			}
			start := time.Now()
			j.run(s.ctx)
			log.Debugf("%s task %s finished in %s", j.name(), j.id(), time.Since(start))
		}
	}()
}

// next blocks until a job is queued or the scheduler stops.
func (s *Scheduler) next() (job, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return j, true
		}
		s.mu.Unlock()
		<-s.wake
	}
}

func (s *Scheduler) enqueue(j job) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Submit queues task and returns its future immediately.
func Submit[T any](s *Scheduler, task Task[T]) *Future[T] {
	f := newFuture[T]()
	q := &queued[T]{task: task, future: f, uid: uuid.NewString()}
	if !s.enqueue(q) {
		f.abort(ErrStopped)
		return f
	}
	log.Debugf("queued %s task %s", task.Name, q.uid)
	return f
}

// Pending returns the number of queued tasks that have not started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SchedulePeriodicTask submits task every interval. A tick is skipped while
// the previous instance is still queued or running.
func (s *Scheduler) SchedulePeriodicTask(interval time.Duration, task Task[struct{}]) {
	ticker := time.NewTicker(interval)
	s.tickers.Add(1)
	go func() {
		defer s.tickers.Done()
		defer ticker.Stop()
		var last *Future[struct{}]
		for {
			select {
			case <-ticker.C:
				if last != nil {
					select {
					case <-last.Done():
					default:
						log.Debugf("skipped scheduling %s, previous run still pending", task.Name)
						continue
					}
				}
				last = Submit(s, task)
			case <-s.stopCh:
				return
			}
		}
	}()
}

// StopScheduler fails every queued task with ErrStopped, waits for the
// running one and stops the worker.
func (s *Scheduler) StopScheduler() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	log.Info("stopping scheduler")
	s.stopped = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	close(s.stopCh)
	for _, j := range pending {
		j.abort(ErrStopped)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.running.Wait()
	s.tickers.Wait()
	s.cancel()
	log.Info("scheduler stopped")
}
