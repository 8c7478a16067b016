package session

import (
	"context"
	"log/slog"
	"sync"
)

// Sequencer runs tasks strictly one at a time per key, in enqueue order.
// Each active key owns one goroutine that drains its queue and exits once
// the queue is empty, so keys seen only once leave nothing behind. Tasks
// for different keys run concurrently and independently.
type Sequencer struct {
	logger *slog.Logger
	mu     sync.Mutex
	queues map[string]*keyQueue
	wg     sync.WaitGroup
}

type keyQueue struct {
	tasks []func()
}

// NewSequencer creates an empty sequencer.
func NewSequencer(log *slog.Logger) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{
		logger: log.With(slog.String("component", "sequencer")),
		queues: map[string]*keyQueue{},
	}
}

// Enqueue schedules task to run after all previously enqueued tasks for key
// have finished, regardless of whether they panicked. The returned channel
// closes when task has finished.
func (s *Sequencer) Enqueue(key string, task func()) <-chan struct{} {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session task panic",
					slog.String("session", key),
					slog.Any("panic", r),
				)
			}
		}()
		task()
	}

	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &keyQueue{}
		s.queues[key] = q
		q.tasks = append(q.tasks, wrapped)
		s.wg.Add(1)
		go s.drain(key, q)
	} else {
		q.tasks = append(q.tasks, wrapped)
	}
	s.mu.Unlock()
	return done
}

// ActiveKeys reports how many keys currently have queued or running tasks.
func (s *Sequencer) ActiveKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Drain waits until every in-flight task has finished or ctx is cancelled.
// Tasks are never aborted: interrupting mid-delivery could leave a card
// half-updated.
func (s *Sequencer) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
		return nil
	}
}

func (s *Sequencer) drain(key string, q *keyQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.mu.Unlock()
		task()
	}
}
