package pubsub

import "sync"

// Queue runs jobs one at a time on its own goroutine, in the order they were
// enqueued. Enqueue never blocks, so a job may enqueue further jobs or call
// back into whatever fed the queue.
type Queue struct {
	mu      sync.Mutex
	jobs    []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go q.run()
	return q
}

// Enqueue schedules job. It reports false once the queue is closed.
func (q *Queue) Enqueue(job func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close refuses new jobs and lets the worker drain what is already queued,
// then run final. It does not wait, so a job may close its own queue.
func (q *Queue) Close(final func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if final != nil {
		q.jobs = append(q.jobs, final)
	}
	q.mu.Unlock()
	q.signal()
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.wake
			continue
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}
