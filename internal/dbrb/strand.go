package dbrb

import "sync"

// strand is a single-goroutine task queue: every func() submitted to it runs
// strictly after the ones submitted before it, and never concurrently with
// another task from the same strand. The engines use a strand per process so
// that message handling and reconfiguration both observe
// and mutate the process's state without needing a broad mutex around every
// method.
type strand struct {
	tasks  chan func()
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// newStrand starts the strand's worker goroutine. queueSize bounds how many
// pending tasks may be buffered before Post blocks; 0 means unbuffered.
func newStrand(queueSize int) *strand {
	s := &strand{
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *strand) run() {
	defer close(s.closed)
	for {
		select {
		case task, ok := <-s.tasks:
			if !ok {
				return
			}
			task()
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain runs any tasks still buffered in the channel before the strand
// exits, so a Stop does not silently discard already-accepted work.
func (s *strand) drain() {
	for {
		select {
		case task, ok := <-s.tasks:
			if !ok {
				return
			}
			task()
		default:
			return
		}
	}
}

// Post enqueues task to run on the strand's goroutine. Safe to call from any
// goroutine, including from within a task already running on the strand
// (the nested task runs after the current one returns).
func (s *strand) Post(task func()) {
	select {
	case s.tasks <- task:
	case <-s.done:
		dbrbLogger().Debugw("dropped task posted to a stopped strand")
	}
}

// PostAndWait enqueues task and blocks until it has run.
func (s *strand) PostAndWait(task func()) {
	wait := make(chan struct{})
	s.Post(func() {
		defer close(wait)
		task()
	})
	<-wait
}

// Stop signals the strand to finish any buffered tasks and exit. It is safe
// to call Stop more than once.
func (s *strand) Stop() {
	s.once.Do(func() { close(s.done) })
	<-s.closed
}
