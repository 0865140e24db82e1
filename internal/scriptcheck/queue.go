// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scriptcheck

import (
	"context"
	"runtime"
	"sync"
)

const (
	// MaxScriptCheckThreads is the maximum number of worker goroutines a
	// queue will ever run regardless of the configured value.
	MaxScriptCheckThreads = 16

	// ScriptCheckBatchSize is the maximum number of checks a worker removes
	// from the shared queue at once.
	ScriptCheckBatchSize = 128
)

// Check is a single independent unit of verification work.  Implementations
// must not share mutable state with other checks since they are evaluated
// concurrently.
type Check interface {
	Verify() error
}

// NumWorkers returns the number of worker goroutines to use for the provided
// configured value.  Negative values select the number of available processor
// cores.  The result never exceeds the number of cores or
// MaxScriptCheckThreads.  Zero means all verification happens synchronously on
// the goroutine that waits for the results.
func NumWorkers(configured int) int {
	numCPU := runtime.NumCPU()
	n := configured
	if n < 0 || n > numCPU {
		n = numCPU
	}
	if n > MaxScriptCheckThreads {
		n = MaxScriptCheckThreads
	}
	return n
}

// Queue is a bounded work queue serviced by a fixed pool of worker goroutines
// along with the goroutine waiting on the results (the master).  Only one
// session may be active at a time.  The first check that fails aborts the
// session: checks that were not yet dequeued are discarded while batches
// already being evaluated are finished.
type Queue struct {
	numWorkers int
	batchSize  int

	// masterMtx is held for the duration of a session.
	masterMtx sync.Mutex

	// The following fields are protected by mtx.
	//
	// todo is the number of checks of the current session that have been
	// submitted but not yet accounted for by a worker or the master.
	//
	// firstErr houses the first failure observed in the current session and
	// doubles as the abort flag.
	mtx        sync.Mutex
	workerCond *sync.Cond
	masterCond *sync.Cond
	pending    []Check
	todo       int
	firstErr   error
	quit       bool
}

// New returns a new queue that will run the provided number of worker
// goroutines once Run is invoked.  See NumWorkers for the treatment of the
// value.
func New(numWorkers int) *Queue {
	q := &Queue{
		numWorkers: NumWorkers(numWorkers),
		batchSize:  ScriptCheckBatchSize,
	}
	q.workerCond = sync.NewCond(&q.mtx)
	q.masterCond = sync.NewCond(&q.mtx)
	return q
}

// Workers returns the number of worker goroutines the queue runs.
func (q *Queue) Workers() int {
	return q.numWorkers
}

// loop evaluates batches of checks from the shared queue until there is
// nothing left to do.  Workers additionally exit once the queue is shut down
// while the master returns the result of the session once every submitted
// check has been accounted for.
func (q *Queue) loop(isMaster bool) error {
	var batch []Check
	var batchErr error

	q.mtx.Lock()
	for {
		// Account for the batch evaluated during the previous iteration.  A
		// failure discards everything that has not been dequeued yet.
		if batch != nil {
			q.todo -= len(batch)
			if batchErr != nil && q.firstErr == nil {
				q.firstErr = batchErr
				q.todo -= len(q.pending)
				for i := range q.pending {
					q.pending[i] = nil
				}
				q.pending = q.pending[:0]
			}
			if !isMaster && q.todo == 0 {
				q.masterCond.Signal()
			}
			batch, batchErr = nil, nil
		}

		for len(q.pending) == 0 {
			if isMaster {
				if q.todo == 0 {
					err := q.firstErr
					q.firstErr = nil
					q.mtx.Unlock()
					return err
				}
				q.masterCond.Wait()
				continue
			}
			if q.quit {
				q.mtx.Unlock()
				return nil
			}
			q.workerCond.Wait()
		}

		// Workers stop pulling work once shutdown is requested.  The master
		// always drains the queue itself, so nothing is left behind.
		if !isMaster && q.quit {
			q.mtx.Unlock()
			return nil
		}

		// Split the outstanding work across all participants so small
		// sessions still run in parallel.
		numPending := len(q.pending)
		n := numPending / (q.numWorkers + 1)
		if n < 1 {
			n = 1
		}
		if n > q.batchSize {
			n = q.batchSize
		}
		start := numPending - n
		batch = make([]Check, n)
		copy(batch, q.pending[start:])
		for i := start; i < numPending; i++ {
			q.pending[i] = nil
		}
		q.pending = q.pending[:start]
		q.mtx.Unlock()

		for _, check := range batch {
			if err := check.Verify(); err != nil {
				batchErr = err
				break
			}
		}

		q.mtx.Lock()
	}
}

// Run starts the worker goroutines and blocks until the provided context is
// cancelled.  Workers finish the batch they are evaluating before exiting and
// Run does not return until all of them have.
func (q *Queue) Run(ctx context.Context) {
	log.Debugf("Starting %d script verification workers", q.numWorkers)

	var wg sync.WaitGroup
	wg.Add(q.numWorkers)
	for i := 0; i < q.numWorkers; i++ {
		go func() {
			q.loop(false)
			wg.Done()
		}()
	}

	<-ctx.Done()
	q.mtx.Lock()
	q.quit = true
	q.mtx.Unlock()
	q.workerCond.Broadcast()
	wg.Wait()
	log.Trace("Script verification workers stopped")
}

// Session is the handle the master uses to submit the checks of a single
// verification job and collect its result.
type Session struct {
	q    *Queue
	done bool
}

// Begin starts a new verification session, waiting for any session that is
// already in progress to finish.  Wait must be called on the returned session
// to release it.
func (q *Queue) Begin() *Session {
	q.masterMtx.Lock()
	return &Session{q: q}
}

// Add appends the provided checks to the shared queue.  Checks added after a
// failure has already been observed are discarded.
//
// This function does not block beyond acquiring the queue lock.
func (s *Session) Add(checks []Check) {
	if len(checks) == 0 || s.done {
		return
	}

	q := s.q
	q.mtx.Lock()
	if q.firstErr == nil {
		q.pending = append(q.pending, checks...)
		q.todo += len(checks)
	}
	q.mtx.Unlock()

	if len(checks) == 1 {
		q.workerCond.Signal()
	} else {
		q.workerCond.Broadcast()
	}
}

// Wait blocks until every check added to the session has been evaluated or a
// failure has been observed and returns the first failure, if any.  The
// calling goroutine participates in the verification.
//
// The session may not be used after Wait returns.
func (s *Session) Wait() error {
	if s.done {
		return nil
	}
	err := s.q.loop(true)
	s.done = true
	s.q.masterMtx.Unlock()
	return err
}

// Verify is a convenience function which evaluates all of the provided checks
// in a single session and returns the first failure, if any.
func (q *Queue) Verify(checks []Check) error {
	session := q.Begin()
	session.Add(checks)
	return session.Wait()
}
