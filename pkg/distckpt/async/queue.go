package async

import (
	"fmt"
	"sync"
)

// Queue is an ordered collection of scheduled requests. Scheduling hands
// the request's execution to a background goroutine and returns
// immediately; finalization is driven by the caller through MaybeFinalize
// and always proceeds in schedule order, head first. Requests still
// pending at process exit are the caller's responsibility: check Len
// and finalize before exiting.
type Queue struct {
	mu      sync.Mutex
	entries []*Request

	// finMu serializes finalization passes so concurrent callers cannot
	// interleave removals and break FIFO order.
	finMu sync.Mutex
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Schedule appends the request and starts its execution on a background
// goroutine. The caller is never blocked; any execution error stays with
// the request until a finalization pass surfaces it.
func (q *Queue) Schedule(req *Request) {
	q.mu.Lock()
	q.entries = append(q.entries, req)
	q.mu.Unlock()

	go func() {
		_ = req.Execute()
	}()
}

// Len returns the number of requests not yet finalized.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// MaybeFinalize finalizes scheduled requests in FIFO order and reports
// whether anything was finalized.
//
// Blocking mode processes every entry: it waits for each execution to
// complete (running it inline if the background goroutine has not started
// it), then finalizes on the calling goroutine. Non-blocking mode only
// finalizes entries whose execution has already completed, stopping at the
// first one still in flight; entries are never finalized out of schedule
// order.
//
// The first failure, whether from execution or finalization, removes the
// failed entry, stops the pass, and is returned. Entries after the failed
// one remain scheduled so a later pass can still finalize them.
func (q *Queue) MaybeFinalize(blocking bool) (bool, error) {
	q.finMu.Lock()
	defer q.finMu.Unlock()

	finalized := false
	for {
		head, ok := q.head()
		if !ok {
			return finalized, nil
		}
		if !blocking && !head.Completed() {
			return finalized, nil
		}
		if err := head.Execute(); err != nil {
			q.remove(head)
			return finalized, fmt.Errorf("async checkpoint write %s: %w", head.ID(), err)
		}
		if err := head.Finalize(); err != nil {
			q.remove(head)
			return finalized, fmt.Errorf("async checkpoint finalize %s: %w", head.ID(), err)
		}
		q.remove(head)
		finalized = true
	}
}

func (q *Queue) head() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

func (q *Queue) remove(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 && q.entries[0] == req {
		q.entries = q.entries[1:]
	}
}

var defaultQueue = NewQueue()

// Default returns the process-wide queue shared by callers that do not
// construct their own.
func Default() *Queue {
	return defaultQueue
}

// Schedule adds a request to the default queue.
func Schedule(req *Request) {
	defaultQueue.Schedule(req)
}

// MaybeFinalize runs a finalization pass on the default queue.
func MaybeFinalize(blocking bool) (bool, error) {
	return defaultQueue.MaybeFinalize(blocking)
}
