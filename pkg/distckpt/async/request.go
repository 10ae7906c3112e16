// Package async provides the deferred execute/finalize protocol used by
// asynchronous checkpoint saves: a Request pairs the actual write with a
// commit step, and a Queue orders outstanding requests so finalization
// always happens in schedule order.
package async

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrNotExecuted is returned by Finalize when the request's execution has
// not completed yet.
var ErrNotExecuted = errors.New("async request not executed")

// PanicError wraps a panic recovered from a request's execute or finalize
// function so it propagates as an ordinary error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("async request panicked: %v", e.Value)
}

// Request pairs a deferred write (execute) with a deferred commit
// (finalize). Execution happens exactly once no matter how many goroutines
// race to trigger it; finalization happens exactly once and only after
// execution has completed. There is no cancellation: once scheduled, a
// request is eventually executed and finalized, or its failure surfaced.
type Request struct {
	id       string
	execute  func() error
	finalize func() error

	claimed   atomic.Bool
	done      chan struct{}
	execErr   error
	finalized atomic.Bool
	finErr    error
}

// NewRequest creates a request from an execute and a finalize function.
// Either may be nil, meaning that phase is a no-op.
func NewRequest(execute, finalize func() error) *Request {
	return &Request{
		id:       uuid.New().String(),
		execute:  execute,
		finalize: finalize,
		done:     make(chan struct{}),
	}
}

// ID returns the request's correlation ID.
func (r *Request) ID() string {
	return r.id
}

// Execute runs the deferred write. The first caller performs the work; any
// other caller blocks until that work completes and receives the same
// error. Panics in the write surface as *PanicError.
func (r *Request) Execute() error {
	if r.claimed.CompareAndSwap(false, true) {
		r.execErr = runSafely(r.execute)
		close(r.done)
		return r.execErr
	}
	<-r.done
	return r.execErr
}

// Completed reports whether execution has finished, without waiting.
func (r *Request) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Finalize runs the deferred commit. It must follow a successful
// execution: before execution completes it returns ErrNotExecuted, and
// after a failed execution it returns the execution error. A second call
// is ignored.
func (r *Request) Finalize() error {
	if !r.Completed() {
		return ErrNotExecuted
	}
	if r.execErr != nil {
		return r.execErr
	}
	if r.finalized.CompareAndSwap(false, true) {
		r.finErr = runSafely(r.finalize)
		return r.finErr
	}
	return nil
}

func runSafely(fn func() error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn()
}
