package executor

import "errors"

var (
	// ErrRuntimeErred means a polled resource's backend status reached
	// the designated error value. Non-retryable.
	ErrRuntimeErred = errors.New("runtime state became erred")

	// ErrRetriesExhausted means a polling loop ran out of attempts
	// without reaching a terminal state.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrQueueFull is returned by Submit when the chain queue is at
	// capacity.
	ErrQueueFull = errors.New("chain queue full")

	// ErrStopped is returned by Submit after the executor shut down.
	ErrStopped = errors.New("executor stopped")
)
