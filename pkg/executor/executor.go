package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/events"
	"github.com/nimbusops/nimbus/pkg/log"
	"github.com/nimbusops/nimbus/pkg/metrics"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

const (
	// DefaultThrottleLimit bounds concurrent creations per resource type
	// per account.
	DefaultThrottleLimit = 4

	defaultWorkers       = 8
	defaultQueueSize     = 256
	defaultThrottleDelay = 2 * time.Second
)

// Executor runs task chains on a worker pool. Chains are admitted through
// a bounded queue; each worker executes one chain at a time, step by step.
type Executor struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	workers       int
	throttleLimit int
	throttleDelay time.Duration

	queue  chan *Chain
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option tunes the executor.
type Option func(*Executor)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithThrottleLimit sets the per-type, per-account creation admission
// limit.
func WithThrottleLimit(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.throttleLimit = n
		}
	}
}

// WithThrottleDelay sets the deferral delay for throttled steps.
func WithThrottleDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.throttleDelay = d
		}
	}
}

// New creates an executor. Call Start to launch the workers.
func New(store storage.Store, broker *events.Broker, opts ...Option) *Executor {
	e := &Executor{
		store:         store,
		broker:        broker,
		logger:        log.WithComponent("executor"),
		workers:       defaultWorkers,
		throttleLimit: DefaultThrottleLimit,
		throttleDelay: defaultThrottleDelay,
		queue:         make(chan *Chain, defaultQueueSize),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Stop drains the workers. Queued chains that have not started are
// dropped; their resources stay in their scheduled state and the stuck
// resource sweep eventually moves them to ERRED.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Submit enqueues a chain and emits the scheduled event.
func (e *Executor) Submit(chain *Chain) error {
	select {
	case <-e.stopCh:
		return ErrStopped
	default:
	}

	select {
	case e.queue <- chain:
		e.publish(chain, events.OutcomeScheduled, nil)
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case chain := <-e.queue:
			e.runChain(ctx, chain)
		}
	}
}

func (e *Executor) runChain(ctx context.Context, chain *Chain) {
	logger := e.logger.With().
		Str("operation", chain.Operation).
		Str("resource_id", chain.ResourceID).
		Logger()

	for _, step := range chain.Steps {
		if err := e.runStep(ctx, chain, step); err != nil {
			logger.Error().Err(err).Str("step", step.Name()).Msg("chain failed")
			e.failChain(ctx, chain, step, err)
			return
		}
		logger.Debug().Str("step", step.Name()).Msg("step completed")
	}

	if chain.Finalize != nil {
		if err := chain.Finalize(); err != nil {
			logger.Error().Err(err).Msg("chain finalize failed")
			e.failChain(ctx, chain, nil, err)
			return
		}
	}

	metrics.ChainsTotal.WithLabelValues(chain.Operation, "succeeded").Inc()
	e.publish(chain, events.OutcomeSucceeded, nil)
}

// failChain lands the resource in ERRED and runs the chain's cleanup.
// Partial side effects are not rolled back; ERRED is the recovery signal.
func (e *Executor) failChain(ctx context.Context, chain *Chain, step Step, err error) {
	message := err.Error()
	if step != nil {
		message = fmt.Sprintf("%s: %s", step.Name(), message)
	}
	if chain.Fail != nil {
		chain.Fail(message)
	}
	if chain.Cleanup != nil {
		chain.Cleanup(ctx)
	}
	metrics.ChainsTotal.WithLabelValues(chain.Operation, "failed").Inc()
	e.publish(chain, events.OutcomeFailed, map[string]string{"error": message})
}

func (e *Executor) runStep(ctx context.Context, chain *Chain, step Step) error {
	switch s := step.(type) {
	case TransitionStep:
		return chain.Transition(s.From, s.To)
	case BackendCallStep:
		return e.runBackendCall(ctx, chain, s)
	case PollStep:
		return e.runPoll(ctx, chain, s)
	case ExistenceStep:
		return e.runExistence(ctx, s)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind())
	}
}

func (e *Executor) runBackendCall(ctx context.Context, chain *Chain, step BackendCallStep) error {
	if step.Throttled {
		throttleType := step.ThrottleType
		if throttleType == "" {
			throttleType = chain.ResourceType
		}
		if err := e.admit(ctx, chain.AccountID, throttleType); err != nil {
			return err
		}
	}
	if step.Enter != nil {
		if err := chain.Transition(step.Enter.From, step.Enter.To); err != nil {
			return err
		}
	}
	return step.Call(ctx)
}

// admit defers the chain while too many records of the resource type are
// mid-creation for the account. Deferrals are unbounded in count; the
// step runs as soon as a slot frees.
func (e *Executor) admit(ctx context.Context, accountID, resourceType string) error {
	for {
		creating, err := e.countCreating(accountID, resourceType)
		if err != nil {
			return err
		}
		if creating < e.throttleLimit {
			return nil
		}

		metrics.ThrottleDeferralsTotal.Inc()
		e.logger.Debug().
			Str("resource_type", resourceType).
			Str("account_id", accountID).
			Int("creating", creating).
			Msg("creation throttled, deferring")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return ErrStopped
		case <-time.After(e.throttleDelay):
		}
	}
}

func (e *Executor) countCreating(accountID, resourceType string) (int, error) {
	switch resourceType {
	case "volume":
		return e.store.CountVolumesInState(accountID, types.StateCreating)
	case "snapshot":
		return e.store.CountSnapshotsInState(accountID, types.StateCreating)
	case "instance":
		return e.store.CountInstancesInState(accountID, types.StateCreating)
	default:
		return 0, nil
	}
}

func (e *Executor) runPoll(ctx context.Context, chain *Chain, step PollStep) error {
	for attempt := 0; attempt < step.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.StepRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return ErrStopped
			case <-time.After(step.Delay):
			}
		}

		metrics.PollAttemptsTotal.WithLabelValues(chain.ResourceType).Inc()
		if err := step.Poll(ctx); err != nil {
			// Precondition failures never resolve by waiting.
			if errors.Is(err, backend.ErrPrecondition) {
				return err
			}
			e.logger.Debug().Err(err).Str("step", step.Name()).Msg("poll attempt failed")
			continue
		}

		state, err := step.Read()
		if err != nil {
			return err
		}
		switch state {
		case step.Success:
			return nil
		case step.Failure:
			return fmt.Errorf("%w: runtime state %q", ErrRuntimeErred, state)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, step.Name(), step.MaxAttempts)
}

func (e *Executor) runExistence(ctx context.Context, step ExistenceStep) error {
	for attempt := 0; attempt < step.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.StepRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return ErrStopped
			case <-time.After(step.Delay):
			}
		}

		gone, err := step.Deleted(ctx)
		if err != nil {
			return err
		}
		if gone {
			return nil
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, step.Name(), step.MaxAttempts)
}

func (e *Executor) publish(chain *Chain, outcome events.Outcome, detail map[string]string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ResourceType: chain.ResourceType,
		ResourceID:   chain.ResourceID,
		AccountID:    chain.AccountID,
		Action:       chain.Operation,
		Outcome:      outcome,
		Detail:       detail,
	})
}
