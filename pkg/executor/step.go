package executor

import (
	"context"
	"time"

	"github.com/nimbusops/nimbus/pkg/types"
)

// StepKind tags the concrete step variant.
type StepKind string

const (
	KindStateTransition StepKind = "state_transition"
	KindBackendCall     StepKind = "backend_call"
	KindPollRuntime     StepKind = "poll_until_terminal"
	KindExistenceCheck  StepKind = "existence_check"
)

// Step is one unit of a task chain. Each variant carries its own typed
// parameters; the executor dispatches on the concrete type.
type Step interface {
	Kind() StepKind
	Name() string
}

// TransitionStep atomically moves the owning resource's lifecycle state
// forward, independent of any backend call. Used alone when an update
// touches only local metadata.
type TransitionStep struct {
	Desc string
	From []types.State
	To   types.State
}

func (s TransitionStep) Kind() StepKind { return KindStateTransition }
func (s TransitionStep) Name() string   { return s.Desc }

// BackendCallStep invokes one backend adapter operation, wrapped by a
// state transition on entry. Throttled creation steps pass admission
// control first: while too many records of the chain's resource type are
// mid-creation for the account, the step defers instead of running.
type BackendCallStep struct {
	Desc string
	// Enter, when set, is applied before the call.
	Enter *TransitionStep
	// Throttled subjects the step to the creation admission limit.
	Throttled bool
	// ThrottleType overrides the resource type counted for admission;
	// defaults to the chain's resource type.
	ThrottleType string
	Call         func(ctx context.Context) error
}

func (s BackendCallStep) Kind() StepKind { return KindBackendCall }
func (s BackendCallStep) Name() string   { return s.Desc }

// PollStep repeatedly refreshes the resource's runtime state on a fixed
// delay up to a bounded attempt count. It succeeds when the state reaches
// Success, fails with ErrRuntimeErred when it reaches Failure, and fails
// with ErrRetriesExhausted when attempts run out.
type PollStep struct {
	Desc string
	// Poll refreshes the local record from the backend.
	Poll func(ctx context.Context) error
	// Read returns the resource's current runtime state.
	Read        func() (string, error)
	Success     string
	Failure     string
	MaxAttempts int
	Delay       time.Duration
}

func (s PollStep) Kind() StepKind { return KindPollRuntime }
func (s PollStep) Name() string   { return s.Desc }

// ExistenceStep confirms deletion: it polls a backend is-deleted check,
// treating "still exists" as retry and "gone" as success.
type ExistenceStep struct {
	Desc        string
	Deleted     func(ctx context.Context) (bool, error)
	MaxAttempts int
	Delay       time.Duration
}

func (s ExistenceStep) Kind() StepKind { return KindExistenceCheck }
func (s ExistenceStep) Name() string   { return s.Desc }
