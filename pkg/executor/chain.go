package executor

import (
	"context"

	"github.com/nimbusops/nimbus/pkg/types"
)

// Chain is an ordered sequence of steps for one lifecycle operation on one
// resource. Chains for different resources run concurrently; the lifecycle
// transition guard is the only thing keeping two chains off the same
// resource.
type Chain struct {
	// Operation names the lifecycle action, e.g. "volume.create".
	Operation    string
	ResourceType string
	ResourceID   string
	AccountID    string

	Steps []Step

	// Transition moves the owning resource's lifecycle state under the
	// store's transactional guard. Bound by the chain builder to the
	// store method for the resource type.
	Transition func(from []types.State, to types.State) error

	// Fail forces the owning resource to ERRED with the message. Called
	// once on any step's unrecoverable failure.
	Fail func(message string)

	// Cleanup, when set, runs after Fail. Instance creation uses it to
	// delete volumes that never reached the backend and mark half
	// created ones ERRED.
	Cleanup func(ctx context.Context)

	// Finalize, when set, runs after the last step succeeds. Deletion
	// chains use it to drop the local record.
	Finalize func() error
}
