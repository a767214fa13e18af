package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/log"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

// ErrPrecondition marks a validation failure raised before any provider
// call. The pipeline treats it as non-retryable.
var ErrPrecondition = errors.New("precondition failed")

// ClientFactory builds a cloud client for an account. Passing it at
// construction keeps the account-to-provider mapping explicit instead of a
// process-global registry.
type ClientFactory func(account *types.Account) (cloud.Client, error)

// OpenStackFactory authenticates against the account's provider endpoint.
func OpenStackFactory(account *types.Account) (cloud.Client, error) {
	return cloud.NewOpenStackClient(cloud.Credentials{
		AuthURL:  account.AuthURL,
		Username: account.Username,
		Password: account.Password,
		TenantID: account.TenantID,
	})
}

// StaticFactory always returns the given client. Used by tests and the dev
// backend.
func StaticFactory(client cloud.Client) ClientFactory {
	return func(*types.Account) (cloud.Client, error) {
		return client, nil
	}
}

// Backend is the per-account resource adapter: one method per lifecycle
// verb per resource type. Methods issue provider calls through the facade
// and copy identifying/derived fields back onto local records.
type Backend struct {
	store   storage.Store
	client  cloud.Client
	account *types.Account
	logger  zerolog.Logger

	// Synchronous wait tuning for instance creation.
	pollInterval time.Duration
	maxPolls     int
}

// New creates a backend adapter for one account.
func New(store storage.Store, client cloud.Client, account *types.Account) *Backend {
	return &Backend{
		store:        store,
		client:       client,
		account:      account,
		logger:       log.WithAccount(account.ID),
		pollInterval: 3 * time.Second,
		maxPolls:     100,
	}
}

// WithPollTuning overrides the synchronous wait parameters.
func (b *Backend) WithPollTuning(interval time.Duration, maxPolls int) *Backend {
	b.pollInterval = interval
	b.maxPolls = maxPolls
	return b
}

// Account returns the adapter's account.
func (b *Backend) Account() *types.Account {
	return b.account
}

// zeroTime skips the modified-since guard on Mutate* calls issued by
// lifecycle verbs; the guard is for reconciliation pulls.
var zeroTime time.Time

func newID() string {
	return uuid.New().String()
}

// Size conversion between local megabytes and the provider's gigabytes.

func mbToGB(mb int) int {
	gb := mb / 1024
	if mb%1024 != 0 {
		gb++
	}
	return gb
}

func gbToMB(gb int) int {
	return gb * 1024
}

// requireBackendID guards provider calls that need an existing backend id.
func requireBackendID(kind, id, backendID string) error {
	if backendID == "" {
		return fmt.Errorf("%w: %s %s has no backend id", ErrPrecondition, kind, id)
	}
	return nil
}
