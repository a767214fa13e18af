package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/events"
	"github.com/nimbusops/nimbus/pkg/executor"
	"github.com/nimbusops/nimbus/pkg/log"
	"github.com/nimbusops/nimbus/pkg/reconciler"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

// Manager is the inbound command surface. Each command either rejects
// immediately (precondition or state conflict, surfaced to the caller) or
// moves the resource into a scheduled state and submits one task chain.
type Manager struct {
	store      storage.Store
	exec       *executor.Executor
	reconciler *reconciler.Reconciler
	clients    backend.ClientFactory
	broker     *events.Broker
	logger     zerolog.Logger

	// Poll tuning for chain steps.
	pollDelay    time.Duration
	pollAttempts int
}

// Config carries manager tuning.
type Config struct {
	PollDelay    time.Duration
	PollAttempts int
}

// New creates a manager.
func New(store storage.Store, exec *executor.Executor, rec *reconciler.Reconciler,
	clients backend.ClientFactory, broker *events.Broker, cfg Config) *Manager {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 3 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 100
	}
	return &Manager{
		store:        store,
		exec:         exec,
		reconciler:   rec,
		clients:      clients,
		broker:       broker,
		logger:       log.WithComponent("manager"),
		pollDelay:    cfg.PollDelay,
		pollAttempts: cfg.PollAttempts,
	}
}

// zeroTime skips the modified-since guard on Mutate* calls.
var zeroTime time.Time

// backendFor builds the per-account backend adapter.
func (m *Manager) backendFor(accountID string) (*backend.Backend, error) {
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	client, err := m.clients(account)
	if err != nil {
		return nil, err
	}
	return backend.New(m.store, client, account).
		WithPollTuning(m.pollDelay, m.pollAttempts), nil
}

// Accounts

// CreateAccount registers a new provider account.
func (m *Manager) CreateAccount(account *types.Account) error {
	account.State = types.StateOK
	return m.store.CreateAccount(account)
}

// GetAccount returns one account.
func (m *Manager) GetAccount(id string) (*types.Account, error) {
	return m.store.GetAccount(id)
}

// ListAccounts returns all accounts.
func (m *Manager) ListAccounts() ([]*types.Account, error) {
	return m.store.ListAccounts()
}

// UpdateAccount persists operator changes to an account.
func (m *Manager) UpdateAccount(account *types.Account) error {
	return m.store.UpdateAccount(account)
}

// PullAccount runs one reconciliation pass for the account. Failure marks
// the account erred with the captured message.
func (m *Manager) PullAccount(ctx context.Context, accountID string) error {
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return err
	}

	if err := m.reconciler.PullAccount(ctx, account); err != nil {
		account.State = types.StateErred
		account.ErrorMessage = err.Error()
		if updateErr := m.store.UpdateAccount(account); updateErr != nil {
			m.logger.Error().Err(updateErr).Str("account_id", accountID).
				Msg("failed to mark account erred")
		}
		return err
	}

	if account.State == types.StateErred {
		account.State = types.StateOK
		account.ErrorMessage = ""
		return m.store.UpdateAccount(account)
	}
	return nil
}

// NextTrigger computes a schedule's next firing time after the given
// instant, evaluated in the schedule's timezone.
func NextTrigger(schedule *types.Schedule, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", schedule.Timezone, err)
	}
	expr, err := cron.ParseStandard(schedule.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpression, err)
	}
	return expr.Next(after.In(loc)), nil
}
