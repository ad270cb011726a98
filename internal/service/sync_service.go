package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tazhate/tasksync/internal/clients/caldav"
	"github.com/tazhate/tasksync/internal/domain"
	"github.com/tazhate/tasksync/internal/storage"
	"github.com/tazhate/tasksync/internal/sync"
)

// Alerter pushes account failures to a human, e.g. the Telegram notifier.
type Alerter interface {
	Send(text string) error
}

// SyncService runs the reconciler across all configured accounts, building
// one transport client per account per pass.
type SyncService struct {
	storage    *storage.Storage
	reconciler *sync.Reconciler
	timeout    time.Duration
	batchSize  int
	alerter    Alerter
}

func NewSyncService(s *storage.Storage, rec *sync.Reconciler, timeout time.Duration, batchSize int) *SyncService {
	return &SyncService{
		storage:    s,
		reconciler: rec,
		timeout:    timeout,
		batchSize:  batchSize,
	}
}

func (s *SyncService) SetAlerter(a Alerter) {
	s.alerter = a
}

func (s *SyncService) transport(account *domain.Account) (*caldav.Client, error) {
	client, err := caldav.NewClient(account.URL, account.Username, account.Password)
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		client.SetTimeout(s.timeout)
	}
	client.SetBatchSize(s.batchSize)
	return client, nil
}

// SyncAll runs one pass over every account. Per-account failures are
// recorded on the account and do not stop the remaining accounts.
func (s *SyncService) SyncAll(ctx context.Context) error {
	accounts, err := s.storage.ListAccounts()
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var firstErr error
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.syncAccount(ctx, account); err != nil {
			log.Printf("sync account %s (%s): %v", account.Name, account.UUID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncOne runs one pass for a single account.
func (s *SyncService) SyncOne(ctx context.Context, accountUUID string) error {
	account, err := s.storage.GetAccount(accountUUID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %s not found", accountUUID)
	}
	return s.syncAccount(ctx, account)
}

func (s *SyncService) syncAccount(ctx context.Context, account *domain.Account) error {
	prevError := account.Error

	transport, err := s.transport(account)
	if err != nil {
		return err
	}
	syncErr := s.reconciler.SyncAccount(ctx, account, transport)

	// Alert once per distinct failure, not on every scheduled pass.
	if syncErr != nil && s.alerter != nil && account.Error != prevError {
		msg := fmt.Sprintf("CalDAV sync failed for %s: %v", account.Name, syncErr)
		if err := s.alerter.Send(msg); err != nil {
			log.Printf("send alert: %v", err)
		}
	}
	return syncErr
}
